package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"a2anode/pkg/agent"
	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"
)

var logger = logging.Logger("a2a-daemon")

const (
	operatorSendTimeout = 30 * time.Second
	startupInitTimeout  = 30 * time.Second
)

type daemonFlags struct {
	configPath    string
	envFiles      []string
	name          string
	description   string
	endpoint      string
	encrypted     bool
	scheme        string
	journal       string
	controlListen string
	controlToken  string
	headless      bool
	logLevel      string
	noAnnounce    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var f daemonFlags
	cmd := &cobra.Command{
		Use:          "a2a-node",
		Short:        "Run an A2A node: discover agents, exchange tasks, answer them",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, f)
			if err != nil {
				return err
			}
			return runDaemon(cfg, f.headless, !f.noAnnounce, os.Stdin)
		},
	}
	bindDaemonFlags(cmd, &f)
	return cmd
}

func bindDaemonFlags(cmd *cobra.Command, f *daemonFlags) {
	flags := cmd.Flags()
	flags.StringVar(&f.configPath, "config", "", "Optional TOML or YAML config file")
	flags.StringSliceVar(&f.envFiles, "env-file", []string{".env"}, "dotenv files loaded before A2A_* variables are read")
	flags.StringVar(&f.name, "name", "", "Agent name advertised on the card")
	flags.StringVar(&f.description, "description", "", "Agent description advertised on the card")
	flags.StringVar(&f.endpoint, "endpoint", "", "Transport endpoint (memory://, wss://, redis://, http://nwaku, /ip4/... for gossipsub)")
	flags.BoolVar(&f.encrypted, "encrypted", false, "Require sealed task traffic")
	flags.StringVar(&f.scheme, "scheme", "", "Encryption scheme: nip44 or x25519")
	flags.StringVar(&f.journal, "journal", "", "SQLite journal path for relay cursors, task history and the blocklist")
	flags.StringVar(&f.controlListen, "control-listen", "", "Local control API listen address (for example 127.0.0.1:8787)")
	flags.StringVar(&f.controlToken, "control-token", "", "Control API token (sent in X-A2A-Token)")
	flags.BoolVar(&f.headless, "headless", false, "Run without interactive operator console")
	flags.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.BoolVar(&f.noAnnounce, "no-announce", false, "Skip the startup announce")
}

// resolveConfig layers defaults, the config file, dotenv and A2A_* variables, then explicit flags.
func resolveConfig(cmd *cobra.Command, f daemonFlags) (agent.Config, error) {
	if err := agent.LoadDotEnv(f.envFiles...); err != nil {
		return agent.Config{}, fmt.Errorf("load env files: %w", err)
	}
	cfg, err := agent.LoadConfig(f.configPath)
	if err != nil {
		return agent.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return agent.Config{}, err
	}
	changed := cmd.Flags().Changed
	if changed("name") {
		cfg.Name = f.name
	}
	if changed("description") {
		cfg.Description = f.description
	}
	if changed("endpoint") {
		cfg.Endpoint = f.endpoint
	}
	if changed("encrypted") {
		cfg.Encrypted = f.encrypted
	}
	if changed("scheme") {
		cfg.EncryptionScheme = f.scheme
	}
	if changed("journal") {
		cfg.JournalPath = f.journal
	}
	if changed("control-listen") {
		cfg.ControlListen = f.controlListen
	}
	if changed("control-token") {
		cfg.ControlToken = f.controlToken
	}
	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return agent.Config{}, err
	}
	return cfg, nil
}

func runDaemon(cfg agent.Config, headless, announce bool, console io.Reader) error {
	if err := agent.SetLogLevel(cfg.LogLevel); err != nil {
		fmt.Printf("[Startup] Ignoring log level %q: %v\n", cfg.LogLevel, err)
	}
	if strings.TrimSpace(cfg.ControlListen) != "" && strings.TrimSpace(cfg.ControlToken) == "" {
		return errors.New("refusing to start control API without token; set --control-token when using --control-listen")
	}

	fmt.Printf("Starting A2A node %q...\n", cfg.Name)
	fmt.Printf("Endpoint: %s\n", cfg.Endpoint)
	if cfg.JournalPath != "" {
		fmt.Printf("Journal: %s\n", cfg.JournalPath)
	}

	node := agent.NewNode(cfg, agent.WithObserver(agent.LogObserver{}))
	ctx, cancel := context.WithTimeout(context.Background(), startupInitTimeout)
	err := node.Init(ctx, cfg.Name, cfg.Description, cfg.Endpoint, cfg.Encrypted)
	cancel()
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	pub, _ := node.PubKey()
	fmt.Printf("Node started! Public id: %s\n", pub)
	fmt.Printf("Direct topic: %s\n", agent.DirectTopic(pub))

	if announce {
		actx, acancel := context.WithTimeout(context.Background(), operatorSendTimeout)
		if err := node.Announce(actx); err != nil {
			fmt.Printf("[Startup] Announce failed: %v\n", err)
		} else {
			fmt.Println("[Startup] Announced agent card")
		}
		acancel()
	}

	stop := make(chan struct{}, 1)
	requestStop := func() {
		select {
		case stop <- struct{}{}:
		default:
		}
	}

	var controlServer *controlAPIServer
	if listen := strings.TrimSpace(cfg.ControlListen); listen != "" {
		if !isLikelyLoopbackAddr(listen) {
			fmt.Printf("[Startup] Warning: control API is not bound to loopback (%s). Prefer 127.0.0.1 or localhost.\n", listen)
		}
		controlServer, err = startControlAPI(listen, node, controlOptions{
			Token:      cfg.ControlToken,
			RateLimit:  cfg.ControlRateLimit,
			RateWindow: time.Duration(cfg.ControlRateWindowSec) * time.Second,
			OnShutdown: requestStop,
		})
		if err != nil {
			node.Shutdown()
			return fmt.Errorf("start control API: %w", err)
		}
		fmt.Printf("[Startup] Control API listening on http://%s\n", listen)
	}

	if headless {
		fmt.Println("[Startup] Headless mode enabled: operator console disabled")
	} else {
		fmt.Println("Operator console: announce | agents | send <pubkey> <text> | poll | respond <task> <text> | status <task> | help")
		go operatorConsole(node, console, os.Stdout)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	select {
	case <-sig:
	case <-stop:
	}

	if controlServer != nil {
		if err := controlServer.Stop(); err != nil {
			logger.Warnf("control API stop: %v", err)
		}
	}
	node.Shutdown()
	fmt.Println("Node stopped.")
	return nil
}

func operatorConsole(node *agent.Node, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		runOperatorCommand(node, line, out)
	}
}

func runOperatorCommand(node *agent.Node, line string, out io.Writer) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}
	printf := func(format string, args ...interface{}) { fmt.Fprintf(out, format, args...) }
	switch strings.ToLower(parts[0]) {
	case "help":
		printf("Commands:\n")
		printf("  whoami\n")
		printf("  card\n")
		printf("  announce\n")
		printf("  agents\n")
		printf("  send <pubkey> <text>\n")
		printf("  message <pubkey> <text>\n")
		printf("  poll\n")
		printf("  respond <task> <text>\n")
		printf("  status <task>\n")
		printf("  sent\n")
		printf("  history [limit]\n")
		printf("  block <pubkey>\n")
		printf("  unblock <pubkey>\n")
		printf("  blocked\n")
	case "whoami":
		pub, err := node.PubKey()
		if err != nil {
			printf("[Operator] %v\n", err)
			return
		}
		printf("[Operator] %s\n", pub)
	case "card":
		card, err := node.AgentCardJSON()
		if err != nil {
			printf("[Operator] %v\n", err)
			return
		}
		printf("%s\n", card)
	case "announce":
		ctx, cancel := context.WithTimeout(context.Background(), operatorSendTimeout)
		err := node.Announce(ctx)
		cancel()
		if err != nil {
			printf("[Operator] Announce failed: %v\n", err)
			return
		}
		printf("[Operator] Card announced\n")
	case "agents":
		entries, err := node.Discover()
		if err != nil {
			printf("[Operator] Discover failed: %v\n", err)
			return
		}
		if len(entries) == 0 {
			printf("[Operator] No agents discovered yet\n")
			return
		}
		printf("[Operator] Agents (%d):\n", len(entries))
		for _, e := range entries {
			state := "fresh"
			if !e.Fresh {
				state = "stale"
			}
			printf("- %s %s [%s] seen %s (%s)\n", e.Card.Name, e.Card.PublicKey, strings.Join(e.Card.Capabilities, ","), e.LastSeen.Format(time.RFC3339), state)
		}
	case "send", "message":
		if len(parts) < 3 {
			printf("[Operator] Usage: %s <pubkey> <text>\n", parts[0])
			return
		}
		text := strings.Join(parts[2:], " ")
		ctx, cancel := context.WithTimeout(context.Background(), operatorSendTimeout)
		defer cancel()
		if strings.ToLower(parts[0]) == "message" {
			if err := node.SendMessage(ctx, parts[1], text); err != nil {
				printf("[Operator] Message failed: %v\n", err)
				return
			}
			printf("[Operator] Message sent to %s\n", parts[1])
			return
		}
		id, err := node.SendText(ctx, parts[1], text)
		if err != nil {
			printf("[Operator] Send failed: %v\n", err)
			return
		}
		printf("[Operator] Task %s sent to %s\n", id, parts[1])
	case "poll":
		tasks, err := node.PollTasks()
		if err != nil {
			printf("[Operator] Poll failed: %v\n", err)
			return
		}
		if len(tasks) == 0 {
			printf("[Operator] No pending tasks\n")
			return
		}
		printf("[Operator] Tasks (%d):\n", len(tasks))
		for _, t := range tasks {
			printf("- %s from %s: %s\n", t.ID, t.Requester, t.Payload)
		}
	case "respond":
		if len(parts) < 3 {
			printf("[Operator] Usage: respond <task> <text>\n")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operatorSendTimeout)
		err := node.Respond(ctx, parts[1], strings.Join(parts[2:], " "))
		cancel()
		if err != nil {
			printf("[Operator] Respond failed: %v\n", err)
			return
		}
		printf("[Operator] Responded to %s\n", parts[1])
	case "status":
		if len(parts) < 2 {
			printf("[Operator] Usage: status <task>\n")
			return
		}
		st, err := node.TaskStatus(parts[1])
		if err != nil {
			printf("[Operator] %v\n", err)
			return
		}
		printOutbound(printf, st)
	case "sent":
		tasks, err := node.SentTasks()
		if err != nil {
			printf("[Operator] %v\n", err)
			return
		}
		if len(tasks) == 0 {
			printf("[Operator] No tasks sent yet\n")
			return
		}
		for _, st := range tasks {
			printOutbound(printf, st)
		}
	case "history":
		j := node.Journal()
		if j == nil {
			printf("[Operator] No journal configured\n")
			return
		}
		limit := 20
		if len(parts) > 1 {
			if n, err := strconv.Atoi(parts[1]); err == nil && n > 0 {
				limit = n
			}
		}
		recs, err := j.RecentTasks(limit)
		if err != nil {
			printf("[Operator] History read failed: %v\n", err)
			return
		}
		if len(recs) == 0 {
			printf("[Operator] History is empty\n")
			return
		}
		for _, r := range recs {
			printf("- %s %s peer=%s state=%s text=%q result=%q\n", r.Direction, r.ID, r.Peer, r.State, r.Text, r.Result)
		}
	case "block":
		if len(parts) < 2 {
			printf("[Operator] Usage: block <pubkey>\n")
			return
		}
		if err := node.BlockPeer(parts[1]); err != nil {
			printf("[Operator] Block failed: %v\n", err)
			return
		}
		printf("[Operator] Blocked peer: %s\n", parts[1])
	case "unblock":
		if len(parts) < 2 {
			printf("[Operator] Usage: unblock <pubkey>\n")
			return
		}
		if !node.UnblockPeer(parts[1]) {
			printf("[Operator] Peer was not blocked: %s\n", parts[1])
			return
		}
		printf("[Operator] Unblocked peer: %s\n", parts[1])
	case "blocked":
		peers := node.BlockedPeers()
		if len(peers) == 0 {
			printf("[Operator] Blocklist is empty\n")
			return
		}
		printf("[Operator] Blocked peers (%d):\n", len(peers))
		for _, p := range peers {
			printf("- %s\n", p)
		}
	default:
		printf("[Operator] Unknown command: %s (try: help)\n", parts[0])
	}
}

func printOutbound(printf func(string, ...interface{}), st agent.OutboundTask) {
	line := fmt.Sprintf("- %s to %s state=%s", st.ID, st.Peer, st.State)
	if !st.AckedAt.IsZero() {
		line += " acked"
	}
	if st.Result != "" {
		line += fmt.Sprintf(" result=%q", st.Result)
	}
	printf("%s\n", line)
}

func isLikelyLoopbackAddr(addr string) bool {
	addr = strings.TrimSpace(strings.ToLower(addr))
	return strings.HasPrefix(addr, "127.0.0.1:") || strings.HasPrefix(addr, "localhost:") || strings.HasPrefix(addr, "[::1]:")
}
