package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const tokenHeader = "X-A2A-Token"

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(method, path string, body interface{}) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, strings.TrimRight(c.base, "/")+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(tokenHeader, c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			if e.Code != "" {
				return nil, fmt.Errorf("%s (%s, HTTP %d)", e.Error, e.Code, resp.StatusCode)
			}
			return nil, fmt.Errorf("%s (HTTP %d)", e.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func printJSON(out io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = out.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	c := &client{http: &http.Client{Timeout: 45 * time.Second}}
	root := &cobra.Command{
		Use:          "agent",
		Short:        "Talk to a running a2a-node through its control API",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&c.base, "api", envOr("A2A_CONTROL_URL", "http://127.0.0.1:8787"), "Control API base URL")
	root.PersistentFlags().StringVar(&c.token, "token", os.Getenv("A2A_CONTROL_TOKEN"), "Control API token")

	get := func(path string) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			raw, err := c.do(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		}
	}
	post := func(path string, body func(args []string) interface{}) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			var payload interface{}
			if body != nil {
				payload = body(args)
			}
			raw, err := c.do(http.MethodPost, path, payload)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		}
	}

	root.AddCommand(
		&cobra.Command{Use: "status", Short: "Show node status", Args: cobra.NoArgs, RunE: get("/v1/status")},
		&cobra.Command{Use: "pubkey", Short: "Print the node public id", Args: cobra.NoArgs, RunE: get("/v1/pubkey")},
		&cobra.Command{Use: "card", Short: "Print the signed agent card", Args: cobra.NoArgs, RunE: get("/v1/card")},
		&cobra.Command{Use: "announce", Short: "Publish the agent card", Args: cobra.NoArgs, RunE: post("/v1/announce", nil)},
		&cobra.Command{Use: "discover", Short: "List discovered agents", Args: cobra.NoArgs, RunE: get("/v1/agents")},
		&cobra.Command{Use: "history", Short: "Show journaled tasks", Args: cobra.NoArgs, RunE: get("/v1/history")},
		&cobra.Command{
			Use:   "message <pubkey> <text>",
			Short: "Send a one-way message",
			Args:  cobra.MinimumNArgs(2),
			RunE: post("/v1/messages", func(args []string) interface{} {
				return map[string]string{"to": args[0], "text": strings.Join(args[1:], " ")}
			}),
		},
		newTaskCommand(get, post),
		newPeerCommand(get, post),
	)
	return root
}

type handlerFactory func(path string) func(*cobra.Command, []string) error
type postFactory func(path string, body func(args []string) interface{}) func(*cobra.Command, []string) error

func newTaskCommand(get handlerFactory, post postFactory) *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Send, poll and answer tasks"}
	task.AddCommand(
		&cobra.Command{
			Use:   "send <pubkey> <text>",
			Short: "Send a text task to a discovered agent",
			Args:  cobra.MinimumNArgs(2),
			RunE: post("/v1/tasks", func(args []string) interface{} {
				return map[string]string{"to": args[0], "text": strings.Join(args[1:], " ")}
			}),
		},
		&cobra.Command{Use: "poll", Short: "Drain pending inbound tasks", Args: cobra.NoArgs, RunE: post("/v1/inbox/poll", nil)},
		&cobra.Command{
			Use:   "respond <task> <text>",
			Short: "Answer a polled task",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return post("/v1/inbox/"+args[0]+"/respond", func(args []string) interface{} {
					return map[string]string{"text": strings.Join(args[1:], " ")}
				})(cmd, args)
			},
		},
		&cobra.Command{
			Use:   "status <task>",
			Short: "Show the state of a sent task",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return get("/v1/tasks/"+args[0])(cmd, args)
			},
		},
		&cobra.Command{Use: "list", Short: "List sent tasks", Args: cobra.NoArgs, RunE: get("/v1/tasks")},
	)
	return task
}

func newPeerCommand(get handlerFactory, post postFactory) *cobra.Command {
	peer := &cobra.Command{Use: "peer", Short: "Manage the blocklist"}
	body := func(args []string) interface{} { return map[string]string{"peer_id": args[0]} }
	peer.AddCommand(
		&cobra.Command{Use: "block <pubkey>", Short: "Block a peer", Args: cobra.ExactArgs(1), RunE: post("/v1/block", body)},
		&cobra.Command{Use: "unblock <pubkey>", Short: "Unblock a peer", Args: cobra.ExactArgs(1), RunE: post("/v1/unblock", body)},
		&cobra.Command{Use: "blocked", Short: "List blocked peers", Args: cobra.NoArgs, RunE: get("/v1/blocked")},
	)
	return peer
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
