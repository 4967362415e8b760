package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func mustPubKey(t *testing.T, n *Node) string {
	t.Helper()
	id, err := n.PubKey()
	if err != nil {
		t.Fatalf("pubkey: %v", err)
	}
	return id
}

func newBusNode(t *testing.T, bus *MemoryBus, name string, cfg Config, opts ...Option) *Node {
	t.Helper()
	cfg.Name = name
	n := NewNode(cfg, append([]Option{WithTransport(bus.Transport())}, opts...)...)
	if err := n.Init(context.Background(), name, "", "memory://test", cfg.Encrypted); err != nil {
		t.Fatalf("init %s: %v", name, err)
	}
	t.Cleanup(n.Shutdown)
	return n
}

// newPeers starts alice and bob on one bus and has both announce.
func newPeers(t *testing.T, cfg Config) (*Node, *Node) {
	t.Helper()
	bus := NewMemoryBus()
	alice := newBusNode(t, bus, "alice", cfg)
	bob := newBusNode(t, bus, "bob", cfg)
	ctx := context.Background()
	if err := alice.Announce(ctx); err != nil {
		t.Fatalf("announce alice: %v", err)
	}
	if err := bob.Announce(ctx); err != nil {
		t.Fatalf("announce bob: %v", err)
	}
	return alice, bob
}

func exchangeHello(t *testing.T, alice, bob *Node) {
	t.Helper()
	ctx := context.Background()
	bobID := mustPubKey(t, bob)

	taskID, err := alice.SendText(ctx, bobID, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	tasks, err := bob.PollTasks()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one task, got %d", len(tasks))
	}
	got := tasks[0]
	if got.ID != taskID || got.Payload != "hello" || got.Requester != mustPubKey(t, alice) {
		t.Fatalf("unexpected inbox task %#v", got)
	}
	if again, _ := bob.PollTasks(); len(again) != 0 {
		t.Fatalf("expected empty second poll, got %d", len(again))
	}

	if err := bob.Respond(ctx, taskID, "hi"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	st, err := alice.TaskStatus(taskID)
	if err != nil {
		t.Fatalf("task status: %v", err)
	}
	if st.State != TaskStateCompleted || st.Result != "hi" || st.Peer != bobID {
		t.Fatalf("unexpected outbound state %#v", st)
	}
	if st.AckedAt.IsZero() {
		t.Fatalf("expected ack before completion")
	}
}

func TestHelloHiPlain(t *testing.T) {
	t.Parallel()
	alice, bob := newPeers(t, DefaultConfig())
	exchangeHello(t, alice, bob)
}

func TestHelloHiNIP44(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Encrypted = true
	alice, bob := newPeers(t, cfg)
	exchangeHello(t, alice, bob)
}

func TestHelloHiX25519(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Encrypted = true
	cfg.EncryptionScheme = SchemeX25519
	alice, bob := newPeers(t, cfg)

	card, err := bob.Card()
	if err != nil {
		t.Fatalf("card: %v", err)
	}
	if card.IntroBundle == nil || card.IntroBundle.X25519Key == "" {
		t.Fatalf("expected x25519 intro bundle on card")
	}
	exchangeHello(t, alice, bob)
}

func TestDiscoverListsPeersNotSelf(t *testing.T) {
	t.Parallel()
	alice, bob := newPeers(t, DefaultConfig())

	entries, err := alice.Discover()
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only bob, got %d entries", len(entries))
	}
	if entries[0].Card.PublicKey != mustPubKey(t, bob) || entries[0].Card.Name != "bob" || !entries[0].Fresh {
		t.Fatalf("unexpected entry %#v", entries[0])
	}
}

func TestSendTextUnknownPeer(t *testing.T) {
	t.Parallel()
	bus := NewMemoryBus()
	alice := newBusNode(t, bus, "alice", DefaultConfig())

	stranger, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if _, err := alice.SendText(context.Background(), stranger.PublicID(), "hello"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer, got %v", err)
	}
	if _, err := alice.SendText(context.Background(), "not-a-key", "hello"); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("expected ErrUnknownPeer for malformed id, got %v", err)
	}
}

func TestRespondTwiceFails(t *testing.T) {
	t.Parallel()
	alice, bob := newPeers(t, DefaultConfig())
	ctx := context.Background()

	taskID, err := alice.SendText(ctx, mustPubKey(t, bob), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := bob.Respond(ctx, taskID, "early"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask before poll, got %v", err)
	}
	if _, err := bob.PollTasks(); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if err := bob.Respond(ctx, taskID, "hi"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if err := bob.Respond(ctx, taskID, "hi again"); !errors.Is(err, ErrAlreadyResponded) {
		t.Fatalf("expected ErrAlreadyResponded, got %v", err)
	}
	if err := bob.Respond(ctx, "no-such-task", "x"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestEncryptedNodeRejectsPlainTask(t *testing.T) {
	t.Parallel()
	bus := NewMemoryBus()
	plain := DefaultConfig()
	secure := DefaultConfig()
	secure.Encrypted = true

	events := NewChannelObserver(64)
	alice := newBusNode(t, bus, "alice", plain)
	bob := newBusNode(t, bus, "bob", secure, WithObserver(events))
	ctx := context.Background()
	if err := bob.Announce(ctx); err != nil {
		t.Fatalf("announce: %v", err)
	}

	taskID, err := alice.SendText(ctx, mustPubKey(t, bob), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	tasks, err := bob.PollTasks()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected plaintext task to be rejected, got %d", len(tasks))
	}
	if st, _ := alice.TaskStatus(taskID); !st.AckedAt.IsZero() {
		t.Fatalf("rejected task must not be acked")
	}

	var rejected bool
	for len(events.Events()) > 0 {
		e := <-events.Events()
		if e.Type == EventErrorOccurred && errors.Is(e.Err, ErrUnencrypted) {
			rejected = true
		}
	}
	if !rejected {
		t.Fatalf("expected an error event for the unencrypted envelope")
	}
}

func TestRetransmittedTaskAdmittedOnce(t *testing.T) {
	t.Parallel()
	bus := NewMemoryBus()
	cfg := DefaultConfig()
	alice := newBusNode(t, bus, "alice", cfg)
	bob := newBusNode(t, bus, "bob", cfg)
	bobID := mustPubKey(t, bob)
	if err := bob.Announce(context.Background()); err != nil {
		t.Fatalf("announce: %v", err)
	}

	// Two distinct envelopes carrying the same task id.
	task := Task{ID: "task-1", From: mustPubKey(t, alice), To: bobID, State: TaskStateSubmitted, Message: TextMessage(RoleUser, "hello")}
	entry, _ := alice.directory.Get(bobID)
	for i := 0; i < 2; i++ {
		env, err := alice.buildEnvelope(EnvelopeTypeTask, bobID, task, peerKeysFromCard(entry.Card))
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if err := alice.publishEnvelope(context.Background(), DirectTopic(bobID), env); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	tasks, err := bob.PollTasks()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected one admitted task, got %d", len(tasks))
	}
}

func TestSendMessageInvokesHandler(t *testing.T) {
	t.Parallel()
	bus := NewMemoryBus()
	var mu sync.Mutex
	var got []string
	alice := newBusNode(t, bus, "alice", DefaultConfig())
	bob := newBusNode(t, bus, "bob", DefaultConfig(), WithMessageHandler(func(from, text string) {
		mu.Lock()
		got = append(got, text)
		mu.Unlock()
	}))
	if err := bob.Announce(context.Background()); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if err := alice.SendMessage(context.Background(), mustPubKey(t, bob), "note"); err != nil {
		t.Fatalf("send message: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "note" {
		t.Fatalf("unexpected messages %v", got)
	}
	if tasks, _ := bob.PollTasks(); len(tasks) != 0 {
		t.Fatalf("plain messages must not enter the inbox")
	}
}

func TestCardFilterRejectsPeer(t *testing.T) {
	t.Parallel()
	bus := NewMemoryBus()
	alice := newBusNode(t, bus, "alice", DefaultConfig(), WithCardFilter(func(card AgentCard) bool {
		return card.Name != "mallory"
	}))
	mallory := newBusNode(t, bus, "mallory", DefaultConfig())
	if err := mallory.Announce(context.Background()); err != nil {
		t.Fatalf("announce: %v", err)
	}
	entries, _ := alice.Discover()
	if len(entries) != 0 {
		t.Fatalf("expected filtered card to stay out of the directory")
	}
}

func TestConcurrentInboundPollRespondShutdown(t *testing.T) {
	t.Parallel()

	const (
		senders = 8
		perPeer = 50
	)
	bus := NewMemoryBus()
	bob := newBusNode(t, bus, "bob", DefaultConfig())
	peers := make([]*Node, senders)
	for i := range peers {
		peers[i] = newBusNode(t, bus, fmt.Sprintf("peer-%d", i), DefaultConfig())
	}
	if err := bob.Announce(context.Background()); err != nil {
		t.Fatalf("announce: %v", err)
	}
	bobID := mustPubKey(t, bob)

	stop := make(chan struct{})
	var responded atomic.Int32
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		for {
			tasks, err := bob.PollTasks()
			if err != nil {
				t.Errorf("poll: %v", err)
				return
			}
			for _, task := range tasks {
				if err := bob.Respond(context.Background(), task.ID, "ok "+task.Payload); err != nil {
					t.Errorf("respond %s: %v", task.ID, err)
					continue
				}
				responded.Add(1)
			}
			select {
			case <-stop:
				if len(tasks) == 0 {
					return
				}
			default:
			}
		}
	}()
	go func() {
		defer loops.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := bob.Discover(); err != nil {
				t.Errorf("discover: %v", err)
				return
			}
		}
	}()

	var send sync.WaitGroup
	for _, p := range peers {
		send.Add(1)
		go func(p *Node) {
			defer send.Done()
			for i := 0; i < perPeer; i++ {
				if _, err := p.SendText(context.Background(), bobID, fmt.Sprintf("msg-%d", i)); err != nil {
					t.Errorf("send: %v", err)
					return
				}
			}
		}(p)
	}
	send.Wait()
	close(stop)
	loops.Wait()

	if got := responded.Load(); got != senders*perPeer {
		t.Fatalf("expected %d responses, got %d", senders*perPeer, got)
	}
	for _, p := range peers {
		sent, err := p.SentTasks()
		if err != nil {
			t.Fatalf("sent tasks: %v", err)
		}
		for _, st := range sent {
			if st.State != TaskStateCompleted || st.Result != "ok "+st.Text {
				t.Fatalf("unexpected outbound state %#v", st)
			}
		}
	}

	// Shutdown races fresh inbound traffic and a second Shutdown.
	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *Node) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, _ = p.SendText(context.Background(), bobID, "late")
			}
		}(p)
	}
	wg.Add(2)
	go func() { defer wg.Done(); bob.Shutdown() }()
	go func() { defer wg.Done(); bob.Shutdown() }()
	wg.Wait()

	if bob.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", bob.State())
	}
	if got := bob.wipes.Load(); got != 1 {
		t.Fatalf("expected exactly one wipe, got %d", got)
	}
	if _, err := bob.PollTasks(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady after shutdown, got %v", err)
	}
}
