package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fiatjaf.com/nostr"
)

type fakeRelaySub struct {
	filter nostr.Filter
	sub    *nostr.Subscription
	closed bool
}

type fakeRelay struct {
	url    string
	mu     sync.Mutex
	closed bool
	subs   []*fakeRelaySub
}

func newFakeRelay(url string) *fakeRelay {
	return &fakeRelay{url: url, subs: make([]*fakeRelaySub, 0)}
}

func (r *fakeRelay) URL() string { return r.url }

func (r *fakeRelay) Publish(_ context.Context, evt nostr.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return context.Canceled
	}
	for _, s := range r.subs {
		if !matchesFilter(s.filter, evt) {
			continue
		}
		select {
		case s.sub.Events <- evt:
		default:
		}
	}
	return nil
}

func (r *fakeRelay) Subscribe(ctx context.Context, filter nostr.Filter, _ nostr.SubscriptionOptions) (*nostr.Subscription, error) {
	sub := &nostr.Subscription{
		Filter: filter,
		Events: make(chan nostr.Event, 64),
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		close(sub.Events)
		return sub, nil
	}
	r.subs = append(r.subs, &fakeRelaySub{filter: filter, sub: sub})
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s.sub == sub {
				if !s.closed {
					close(s.sub.Events)
					s.closed = true
				}
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				break
			}
		}
	}()
	return sub, nil
}

func (r *fakeRelay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, s := range r.subs {
		if !s.closed {
			close(s.sub.Events)
			s.closed = true
		}
	}
	r.subs = nil
}

func matchesFilter(f nostr.Filter, evt nostr.Event) bool {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if k == evt.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Since > 0 && evt.CreatedAt < f.Since {
		return false
	}
	for tagName, vals := range f.Tags {
		if len(vals) == 0 {
			continue
		}
		found := false
		for _, tag := range evt.Tags {
			if len(tag) < 2 || tag[0] != tagName {
				continue
			}
			for _, want := range vals {
				if tag[1] == want {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestNostrTransportDeliversByTopicTag(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay("wss://fake-relay.test")
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	tr := newNostrTransport([]relayClient{relay}, id, nil)
	defer func() { _ = tr.Close() }()

	got := make(chan string, 4)
	sub, err := tr.Subscribe(context.Background(), "topic-a", func(topic string, payload []byte) {
		got <- topic + ":" + string(payload)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Publish(ctx, "topic-b", []byte("ignored")); err != nil {
		t.Fatalf("publish b: %v", err)
	}
	if err := tr.Publish(ctx, "topic-a", []byte("hello")); err != nil {
		t.Fatalf("publish a: %v", err)
	}

	select {
	case msg := <-got:
		if msg != "topic-a:hello" {
			t.Fatalf("unexpected delivery %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for relay delivery")
	}
	select {
	case msg := <-got:
		t.Fatalf("unexpected extra delivery %q", msg)
	case <-time.After(50 * time.Millisecond):
	}
	if urls := tr.RelayURLs(); len(urls) != 1 || urls[0] != relay.URL() {
		t.Fatalf("unexpected relay urls %v", urls)
	}
}

func TestNostrTransportSavesRelayCursor(t *testing.T) {
	t.Parallel()

	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer func() { _ = journal.Close() }()

	relay := newFakeRelay("wss://fake-relay.test")
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	tr := newNostrTransport([]relayClient{relay}, id, journal)
	defer func() { _ = tr.Close() }()

	done := make(chan struct{}, 1)
	sub, err := tr.Subscribe(context.Background(), DiscoveryTopic, func(string, []byte) { done <- struct{}{} })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Cancel()
	if err := tr.Publish(context.Background(), DiscoveryTopic, []byte("card")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for delivery")
	}

	key := relayCursorKey(relay.URL(), DiscoveryTopic)
	waitFor(t, func() bool {
		ts, eventID, err := journal.GetRelayCursor(key)
		return err == nil && ts > 0 && eventID != ""
	})
}

func TestNostrTransportPublishFailsWithoutRelays(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay("wss://closed.test")
	relay.Close()
	id, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	tr := newNostrTransport([]relayClient{relay}, id, nil)
	defer func() { _ = tr.Close() }()
	if err := tr.Publish(context.Background(), "x", []byte("y")); err == nil {
		t.Fatalf("expected publish to fail when every relay refuses")
	}
}

func TestNodesExchangeTaskOverFakeRelay(t *testing.T) {
	t.Parallel()

	relay := newFakeRelay("wss://fake-relay.test")
	newRelayNode := func(name string) *Node {
		signer, err := GenerateIdentity()
		if err != nil {
			t.Fatalf("identity: %v", err)
		}
		tr := newNostrTransport([]relayClient{relay}, signer, nil)
		t.Cleanup(func() { _ = tr.Close() })
		n := NewNode(DefaultConfig(), WithTransport(tr))
		if err := n.Init(context.Background(), name, "", "nostr://fake", true); err != nil {
			t.Fatalf("init %s: %v", name, err)
		}
		t.Cleanup(n.Shutdown)
		return n
	}
	alice := newRelayNode("alice")
	bob := newRelayNode("bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bob.Announce(ctx); err != nil {
		t.Fatalf("announce bob: %v", err)
	}
	bobID := mustPubKey(t, bob)
	waitFor(t, func() bool {
		_, ok := alice.directory.Get(bobID)
		return ok
	})

	taskID, err := alice.SendText(ctx, bobID, "ping over relay")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var polled []InboxTask
	waitFor(t, func() bool {
		tasks, err := bob.PollTasks()
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		polled = append(polled, tasks...)
		return len(polled) > 0
	})
	if polled[0].ID != taskID || polled[0].Payload != "ping over relay" {
		t.Fatalf("unexpected polled task %#v", polled[0])
	}
	if err := bob.Respond(ctx, taskID, "pong"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	waitFor(t, func() bool {
		st, err := alice.TaskStatus(taskID)
		return err == nil && st.State == TaskStateCompleted && st.Result == "pong"
	})
}
