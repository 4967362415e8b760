package agent

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const testRetransmitTimeout = 10 * time.Second

// recordingTransport keeps every payload published to a topic.
type recordingTransport struct {
	Transport
	mu   sync.Mutex
	sent map[string][][]byte
}

func (r *recordingTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	if r.sent == nil {
		r.sent = make(map[string][][]byte)
	}
	r.sent[topic] = append(r.sent[topic], append([]byte(nil), payload...))
	r.mu.Unlock()
	return r.Transport.Publish(ctx, topic, payload)
}

func (r *recordingTransport) published(topic string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.sent[topic]...)
}

// lossyAckTransport swallows the first ack envelope it is asked to publish.
type lossyAckTransport struct {
	Transport
	mu      sync.Mutex
	dropped bool
}

func (l *lossyAckTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if env, err := decodeEnvelope(payload); err == nil && env.Type == EnvelopeTypeAck {
		l.mu.Lock()
		drop := !l.dropped
		l.dropped = true
		l.mu.Unlock()
		if drop {
			return nil
		}
	}
	return l.Transport.Publish(ctx, topic, payload)
}

func TestUnackedTaskRetransmittedUntilAdmitted(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	wire := &recordingTransport{Transport: bus.Transport()}
	full := DefaultConfig()
	full.MaxPendingTasks = 1
	alice := newBusNode(t, bus, "alice", DefaultConfig(), WithTransport(wire))
	bob := newBusNode(t, bus, "bob", full)
	ctx := context.Background()
	if err := bob.Announce(ctx); err != nil {
		t.Fatalf("announce: %v", err)
	}
	bobID := mustPubKey(t, bob)

	deliver(t, alice, taskEnvelope(t, alice, bob, "filler"))
	taskID, err := alice.SendText(ctx, bobID, "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if st, _ := alice.TaskStatus(taskID); st.State != TaskStateSubmitted {
		t.Fatalf("expected the dropped task to stay submitted, got %s", st.State)
	}
	if n := alice.retransmitDue(ctx, time.Now(), testRetransmitTimeout, 3); n != 0 {
		t.Fatalf("nothing is due before the timeout, re-sent %d", n)
	}

	if tasks, _ := bob.PollTasks(); len(tasks) != 1 || tasks[0].ID != "filler" {
		t.Fatalf("unexpected first poll %#v", tasks)
	}
	if n := alice.retransmitDue(ctx, time.Now().Add(testRetransmitTimeout+time.Second), testRetransmitTimeout, 3); n != 1 {
		t.Fatalf("expected one retransmission, got %d", n)
	}
	tasks, err := bob.PollTasks()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != taskID || tasks[0].Payload != "hello" {
		t.Fatalf("expected the retransmitted task, got %#v", tasks)
	}
	st, err := alice.TaskStatus(taskID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != TaskStateWorking || st.AckedAt.IsZero() {
		t.Fatalf("expected ack after retransmission, got %#v", st)
	}

	copies := wire.published(DirectTopic(bobID))
	if len(copies) != 3 {
		t.Fatalf("expected filler, original and one retransmission, got %d publishes", len(copies))
	}
	if !bytes.Equal(copies[1], copies[2]) {
		t.Fatalf("retransmission must reuse the original envelope bytes")
	}
	if n := alice.retransmitDue(ctx, time.Now().Add(time.Hour), testRetransmitTimeout, 3); n != 0 {
		t.Fatalf("acked task must not be re-sent, got %d", n)
	}
	if alice.outbox.awaitingAck() != 0 {
		t.Fatalf("expected no task awaiting ack")
	}
}

func TestLostAckIsRepeatedOnRetransmission(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	alice := newBusNode(t, bus, "alice", DefaultConfig())
	bob := newBusNode(t, bus, "bob", DefaultConfig(), WithTransport(&lossyAckTransport{Transport: bus.Transport()}))
	ctx := context.Background()
	if err := bob.Announce(ctx); err != nil {
		t.Fatalf("announce: %v", err)
	}

	taskID, err := alice.SendText(ctx, mustPubKey(t, bob), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if st, _ := alice.TaskStatus(taskID); st.State != TaskStateSubmitted {
		t.Fatalf("expected the first ack to be lost, got %s", st.State)
	}
	if n := alice.retransmitDue(ctx, time.Now().Add(testRetransmitTimeout+time.Second), testRetransmitTimeout, 3); n != 1 {
		t.Fatalf("expected one retransmission, got %d", n)
	}
	if st, _ := alice.TaskStatus(taskID); st.State != TaskStateWorking {
		t.Fatalf("expected the repeated copy to be acked, got %s", st.State)
	}
	if tasks, _ := bob.PollTasks(); len(tasks) != 1 {
		t.Fatalf("repeated copy must not be admitted twice, got %d", len(tasks))
	}
}

func TestRetransmissionStopsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	off := false
	silent := DefaultConfig()
	silent.AckReceipts = &off
	bus := NewMemoryBus()
	events := NewChannelObserver(128)
	alice := newBusNode(t, bus, "alice", DefaultConfig(), WithObserver(events))
	bob := newBusNode(t, bus, "bob", silent)
	ctx := context.Background()
	if err := bob.Announce(ctx); err != nil {
		t.Fatalf("announce: %v", err)
	}

	taskID, err := alice.SendText(ctx, mustPubKey(t, bob), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	base := time.Now()
	for i := 1; i <= 3; i++ {
		at := base.Add(time.Duration(i) * (testRetransmitTimeout + time.Second))
		if n := alice.retransmitDue(ctx, at, testRetransmitTimeout, 3); n != 1 {
			t.Fatalf("attempt %d: expected one retransmission, got %d", i, n)
		}
	}
	if n := alice.retransmitDue(ctx, base.Add(time.Hour), testRetransmitTimeout, 3); n != 0 {
		t.Fatalf("expected retries to be exhausted, got %d", n)
	}
	if alice.outbox.awaitingAck() != 0 {
		t.Fatalf("exhausted task must stop being tracked")
	}
	if tasks, _ := bob.PollTasks(); len(tasks) != 1 {
		t.Fatalf("expected a single admitted task, got %d", len(tasks))
	}

	var timedOut bool
	for len(events.Events()) > 0 {
		if e := <-events.Events(); e.TaskID == taskID && errors.Is(e.Err, ErrAckTimeout) {
			timedOut = true
		}
	}
	if !timedOut {
		t.Fatalf("expected an ack timeout event")
	}
}

func TestRetransmitConfigDisables(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if cfg.retransmitTimeout() != testRetransmitTimeout || cfg.MaxRetries != 3 {
		t.Fatalf("unexpected defaults timeout=%s retries=%d", cfg.retransmitTimeout(), cfg.MaxRetries)
	}
	cfg.MaxRetries = 0
	if cfg.retransmitTimeout() != 0 {
		t.Fatalf("zero retries must turn retransmission off")
	}
	cfg.MaxRetries = -1
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected negative retries to be rejected, got %v", err)
	}
}
