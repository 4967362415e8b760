package agent

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestAckMarksOutboundTaskWorking(t *testing.T) {
	t.Parallel()

	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer func() { _ = journal.Close() }()

	bus := NewMemoryBus()
	events := NewChannelObserver(128)
	alice := newBusNode(t, bus, "alice", DefaultConfig(), WithJournal(journal), WithObserver(events))
	bob := newBusNode(t, bus, "bob", DefaultConfig())
	if err := bob.Announce(context.Background()); err != nil {
		t.Fatalf("announce: %v", err)
	}

	taskID, err := alice.SendText(context.Background(), mustPubKey(t, bob), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	st, err := alice.TaskStatus(taskID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != TaskStateWorking || st.AckedAt.IsZero() {
		t.Fatalf("expected acked working task, got %#v", st)
	}

	var acked bool
	for len(events.Events()) > 0 {
		if e := <-events.Events(); e.Type == EventTaskAcked && e.TaskID == taskID {
			acked = true
		}
	}
	if !acked {
		t.Fatalf("expected task_acked event")
	}

	recs, err := journal.RecentTasks(10)
	if err != nil {
		t.Fatalf("recent tasks: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != taskID || recs[0].Direction != DirectionOutbound || recs[0].State != string(TaskStateWorking) {
		t.Fatalf("unexpected journal records %#v", recs)
	}
}

func TestAckReceiptsDisabled(t *testing.T) {
	t.Parallel()

	off := false
	cfg := DefaultConfig()
	cfg.AckReceipts = &off
	alice, bob := newPeers(t, cfg)

	taskID, err := alice.SendText(context.Background(), mustPubKey(t, bob), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	st, err := alice.TaskStatus(taskID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != TaskStateSubmitted || !st.AckedAt.IsZero() {
		t.Fatalf("expected no ack with receipts disabled, got %#v", st)
	}
}

func TestAckFromWrongPeerIgnored(t *testing.T) {
	t.Parallel()

	o := newOutbox(8)
	o.record(OutboundTask{ID: "t1", Peer: "bob", State: TaskStateSubmitted})
	if o.markAcked("t1", "mallory", time.Now()) {
		t.Fatalf("ack from a different peer must be ignored")
	}
	if !o.markAcked("t1", "bob", time.Now()) {
		t.Fatalf("expected ack from the addressed peer")
	}
	if o.markAcked("t1", "bob", time.Now()) {
		t.Fatalf("expected repeated ack to be a no-op")
	}
}
