package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SendText sends a task to a discovered peer and returns its id. It returns once the
// transport accepted the publish; the result arrives later through TaskStatus.
func (n *Node) SendText(ctx context.Context, to, text string) (string, error) {
	release, err := n.acquire()
	if err != nil {
		return "", err
	}
	defer release()

	entry, err := n.lookupPeer(to)
	if err != nil {
		return "", err
	}
	peerID := entry.Card.PublicKey
	task := Task{
		ID:      uuid.NewString(),
		From:    n.self(),
		To:      peerID,
		State:   TaskStateSubmitted,
		Message: TextMessage(RoleUser, text),
	}
	env, err := n.buildEnvelope(EnvelopeTypeTask, peerID, task, peerKeysFromCard(entry.Card))
	if err != nil {
		return "", err
	}
	raw, err := encodeEnvelope(env)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	topic := peerTopic(entry.Card)

	// Recorded first: on synchronous transports the ack can arrive before Publish returns.
	n.outbox.record(OutboundTask{
		ID:     task.ID,
		Peer:   peerID,
		Text:   text,
		State:  TaskStateSubmitted,
		SentAt: n.now(),
	})
	if timeout := n.retransmitTimeout(); timeout > 0 {
		n.outbox.track(task.ID, topic, raw, n.now().Add(timeout))
	}
	n.journalTask(TaskRecord{
		ID:        task.ID,
		Direction: DirectionOutbound,
		Peer:      peerID,
		State:     string(TaskStateSubmitted),
		Text:      text,
	})
	if err := n.publishRaw(ctx, topic, env.Type, env.ID, raw); err != nil {
		n.outbox.remove(task.ID)
		n.journalUpdate(task.ID, DirectionOutbound, string(TaskStateFailed), err.Error())
		n.emit(Event{Type: EventErrorOccurred, Peer: peerID, TaskID: task.ID, Detail: "send", Err: err})
		return "", err
	}
	log.Infof("task %s sent to %s", task.ID, shortID(peerID))
	n.emit(Event{Type: EventMessageSent, Peer: peerID, TaskID: task.ID})
	return task.ID, nil
}

// SendMessage sends a plain message that does not enter the peer's task inbox.
func (n *Node) SendMessage(ctx context.Context, to, text string) error {
	release, err := n.acquire()
	if err != nil {
		return err
	}
	defer release()

	entry, err := n.lookupPeer(to)
	if err != nil {
		return err
	}
	peerID := entry.Card.PublicKey
	env, err := n.buildEnvelope(EnvelopeTypeMessage, peerID, TextMessage(RoleUser, text), peerKeysFromCard(entry.Card))
	if err != nil {
		return err
	}
	if err := n.publishEnvelope(ctx, peerTopic(entry.Card), env); err != nil {
		n.emit(Event{Type: EventErrorOccurred, Peer: peerID, Detail: "message", Err: err})
		return err
	}
	n.emit(Event{Type: EventMessageSent, Peer: peerID})
	return nil
}

// PollTasks hands every pending inbound task to the caller, oldest first.
func (n *Node) PollTasks() ([]InboxTask, error) {
	release, err := n.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	tasks := n.inbox.Poll()
	for _, t := range tasks {
		n.journalUpdate(t.ID, DirectionInbound, string(InboxInFlight), "")
	}
	return tasks, nil
}

// TaskStatus reports the tracked state of a task this node sent.
func (n *Node) TaskStatus(taskID string) (OutboundTask, error) {
	release, err := n.acquire()
	if err != nil {
		return OutboundTask{}, err
	}
	defer release()
	t, ok := n.outbox.get(taskID)
	if !ok {
		return OutboundTask{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return t, nil
}

// SentTasks lists tracked outbound tasks in send order.
func (n *Node) SentTasks() ([]OutboundTask, error) {
	release, err := n.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return n.outbox.list(), nil
}

func (n *Node) lookupPeer(raw string) (DirectoryEntry, error) {
	peerID, err := NormalizePublicID(raw)
	if err != nil {
		return DirectoryEntry{}, fmt.Errorf("%w: %v", ErrUnknownPeer, err)
	}
	if n.IsBlockedPeer(peerID) {
		return DirectoryEntry{}, fmt.Errorf("%w: %s", ErrBlockedPeer, shortID(peerID))
	}
	entry, ok := n.directory.Get(peerID)
	if !ok {
		return DirectoryEntry{}, fmt.Errorf("%w: %s", ErrUnknownPeer, shortID(peerID))
	}
	return entry, nil
}

// NodeStats is a point-in-time summary for status surfaces.
type NodeStats struct {
	State        string `json:"state"`
	PublicID     string `json:"public_id"`
	Endpoint     string `json:"endpoint"`
	KnownPeers   int    `json:"known_peers"`
	Pending      int    `json:"pending_tasks"`
	InFlight     int    `json:"in_flight_tasks"`
	SentTasks    int    `json:"sent_tasks"`
	BlockedPeers int    `json:"blocked_peers"`
}

func (n *Node) Stats() (NodeStats, error) {
	release, err := n.acquire()
	if err != nil {
		return NodeStats{}, err
	}
	defer release()
	pending, inFlight := n.inbox.Counts()
	return NodeStats{
		State:        StateReady.String(),
		PublicID:     n.self(),
		Endpoint:     n.cfg.Endpoint,
		KnownPeers:   n.directory.Len(),
		Pending:      pending,
		InFlight:     inFlight,
		SentTasks:    len(n.outbox.list()),
		BlockedPeers: len(n.BlockedPeers()),
	}, nil
}
