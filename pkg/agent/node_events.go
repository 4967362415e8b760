package agent

import (
	"errors"
	"fmt"
)

var errCardMismatch = errors.New("card public key does not match envelope sender")

func errUnexpectedType(typ, topic string) error {
	return fmt.Errorf("%w: %s envelope on %s", ErrMalformedEnvelope, typ, topic)
}

// handleDirect processes envelopes arriving on this node's direct topic.
func (n *Node) handleDirect(topic string, raw []byte) {
	release, ok := n.enterInbound()
	if !ok {
		return
	}
	defer release()
	defer n.recoverInbound(topic)

	env, err := decodeEnvelope(raw)
	if err != nil {
		n.drop(dropMalformed, "", err)
		return
	}
	if env.Type == EnvelopeTypeCard {
		n.drop(dropMalformed, env.From, errUnexpectedType(env.Type, topic))
		return
	}
	if env.To != n.self() {
		envelopesDropped.WithLabelValues(dropMisrouted).Inc()
		return
	}
	if err := env.verify(); err != nil {
		n.drop(dropSignature, env.From, err)
		return
	}
	if n.IsBlockedPeer(env.From) {
		envelopesDropped.WithLabelValues(dropBlocked).Inc()
		return
	}
	if n.seenBefore(env) {
		envelopesDropped.WithLabelValues(dropDuplicate).Inc()
		n.reack(env)
		return
	}
	if n.cfg.Encrypted && !env.Encrypted {
		n.drop(dropUnencrypt, env.From, fmt.Errorf("%w: %s %s", ErrUnencrypted, env.Type, env.ID))
		return
	}
	body, err := n.openEnvelope(env)
	if err != nil {
		n.drop(dropDecryption, env.From, err)
		return
	}
	envelopesReceived.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case EnvelopeTypeTask:
		n.acceptTask(env, body)
	case EnvelopeTypeResult:
		n.acceptResult(env, body)
	case EnvelopeTypeAck:
		n.acceptAck(env, body)
	case EnvelopeTypeMessage:
		n.acceptMessage(env, body)
	}
}

func (n *Node) acceptTask(env Envelope, body []byte) {
	var task Task
	if err := decodeBody(body, &task); err != nil {
		n.drop(dropMalformed, env.From, err)
		return
	}
	if err := validateTask(task, env, false); err != nil {
		n.drop(dropMalformed, env.From, err)
		return
	}
	keys := n.replyKeysFor(env)
	added, err := n.inbox.Offer(InboxTask{
		ID:         task.ID,
		Requester:  env.From,
		Payload:    task.Message.Text(),
		ReceivedAt: n.now(),
		request:    task,
		replyKeys:  keys,
	})
	if err != nil {
		// a redelivery after the next poll must get another chance
		n.forget(env)
		n.drop(dropInboxFull, env.From, err)
		return
	}
	n.seen.Add(seenKey(env), task.ID)
	if !added {
		envelopesDropped.WithLabelValues(dropDuplicate).Inc()
		return
	}
	n.journalTask(TaskRecord{
		ID:        task.ID,
		Direction: DirectionInbound,
		Peer:      env.From,
		State:     string(InboxPending),
		Text:      task.Message.Text(),
	})
	log.Infof("task %s received from %s", task.ID, shortID(env.From))
	n.emit(Event{Type: EventTasksChanged, Peer: env.From, TaskID: task.ID})

	if n.cfg.ackReceipts() {
		n.sendAck(env.From, task.ID, keys)
	}
}

func (n *Node) acceptResult(env Envelope, body []byte) {
	var task Task
	if err := decodeBody(body, &task); err != nil {
		n.drop(dropMalformed, env.From, err)
		return
	}
	if err := validateTask(task, env, true); err != nil {
		n.drop(dropMalformed, env.From, err)
		return
	}
	result := ""
	if task.Result != nil {
		result = task.Result.Text()
	}
	out, ok := n.outbox.complete(task.ID, env.From, task.State, result, n.now())
	if !ok {
		envelopesDropped.WithLabelValues(dropDuplicate).Inc()
		return
	}
	n.journalUpdate(out.ID, DirectionOutbound, string(out.State), out.Result)
	log.Infof("task %s completed by %s", out.ID, shortID(env.From))
	n.emit(Event{Type: EventTaskCompleted, Peer: env.From, TaskID: out.ID, Detail: out.Result})
}

func (n *Node) acceptMessage(env Envelope, body []byte) {
	var msg Message
	if err := decodeBody(body, &msg); err != nil {
		n.drop(dropMalformed, env.From, err)
		return
	}
	text := msg.Text()
	if n.onMessage != nil {
		n.onMessage(env.From, text)
	}
	n.emit(Event{Type: EventMessageReceived, Peer: env.From, Detail: text})
}

func seenKey(env Envelope) string {
	return env.From + "/" + env.ID
}

// seenBefore reports whether this sender's envelope id was already processed.
// Admitted task envelopes map to their task id so a repeated copy can be acked again.
func (n *Node) seenBefore(env Envelope) bool {
	seen, _ := n.seen.ContainsOrAdd(seenKey(env), "")
	return seen
}

func (n *Node) forget(env Envelope) {
	n.seen.Remove(seenKey(env))
}

// reack answers a repeated task envelope whose first ack may have been lost.
func (n *Node) reack(env Envelope) {
	if env.Type != EnvelopeTypeTask || !n.cfg.ackReceipts() {
		return
	}
	taskID, ok := n.seen.Peek(seenKey(env))
	if !ok || taskID == "" {
		return
	}
	if _, known := n.inbox.Status(env.From, taskID); !known {
		return
	}
	n.sendAck(env.From, taskID, n.replyKeysFor(env))
}

// drop records an inbound envelope that was discarded. Peer faults never reach the caller.
func (n *Node) drop(reason, peer string, err error) {
	envelopesDropped.WithLabelValues(reason).Inc()
	log.Debugf("dropped envelope from %s (%s): %v", shortID(peer), reason, err)
	n.emit(Event{Type: EventErrorOccurred, Peer: peer, Detail: reason, Err: err})
}

func (n *Node) recoverInbound(topic string) {
	if r := recover(); r != nil {
		log.Errorf("inbound handler panic on %s: %v", topic, r)
		n.drop(dropPanic, "", fmt.Errorf("panic: %v", r))
	}
}
