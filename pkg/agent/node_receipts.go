package agent

import (
	"context"
)

// sendAck tells the requester its task was admitted. Failures are reported, not retried.
func (n *Node) sendAck(requester, taskID string, keys PeerKeys) {
	topic, keys := n.routeTo(requester, keys)
	env, err := n.buildEnvelope(EnvelopeTypeAck, requester, AckBody{TaskID: taskID}, keys)
	if err != nil {
		log.Warnf("ack for %s: %v", taskID, err)
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, receiptPublishTimeout)
	defer cancel()
	if err := n.publishEnvelope(ctx, topic, env); err != nil {
		n.emit(Event{Type: EventErrorOccurred, Peer: requester, TaskID: taskID, Detail: "ack", Err: err})
	}
}

func (n *Node) acceptAck(env Envelope, body []byte) {
	var ack AckBody
	if err := decodeBody(body, &ack); err != nil {
		n.drop(dropMalformed, env.From, err)
		return
	}
	if !n.outbox.markAcked(ack.TaskID, env.From, n.now()) {
		return
	}
	n.journalUpdate(ack.TaskID, DirectionOutbound, string(TaskStateWorking), "")
	n.emit(Event{Type: EventTaskAcked, Peer: env.From, TaskID: ack.TaskID})
}
