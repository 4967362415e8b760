package agent

import (
	"context"
)

// Respond publishes the result for a polled task exactly once. A failed publish leaves
// the task in flight so the call may be retried.
func (n *Node) Respond(ctx context.Context, taskID, text string) error {
	release, err := n.acquire()
	if err != nil {
		return err
	}
	defer release()

	task, err := n.inbox.Begin(taskID)
	if err != nil {
		return err
	}
	topic, keys := n.routeTo(task.Requester, task.replyKeys)
	reply := task.request.Respond(text)
	env, err := n.buildEnvelope(EnvelopeTypeResult, task.Requester, reply, keys)
	if err != nil {
		n.inbox.Abort(task)
		return err
	}
	if err := n.publishEnvelope(ctx, topic, env); err != nil {
		n.inbox.Abort(task)
		n.emit(Event{Type: EventErrorOccurred, Peer: task.Requester, TaskID: taskID, Detail: "respond", Err: err})
		return err
	}
	n.inbox.Complete(task)
	n.journalUpdate(taskID, DirectionInbound, string(InboxResponded), text)
	log.Infof("task %s answered to %s", taskID, shortID(task.Requester))
	n.emit(Event{Type: EventTasksChanged, Peer: task.Requester, TaskID: taskID})
	return nil
}
