package agent

import (
	"sync"
	"time"
)

const defaultOutboxSize = 4096

// outbox tracks tasks sent by this node so acks and results can be correlated.
type outbox struct {
	mu    sync.Mutex
	tasks map[string]*OutboundTask
	wire  map[string]*wireCopy
	order []string
	max   int
}

// wireCopy is the encoded envelope of an unacknowledged task, kept for retransmission.
type wireCopy struct {
	topic    string
	raw      []byte
	attempts int
	due      time.Time
}

type retransmit struct {
	id      string
	peer    string
	topic   string
	raw     []byte
	attempt int
}

func newOutbox(max int) *outbox {
	if max <= 0 {
		max = defaultOutboxSize
	}
	return &outbox{tasks: make(map[string]*OutboundTask), wire: make(map[string]*wireCopy), max: max}
}

func (o *outbox) record(t OutboundTask) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.tasks[t.ID]; !ok {
		o.order = append(o.order, t.ID)
	}
	o.tasks[t.ID] = &t
	for len(o.order) > o.max {
		oldest := o.order[0]
		o.order = o.order[1:]
		delete(o.tasks, oldest)
		delete(o.wire, oldest)
	}
}

// track keeps the published bytes of a task until it is acked or out of retries.
func (o *outbox) track(id, topic string, raw []byte, due time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.tasks[id]; !ok {
		return
	}
	o.wire[id] = &wireCopy{topic: topic, raw: raw, due: due}
}

// due returns the copies whose deadline passed and pushes their deadline forward.
// Copies that already used maxRetries attempts are dropped and returned as exhausted.
func (o *outbox) due(now time.Time, timeout time.Duration, maxRetries int) (resend, exhausted []retransmit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, w := range o.wire {
		t, ok := o.tasks[id]
		if !ok || t.State != TaskStateSubmitted || !t.AckedAt.IsZero() || !t.CompletedAt.IsZero() {
			delete(o.wire, id)
			continue
		}
		if now.Before(w.due) {
			continue
		}
		r := retransmit{id: id, peer: t.Peer, topic: w.topic, raw: w.raw, attempt: w.attempts}
		if w.attempts >= maxRetries {
			delete(o.wire, id)
			exhausted = append(exhausted, r)
			continue
		}
		w.attempts++
		w.due = now.Add(timeout)
		r.attempt = w.attempts
		resend = append(resend, r)
	}
	return resend, exhausted
}

func (o *outbox) awaitingAck() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.wire)
}

func (o *outbox) reset() {
	o.mu.Lock()
	o.tasks = make(map[string]*OutboundTask)
	o.wire = make(map[string]*wireCopy)
	o.order = nil
	o.mu.Unlock()
}

func (o *outbox) remove(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.tasks[id]; !ok {
		return
	}
	delete(o.tasks, id)
	delete(o.wire, id)
	for i, v := range o.order {
		if v == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

// markAcked records the first ack from the task's peer.
func (o *outbox) markAcked(id, from string, at time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok || t.Peer != from || !t.AckedAt.IsZero() {
		return false
	}
	t.AckedAt = at
	delete(o.wire, id)
	if t.State == TaskStateSubmitted {
		t.State = TaskStateWorking
	}
	return true
}

// complete stores the first result from the task's peer; duplicates are ignored.
func (o *outbox) complete(id, from string, state TaskState, result string, at time.Time) (OutboundTask, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok || t.Peer != from || !t.CompletedAt.IsZero() {
		return OutboundTask{}, false
	}
	if state == "" {
		state = TaskStateCompleted
	}
	t.State = state
	t.Result = result
	t.CompletedAt = at
	delete(o.wire, id)
	return *t, true
}

func (o *outbox) get(id string) (OutboundTask, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return OutboundTask{}, false
	}
	return *t, true
}

func (o *outbox) list() []OutboundTask {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]OutboundTask, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, *o.tasks[id])
	}
	return out
}
