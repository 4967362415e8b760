package agent

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultRespondedCacheSize = 65536

// TaskInbox holds inbound tasks keyed by requester and task id. A task is admitted once:
// retransmissions are folded into whatever state the first copy reached. Ids chosen by
// one requester never shadow another requester's tasks.
type TaskInbox struct {
	mu           sync.Mutex
	pending      map[string]*InboxTask
	order        []string
	inFlight     map[string]*InboxTask
	responding   map[string]*InboxTask
	responded    *lru.Cache[string, time.Time]
	respondedIDs *lru.Cache[string, struct{}]
	maxPending   int
	seq          uint64
}

// NewTaskInbox builds an inbox. maxPending <= 0 leaves the pending set unbounded.
func NewTaskInbox(maxPending, respondedCacheSize int) *TaskInbox {
	if respondedCacheSize <= 0 {
		respondedCacheSize = defaultRespondedCacheSize
	}
	responded, err := lru.New[string, time.Time](respondedCacheSize)
	if err != nil {
		// only reachable with a non-positive size
		panic(err)
	}
	respondedIDs, err := lru.New[string, struct{}](respondedCacheSize)
	if err != nil {
		panic(err)
	}
	return &TaskInbox{
		pending:      make(map[string]*InboxTask),
		inFlight:     make(map[string]*InboxTask),
		responding:   make(map[string]*InboxTask),
		responded:    responded,
		respondedIDs: respondedIDs,
		maxPending:   maxPending,
	}
}

func inboxKey(requester, id string) string {
	return requester + "/" + id
}

// Offer admits a new pending task. It returns false when the requester already sent this id.
func (b *TaskInbox) Offer(task InboxTask) (bool, error) {
	if task.ID == "" {
		return false, fmt.Errorf("%w: task id is empty", ErrMalformedEnvelope)
	}
	key := inboxKey(task.Requester, task.ID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.known(key) {
		return false, nil
	}
	if b.maxPending > 0 && len(b.pending) >= b.maxPending {
		return false, ErrInboxFull
	}
	b.seq++
	t := task
	t.seq = b.seq
	b.pending[key] = &t
	b.order = append(b.order, key)
	return true, nil
}

// Poll moves every pending task to in-flight and returns them in arrival order.
func (b *TaskInbox) Poll() []InboxTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]InboxTask, 0, len(b.order))
	for _, key := range b.order {
		t, ok := b.pending[key]
		if !ok {
			continue
		}
		delete(b.pending, key)
		b.inFlight[key] = t
		out = append(out, *t)
	}
	b.order = b.order[:0]
	return out
}

// Begin claims an in-flight task for a response publish. When requesters collide on an
// id, the earliest admitted task is claimed first.
func (b *TaskInbox) Begin(id string) (InboxTask, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if key, t := oldestWithID(b.inFlight, id); t != nil {
		delete(b.inFlight, key)
		b.responding[key] = t
		return *t, nil
	}
	if _, t := oldestWithID(b.responding, id); t != nil {
		return InboxTask{}, fmt.Errorf("%w: response for %s in progress", ErrAlreadyResponded, id)
	}
	if b.respondedIDs.Contains(id) {
		return InboxTask{}, fmt.Errorf("%w: %s", ErrAlreadyResponded, id)
	}
	if _, t := oldestWithID(b.pending, id); t != nil {
		return InboxTask{}, fmt.Errorf("%w: %s has not been polled", ErrUnknownTask, id)
	}
	return InboxTask{}, fmt.Errorf("%w: %s", ErrUnknownTask, id)
}

// Complete marks a claimed task responded and evicts it from the in-flight set.
func (b *TaskInbox) Complete(task InboxTask) {
	key := inboxKey(task.Requester, task.ID)
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.responding, key)
	b.responded.Add(key, time.Now())
	b.respondedIDs.Add(task.ID, struct{}{})
}

// Abort returns a claimed task to in-flight after a failed publish.
func (b *TaskInbox) Abort(task InboxTask) {
	key := inboxKey(task.Requester, task.ID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.responding[key]; ok {
		delete(b.responding, key)
		b.inFlight[key] = t
	}
}

// Status reports the state of the requester's task.
func (b *TaskInbox) Status(requester, id string) (InboxStatus, bool) {
	key := inboxKey(requester, id)
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.pending[key] != nil:
		return InboxPending, true
	case b.inFlight[key] != nil, b.responding[key] != nil:
		return InboxInFlight, true
	case b.responded.Contains(key):
		return InboxResponded, true
	}
	return "", false
}

// Counts reports pending and in-flight sizes.
func (b *TaskInbox) Counts() (pending int, inFlight int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending), len(b.inFlight) + len(b.responding)
}

// Reset drops every task and responded id.
func (b *TaskInbox) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = make(map[string]*InboxTask)
	b.inFlight = make(map[string]*InboxTask)
	b.responding = make(map[string]*InboxTask)
	b.order = nil
	b.responded.Purge()
	b.respondedIDs.Purge()
}

func (b *TaskInbox) known(key string) bool {
	if _, ok := b.pending[key]; ok {
		return true
	}
	if _, ok := b.inFlight[key]; ok {
		return true
	}
	if _, ok := b.responding[key]; ok {
		return true
	}
	return b.responded.Contains(key)
}

func oldestWithID(set map[string]*InboxTask, id string) (string, *InboxTask) {
	var (
		bestKey string
		best    *InboxTask
	)
	for key, t := range set {
		if t.ID != id {
			continue
		}
		if best == nil || t.seq < best.seq {
			bestKey, best = key, t
		}
	}
	return bestKey, best
}
