package agent

import (
	"context"
	"errors"
	"sync"
)

const defaultMemoryHistory = 1024

var errTransportClosed = errors.New("transport closed")

// MemoryBus is an in-process pub/sub bus. Late subscribers receive the retained history of
// a topic before live traffic. Delivery runs on the publisher's goroutine.
type MemoryBus struct {
	mu         sync.Mutex
	subs       map[string]map[uint64]MessageHandler
	history    map[string][][]byte
	maxHistory int
	nextID     uint64
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:       make(map[string]map[uint64]MessageHandler),
		history:    make(map[string][][]byte),
		maxHistory: defaultMemoryHistory,
	}
}

var (
	sharedBusesMu sync.Mutex
	sharedBuses   = map[string]*MemoryBus{}
)

// SharedMemoryBus returns the named bus, creating it on first use, so nodes in one process
// can meet through a memory:// endpoint.
func SharedMemoryBus(name string) *MemoryBus {
	sharedBusesMu.Lock()
	defer sharedBusesMu.Unlock()
	bus, ok := sharedBuses[name]
	if !ok {
		bus = NewMemoryBus()
		sharedBuses[name] = bus
	}
	return bus
}

func (b *MemoryBus) publish(topic string, payload []byte) {
	msg := append([]byte(nil), payload...)
	b.mu.Lock()
	hist := append(b.history[topic], msg)
	if len(hist) > b.maxHistory {
		hist = hist[len(hist)-b.maxHistory:]
	}
	b.history[topic] = hist
	handlers := make([]MessageHandler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(topic, msg)
	}
}

func (b *MemoryBus) subscribe(topic string, handler MessageHandler) uint64 {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]MessageHandler)
	}
	b.subs[topic][id] = handler
	backlog := append([][]byte(nil), b.history[topic]...)
	b.mu.Unlock()

	for _, msg := range backlog {
		handler(topic, msg)
	}
	return id
}

func (b *MemoryBus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], id)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

// Transport returns an independent view of the bus. Closing the view cancels only its
// own subscriptions.
func (b *MemoryBus) Transport() Transport {
	return &memoryTransport{bus: b, subs: make(map[uint64]string)}
}

type memoryTransport struct {
	bus    *MemoryBus
	mu     sync.Mutex
	subs   map[uint64]string
	closed bool
}

func (t *memoryTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errTransportClosed
	}
	t.bus.publish(topic, payload)
	return nil
}

func (t *memoryTransport) Subscribe(_ context.Context, topic string, handler MessageHandler) (Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	t.mu.Unlock()

	var cancelled bool
	var cmu sync.Mutex
	guarded := func(topic string, payload []byte) {
		cmu.Lock()
		stop := cancelled
		cmu.Unlock()
		if !stop {
			handler(topic, payload)
		}
	}
	id := t.bus.subscribe(topic, guarded)

	t.mu.Lock()
	t.subs[id] = topic
	t.mu.Unlock()

	return &subscriptionFunc{topic: topic, cancel: func() {
		cmu.Lock()
		cancelled = true
		cmu.Unlock()
		t.bus.unsubscribe(topic, id)
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}}, nil
}

func (t *memoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = make(map[uint64]string)
	t.mu.Unlock()
	for id, topic := range subs {
		t.bus.unsubscribe(topic, id)
	}
	return nil
}
