package agent

import (
	"sync"
	"time"
)

type EventType string

const (
	EventInitialized     EventType = "initialized"
	EventAgentsChanged   EventType = "agents_changed"
	EventTasksChanged    EventType = "tasks_changed"
	EventMessageSent     EventType = "message_sent"
	EventMessageReceived EventType = "message_received"
	EventTaskAcked       EventType = "task_acked"
	EventTaskCompleted   EventType = "task_completed"
	EventErrorOccurred   EventType = "error_occurred"
	EventShutdown        EventType = "shutdown"
)

// Event is a notification emitted by the node. Peer and TaskID are set when relevant.
type Event struct {
	Type   EventType `json:"type"`
	Peer   string    `json:"peer,omitempty"`
	TaskID string    `json:"task_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Err    error     `json:"-"`
	At     time.Time `json:"at"`
}

// Observer receives node events. OnEvent may be called concurrently and must not block.
type Observer interface {
	OnEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

type NoOpObserver struct{}

func (NoOpObserver) OnEvent(Event) {}

// LogObserver writes events to the node logger.
type LogObserver struct{}

func (LogObserver) OnEvent(e Event) {
	switch e.Type {
	case EventErrorOccurred:
		log.Warnf("event %s peer=%s task=%s: %s %v", e.Type, shortID(e.Peer), e.TaskID, e.Detail, e.Err)
	default:
		log.Debugf("event %s peer=%s task=%s %s", e.Type, shortID(e.Peer), e.TaskID, e.Detail)
	}
}

// MultiObserver fans events out to every member in order.
type MultiObserver []Observer

func (m MultiObserver) OnEvent(e Event) {
	for _, o := range m {
		if o != nil {
			o.OnEvent(e)
		}
	}
}

// ChannelObserver buffers events on a channel and drops them when the buffer is full.
type ChannelObserver struct {
	ch      chan Event
	mu      sync.Mutex
	dropped int
}

func NewChannelObserver(buffer int) *ChannelObserver {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelObserver{ch: make(chan Event, buffer)}
}

func (c *ChannelObserver) OnEvent(e Event) {
	select {
	case c.ch <- e:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

func (c *ChannelObserver) Events() <-chan Event { return c.ch }

func (c *ChannelObserver) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
