package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the engine.
const (
	TopicTaskStarted   = "task.started"
	TopicTaskFinished  = "task.finished"
	TopicTaskFailed    = "task.failed"
	TopicTaskCancelled = "task.cancelled"

	TopicScheduleRegistered = "schedule.registered"
	TopicScheduleRemoved    = "schedule.removed"
	TopicScheduleFatal      = "schedule.fatal"

	TopicSourceEvent = "source.event"
)

// Event is the in-memory signal engine components emit at lifecycle points.
// Events are carried by value and must stay small; Publish never blocks, so
// a slow subscriber loses events rather than stalling the engine.
type Event struct {
	Topic    string    `json:"topic"`
	TaskID   string    `json:"task_id,omitempty"`
	TaskName string    `json:"task_name,omitempty"`
	At       time.Time `json:"at"`
	Err      string    `json:"err,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())

	// Dropped counts events lost to full or closing subscriber channels.
	Dropped() uint64

	// Close detaches every subscriber and closes their channels. Publish
	// and Subscribe after Close are no-ops.
	Close()
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: make(map[uint64]*subscription)}
}

// subscription pairs a channel with a close guard shared by Unsubscribe
// and Close, so the channel is closed exactly once.
type subscription struct {
	ch   chan Event
	once sync.Once
}

func (s *subscription) close() { s.once.Do(func() { close(s.ch) }) }

type memBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	closed bool

	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	// Snapshot under the read lock; sends happen outside it.
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.send(s, e)
	}
}

// send never blocks. The recover covers a subscriber whose channel was
// closed between the snapshot and the send; that event counts as dropped.
func (b *memBus) send(s *subscription, e Event) {
	defer func() {
		if recover() != nil {
			b.dropped.Add(1)
		}
	}()
	select {
	case s.ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscription{ch: make(chan Event, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	id := b.seq.Add(1)
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

func (b *memBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
