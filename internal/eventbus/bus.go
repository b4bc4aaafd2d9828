// Package eventbus carries task lifecycle signals from the scheduler,
// reconciler and retention job to observers such as telemetry.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	TaskCreated         = "task.created"
	TaskUpdated         = "task.updated"
	TaskDeleted         = "task.deleted"
	TaskFired           = "task.fired"
	TaskCompleted       = "task.completed"
	TaskReconcileFailed = "task.reconcile_failed"
	TasksPruned         = "tasks.pruned"
)

// Event is an in-process notification. Publishing never blocks: a
// subscriber whose buffer is full misses the event and the bus counts it
// as dropped.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// TaskEvent is the payload of every event above. Count is set only for
// tasks.pruned, Error only for task.reconcile_failed.
type TaskEvent struct {
	ID      string
	Success bool
	Count   int
	Error   string
}

type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered receiver. With no types it receives
	// every event. unsubscribe closes the channel and is idempotent.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

// Stats is implemented by the bus returned by New.
type Stats interface {
	Dropped() uint64
}

const defaultBuffer = 16

type subscriber struct {
	ch    chan Event
	types map[string]struct{} // nil means all
}

func (s *subscriber) wants(typ string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[typ]
	return ok
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	next    uint64
	dropped atomic.Uint64
}

// New returns an in-memory fanout bus. It runs no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends are non-blocking, so holding the read lock is short and keeps
	// unsubscribe from closing a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	b.next++
	id := b.next
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Publish stamps and sends an event on b. A nil bus is ignored.
func Publish(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}
