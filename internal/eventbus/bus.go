package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the task supervisor.
const (
	TaskStarted   = "task.started"
	TaskStopped   = "task.stopped"
	TaskExited    = "task.exited"
	TaskCrashLoop = "task.crash_loop"
	TaskOperator  = "task.operator" // operator mutation (add, delete, enable, trigger, ...)
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data TaskEvent
}

// TaskEvent is the payload of every supervisor event.
type TaskEvent struct {
	TaskID   string
	PID      int
	ExitCode int
	Crashes  int
	Source   string // cli, api, supervisor
	Action   string // operator action name for TaskOperator
	Err      string
	Took     time.Duration
	Meta     map[string]any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. Delivery never blocks: an event that
// does not fit a subscriber's buffer is dropped for that subscriber.
func New() *MemBus {
	return &MemBus{subs: map[uint64]chan Event{}}
}

// MemBus is the in-process Bus. It owns no goroutines.
type MemBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     uint64
	dropped atomic.Uint64
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; unsubscribe closes under the write
	// lock, so no send can hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many deliveries were skipped because a subscriber
// was full.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

// Nop returns a bus that drops everything.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
