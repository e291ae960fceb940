// Package progress fans out per-task progress events to in-process
// subscribers. Delivery is best-effort: the bus is memory-only, and a
// subscriber that falls behind is dropped rather than ever blocking a
// handler.
package progress

import (
	"sync"
)

// Terminal stage markers. Everything else in Event.Stage is a pipeline
// stage name.
const (
	StageCompleted = "completed"
	StageFailed    = "failed"
	StageCancelled = "cancelled"
)

// Event is one progress report from a handler. Not persisted.
type Event struct {
	Stage                     string `json:"stage"`
	ProgressPct               int    `json:"progress_pct"`
	Message                   string `json:"message,omitempty"`
	EstimatedRemainingSeconds int    `json:"estimated_remaining_seconds,omitempty"`
}

// Terminal reports whether the event ends the task's stream.
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageCompleted, StageFailed, StageCancelled:
		return true
	}
	return false
}

// Completed is the final event of a successful task.
func Completed() Event {
	return Event{Stage: StageCompleted, ProgressPct: 100}
}

// Failed is the final event of a failed or dead task.
func Failed(message string) Event {
	return Event{Stage: StageFailed, Message: message}
}

// Cancelled is the final event of a cancelled task.
func Cancelled() Event {
	return Event{Stage: StageCancelled, Message: "task cancelled"}
}

type topic struct {
	last   *Event
	subs   map[uint64]chan Event
	nextID uint64
}

// Bus is the per-process progress pub/sub. One topic per task id, created
// lazily on first publish or subscribe and garbage-collected once a
// terminal event goes out. Thread-safe.
type Bus struct {
	mu     sync.Mutex
	buffer int
	topics map[string]*topic
	closed bool
}

// NewBus builds a bus whose subscriber channels buffer the given number of
// events. Zero or negative means the default of 16.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{
		buffer: buffer,
		topics: make(map[string]*topic),
	}
}

// Publish caches the event as the task's latest and delivers it to every
// subscriber without blocking. A subscriber whose buffer is full is closed
// and removed. A terminal event closes all subscribers and drops the topic.
func (b *Bus) Publish(taskID string, ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	tp := b.topics[taskID]
	if tp == nil {
		tp = &topic{subs: make(map[uint64]chan Event)}
		b.topics[taskID] = tp
	}
	tp.last = &ev
	for id, ch := range tp.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscriber: drop it so the publisher never waits.
			close(ch)
			delete(tp.subs, id)
		}
	}
	if ev.Terminal() {
		for id, ch := range tp.subs {
			close(ch)
			delete(tp.subs, id)
		}
		delete(b.topics, taskID)
	}
}

// Subscribe attaches to a task's stream. The latest event, if any, arrives
// first, then live events. The channel closes after a terminal event, when
// the cancel function runs, or when this subscriber is dropped for being
// slow; a terminal event always precedes a terminal close.
func (b *Bus) Subscribe(taskID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// One extra slot holds the replayed last event.
	ch := make(chan Event, b.buffer+1)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	tp := b.topics[taskID]
	if tp == nil {
		tp = &topic{subs: make(map[uint64]chan Event)}
		b.topics[taskID] = tp
	}
	if tp.last != nil {
		ch <- *tp.last
	}
	id := tp.nextID
	tp.nextID++
	tp.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.topics[taskID]; ok {
			if _, live := cur.subs[id]; live {
				delete(cur.subs, id)
				close(ch)
			}
			if cur.last == nil && len(cur.subs) == 0 {
				delete(b.topics, taskID)
			}
		}
	}
	return ch, cancel
}

// Current returns the task's latest event. ok is false when the task has
// never published or its topic is already gone.
func (b *Bus) Current(taskID string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tp := b.topics[taskID]
	if tp == nil || tp.last == nil {
		return Event{}, false
	}
	return *tp.last, true
}

// Emitter binds Publish to one task id for handing to a handler.
func (b *Bus) Emitter(taskID string) func(Event) {
	return func(ev Event) {
		b.Publish(taskID, ev)
	}
}

// Close shuts the bus down: every subscriber channel is closed and further
// publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, tp := range b.topics {
		for id, ch := range tp.subs {
			close(ch)
			delete(tp.subs, id)
		}
	}
	b.topics = make(map[string]*topic)
}
