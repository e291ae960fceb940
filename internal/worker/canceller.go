package worker

import (
	"context"
	"sync"

	"github.com/castforge/castforge/internal/classify"
)

// Canceller relays cancel-pipeline requests to tasks already processing.
// Pending and retry_scheduled tasks are cancelled by a queue write; a
// processing task can only be asked to stop, through the context its handler
// runs under.
type Canceller struct {
	mu     sync.Mutex
	nextID uint64
	active map[string]map[uint64]context.CancelCauseFunc
}

func NewCanceller() *Canceller {
	return &Canceller{active: make(map[string]map[uint64]context.CancelCauseFunc)}
}

// Register adds the cancel function of an attempt processing the episode.
// The returned release must run when the attempt ends.
func (c *Canceller) Register(episodeID string, cancel context.CancelCauseFunc) (release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	m := c.active[episodeID]
	if m == nil {
		m = make(map[uint64]context.CancelCauseFunc)
		c.active[episodeID] = m
	}
	m[id] = cancel
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.active[episodeID]; ok {
			delete(cur, id)
			if len(cur) == 0 {
				delete(c.active, episodeID)
			}
		}
	}
}

// Cancel fires every registered attempt for the episode with ErrCancelled as
// the cause and reports how many were signalled.
func (c *Canceller) Cancel(episodeID string) int {
	c.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(c.active[episodeID]))
	for _, cancel := range c.active[episodeID] {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel(classify.ErrCancelled)
	}
	return len(cancels)
}
