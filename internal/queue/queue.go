package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/castforge/castforge/internal/classify"
	"github.com/castforge/castforge/internal/pipeline"
	"github.com/castforge/castforge/internal/task"
)

// maxErrorBytes bounds last_error and failure_reason text.
const maxErrorBytes = 2048

var (
	// ErrNotDead means a DLQ operation targeted a task that is not dead.
	ErrNotDead = errors.New("task is not in the dead letter queue")

	// ErrIllegalTransition means a mark operation would violate the
	// lifecycle state machine. Seeing it indicates a worker bug.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Options tunes queue behavior. Zero values take defaults.
type Options struct {
	MaxRetries      int
	Backoff         BackoffConfig
	OrphanStaleness time.Duration
	Now             func() time.Time
}

func (o *Options) applyDefaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.OrphanStaleness <= 0 {
		o.OrphanStaleness = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Queue is the public API over the store: enqueue, claim, outcome marks,
// retry scheduling, DLQ routing, and operator controls. It owns every task
// status write in the process.
type Queue struct {
	store           Store
	backoff         *Backoff
	maxRetries      int
	orphanStaleness time.Duration
	now             func() time.Time
}

func New(store Store, opts Options) *Queue {
	opts.applyDefaults()
	return &Queue{
		store:           store,
		backoff:         NewBackoff(opts.Backoff),
		maxRetries:      opts.MaxRetries,
		orphanStaleness: opts.OrphanStaleness,
		now:             opts.Now,
	}
}

// Enqueue inserts a pending task. ErrDuplicate when the (episode, stage)
// slot is already occupied.
func (q *Queue) Enqueue(ctx context.Context, episodeID string, stage pipeline.Stage, meta task.Metadata) (*task.Task, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("unknown stage: %q", stage)
	}
	t := task.New(episodeID, stage, q.maxRetries, meta, q.now())
	if err := q.store.Insert(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ClaimNext hands the worker the best runnable task, already transitioned
// to processing. Returns (nil, nil) when the queue is idle.
func (q *Queue) ClaimNext(ctx context.Context) (*task.Task, error) {
	return q.store.ClaimNext(ctx, q.now())
}

// MarkCompleted finishes a task and, in the same transaction, clears a
// matching episode failure so a stage that finally succeeded stops
// reporting the old failure.
func (q *Queue) MarkCompleted(ctx context.Context, t *task.Task) error {
	if !task.CanTransition(t.Status, task.StatusCompleted) {
		return fmt.Errorf("%w: %s -> completed", ErrIllegalTransition, t.Status)
	}
	now := q.now().UTC()
	t.Status = task.StatusCompleted
	t.NextRetryAt = nil
	t.CompletedAt = &now
	return q.store.WithTx(ctx, func(st Store) error {
		if err := st.Update(ctx, t); err != nil {
			return err
		}
		return st.ClearEpisodeFailureForStage(ctx, t.EpisodeID, t.Stage)
	})
}

// MarkCancelled terminates a task whose handler observed cancellation. No
// episode failure is recorded.
func (q *Queue) MarkCancelled(ctx context.Context, t *task.Task) error {
	if !task.CanTransition(t.Status, task.StatusCancelled) {
		return fmt.Errorf("%w: %s -> cancelled", ErrIllegalTransition, t.Status)
	}
	now := q.now().UTC()
	t.Status = task.StatusCancelled
	t.NextRetryAt = nil
	t.CompletedAt = &now
	return q.store.Update(ctx, t)
}

// ScheduleRetry books the next attempt after a transient failure. The delay
// grows with the retry count the task had before this failure; the stored
// count then increments so the next attempt sees it.
func (q *Queue) ScheduleRetry(ctx context.Context, t *task.Task, reason string) (time.Time, error) {
	if !task.CanTransition(t.Status, task.StatusRetryScheduled) {
		return time.Time{}, fmt.Errorf("%w: %s -> retry_scheduled", ErrIllegalTransition, t.Status)
	}
	if !t.RetriesLeft() {
		return time.Time{}, fmt.Errorf("task %s has no retries left (%d/%d)", t.ID, t.RetryCount, t.MaxRetries)
	}
	at := q.now().UTC().Add(q.backoff.Delay(t.RetryCount))
	t.Status = task.StatusRetryScheduled
	t.RetryCount++
	t.NextRetryAt = &at
	t.ErrorType = classify.ClassTransient
	t.LastError = classify.Truncate(reason, maxErrorBytes)
	if err := q.store.Update(ctx, t); err != nil {
		return time.Time{}, err
	}
	return at, nil
}

// MarkFailed terminates a task whose transient retries are exhausted.
func (q *Queue) MarkFailed(ctx context.Context, t *task.Task, reason string) error {
	if !task.CanTransition(t.Status, task.StatusFailed) {
		return fmt.Errorf("%w: %s -> failed", ErrIllegalTransition, t.Status)
	}
	now := q.now().UTC()
	t.Status = task.StatusFailed
	t.NextRetryAt = nil
	t.CompletedAt = &now
	t.ErrorType = classify.ClassTransient
	t.LastError = classify.Truncate(reason, maxErrorBytes)
	return q.store.Update(ctx, t)
}

// MarkDead routes a fatally failed task to the dead letter queue.
func (q *Queue) MarkDead(ctx context.Context, t *task.Task, reason string) error {
	if !task.CanTransition(t.Status, task.StatusDead) {
		return fmt.Errorf("%w: %s -> dead", ErrIllegalTransition, t.Status)
	}
	now := q.now().UTC()
	t.Status = task.StatusDead
	t.NextRetryAt = nil
	t.CompletedAt = &now
	t.ErrorType = classify.ClassFatal
	t.LastError = classify.Truncate(reason, maxErrorBytes)
	return q.store.Update(ctx, t)
}

// Bump raises a pending task above every other pending task. Returns false
// without error when the task exists but is no longer pending.
func (q *Queue) Bump(ctx context.Context, id string) (bool, error) {
	bumped, err := q.store.BumpPriority(ctx, id, q.now())
	if err != nil {
		return false, err
	}
	if !bumped {
		if _, err := q.store.ByID(ctx, id); err != nil {
			return false, err
		}
	}
	return bumped, nil
}

// CancelPipeline cancels all pending and retry_scheduled tasks for an
// episode. A processing task keeps running; cancellation for it is
// cooperative and advisory.
func (q *Queue) CancelPipeline(ctx context.Context, episodeID string) (int, error) {
	return q.store.CancelActiveForEpisode(ctx, episodeID, q.now())
}

// RetryFromDLQ resurrects a dead task as a fresh pending one and clears the
// episode failure when it points at the same stage.
func (q *Queue) RetryFromDLQ(ctx context.Context, id string) (*task.Task, error) {
	var out *task.Task
	err := q.store.WithTx(ctx, func(st Store) error {
		t, err := st.ByID(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != task.StatusDead {
			return fmt.Errorf("%w: %s is %s", ErrNotDead, id, t.Status)
		}
		t.Status = task.StatusPending
		t.RetryCount = 0
		t.ErrorType = ""
		t.LastError = ""
		t.NextRetryAt = nil
		t.StartedAt = nil
		t.CompletedAt = nil
		if err := st.Update(ctx, t); err != nil {
			return err
		}
		if err := st.ClearEpisodeFailureForStage(ctx, t.EpisodeID, t.Stage); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SkipDLQ acknowledges a dead task by marking it completed. Purely
// observational: artifacts are not created and the episode failure stays.
func (q *Queue) SkipDLQ(ctx context.Context, id string) (*task.Task, error) {
	var out *task.Task
	err := q.store.WithTx(ctx, func(st Store) error {
		t, err := st.ByID(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != task.StatusDead {
			return fmt.Errorf("%w: %s is %s", ErrNotDead, id, t.Status)
		}
		t.Status = task.StatusCompleted
		if err := st.Update(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RetryAllDLQ resurrects every dead task. Tasks whose slot is already
// occupied by a newer active task are skipped rather than failing the
// batch.
func (q *Queue) RetryAllDLQ(ctx context.Context) (int, error) {
	dead, err := q.store.ByStatus(ctx, task.StatusDead)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range dead {
		if _, err := q.RetryFromDLQ(ctx, t.ID); err != nil {
			if errors.Is(err, ErrDuplicate) || errors.Is(err, ErrNotDead) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// RetryEpisode clears the episode's failure record and, when the failed
// stage is known, enqueues a fresh task for it.
func (q *Queue) RetryEpisode(ctx context.Context, episodeID string) (*task.Task, error) {
	var out *task.Task
	err := q.store.WithTx(ctx, func(st Store) error {
		stage, ok, err := st.EpisodeFailureStage(ctx, episodeID)
		if err != nil {
			return err
		}
		if err := st.ClearEpisodeFailure(ctx, episodeID); err != nil {
			return err
		}
		if !ok {
			return nil
		}
		t := task.New(episodeID, stage, q.maxRetries, task.Metadata{
			task.MetaInitiatedBy: "retry_episode",
			task.MetaInitiatedAt: q.now().UTC().Format(time.RFC3339),
		}, q.now())
		if err := st.Insert(ctx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecoverOrphans reschedules processing tasks that have not been touched
// within the staleness window, making work claimed by a crashed worker
// runnable again.
func (q *Queue) RecoverOrphans(ctx context.Context) (int, error) {
	now := q.now()
	return q.store.RecoverOrphans(ctx, now.Add(-q.orphanStaleness), now)
}

// Sweep deletes completed, failed, and cancelled tasks older than the
// retention window. Dead tasks stay until an operator retries or skips
// them.
func (q *Queue) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := q.now().Add(-retention)
	return q.store.DeleteTerminalBefore(ctx, []task.Status{
		task.StatusCompleted, task.StatusFailed, task.StatusCancelled,
	}, cutoff)
}

// Task returns a task by id.
func (q *Queue) Task(ctx context.Context, id string) (*task.Task, error) {
	return q.store.ByID(ctx, id)
}

// TasksForEpisode lists an episode's tasks oldest first.
func (q *Queue) TasksForEpisode(ctx context.Context, episodeID string) ([]*task.Task, error) {
	return q.store.ByEpisode(ctx, episodeID)
}

// DLQ lists dead tasks in claim order.
func (q *Queue) DLQ(ctx context.Context) ([]*task.Task, error) {
	return q.store.ByStatus(ctx, task.StatusDead)
}

// Snapshot is the operator's queue overview.
type Snapshot struct {
	Counts     map[task.Status]int `json:"counts"`
	Processing []*task.Task        `json:"processing"`
	Pending    []*task.Task        `json:"pending"`
}

func (q *Queue) Snapshot(ctx context.Context) (*Snapshot, error) {
	counts, err := q.store.CountsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	processing, err := q.store.ByStatus(ctx, task.StatusProcessing)
	if err != nil {
		return nil, err
	}
	pending, err := q.store.ByStatus(ctx, task.StatusPending, task.StatusRetryScheduled)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Counts: counts, Processing: processing, Pending: pending}, nil
}

// CountsByStatus exposes the status histogram, also feeding the queue depth
// metrics collector.
func (q *Queue) CountsByStatus(ctx context.Context) (map[task.Status]int, error) {
	return q.store.CountsByStatus(ctx)
}
