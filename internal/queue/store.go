// Package queue implements the durable task queue: the lifecycle state
// machine, priority and readiness selection, retry scheduling with backoff,
// the dead letter queue, and operator controls.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/castforge/castforge/internal/classify"
	"github.com/castforge/castforge/internal/pipeline"
	"github.com/castforge/castforge/internal/task"
)

var (
	// ErrDuplicate means an active task already occupies the
	// (episode, stage) slot.
	ErrDuplicate = errors.New("task already queued for episode and stage")

	// ErrNotFound means the task id resolved to nothing.
	ErrNotFound = errors.New("task not found")

	// ErrStale means the row changed under an optimistic update.
	ErrStale = errors.New("task modified concurrently")
)

// Store is the persistence port for tasks plus the failure columns on
// episodes. Every method is atomic on its own; WithTx groups several.
type Store interface {
	Insert(ctx context.Context, t *task.Task) error
	// ClaimNext atomically selects the best runnable task and moves it to
	// processing. Returns (nil, nil) when nothing is runnable.
	ClaimNext(ctx context.Context, now time.Time) (*task.Task, error)
	// Update persists t's mutable fields, guarded on the updated_at the
	// caller read. On success t.UpdatedAt carries the new value.
	Update(ctx context.Context, t *task.Task) error

	ByID(ctx context.Context, id string) (*task.Task, error)
	ByEpisode(ctx context.Context, episodeID string) ([]*task.Task, error)
	ByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error)
	CountsByStatus(ctx context.Context) (map[task.Status]int, error)

	// CancelActiveForEpisode flips every pending and retry_scheduled task
	// for the episode to cancelled. Processing tasks are left alone.
	CancelActiveForEpisode(ctx context.Context, episodeID string, now time.Time) (int, error)
	// BumpPriority raises a pending task above all other pending tasks.
	// Returns false when the task is not pending.
	BumpPriority(ctx context.Context, id string, now time.Time) (bool, error)
	// RecoverOrphans reschedules processing tasks untouched since olderThan.
	RecoverOrphans(ctx context.Context, olderThan, now time.Time) (int, error)
	// DeleteTerminalBefore removes terminal tasks whose completed_at is
	// before the cutoff. Retention only; correctness never depends on it.
	DeleteTerminalBefore(ctx context.Context, statuses []task.Status, cutoff time.Time) (int, error)

	SetEpisodeFailure(ctx context.Context, episodeID string, stage pipeline.Stage, reason string, ftype classify.Class, at time.Time) error
	ClearEpisodeFailure(ctx context.Context, episodeID string) error
	// ClearEpisodeFailureForStage clears the failure only when the recorded
	// stage matches.
	ClearEpisodeFailureForStage(ctx context.Context, episodeID string, stage pipeline.Stage) error
	// EpisodeFailureStage reads the recorded failed stage, ok=false when the
	// episode has no failure on record.
	EpisodeFailureStage(ctx context.Context, episodeID string) (pipeline.Stage, bool, error)

	// WithTx runs fn against a transactional view of the store. fn returning
	// an error rolls everything back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
