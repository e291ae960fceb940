// Package control is the command surface between external callers and the
// queue. It validates stage preconditions, computes the starting stage for
// pipeline runs, and relays operator actions; HTTP framing lives in
// internal/server.
package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/castforge/castforge/internal/episode"
	"github.com/castforge/castforge/internal/pipeline"
	"github.com/castforge/castforge/internal/progress"
	"github.com/castforge/castforge/internal/queue"
	"github.com/castforge/castforge/internal/task"
)

// Validation codes surfaced to callers. They map to 4xx responses and are
// never retried.
const (
	CodeWrongState     = "wrong_state"
	CodeAlreadyQueued  = "already_queued"
	CodeUnknownStage   = "unknown_stage"
	CodeUnknownEpisode = "unknown_episode"
)

// ValidationError rejects a request before it touches any state.
type ValidationError struct {
	Code   string
	Detail string
}

func (e *ValidationError) Error() string {
	return e.Code + ": " + e.Detail
}

func validationErr(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// AsValidation extracts a ValidationError from err, nil when it is not one.
func AsValidation(err error) *ValidationError {
	var v *ValidationError
	if errors.As(err, &v) {
		return v
	}
	return nil
}

// PipelineCanceller relays a cancel request to handlers currently running
// tasks for an episode. The worker's Canceller implements it.
type PipelineCanceller interface {
	Cancel(episodeID string) int
}

// Deps wires the surface. Canceller and Now may be nil.
type Deps struct {
	Queue     *queue.Queue
	Episodes  episode.Repository
	Bus       *progress.Bus
	Canceller PipelineCanceller
	Now       func() time.Time
}

// Surface exposes the queue's operations with request validation applied.
type Surface struct {
	queue     *queue.Queue
	episodes  episode.Repository
	bus       *progress.Bus
	canceller PipelineCanceller
	now       func() time.Time
}

func New(deps Deps) *Surface {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Surface{
		queue:     deps.Queue,
		episodes:  deps.Episodes,
		bus:       deps.Bus,
		canceller: deps.Canceller,
		now:       now,
	}
}

// EnqueueStage queues a single stage for an episode after checking the
// stage's precondition against the artifact-derived state. initiatedBy names
// the caller in the task metadata.
func (s *Surface) EnqueueStage(ctx context.Context, episodeID, stageName, initiatedBy string) (*task.Task, error) {
	stage, err := pipeline.ParseStage(stageName)
	if err != nil {
		return nil, validationErr(CodeUnknownStage, "%v", err)
	}
	ep, err := s.getEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	// Preconditions check artifacts, not the failure marker, so a cleared
	// or retried failure never wedges the episode.
	if got, want := ep.ArtifactState(), stage.Requires(); got != want {
		return nil, validationErr(CodeWrongState, "stage %s requires episode state %q, episode %s is %q", stage, want, ep.ID, got)
	}
	t, err := s.queue.Enqueue(ctx, ep.ID, stage, s.stampMeta(task.Metadata{}, initiatedBy))
	if errors.Is(err, queue.ErrDuplicate) {
		return nil, validationErr(CodeAlreadyQueued, "an active %s task already exists for episode %s", stage, ep.ID)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// RunPipeline computes the starting stage from the episode's artifacts and
// enqueues one chained task running through targetStage. An empty target
// means the full pipeline.
func (s *Surface) RunPipeline(ctx context.Context, episodeID, targetStage, initiatedBy string) (*task.Task, error) {
	target := pipeline.StageSummarize
	if targetStage != "" {
		st, err := pipeline.ParseStage(targetStage)
		if err != nil {
			return nil, validationErr(CodeUnknownStage, "%v", err)
		}
		target = st
	}
	ep, err := s.getEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	start := pipeline.StageFor(ep.ArtifactState())
	if start == "" {
		return nil, validationErr(CodeWrongState, "episode %s is already %s", ep.ID, ep.ArtifactState())
	}
	if stageIndex(start) > stageIndex(target) {
		return nil, validationErr(CodeWrongState, "episode %s is already past %s", ep.ID, target)
	}
	meta := s.stampMeta(task.Metadata{
		task.MetaRunFullPipeline: true,
		task.MetaTargetState:     string(target),
	}, initiatedBy)
	t, err := s.queue.Enqueue(ctx, ep.ID, start, meta)
	if errors.Is(err, queue.ErrDuplicate) {
		return nil, validationErr(CodeAlreadyQueued, "an active %s task already exists for episode %s", start, ep.ID)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CancelPipeline cancels the episode's queued tasks and signals any handler
// currently processing one. Returns how many queued tasks were cancelled; a
// processing task keeps running until its handler observes the signal.
func (s *Surface) CancelPipeline(ctx context.Context, episodeID string) (int, error) {
	ep, err := s.getEpisode(ctx, episodeID)
	if err != nil {
		return 0, err
	}
	n, err := s.queue.CancelPipeline(ctx, ep.ID)
	if err != nil {
		return 0, err
	}
	if s.canceller != nil {
		s.canceller.Cancel(ep.ID)
	}
	return n, nil
}

// RetryEpisode clears the episode's failure marker and re-enqueues the
// recorded failed stage. The task is nil when no failed stage was recorded.
func (s *Surface) RetryEpisode(ctx context.Context, episodeID string) (*task.Task, error) {
	ep, err := s.getEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	t, err := s.queue.RetryEpisode(ctx, ep.ID)
	if errors.Is(err, queue.ErrDuplicate) {
		return nil, validationErr(CodeAlreadyQueued, "an active task already exists for the failed stage of episode %s", ep.ID)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Task returns a task by id.
func (s *Surface) Task(ctx context.Context, id string) (*task.Task, error) {
	return s.queue.Task(ctx, id)
}

// EpisodeTasks lists an episode's tasks oldest first.
func (s *Surface) EpisodeTasks(ctx context.Context, episodeID string) ([]*task.Task, error) {
	ep, err := s.getEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	return s.queue.TasksForEpisode(ctx, ep.ID)
}

// Bump raises a pending task above every other pending task. False without
// error when the task exists but is no longer pending.
func (s *Surface) Bump(ctx context.Context, id string) (bool, error) {
	return s.queue.Bump(ctx, id)
}

// QueueSnapshot is the operator's queue overview.
func (s *Surface) QueueSnapshot(ctx context.Context) (*queue.Snapshot, error) {
	return s.queue.Snapshot(ctx)
}

// DLQ lists dead tasks in claim order.
func (s *Surface) DLQ(ctx context.Context) ([]*task.Task, error) {
	return s.queue.DLQ(ctx)
}

// RetryDLQ resurrects one dead task as a fresh pending one.
func (s *Surface) RetryDLQ(ctx context.Context, id string) (*task.Task, error) {
	t, err := s.queue.RetryFromDLQ(ctx, id)
	if errors.Is(err, queue.ErrDuplicate) {
		return nil, validationErr(CodeAlreadyQueued, "an active task already occupies the slot of dead task %s", id)
	}
	return t, err
}

// SkipDLQ acknowledges one dead task without re-running it.
func (s *Surface) SkipDLQ(ctx context.Context, id string) (*task.Task, error) {
	return s.queue.SkipDLQ(ctx, id)
}

// RetryAllDLQ resurrects every dead task, skipping occupied slots.
func (s *Surface) RetryAllDLQ(ctx context.Context) (int, error) {
	return s.queue.RetryAllDLQ(ctx)
}

// SubscribeProgress attaches to a task's progress stream. For a task that is
// already terminal the stream carries one synthesized terminal event and
// closes, so late subscribers never hang.
func (s *Surface) SubscribeProgress(ctx context.Context, taskID string) (<-chan progress.Event, func(), error) {
	// Subscribe before the status read so a terminal event cannot slip
	// between the two.
	ch, cancel := s.bus.Subscribe(taskID)
	t, err := s.queue.Task(ctx, taskID)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	if !t.Status.Terminal() {
		return ch, cancel, nil
	}
	cancel()
	done := make(chan progress.Event, 1)
	done <- terminalEvent(t)
	close(done)
	return done, func() {}, nil
}

// CurrentProgress returns the task's latest event. Terminal tasks whose
// stream is already gone report a synthesized terminal event; queued tasks
// that have not started report their stage at zero.
func (s *Surface) CurrentProgress(ctx context.Context, taskID string) (progress.Event, error) {
	t, err := s.queue.Task(ctx, taskID)
	if err != nil {
		return progress.Event{}, err
	}
	if ev, ok := s.bus.Current(taskID); ok {
		return ev, nil
	}
	if t.Status.Terminal() {
		return terminalEvent(t), nil
	}
	return progress.Event{Stage: string(t.Stage)}, nil
}

func (s *Surface) getEpisode(ctx context.Context, id string) (*episode.Episode, error) {
	ep, err := s.episodes.Get(ctx, id)
	if errors.Is(err, episode.ErrNotFound) {
		return nil, validationErr(CodeUnknownEpisode, "%v", err)
	}
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func (s *Surface) stampMeta(meta task.Metadata, initiatedBy string) task.Metadata {
	if initiatedBy == "" {
		initiatedBy = "api"
	}
	meta[task.MetaInitiatedBy] = initiatedBy
	meta[task.MetaInitiatedAt] = s.now().UTC().Format(time.RFC3339)
	return meta
}

// terminalEvent reconstructs the final event for a task whose stream is gone.
func terminalEvent(t *task.Task) progress.Event {
	switch t.Status {
	case task.StatusCompleted:
		return progress.Completed()
	case task.StatusCancelled:
		return progress.Cancelled()
	default:
		return progress.Failed(t.LastError)
	}
}

func stageIndex(st pipeline.Stage) int {
	for i, s := range pipeline.Stages {
		if s == st {
			return i
		}
	}
	return -1
}
