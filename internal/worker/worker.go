// Package worker runs the queue's execution loop: claim a task, resolve its
// episode, run the stage handler, classify the outcome, persist it, and
// chain the next stage of a pipeline run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/castforge/castforge/internal/classify"
	"github.com/castforge/castforge/internal/episode"
	"github.com/castforge/castforge/internal/progress"
	"github.com/castforge/castforge/internal/queue"
	"github.com/castforge/castforge/internal/task"
	"github.com/castforge/castforge/internal/telemetry"
)

var tracer = otel.Tracer("castforge/worker")

// Deps are the collaborators a worker needs. Log, Metrics, and Canceller may
// be nil; the defaults are a nop logger, unregistered metrics, and a private
// canceller no command surface can reach.
type Deps struct {
	Queue     *queue.Queue
	Episodes  episode.Repository
	Handlers  *Registry
	Bus       *progress.Bus
	Recorder  *FailureRecorder
	Canceller *Canceller
	Log       *zap.Logger
	Metrics   *telemetry.Metrics
}

// Options tunes the loop. Zero values take defaults.
type Options struct {
	// Name distinguishes workers in logs when several run in one process.
	Name      string
	IdleSleep time.Duration
	Now       func() time.Time
}

// Worker processes one task at a time. Run several against the same queue
// for parallelism; the atomic claim arbitrates.
type Worker struct {
	queue     *queue.Queue
	episodes  episode.Repository
	handlers  *Registry
	bus       *progress.Bus
	recorder  *FailureRecorder
	canceller *Canceller
	log       *zap.Logger
	metrics   *telemetry.Metrics
	idleSleep time.Duration
	now       func() time.Time
}

func New(deps Deps, opts Options) *Worker {
	if opts.IdleSleep <= 0 {
		opts.IdleSleep = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Name != "" {
		log = log.With(zap.String("worker", opts.Name))
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	canceller := deps.Canceller
	if canceller == nil {
		canceller = NewCanceller()
	}
	return &Worker{
		queue:     deps.Queue,
		episodes:  deps.Episodes,
		handlers:  deps.Handlers,
		bus:       deps.Bus,
		recorder:  deps.Recorder,
		canceller: canceller,
		log:       log,
		metrics:   metrics,
		idleSleep: opts.IdleSleep,
		now:       opts.Now,
	}
}

// Run loops until ctx is cancelled and then returns nil. Claim errors are
// logged and retried after the idle sleep; they never stop the loop.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", zap.Duration("idle_sleep", w.idleSleep))
	for {
		if ctx.Err() != nil {
			w.log.Info("worker stopped")
			return nil
		}
		claimed, err := w.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Warn("claim failed", zap.Error(err))
		}
		if claimed {
			continue
		}
		if !sleepWithContext(ctx, w.idleSleep) {
			w.log.Info("worker stopped")
			return nil
		}
	}
}

// Tick claims and processes at most one task, reporting whether one was
// claimed. The returned error is a claim error only; handler outcomes are
// persisted internally.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	t, err := w.queue.ClaimNext(ctx)
	if err != nil {
		return false, fmt.Errorf("claim next task: %w", err)
	}
	if t == nil {
		return false, nil
	}
	w.process(ctx, t)
	return true, nil
}

func (w *Worker) process(parent context.Context, t *task.Task) {
	start := w.now()
	log := w.log.With(
		zap.String("task_id", t.ID),
		zap.String("episode_id", t.EpisodeID),
		zap.String("stage", string(t.Stage)),
		zap.Int("attempt", t.RetryCount+1),
	)
	ctx, span := tracer.Start(parent, "worker.task", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.stage", string(t.Stage)),
		attribute.String("episode.id", t.EpisodeID),
		attribute.Int("task.attempt", t.RetryCount+1),
	))
	defer span.End()

	log.Info("task claimed")

	var (
		runErr          error
		cancelRequested bool
	)
	def := classify.ClassTransient

	ep, err := w.episodes.Get(ctx, t.EpisodeID)
	switch {
	case errors.Is(err, episode.ErrNotFound):
		runErr = classify.Fatalf("episode not found: %s", t.EpisodeID)
	case err != nil:
		// Storage trouble. The task keeps its processing row untouched so
		// orphan recovery reschedules it without burning a retry.
		log.Error("episode lookup failed, task left processing", zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "episode lookup")
		return
	default:
		if h := w.handlers.Resolve(t.Stage); h == nil {
			runErr = classify.Fatalf("no handler registered for stage %q", t.Stage)
		} else {
			if dc, ok := h.(DefaultClasser); ok {
				def = dc.DefaultClass()
			}
			runErr, cancelRequested = w.invoke(ctx, h, t, ep)
		}
	}

	// Outcome writes must land even when the attempt overlapped a shutdown.
	outcome := w.settle(context.WithoutCancel(ctx), log, t, runErr, cancelRequested, def)
	elapsed := w.now().Sub(start)
	w.metrics.TaskDuration.WithLabelValues(string(t.Stage)).Observe(elapsed.Seconds())
	if outcome == "" {
		// Persist failed; orphan recovery owns the task now.
		span.SetStatus(codes.Error, "persist outcome")
		return
	}
	w.metrics.TaskOutcomes.WithLabelValues(string(t.Stage), string(outcome)).Inc()
	span.SetAttributes(attribute.String("task.outcome", string(outcome)))

	switch outcome {
	case task.StatusCompleted:
		span.SetStatus(codes.Ok, "")
		log.Info("task completed", zap.Duration("elapsed", elapsed))
	case task.StatusCancelled:
		log.Info("task cancelled", zap.Duration("elapsed", elapsed))
	case task.StatusRetryScheduled:
		w.metrics.TaskRetries.WithLabelValues(string(t.Stage)).Inc()
		span.RecordError(runErr)
		log.Warn("task retry scheduled",
			zap.Duration("elapsed", elapsed),
			zap.Int("retry_count", t.RetryCount),
			zap.Int("max_retries", t.MaxRetries),
			zap.Timep("next_retry_at", t.NextRetryAt),
			zap.Error(runErr))
	case task.StatusFailed:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(outcome))
		log.Error("task failed, retries exhausted", zap.Duration("elapsed", elapsed), zap.Error(runErr))
	case task.StatusDead:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(outcome))
		log.Error("task dead-lettered", zap.Duration("elapsed", elapsed), zap.Error(runErr))
	}
}

// invoke runs the stage handler under a context the canceller can fire.
// cancelRequested reports whether a cancel-pipeline request arrived during
// the attempt, whether or not the handler observed it.
func (w *Worker) invoke(ctx context.Context, h Handler, t *task.Task, ep *episode.Episode) (runErr error, cancelRequested bool) {
	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	release := w.canceller.Register(t.EpisodeID, cancel)
	defer release()

	req := &Request{Task: t, Episode: ep, Emit: w.bus.Emitter(t.ID)}
	runErr = h.Run(taskCtx, req)
	return runErr, errors.Is(context.Cause(taskCtx), classify.ErrCancelled)
}

// settle persists the outcome of one attempt and runs the chaining policy on
// success. It returns the resulting status, or "" when the write failed and
// the task was left processing for orphan recovery.
func (w *Worker) settle(ctx context.Context, log *zap.Logger, t *task.Task, runErr error, cancelRequested bool, def classify.Class) task.Status {
	if runErr == nil {
		if err := w.queue.MarkCompleted(ctx, t); err != nil {
			log.Error("mark completed failed", zap.Error(err))
			return ""
		}
		if cancelRequested {
			log.Info("pipeline cancelled during attempt, chain suppressed")
		} else {
			w.chain(ctx, log, t)
		}
		w.bus.Publish(t.ID, progress.Completed())
		return task.StatusCompleted
	}

	if classify.IsCancellation(runErr) {
		if err := w.queue.MarkCancelled(ctx, t); err != nil {
			log.Error("mark cancelled failed", zap.Error(err))
			return ""
		}
		w.bus.Publish(t.ID, progress.Cancelled())
		return task.StatusCancelled
	}

	c := classify.ClassifyDefault(runErr, def)
	switch {
	case c.Class == classify.ClassTransient && t.RetriesLeft():
		at, err := w.queue.ScheduleRetry(ctx, t, c.Reason)
		if err != nil {
			log.Error("schedule retry failed", zap.Error(err))
			return ""
		}
		w.bus.Publish(t.ID, progress.Event{
			Stage:   string(t.Stage),
			Message: fmt.Sprintf("retry %d/%d scheduled for %s", t.RetryCount, t.MaxRetries, at.UTC().Format(time.RFC3339)),
		})
		return task.StatusRetryScheduled

	case c.Class == classify.ClassTransient:
		if err := w.queue.MarkFailed(ctx, t, c.Reason); err != nil {
			log.Error("mark failed failed", zap.Error(err))
			return ""
		}
		if err := w.recorder.Record(ctx, t.EpisodeID, t.Stage, c.Reason, classify.ClassTransient); err != nil {
			log.Error("record episode failure failed", zap.Error(err))
		}
		w.bus.Publish(t.ID, progress.Failed(c.Reason))
		return task.StatusFailed

	default:
		if err := w.queue.MarkDead(ctx, t, c.Reason); err != nil {
			log.Error("mark dead failed", zap.Error(err))
			return ""
		}
		if err := w.recorder.Record(ctx, t.EpisodeID, t.Stage, c.Reason, classify.ClassFatal); err != nil {
			log.Error("record episode failure failed", zap.Error(err))
		}
		w.bus.Publish(t.ID, progress.Failed(c.Reason))
		return task.StatusDead
	}
}

// chain enqueues the next stage after a pipeline-run task completes. The
// child carries the parent's metadata forward so the run survives across
// stages.
func (w *Worker) chain(ctx context.Context, log *zap.Logger, t *task.Task) {
	if !t.Metadata.RunFullPipeline() {
		return
	}
	if t.Stage == t.Metadata.TargetStage() {
		return
	}
	next := t.Stage.Next()
	if next == "" {
		return
	}
	child, err := w.queue.Enqueue(ctx, t.EpisodeID, next, t.Metadata)
	switch {
	case errors.Is(err, queue.ErrDuplicate):
		log.Warn("chain skipped, next stage already queued", zap.String("next_stage", string(next)))
	case err != nil:
		log.Error("chain enqueue failed", zap.String("next_stage", string(next)), zap.Error(err))
	default:
		log.Info("chained next stage",
			zap.String("next_stage", string(next)),
			zap.String("child_task_id", child.ID))
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
