package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/castforge/castforge/internal/classify"
	"github.com/castforge/castforge/internal/episode"
	"github.com/castforge/castforge/internal/pipeline"
	"github.com/castforge/castforge/internal/progress"
	"github.com/castforge/castforge/internal/queue"
	"github.com/castforge/castforge/internal/storage"
	"github.com/castforge/castforge/internal/task"
)

type clock struct {
	t time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

type env struct {
	t         *testing.T
	q         *queue.Queue
	store     *queue.SQLiteStore
	repo      *episode.SQLRepository
	bus       *progress.Bus
	reg       *Registry
	canceller *Canceller
	ck        *clock
	w         *Worker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := storage.OpenAndMigrate(filepath.Join(t.TempDir(), "queue.db"), 5000)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ck := newClock()
	store := queue.NewSQLiteStore(db)
	q := queue.New(store, queue.Options{
		MaxRetries: 3,
		// Degenerate jitter keeps retry delays exact.
		Backoff:         queue.BackoffConfig{Base: 5 * time.Second, Multiplier: 6, Cap: 600 * time.Second, JitterLow: 1, JitterHigh: 1},
		OrphanStaleness: 5 * time.Minute,
		Now:             ck.Now,
	})
	e := &env{
		t:         t,
		q:         q,
		store:     store,
		repo:      episode.NewSQLRepository(db),
		bus:       progress.NewBus(16),
		reg:       NewRegistry(),
		canceller: NewCanceller(),
		ck:        ck,
	}
	e.w = New(Deps{
		Queue:     q,
		Episodes:  e.repo,
		Handlers:  e.reg,
		Bus:       e.bus,
		Recorder:  NewFailureRecorder(store, ck.Now),
		Canceller: e.canceller,
	}, Options{Now: ck.Now})
	return e
}

func (e *env) seedEpisode(title string) string {
	e.t.Helper()
	ep := &episode.Episode{Podcast: "pod", Title: title, AudioURL: "https://cdn.example.com/" + title + ".mp3"}
	if err := e.repo.Create(context.Background(), ep); err != nil {
		e.t.Fatalf("seed episode: %v", err)
	}
	return ep.ID
}

func (e *env) mustTask(id string) *task.Task {
	e.t.Helper()
	got, err := e.q.Task(context.Background(), id)
	if err != nil {
		e.t.Fatalf("load task %s: %v", id, err)
	}
	return got
}

// settleTask ticks the worker, advancing the clock over backoff delays,
// until the task reaches a terminal status.
func (e *env) settleTask(id string) *task.Task {
	e.t.Helper()
	ctx := context.Background()
	for i := 0; i < 32; i++ {
		cur := e.mustTask(id)
		if cur.Status.Terminal() {
			return cur
		}
		if cur.Status == task.StatusRetryScheduled && cur.NextRetryAt != nil && cur.NextRetryAt.After(e.ck.Now()) {
			e.ck.Advance(cur.NextRetryAt.Sub(e.ck.Now()))
		}
		if _, err := e.w.Tick(ctx); err != nil {
			e.t.Fatalf("Tick: %v", err)
		}
	}
	e.t.Fatalf("task %s never settled", id)
	return nil
}

// drainQueue ticks until no task is runnable and returns how many were
// processed.
func (e *env) drainQueue() int {
	e.t.Helper()
	worked := 0
	for i := 0; i < 64; i++ {
		claimed, err := e.w.Tick(context.Background())
		if err != nil {
			e.t.Fatalf("Tick: %v", err)
		}
		if !claimed {
			return worked
		}
		worked++
	}
	e.t.Fatal("queue never drained")
	return worked
}

// stubHandler plays a scripted error per call; past the script's end it
// succeeds. A do override replaces the script entirely.
type stubHandler struct {
	stage  pipeline.Stage
	script []error
	do     func(ctx context.Context, req *Request) error
	calls  int
}

func (h *stubHandler) Stage() pipeline.Stage { return h.stage }

func (h *stubHandler) Run(ctx context.Context, req *Request) error {
	i := h.calls
	h.calls++
	if h.do != nil {
		return h.do(ctx, req)
	}
	if i < len(h.script) {
		return h.script[i]
	}
	return nil
}

type fatalByDefault struct {
	stubHandler
}

func (h *fatalByDefault) DefaultClass() classify.Class { return classify.ClassFatal }

type httpErr int

func (e httpErr) Error() string   { return fmt.Sprintf("unexpected status %d", int(e)) }
func (e httpErr) StatusCode() int { return int(e) }

type missingEpisodes struct{}

func (missingEpisodes) Create(context.Context, *episode.Episode) error { return errors.New("read-only") }
func (missingEpisodes) Get(ctx context.Context, id string) (*episode.Episode, error) {
	return nil, fmt.Errorf("%w: %s", episode.ErrNotFound, id)
}
func (missingEpisodes) List(context.Context) ([]*episode.Episode, error) { return nil, nil }
func (missingEpisodes) SetArtifact(context.Context, string, pipeline.Stage, string) error {
	return nil
}

func TestFullPipelineRunsAllStages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("happy")

	for _, st := range pipeline.Stages {
		stage := st
		e.reg.Add(&stubHandler{stage: stage, do: func(hctx context.Context, req *Request) error {
			req.Progress(50, "working")
			return e.repo.SetArtifact(hctx, req.Episode.ID, stage, "/artifacts/"+string(stage))
		}})
	}
	if err := e.reg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	meta := task.Metadata{task.MetaRunFullPipeline: true, task.MetaTargetState: string(pipeline.StageSummarize)}
	if _, err := e.q.Enqueue(ctx, ep, pipeline.StageDownload, meta); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if n := e.drainQueue(); n != 5 {
		t.Fatalf("processed %d tasks, want 5", n)
	}

	tasks, err := e.q.TasksForEpisode(ctx, ep)
	if err != nil {
		t.Fatalf("TasksForEpisode: %v", err)
	}
	if len(tasks) != 5 {
		t.Fatalf("got %d tasks, want 5", len(tasks))
	}
	byStage := map[pipeline.Stage]*task.Task{}
	for _, tk := range tasks {
		byStage[tk.Stage] = tk
	}
	for _, st := range pipeline.Stages {
		tk, ok := byStage[st]
		if !ok {
			t.Fatalf("no task for stage %s", st)
		}
		if tk.Status != task.StatusCompleted {
			t.Fatalf("stage %s = %q, want completed", st, tk.Status)
		}
		if !tk.Metadata.RunFullPipeline() {
			t.Fatalf("stage %s lost run_full_pipeline metadata", st)
		}
	}

	got, err := e.repo.Get(ctx, ep)
	if err != nil {
		t.Fatalf("Get episode: %v", err)
	}
	if got.State() != pipeline.StateSummarized {
		t.Fatalf("episode state = %q, want summarized", got.State())
	}
	if got.FailedAtStage != "" {
		t.Fatalf("unexpected episode failure at %q", got.FailedAtStage)
	}
	dlq, err := e.q.DLQ(ctx)
	if err != nil {
		t.Fatalf("DLQ: %v", err)
	}
	if len(dlq) != 0 {
		t.Fatalf("DLQ has %d entries, want 0", len(dlq))
	}
}

func TestTransientFailureRetriesThenChains(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("transient")

	h := &stubHandler{stage: pipeline.StageTranscribe, script: []error{errors.New("HTTP 503 from transcription api")}}
	e.reg.Add(h)

	tsk, err := e.q.Enqueue(ctx, ep, pipeline.StageTranscribe, task.Metadata{task.MetaRunFullPipeline: true})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	start := e.ck.Now()

	if claimed, err := e.w.Tick(ctx); err != nil || !claimed {
		t.Fatalf("Tick = (%v, %v), want claim", claimed, err)
	}
	cur := e.mustTask(tsk.ID)
	if cur.Status != task.StatusRetryScheduled {
		t.Fatalf("status = %q, want retry_scheduled", cur.Status)
	}
	if cur.RetryCount != 1 {
		t.Fatalf("retry_count = %d, want 1", cur.RetryCount)
	}
	if cur.ErrorType != classify.ClassTransient {
		t.Fatalf("error_type = %q, want transient", cur.ErrorType)
	}
	if !strings.Contains(cur.LastError, "503") {
		t.Fatalf("last_error = %q, want the upstream status in it", cur.LastError)
	}
	wantAt := start.Add(5 * time.Second)
	if cur.NextRetryAt == nil || !cur.NextRetryAt.Equal(wantAt) {
		t.Fatalf("next_retry_at = %v, want %v", cur.NextRetryAt, wantAt)
	}

	// Not runnable until the backoff elapses.
	if claimed, err := e.w.Tick(ctx); err != nil || claimed {
		t.Fatalf("Tick before backoff = (%v, %v), want idle", claimed, err)
	}

	e.ck.Advance(5 * time.Second)
	if claimed, err := e.w.Tick(ctx); err != nil || !claimed {
		t.Fatalf("Tick after backoff = (%v, %v), want claim", claimed, err)
	}
	cur = e.mustTask(tsk.ID)
	if cur.Status != task.StatusCompleted {
		t.Fatalf("status = %q, want completed", cur.Status)
	}
	if h.calls != 2 {
		t.Fatalf("handler ran %d times, want 2", h.calls)
	}

	// The chain continues to clean with the metadata carried forward.
	tasks, err := e.q.TasksForEpisode(ctx, ep)
	if err != nil {
		t.Fatalf("TasksForEpisode: %v", err)
	}
	var chained *task.Task
	for _, tk := range tasks {
		if tk.Stage == pipeline.StageClean {
			chained = tk
		}
	}
	if chained == nil {
		t.Fatal("no clean task chained after success")
	}
	if chained.Status != task.StatusPending {
		t.Fatalf("chained status = %q, want pending", chained.Status)
	}
	if !chained.Metadata.RunFullPipeline() {
		t.Fatal("chained task lost run_full_pipeline metadata")
	}
	if chained.RetryCount != 0 {
		t.Fatalf("chained retry_count = %d, want 0", chained.RetryCount)
	}
}

func TestTransientExhaustionFailsAndRecordsEpisode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("flaky")

	h := &stubHandler{stage: pipeline.StageDownload, do: func(context.Context, *Request) error {
		return errors.New("connection reset by peer")
	}}
	e.reg.Add(h)

	tsk, err := e.q.Enqueue(ctx, ep, pipeline.StageDownload, task.Metadata{task.MetaRunFullPipeline: true})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	final := e.settleTask(tsk.ID)
	if final.Status != task.StatusFailed {
		t.Fatalf("status = %q, want failed", final.Status)
	}
	if h.calls != 4 {
		t.Fatalf("handler ran %d times, want 4 (1 initial + 3 retries)", h.calls)
	}
	if final.RetryCount != 3 {
		t.Fatalf("retry_count = %d, want 3", final.RetryCount)
	}
	if final.ErrorType != classify.ClassTransient {
		t.Fatalf("error_type = %q, want transient", final.ErrorType)
	}

	got, err := e.repo.Get(ctx, ep)
	if err != nil {
		t.Fatalf("Get episode: %v", err)
	}
	if got.FailedAtStage != pipeline.StageDownload {
		t.Fatalf("failed_at_stage = %q, want download", got.FailedAtStage)
	}
	if got.FailureType != classify.ClassTransient {
		t.Fatalf("failure_type = %q, want transient", got.FailureType)
	}
	if !strings.Contains(got.FailureReason, "connection reset") {
		t.Fatalf("failure_reason = %q, want the handler error in it", got.FailureReason)
	}
	if got.State() != pipeline.StateFailed {
		t.Fatalf("episode state = %q, want failed", got.State())
	}

	// Exhaustion never chains.
	tasks, err := e.q.TasksForEpisode(ctx, ep)
	if err != nil {
		t.Fatalf("TasksForEpisode: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
}

func TestFatalGoesStraightToDLQ(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("gone")

	h := &stubHandler{stage: pipeline.StageDownload, script: []error{httpErr(404)}}
	e.reg.Add(h)

	tsk, err := e.q.Enqueue(ctx, ep, pipeline.StageDownload, task.Metadata{task.MetaRunFullPipeline: true})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if claimed, err := e.w.Tick(ctx); err != nil || !claimed {
		t.Fatalf("Tick = (%v, %v), want claim", claimed, err)
	}

	cur := e.mustTask(tsk.ID)
	if cur.Status != task.StatusDead {
		t.Fatalf("status = %q, want dead", cur.Status)
	}
	if cur.RetryCount != 0 {
		t.Fatalf("retry_count = %d, want 0 (no retry on fatal)", cur.RetryCount)
	}
	if cur.ErrorType != classify.ClassFatal {
		t.Fatalf("error_type = %q, want fatal", cur.ErrorType)
	}
	if h.calls != 1 {
		t.Fatalf("handler ran %d times, want 1", h.calls)
	}

	dlq, err := e.q.DLQ(ctx)
	if err != nil {
		t.Fatalf("DLQ: %v", err)
	}
	if len(dlq) != 1 || dlq[0].ID != tsk.ID {
		t.Fatalf("DLQ = %+v, want exactly the dead task", dlq)
	}
	got, err := e.repo.Get(ctx, ep)
	if err != nil {
		t.Fatalf("Get episode: %v", err)
	}
	if got.FailureType != classify.ClassFatal {
		t.Fatalf("failure_type = %q, want fatal", got.FailureType)
	}
	tasks, err := e.q.TasksForEpisode(ctx, ep)
	if err != nil {
		t.Fatalf("TasksForEpisode: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1 (no chain)", len(tasks))
	}
}

func TestCancelObservedByHandler(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("cancel-observed")

	e.reg.Add(&stubHandler{stage: pipeline.StageTranscribe, do: func(hctx context.Context, req *Request) error {
		// A cancel-pipeline request lands while the handler runs.
		if _, err := e.q.CancelPipeline(ctx, req.Episode.ID); err != nil {
			return err
		}
		if n := e.canceller.Cancel(req.Episode.ID); n != 1 {
			return fmt.Errorf("cancelled %d attempts, want 1", n)
		}
		<-hctx.Done()
		return hctx.Err()
	}})

	tsk, err := e.q.Enqueue(ctx, ep, pipeline.StageTranscribe, task.Metadata{task.MetaRunFullPipeline: true})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if claimed, err := e.w.Tick(ctx); err != nil || !claimed {
		t.Fatalf("Tick = (%v, %v), want claim", claimed, err)
	}

	cur := e.mustTask(tsk.ID)
	if cur.Status != task.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", cur.Status)
	}
	got, err := e.repo.Get(ctx, ep)
	if err != nil {
		t.Fatalf("Get episode: %v", err)
	}
	if got.FailedAtStage != "" {
		t.Fatalf("cancellation recorded an episode failure at %q", got.FailedAtStage)
	}
	tasks, err := e.q.TasksForEpisode(ctx, ep)
	if err != nil {
		t.Fatalf("TasksForEpisode: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1 (no chain)", len(tasks))
	}
}

func TestCancelMidPipelineSuppressesChain(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("cancel-mid")

	e.reg.Add(&stubHandler{stage: pipeline.StageDownload})
	e.reg.Add(&stubHandler{stage: pipeline.StageDownsample})
	e.reg.Add(&stubHandler{stage: pipeline.StageTranscribe, do: func(hctx context.Context, req *Request) error {
		// Cancel arrives mid-attempt; this handler never checks its context
		// and finishes its work.
		if _, err := e.q.CancelPipeline(ctx, req.Episode.ID); err != nil {
			return err
		}
		e.canceller.Cancel(req.Episode.ID)
		return nil
	}})

	if _, err := e.q.Enqueue(ctx, ep, pipeline.StageDownload, task.Metadata{task.MetaRunFullPipeline: true}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if n := e.drainQueue(); n != 3 {
		t.Fatalf("processed %d tasks, want 3", n)
	}

	tasks, err := e.q.TasksForEpisode(ctx, ep)
	if err != nil {
		t.Fatalf("TasksForEpisode: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d tasks, want 3 (chain suppressed after cancel)", len(tasks))
	}
	for _, tk := range tasks {
		if tk.Status != task.StatusCompleted {
			t.Fatalf("stage %s = %q, want completed", tk.Stage, tk.Status)
		}
		if tk.Stage == pipeline.StageClean {
			t.Fatal("clean task enqueued after cancel")
		}
	}
}

func TestHandlerSkipsWorkWhenArtifactExists(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("idempotent")

	work := 0
	e.reg.Add(&stubHandler{stage: pipeline.StageDownload, do: func(hctx context.Context, req *Request) error {
		if req.Episode.AudioPath != "" {
			return nil
		}
		work++
		return e.repo.SetArtifact(hctx, req.Episode.ID, pipeline.StageDownload, "/artifacts/audio.mp3")
	}})

	first, err := e.q.Enqueue(ctx, ep, pipeline.StageDownload, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if got := e.settleTask(first.ID); got.Status != task.StatusCompleted {
		t.Fatalf("first run = %q, want completed", got.Status)
	}

	second, err := e.q.Enqueue(ctx, ep, pipeline.StageDownload, nil)
	if err != nil {
		t.Fatalf("Enqueue again: %v", err)
	}
	if got := e.settleTask(second.ID); got.Status != task.StatusCompleted {
		t.Fatalf("second run = %q, want completed", got.Status)
	}
	if work != 1 {
		t.Fatalf("work ran %d times, want 1", work)
	}
}

func TestChainStopsAtTargetStage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("target")

	e.reg.Add(&stubHandler{stage: pipeline.StageDownload})
	e.reg.Add(&stubHandler{stage: pipeline.StageDownsample})

	meta := task.Metadata{task.MetaRunFullPipeline: true, task.MetaTargetState: string(pipeline.StageDownsample)}
	if _, err := e.q.Enqueue(ctx, ep, pipeline.StageDownload, meta); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if n := e.drainQueue(); n != 2 {
		t.Fatalf("processed %d tasks, want 2", n)
	}
	tasks, err := e.q.TasksForEpisode(ctx, ep)
	if err != nil {
		t.Fatalf("TasksForEpisode: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2 (chain stops at target)", len(tasks))
	}
}

func TestNoChainWithoutPipelineFlag(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("single")

	e.reg.Add(&stubHandler{stage: pipeline.StageDownload})
	if _, err := e.q.Enqueue(ctx, ep, pipeline.StageDownload, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if n := e.drainQueue(); n != 1 {
		t.Fatalf("processed %d tasks, want 1", n)
	}
	tasks, err := e.q.TasksForEpisode(ctx, ep)
	if err != nil {
		t.Fatalf("TasksForEpisode: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}
}

func TestMissingEpisodeIsFatal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("ghost")

	h := &stubHandler{stage: pipeline.StageDownload}
	e.reg.Add(h)
	tsk, err := e.q.Enqueue(ctx, ep, pipeline.StageDownload, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w := New(Deps{
		Queue:    e.q,
		Episodes: missingEpisodes{},
		Handlers: e.reg,
		Bus:      e.bus,
		Recorder: NewFailureRecorder(e.store, e.ck.Now),
	}, Options{Now: e.ck.Now})
	if claimed, err := w.Tick(ctx); err != nil || !claimed {
		t.Fatalf("Tick = (%v, %v), want claim", claimed, err)
	}

	cur := e.mustTask(tsk.ID)
	if cur.Status != task.StatusDead {
		t.Fatalf("status = %q, want dead", cur.Status)
	}
	if !strings.Contains(cur.LastError, "episode not found") {
		t.Fatalf("last_error = %q, want episode not found", cur.LastError)
	}
	if h.calls != 0 {
		t.Fatalf("handler ran %d times, want 0", h.calls)
	}
}

func TestDefaultClassOverrideRoutesUnknownErrors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	h := &fatalByDefault{stubHandler{stage: pipeline.StageClean, do: func(context.Context, *Request) error {
		return errors.New("model produced nonsense")
	}}}
	e.reg.Add(h)

	tsk, err := e.q.Enqueue(ctx, e.seedEpisode("override"), pipeline.StageClean, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := e.w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if cur := e.mustTask(tsk.ID); cur.Status != task.StatusDead {
		t.Fatalf("status = %q, want dead (handler default is fatal)", cur.Status)
	}
}

func TestUnknownErrorsDefaultToTransient(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.reg.Add(&stubHandler{stage: pipeline.StageClean, script: []error{errors.New("model produced nonsense")}})
	tsk, err := e.q.Enqueue(ctx, e.seedEpisode("unknown"), pipeline.StageClean, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := e.w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if cur := e.mustTask(tsk.ID); cur.Status != task.StatusRetryScheduled {
		t.Fatalf("status = %q, want retry_scheduled", cur.Status)
	}
}

func TestProgressEventsReachSubscribers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("progress")

	e.reg.Add(&stubHandler{stage: pipeline.StageDownload, do: func(hctx context.Context, req *Request) error {
		req.Progress(42, "downloading")
		return nil
	}})
	tsk, err := e.q.Enqueue(ctx, ep, pipeline.StageDownload, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ch, cancel := e.bus.Subscribe(tsk.ID)
	defer cancel()
	if _, err := e.w.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	var events []progress.Event
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Stage != string(pipeline.StageDownload) || events[0].ProgressPct != 42 {
		t.Fatalf("first event = %+v, want download at 42%%", events[0])
	}
	if events[1].Stage != progress.StageCompleted || events[1].ProgressPct != 100 {
		t.Fatalf("terminal event = %+v, want completed at 100%%", events[1])
	}
}

type flakyStore struct {
	queue.Store
	failing bool
}

func (s *flakyStore) Update(ctx context.Context, t *task.Task) error {
	if s.failing {
		return errors.New("database is locked")
	}
	return s.Store.Update(ctx, t)
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(queue.Store) error) error {
	if s.failing {
		return errors.New("database is locked")
	}
	return s.Store.WithTx(ctx, fn)
}

func TestPersistFailureLeavesTaskForOrphanRecovery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("flaky-store")

	fs := &flakyStore{Store: e.store}
	q := queue.New(fs, queue.Options{
		MaxRetries:      3,
		Backoff:         queue.BackoffConfig{Base: 5 * time.Second, Multiplier: 6, Cap: 600 * time.Second, JitterLow: 1, JitterHigh: 1},
		OrphanStaleness: 5 * time.Minute,
		Now:             e.ck.Now,
	})
	h := &stubHandler{stage: pipeline.StageDownload}
	reg := NewRegistry()
	reg.Add(h)
	w := New(Deps{
		Queue:    q,
		Episodes: e.repo,
		Handlers: reg,
		Bus:      e.bus,
		Recorder: NewFailureRecorder(fs, e.ck.Now),
	}, Options{Now: e.ck.Now})

	tsk, err := q.Enqueue(ctx, ep, pipeline.StageDownload, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	fs.failing = true
	if claimed, err := w.Tick(ctx); err != nil || !claimed {
		t.Fatalf("Tick = (%v, %v), want claim", claimed, err)
	}
	if cur := e.mustTask(tsk.ID); cur.Status != task.StatusProcessing {
		t.Fatalf("status after persist failure = %q, want processing", cur.Status)
	}

	// Once the store heals, orphan recovery makes the task runnable again.
	fs.failing = false
	e.ck.Advance(6 * time.Minute)
	if n, err := q.RecoverOrphans(ctx); err != nil || n != 1 {
		t.Fatalf("RecoverOrphans = (%d, %v), want 1", n, err)
	}
	if claimed, err := w.Tick(ctx); err != nil || !claimed {
		t.Fatalf("Tick after recovery = (%v, %v), want claim", claimed, err)
	}
	if cur := e.mustTask(tsk.ID); cur.Status != task.StatusCompleted {
		t.Fatalf("status = %q, want completed", cur.Status)
	}
	if h.calls != 2 {
		t.Fatalf("handler ran %d times, want 2", h.calls)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	e := newEnv(t)
	ep := e.seedEpisode("run")

	e.reg.Add(&stubHandler{stage: pipeline.StageDownload})
	tsk, err := e.q.Enqueue(context.Background(), ep, pipeline.StageDownload, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	w := New(Deps{
		Queue:     e.q,
		Episodes:  e.repo,
		Handlers:  e.reg,
		Bus:       e.bus,
		Recorder:  NewFailureRecorder(e.store, e.ck.Now),
		Canceller: e.canceller,
	}, Options{Name: "w0", IdleSleep: 5 * time.Millisecond, Now: e.ck.Now})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if cur, err := e.q.Task(context.Background(), tsk.ID); err == nil && cur.Status == task.StatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("task never completed under Run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestRegistryValidateReportsMissingStages(t *testing.T) {
	reg := NewRegistry()
	reg.Add(&stubHandler{stage: pipeline.StageDownload})

	err := reg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}
	for _, st := range pipeline.Stages[1:] {
		if !strings.Contains(err.Error(), string(st)) {
			t.Fatalf("Validate() error %q does not name stage %s", err, st)
		}
	}

	for _, st := range pipeline.Stages[1:] {
		reg.Add(&stubHandler{stage: st})
	}
	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate() with all handlers = %v", err)
	}
}

func TestFailureRecorderTruncatesReason(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("long-reason")

	rec := NewFailureRecorder(e.store, e.ck.Now)
	long := strings.Repeat("x", 5000)
	if err := rec.Record(ctx, ep, pipeline.StageDownload, long, classify.ClassTransient); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := e.repo.Get(ctx, ep)
	if err != nil {
		t.Fatalf("Get episode: %v", err)
	}
	if len(got.FailureReason) != 2048 {
		t.Fatalf("failure_reason length = %d, want 2048", len(got.FailureReason))
	}
	if !strings.HasSuffix(got.FailureReason, "...") {
		t.Fatalf("failure_reason does not end with ellipsis: %q", got.FailureReason[len(got.FailureReason)-8:])
	}
	if got.FailedAt == nil || !got.FailedAt.Equal(e.ck.Now()) {
		t.Fatalf("failed_at = %v, want %v", got.FailedAt, e.ck.Now())
	}
}

func TestCancellerSignalsRegisteredAttempts(t *testing.T) {
	c := NewCanceller()
	ctx, cancel := context.WithCancelCause(context.Background())
	release := c.Register("ep-1", cancel)

	if n := c.Cancel("ep-2"); n != 0 {
		t.Fatalf("Cancel(other) = %d, want 0", n)
	}
	if ctx.Err() != nil {
		t.Fatal("context cancelled before Cancel")
	}
	if n := c.Cancel("ep-1"); n != 1 {
		t.Fatalf("Cancel = %d, want 1", n)
	}
	if !errors.Is(context.Cause(ctx), classify.ErrCancelled) {
		t.Fatalf("cause = %v, want ErrCancelled", context.Cause(ctx))
	}

	release()
	if n := c.Cancel("ep-1"); n != 0 {
		t.Fatalf("Cancel after release = %d, want 0", n)
	}
}
