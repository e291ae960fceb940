package control

import (
	"context"
	"errors"
	"path/filepath"
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

type cancelSpy struct {
	episodes []string
}

func (c *cancelSpy) Cancel(episodeID string) int {
	c.episodes = append(c.episodes, episodeID)
	return 1
}

type env struct {
	t     *testing.T
	q     *queue.Queue
	store *queue.SQLiteStore
	repo  *episode.SQLRepository
	bus   *progress.Bus
	spy   *cancelSpy
	ck    *clock
	s     *Surface
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
	q := queue.New(store, queue.Options{MaxRetries: 3, Now: ck.Now})
	e := &env{
		t:     t,
		q:     q,
		store: store,
		repo:  episode.NewSQLRepository(db),
		bus:   progress.NewBus(16),
		spy:   &cancelSpy{},
		ck:    ck,
	}
	e.s = New(Deps{Queue: q, Episodes: e.repo, Bus: e.bus, Canceller: e.spy, Now: ck.Now})
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

func wantValidation(t *testing.T, err error, code string) *ValidationError {
	t.Helper()
	v := AsValidation(err)
	if v == nil {
		t.Fatalf("got %v, want a %s validation error", err, code)
	}
	if v.Code != code {
		t.Fatalf("validation code = %q (%s), want %q", v.Code, v.Detail, code)
	}
	return v
}

func TestEnqueueStageValidatesRequest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("fresh")

	if _, err := e.s.EnqueueStage(ctx, ep, "remix", "api"); err == nil {
		t.Fatal("unknown stage accepted")
	} else {
		wantValidation(t, err, CodeUnknownStage)
	}

	if _, err := e.s.EnqueueStage(ctx, "nope", "download", "api"); err == nil {
		t.Fatal("unknown episode accepted")
	} else {
		wantValidation(t, err, CodeUnknownEpisode)
	}

	// A discovered episode has no audio yet, so downsample's precondition
	// fails.
	if _, err := e.s.EnqueueStage(ctx, ep, "downsample", "api"); err == nil {
		t.Fatal("wrong-state enqueue accepted")
	} else {
		wantValidation(t, err, CodeWrongState)
	}

	tsk, err := e.s.EnqueueStage(ctx, ep, "download", "")
	if err != nil {
		t.Fatalf("EnqueueStage: %v", err)
	}
	if tsk.Stage != pipeline.StageDownload || tsk.Status != task.StatusPending {
		t.Fatalf("task = %s/%s, want pending download", tsk.Stage, tsk.Status)
	}
	if got := tsk.Metadata[task.MetaInitiatedBy]; got != "api" {
		t.Fatalf("initiated_by = %v, want api default", got)
	}
	if _, ok := tsk.Metadata[task.MetaInitiatedAt].(string); !ok {
		t.Fatalf("initiated_at missing from metadata: %v", tsk.Metadata)
	}
	if tsk.Metadata.RunFullPipeline() {
		t.Fatal("single-stage enqueue must not chain")
	}

	if _, err := e.s.EnqueueStage(ctx, ep, "download", "api"); err == nil {
		t.Fatal("duplicate enqueue accepted")
	} else {
		wantValidation(t, err, CodeAlreadyQueued)
	}
}

func TestEnqueueStageChecksArtifactsNotFailureMarker(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("failed-once")

	if err := e.repo.SetArtifact(ctx, ep, pipeline.StageDownload, "/artifacts/audio.mp3"); err != nil {
		t.Fatalf("SetArtifact: %v", err)
	}
	if err := e.store.SetEpisodeFailure(ctx, ep, pipeline.StageDownsample, "boom", classify.ClassTransient, e.ck.Now()); err != nil {
		t.Fatalf("SetEpisodeFailure: %v", err)
	}

	// State() reports failed, but the audio artifact exists, so downsample
	// can be re-run.
	tsk, err := e.s.EnqueueStage(ctx, ep, "downsample", "operator")
	if err != nil {
		t.Fatalf("EnqueueStage after failure: %v", err)
	}
	if tsk.Stage != pipeline.StageDownsample {
		t.Fatalf("stage = %s, want downsample", tsk.Stage)
	}
	if got := tsk.Metadata[task.MetaInitiatedBy]; got != "operator" {
		t.Fatalf("initiated_by = %v, want operator", got)
	}
}

func TestRunPipelineStartsFromArtifactState(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	fresh := e.seedEpisode("fresh")
	tsk, err := e.s.RunPipeline(ctx, fresh, "", "api")
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}
	if tsk.Stage != pipeline.StageDownload {
		t.Fatalf("start stage = %s, want download", tsk.Stage)
	}
	if !tsk.Metadata.RunFullPipeline() {
		t.Fatal("run_full_pipeline not set")
	}
	if got := tsk.Metadata.TargetStage(); got != pipeline.StageSummarize {
		t.Fatalf("target = %s, want summarize default", got)
	}

	resumed := e.seedEpisode("resumed")
	if err := e.repo.SetArtifact(ctx, resumed, pipeline.StageDownload, "/artifacts/audio.mp3"); err != nil {
		t.Fatalf("SetArtifact: %v", err)
	}
	tsk, err = e.s.RunPipeline(ctx, resumed, "transcribe", "api")
	if err != nil {
		t.Fatalf("RunPipeline resumed: %v", err)
	}
	if tsk.Stage != pipeline.StageDownsample {
		t.Fatalf("start stage = %s, want downsample", tsk.Stage)
	}
	if got := tsk.Metadata.TargetStage(); got != pipeline.StageTranscribe {
		t.Fatalf("target = %s, want transcribe", got)
	}
}

func TestRunPipelineRejectsFinishedEpisode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("done")
	if err := e.repo.SetArtifact(ctx, ep, pipeline.StageSummarize, "/artifacts/summary.json"); err != nil {
		t.Fatalf("SetArtifact: %v", err)
	}

	_, err := e.s.RunPipeline(ctx, ep, "", "api")
	wantValidation(t, err, CodeWrongState)
}

func TestRunPipelineRejectsTargetBehindStart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("transcribed")
	if err := e.repo.SetArtifact(ctx, ep, pipeline.StageTranscribe, "/artifacts/transcript.json"); err != nil {
		t.Fatalf("SetArtifact: %v", err)
	}

	// The episode would start at clean; asking to stop at downsample makes
	// no sense.
	_, err := e.s.RunPipeline(ctx, ep, "downsample", "api")
	wantValidation(t, err, CodeWrongState)
}

func TestCancelPipelineCancelsQueuedAndSignals(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("cancel-me")

	tsk, err := e.s.RunPipeline(ctx, ep, "", "api")
	if err != nil {
		t.Fatalf("RunPipeline: %v", err)
	}

	n, err := e.s.CancelPipeline(ctx, ep)
	if err != nil {
		t.Fatalf("CancelPipeline: %v", err)
	}
	if n != 1 {
		t.Fatalf("cancelled %d tasks, want 1", n)
	}
	if len(e.spy.episodes) != 1 || e.spy.episodes[0] != ep {
		t.Fatalf("canceller signalled %v, want [%s]", e.spy.episodes, ep)
	}
	got, err := e.q.Task(ctx, tsk.ID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Fatalf("status = %q, want cancelled", got.Status)
	}

	_, err = e.s.CancelPipeline(ctx, "nope")
	wantValidation(t, err, CodeUnknownEpisode)
}

func TestRetryEpisodeRequeuesRecordedStage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("retry-me")

	if err := e.store.SetEpisodeFailure(ctx, ep, pipeline.StageDownload, "connection reset", classify.ClassTransient, e.ck.Now()); err != nil {
		t.Fatalf("SetEpisodeFailure: %v", err)
	}

	tsk, err := e.s.RetryEpisode(ctx, ep)
	if err != nil {
		t.Fatalf("RetryEpisode: %v", err)
	}
	if tsk == nil || tsk.Stage != pipeline.StageDownload {
		t.Fatalf("task = %+v, want a download task", tsk)
	}
	if got := tsk.Metadata[task.MetaInitiatedBy]; got != "retry_episode" {
		t.Fatalf("initiated_by = %v, want retry_episode", got)
	}

	got, err := e.repo.Get(ctx, ep)
	if err != nil {
		t.Fatalf("Get episode: %v", err)
	}
	if got.FailedAtStage != "" {
		t.Fatalf("failure marker still set: %q", got.FailedAtStage)
	}

	// Without a recorded failure there is nothing to re-enqueue.
	other := e.seedEpisode("no-failure")
	tsk, err = e.s.RetryEpisode(ctx, other)
	if err != nil {
		t.Fatalf("RetryEpisode without failure: %v", err)
	}
	if tsk != nil {
		t.Fatalf("task = %+v, want nil", tsk)
	}
}

func TestSubscribeProgressLiveStream(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("live")

	tsk, err := e.s.EnqueueStage(ctx, ep, "download", "api")
	if err != nil {
		t.Fatalf("EnqueueStage: %v", err)
	}

	ch, cancel, err := e.s.SubscribeProgress(ctx, tsk.ID)
	if err != nil {
		t.Fatalf("SubscribeProgress: %v", err)
	}
	defer cancel()

	e.bus.Publish(tsk.ID, progress.Event{Stage: "download", ProgressPct: 42})
	ev := <-ch
	if ev.Stage != "download" || ev.ProgressPct != 42 {
		t.Fatalf("event = %+v, want download at 42%%", ev)
	}
}

func TestSubscribeProgressTerminalTaskSynthesizesEvent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("late")

	tsk, err := e.s.EnqueueStage(ctx, ep, "download", "api")
	if err != nil {
		t.Fatalf("EnqueueStage: %v", err)
	}
	claimed, err := e.q.ClaimNext(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext = (%v, %v)", claimed, err)
	}
	if err := e.q.MarkDead(ctx, claimed, "bad feed url"); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}

	ch, cancel, err := e.s.SubscribeProgress(ctx, tsk.ID)
	if err != nil {
		t.Fatalf("SubscribeProgress: %v", err)
	}
	defer cancel()

	ev, ok := <-ch
	if !ok {
		t.Fatal("stream closed without a terminal event")
	}
	if ev.Stage != progress.StageFailed || ev.Message != "bad feed url" {
		t.Fatalf("event = %+v, want failed with the task error", ev)
	}
	if _, ok := <-ch; ok {
		t.Fatal("stream not closed after terminal event")
	}

	if _, _, err := e.s.SubscribeProgress(ctx, "01UNKNOWN"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("subscribe to unknown task = %v, want ErrNotFound", err)
	}
}

func TestCurrentProgressFallbacks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ep := e.seedEpisode("current")

	tsk, err := e.s.EnqueueStage(ctx, ep, "download", "api")
	if err != nil {
		t.Fatalf("EnqueueStage: %v", err)
	}

	// Queued, nothing published yet: the stage at zero.
	ev, err := e.s.CurrentProgress(ctx, tsk.ID)
	if err != nil {
		t.Fatalf("CurrentProgress: %v", err)
	}
	if ev.Stage != "download" || ev.ProgressPct != 0 {
		t.Fatalf("event = %+v, want download at 0%%", ev)
	}

	e.bus.Publish(tsk.ID, progress.Event{Stage: "download", ProgressPct: 61, Message: "38MB of 62MB"})
	ev, err = e.s.CurrentProgress(ctx, tsk.ID)
	if err != nil {
		t.Fatalf("CurrentProgress: %v", err)
	}
	if ev.ProgressPct != 61 {
		t.Fatalf("event = %+v, want the published 61%%", ev)
	}

	// Worker finishes the task and publishes the terminal event, which
	// drops the topic; the synthesized event takes over.
	claimed, err := e.q.ClaimNext(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("ClaimNext = (%v, %v)", claimed, err)
	}
	if err := e.q.MarkCompleted(ctx, claimed); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	e.bus.Publish(tsk.ID, progress.Completed())

	ev, err = e.s.CurrentProgress(ctx, tsk.ID)
	if err != nil {
		t.Fatalf("CurrentProgress: %v", err)
	}
	if ev.Stage != progress.StageCompleted || ev.ProgressPct != 100 {
		t.Fatalf("event = %+v, want completed at 100%%", ev)
	}
}

func TestDLQPassthrough(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// deadTask enqueues a download for a fresh episode and kills it.
	deadTask := func(title string) *task.Task {
		t.Helper()
		ep := e.seedEpisode(title)
		tsk, err := e.s.EnqueueStage(ctx, ep, "download", "api")
		if err != nil {
			t.Fatalf("EnqueueStage: %v", err)
		}
		claimed, err := e.q.ClaimNext(ctx)
		if err != nil || claimed == nil {
			t.Fatalf("ClaimNext = (%v, %v)", claimed, err)
		}
		if err := e.q.MarkDead(ctx, claimed, "404"); err != nil {
			t.Fatalf("MarkDead: %v", err)
		}
		return tsk
	}

	blocked := deadTask("blocked")
	free := deadTask("free")

	dlq, err := e.s.DLQ(ctx)
	if err != nil {
		t.Fatalf("DLQ: %v", err)
	}
	if len(dlq) != 2 {
		t.Fatalf("DLQ has %d entries, want 2", len(dlq))
	}

	// A dead task gives up its slot, so the stage can be queued afresh;
	// that in turn blocks resurrecting the dead task.
	if _, err := e.s.EnqueueStage(ctx, blocked.EpisodeID, "download", "api"); err != nil {
		t.Fatalf("EnqueueStage over dead task: %v", err)
	}
	if _, err := e.s.RetryDLQ(ctx, blocked.ID); err == nil {
		t.Fatal("RetryDLQ into an occupied slot accepted")
	} else {
		wantValidation(t, err, CodeAlreadyQueued)
	}

	// RetryAllDLQ revives what it can and skips the blocked one.
	if n, err := e.s.RetryAllDLQ(ctx); err != nil || n != 1 {
		t.Fatalf("RetryAllDLQ = (%d, %v), want 1", n, err)
	}
	revived, err := e.s.Task(ctx, free.ID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if revived.Status != task.StatusPending || revived.RetryCount != 0 {
		t.Fatalf("revived = %s retry_count=%d, want pending with 0", revived.Status, revived.RetryCount)
	}
	still, err := e.s.Task(ctx, blocked.ID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if still.Status != task.StatusDead {
		t.Fatalf("blocked task = %s, want still dead", still.Status)
	}

	// Skip acknowledges without re-running.
	skipped, err := e.s.SkipDLQ(ctx, blocked.ID)
	if err != nil {
		t.Fatalf("SkipDLQ: %v", err)
	}
	if skipped.Status != task.StatusCompleted {
		t.Fatalf("skipped = %s, want completed", skipped.Status)
	}
}
