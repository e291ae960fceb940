package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/castforge/castforge/internal/classify"
	"github.com/castforge/castforge/internal/episode"
	"github.com/castforge/castforge/internal/pipeline"
	"github.com/castforge/castforge/internal/progress"
	"github.com/castforge/castforge/internal/task"
)

// Request carries everything a handler needs for one task attempt. The
// worker resolves the episode and binds the progress emitter before
// invoking the handler; handlers never touch task rows themselves.
type Request struct {
	Task    *task.Task
	Episode *episode.Episode
	Emit    func(progress.Event)
}

// Progress emits a non-terminal event for the request's stage. Terminal
// events are published by the worker after it has persisted the outcome.
func (r *Request) Progress(pct int, message string) {
	if r.Emit == nil || r.Task == nil {
		return
	}
	r.Emit(progress.Event{
		Stage:       string(r.Task.Stage),
		ProgressPct: pct,
		Message:     message,
	})
}

// Handler runs one pipeline stage for one episode. A nil return means the
// stage's artifact exists and is recorded. Errors are routed through the
// failure classifier; handlers that know better wrap with classify.NewFatal
// or classify.NewTransient.
//
// Handlers must be idempotent: when the output artifact already exists they
// return nil without redoing work.
type Handler interface {
	Stage() pipeline.Stage
	Run(ctx context.Context, req *Request) error
}

// DefaultClasser is an optional Handler interface that picks the class for
// errors the rule catalogue does not recognize. Without it unknown errors
// are retried.
type DefaultClasser interface {
	Handler
	DefaultClass() classify.Class
}

// Registry maps stages to their handlers. It is populated once at startup;
// a stage without a handler is a wiring bug, surfaced by Validate before
// any worker runs.
type Registry struct {
	handlers map[pipeline.Stage]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[pipeline.Stage]Handler{}}
}

// Add registers h under its own stage, replacing any previous handler.
func (r *Registry) Add(h Handler) {
	r.handlers[h.Stage()] = h
}

// Resolve returns the handler for a stage, nil when none is registered.
func (r *Registry) Resolve(stage pipeline.Stage) Handler {
	return r.handlers[stage]
}

// Validate reports the pipeline stages that have no registered handler.
func (r *Registry) Validate() error {
	var missing []string
	for _, st := range pipeline.Stages {
		if _, ok := r.handlers[st]; !ok {
			missing = append(missing, string(st))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no handler registered for stages: %s", strings.Join(missing, ", "))
	}
	return nil
}
