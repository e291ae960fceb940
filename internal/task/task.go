// Package task defines the unit of work moved through the queue: its
// lifecycle states, the metadata bag that drives pipeline chaining, and the
// persisted record shape.
package task

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/castforge/castforge/internal/classify"
	"github.com/castforge/castforge/internal/pipeline"
)

// Status is a task's position in the lifecycle state machine.
type Status string

const (
	StatusPending        Status = "pending"
	StatusProcessing     Status = "processing"
	StatusCompleted      Status = "completed"
	StatusRetryScheduled Status = "retry_scheduled"
	StatusFailed         Status = "failed"
	StatusDead           Status = "dead"
	StatusCancelled      Status = "cancelled"
)

func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, nil
	case StatusProcessing:
		return StatusProcessing, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusRetryScheduled:
		return StatusRetryScheduled, nil
	case StatusFailed:
		return StatusFailed, nil
	case StatusDead:
		return StatusDead, nil
	case StatusCancelled:
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("unknown task status: %q", s)
	}
}

// Terminal reports whether no worker will touch the task again. A failed
// task is terminal for the worker even though an operator may re-enqueue
// the stage afterwards.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDead, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the task occupies the per-(episode, stage) slot.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusRetryScheduled:
		return true
	}
	return false
}

// transitions is the lifecycle edge set. The dead->pending and
// dead->completed edges are the operator's DLQ retry and skip.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusCompleted:      true,
		StatusRetryScheduled: true,
		StatusFailed:         true,
		StatusDead:           true,
		StatusCancelled:      true,
	},
	StatusRetryScheduled: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusDead: {
		StatusPending:   true,
		StatusCompleted: true,
	},
}

// CanTransition reports whether the state machine permits from→to.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Metadata keys the chaining policy recognizes. Everything else rides along
// untouched.
const (
	MetaRunFullPipeline = "run_full_pipeline"
	MetaTargetState     = "target_state"
	MetaInitiatedAt     = "initiated_at"
	MetaInitiatedBy     = "initiated_by"
)

// Metadata is the opaque key/value bag copied forward across chained tasks.
type Metadata map[string]any

// RunFullPipeline reports whether a successful completion should enqueue
// the next stage.
func (m Metadata) RunFullPipeline() bool {
	switch v := m[MetaRunFullPipeline].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

// TargetStage returns the stage after which chaining stops. Defaults to the
// final stage when unset or unparseable.
func (m Metadata) TargetStage() pipeline.Stage {
	if raw, ok := m[MetaTargetState].(string); ok {
		if st, err := pipeline.ParseStage(raw); err == nil {
			return st
		}
	}
	return pipeline.StageSummarize
}

// Clone returns a shallow copy so a chained task cannot alias its parent's
// bag.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Value encodes the bag to JSON for storage.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode task metadata: %w", err)
	}
	return string(b), nil
}

// Scan decodes the stored JSON back into the bag.
func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("decode task metadata: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*m = Metadata{}
		return nil
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode task metadata: %w", err)
	}
	*m = out
	return nil
}

// Task is the persisted unit of work.
type Task struct {
	ID          string         `db:"id" json:"id"`
	EpisodeID   string         `db:"episode_id" json:"episode_id"`
	Stage       pipeline.Stage `db:"stage" json:"stage"`
	Status      Status         `db:"status" json:"status"`
	Priority    int            `db:"priority" json:"priority"`
	RetryCount  int            `db:"retry_count" json:"retry_count"`
	MaxRetries  int            `db:"max_retries" json:"max_retries"`
	NextRetryAt *time.Time     `db:"next_retry_at" json:"next_retry_at,omitempty"`
	ErrorType   classify.Class `db:"error_type" json:"error_type,omitempty"`
	LastError   string         `db:"last_error" json:"last_error,omitempty"`
	Metadata    Metadata       `db:"metadata" json:"metadata"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at" json:"updated_at"`
	StartedAt   *time.Time     `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
}

// NewID mints a lexicographically sortable 128-bit task id.
func NewID() string {
	return ulid.Make().String()
}

// New builds a pending task ready for insertion.
func New(episodeID string, stage pipeline.Stage, maxRetries int, meta Metadata, now time.Time) *Task {
	return &Task{
		ID:         NewID(),
		EpisodeID:  episodeID,
		Stage:      stage,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		Metadata:   meta.Clone(),
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}
}

// RetriesLeft reports whether another transient failure schedules a retry
// instead of exhausting the task.
func (t *Task) RetriesLeft() bool {
	return t.RetryCount < t.MaxRetries
}
