package server

import (
	"time"

	"github.com/castforge/castforge/internal/classify"
	"github.com/castforge/castforge/internal/pipeline"
	"github.com/castforge/castforge/internal/task"
)

// CreateEpisodeRequest is the POST /api/v1/episodes body.
type CreateEpisodeRequest struct {
	Podcast     string     `json:"podcast" validate:"required"`
	Title       string     `json:"title" validate:"required"`
	AudioURL    string     `json:"audio_url" validate:"required,url"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// EnqueueStageRequest is the POST /api/v1/episodes/{id}/enqueue body.
type EnqueueStageRequest struct {
	Stage       string `json:"stage" validate:"required"`
	InitiatedBy string `json:"initiated_by,omitempty"`
}

// RunPipelineRequest is the POST /api/v1/episodes/{id}/pipeline body. An
// empty body runs the full pipeline.
type RunPipelineRequest struct {
	TargetState string `json:"target_state,omitempty"`
	InitiatedBy string `json:"initiated_by,omitempty"`
}

// CancelPipelineResponse reports how many queued tasks a cancel removed. A
// processing task is signalled, not counted.
type CancelPipelineResponse struct {
	Cancelled int    `json:"cancelled"`
	Status    string `json:"status"`
}

// EpisodeFailureResponse is the GET /api/v1/episodes/{id}/failure body.
type EpisodeFailureResponse struct {
	EpisodeID     string         `json:"episode_id"`
	Failed        bool           `json:"failed"`
	FailedAtStage pipeline.Stage `json:"failed_at_stage,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	FailureType   classify.Class `json:"failure_type,omitempty"`
	FailedAt      *time.Time     `json:"failed_at,omitempty"`
}

// RetryEpisodeResponse carries the re-enqueued task, null when the episode
// had no recorded failed stage to retry.
type RetryEpisodeResponse struct {
	Task *task.Task `json:"task"`
}

// BumpResponse reports whether the priority bump applied. False means the
// task exists but is no longer pending.
type BumpResponse struct {
	Bumped bool `json:"bumped"`
}

// RetryAllResponse reports how many dead tasks were resurrected.
type RetryAllResponse struct {
	Retried int `json:"retried"`
}

// ErrorResponse is the error envelope for every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
