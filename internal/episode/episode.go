// Package episode holds podcast episode records: feed metadata, the
// artifact paths each pipeline stage produces, and the failure bookkeeping
// written when a stage gives up.
package episode

import (
	"time"

	"github.com/google/uuid"

	"github.com/castforge/castforge/internal/classify"
	"github.com/castforge/castforge/internal/pipeline"
)

type Episode struct {
	ID          string     `db:"id" json:"id"`
	Podcast     string     `db:"podcast" json:"podcast"`
	Title       string     `db:"title" json:"title"`
	AudioURL    string     `db:"audio_url" json:"audio_url"`
	PublishedAt *time.Time `db:"published_at" json:"published_at,omitempty"`

	AudioPath       string `db:"audio_path" json:"audio_path,omitempty"`
	DownsampledPath string `db:"downsampled_path" json:"downsampled_path,omitempty"`
	TranscriptPath  string `db:"transcript_path" json:"transcript_path,omitempty"`
	CleanedPath     string `db:"cleaned_path" json:"cleaned_path,omitempty"`
	SummaryPath     string `db:"summary_path" json:"summary_path,omitempty"`

	FailedAtStage pipeline.Stage `db:"failed_at_stage" json:"failed_at_stage,omitempty"`
	FailureReason string         `db:"failure_reason" json:"failure_reason,omitempty"`
	FailureType   classify.Class `db:"failure_type" json:"failure_type,omitempty"`
	FailedAt      *time.Time     `db:"failed_at" json:"failed_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// NewID mints an episode id.
func NewID() string {
	return uuid.NewString()
}

// ArtifactState derives the episode's pipeline position from which
// artifacts exist, ignoring any recorded failure. Stage preconditions are
// checked against this so a cleared or retried failure does not wedge the
// episode.
func (e *Episode) ArtifactState() pipeline.EpisodeState {
	switch {
	case e.SummaryPath != "":
		return pipeline.StateSummarized
	case e.CleanedPath != "":
		return pipeline.StateCleaned
	case e.TranscriptPath != "":
		return pipeline.StateTranscribed
	case e.DownsampledPath != "":
		return pipeline.StateDownsampled
	case e.AudioPath != "":
		return pipeline.StateDownloaded
	default:
		return pipeline.StateDiscovered
	}
}

// State is ArtifactState with the failure override: a recorded failure
// reports as failed regardless of artifacts.
func (e *Episode) State() pipeline.EpisodeState {
	if e.FailedAtStage != "" {
		return pipeline.StateFailed
	}
	return e.ArtifactState()
}

// ArtifactPath returns the artifact a completed stage wrote, "" if absent.
func (e *Episode) ArtifactPath(stage pipeline.Stage) string {
	switch stage {
	case pipeline.StageDownload:
		return e.AudioPath
	case pipeline.StageDownsample:
		return e.DownsampledPath
	case pipeline.StageTranscribe:
		return e.TranscriptPath
	case pipeline.StageClean:
		return e.CleanedPath
	case pipeline.StageSummarize:
		return e.SummaryPath
	default:
		return ""
	}
}
