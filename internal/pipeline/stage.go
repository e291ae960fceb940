// Package pipeline defines the ordered processing stages an episode moves
// through and the episode state each stage requires and produces.
package pipeline

import (
	"fmt"
	"strings"
)

// Stage is one step of the episode processing chain.
type Stage string

const (
	StageDownload   Stage = "download"
	StageDownsample Stage = "downsample"
	StageTranscribe Stage = "transcribe"
	StageClean      Stage = "clean"
	StageSummarize  Stage = "summarize"
)

// Stages lists all stages in pipeline order.
var Stages = []Stage{
	StageDownload,
	StageDownsample,
	StageTranscribe,
	StageClean,
	StageSummarize,
}

// EpisodeState is the artifact-derived position of an episode in the chain.
type EpisodeState string

const (
	StateDiscovered  EpisodeState = "discovered"
	StateDownloaded  EpisodeState = "downloaded"
	StateDownsampled EpisodeState = "downsampled"
	StateTranscribed EpisodeState = "transcribed"
	StateCleaned     EpisodeState = "cleaned"
	StateSummarized  EpisodeState = "summarized"
	StateFailed      EpisodeState = "failed"
)

func ParseStage(s string) (Stage, error) {
	switch Stage(strings.ToLower(strings.TrimSpace(s))) {
	case StageDownload:
		return StageDownload, nil
	case StageDownsample:
		return StageDownsample, nil
	case StageTranscribe:
		return StageTranscribe, nil
	case StageClean:
		return StageClean, nil
	case StageSummarize:
		return StageSummarize, nil
	default:
		return "", fmt.Errorf("unknown stage: %q", s)
	}
}

func (s Stage) Valid() bool {
	_, err := ParseStage(string(s))
	return err == nil
}

// Next returns the stage that follows s, or "" when s is the last stage.
func (s Stage) Next() Stage {
	for i, st := range Stages {
		if st == s && i+1 < len(Stages) {
			return Stages[i+1]
		}
	}
	return ""
}

// Requires returns the episode state a stage needs before it can run.
func (s Stage) Requires() EpisodeState {
	switch s {
	case StageDownload:
		return StateDiscovered
	case StageDownsample:
		return StateDownloaded
	case StageTranscribe:
		return StateDownsampled
	case StageClean:
		return StateTranscribed
	case StageSummarize:
		return StateCleaned
	default:
		return ""
	}
}

// Produces returns the episode state reached once a stage completes.
func (s Stage) Produces() EpisodeState {
	switch s {
	case StageDownload:
		return StateDownloaded
	case StageDownsample:
		return StateDownsampled
	case StageTranscribe:
		return StateTranscribed
	case StageClean:
		return StateCleaned
	case StageSummarize:
		return StateSummarized
	default:
		return ""
	}
}

// StageFor returns the stage whose precondition matches the given episode
// state; it is how a pipeline run picks its starting stage. Returns "" when
// the state has no runnable stage (already summarized, or failed).
func StageFor(state EpisodeState) Stage {
	for _, st := range Stages {
		if st.Requires() == state {
			return st
		}
	}
	return ""
}
