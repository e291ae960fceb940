package stages

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/castforge/castforge/internal/classify"
	"github.com/castforge/castforge/internal/episode"
	"github.com/castforge/castforge/internal/pipeline"
	"github.com/castforge/castforge/internal/worker"
)

// SpeechToText is the slice of the llm client the transcribe stage uses.
type SpeechToText interface {
	Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error)
}

// Transcribe sends the downsampled audio to the transcription endpoint and
// stores the raw transcript.
type Transcribe struct {
	Artifacts *ArtifactStore
	Episodes  episode.Repository
	Speech    SpeechToText
}

func (h *Transcribe) Stage() pipeline.Stage {
	return pipeline.StageTranscribe
}

func (h *Transcribe) Run(ctx context.Context, req *worker.Request) error {
	ep := req.Episode
	if h.Artifacts.Exists(ep.TranscriptPath) {
		req.Progress(100, "transcript already present")
		return nil
	}
	if !h.Artifacts.Exists(ep.DownsampledPath) {
		return classify.Fatalf("episode %s has no downsampled audio to transcribe", ep.ID)
	}

	f, err := os.Open(ep.DownsampledPath)
	if err != nil {
		return fmt.Errorf("open downsampled audio: %w", err)
	}
	defer f.Close()

	req.Progress(10, "uploading audio for transcription")
	text, err := h.Speech.Transcribe(ctx, filepath.Base(ep.DownsampledPath), f)
	if err != nil {
		return fmt.Errorf("transcribe audio: %w", err)
	}
	if text == "" {
		return classify.Transientf("transcription returned no text")
	}

	req.Progress(90, "storing transcript")
	final, err := h.Artifacts.Write(ep.ID, "transcript.txt", []byte(text))
	if err != nil {
		return err
	}
	if err := h.Episodes.SetArtifact(ctx, ep.ID, h.Stage(), final); err != nil {
		return fmt.Errorf("record transcript artifact: %w", err)
	}
	return nil
}
