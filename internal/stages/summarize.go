package stages

import (
	"context"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/castforge/castforge/internal/classify"
	"github.com/castforge/castforge/internal/episode"
	"github.com/castforge/castforge/internal/llm"
	"github.com/castforge/castforge/internal/pipeline"
	"github.com/castforge/castforge/internal/worker"
)

const summarizeSystemPrompt = `You summarize cleaned podcast transcripts for
a listener deciding whether to play the episode. Respond with a JSON object
of the form {"summary": "...", "key_points": ["..."]} and nothing else. The
summary is one or two paragraphs; key_points are short standalone bullets.`

var summarySchema = jsonschema.MustCompileString("summary.json", `{
	"type": "object",
	"required": ["summary"],
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"key_points": {
			"type": "array",
			"items": {"type": "string", "minLength": 1}
		}
	}
}`)

// Summarize turns the cleaned transcript into a structured summary
// document, stored as the JSON the model produced.
type Summarize struct {
	Artifacts *ArtifactStore
	Episodes  episode.Repository
	Chat      Chatter
}

func (h *Summarize) Stage() pipeline.Stage {
	return pipeline.StageSummarize
}

func (h *Summarize) Run(ctx context.Context, req *worker.Request) error {
	ep := req.Episode
	if h.Artifacts.Exists(ep.SummaryPath) {
		req.Progress(100, "summary already present")
		return nil
	}
	if !h.Artifacts.Exists(ep.CleanedPath) {
		return classify.Fatalf("episode %s has no cleaned transcript to summarize", ep.ID)
	}
	cleaned, err := os.ReadFile(ep.CleanedPath)
	if err != nil {
		return fmt.Errorf("read cleaned transcript: %w", err)
	}

	req.Progress(10, "summarizing transcript")
	out, err := h.Chat.Chat(ctx, llm.ChatRequest{
		System:    summarizeSystemPrompt,
		User:      string(cleaned),
		ForceJSON: true,
	})
	if err != nil {
		return fmt.Errorf("summarize transcript: %w", err)
	}

	req.Progress(80, "validating summary")
	if _, err := validateJSON(summarySchema, out, "summarize"); err != nil {
		return err
	}

	final, err := h.Artifacts.Write(ep.ID, "summary.json", []byte(out))
	if err != nil {
		return err
	}
	if err := h.Episodes.SetArtifact(ctx, ep.ID, h.Stage(), final); err != nil {
		return fmt.Errorf("record summary artifact: %w", err)
	}
	return nil
}
