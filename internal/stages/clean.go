package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/castforge/castforge/internal/classify"
	"github.com/castforge/castforge/internal/episode"
	"github.com/castforge/castforge/internal/llm"
	"github.com/castforge/castforge/internal/pipeline"
	"github.com/castforge/castforge/internal/worker"
)

// Chatter is the slice of the llm client the text stages use.
type Chatter interface {
	Chat(ctx context.Context, req llm.ChatRequest) (string, error)
}

const cleanSystemPrompt = `You clean raw podcast transcripts. Fix punctuation,
casing, and obvious transcription mistakes, and remove filler words. Do not
paraphrase, reorder, or drop content. Respond with a JSON object of the form
{"transcript": "..."} and nothing else.`

// Model output that fails this schema is treated as a provider flake and
// retried, not sent to the DLQ.
var cleanSchema = jsonschema.MustCompileString("clean.json", `{
	"type": "object",
	"required": ["transcript"],
	"properties": {
		"transcript": {"type": "string", "minLength": 1}
	}
}`)

// Clean asks the chat model to normalize the raw transcript and stores the
// cleaned text.
type Clean struct {
	Artifacts *ArtifactStore
	Episodes  episode.Repository
	Chat      Chatter
}

func (h *Clean) Stage() pipeline.Stage {
	return pipeline.StageClean
}

func (h *Clean) Run(ctx context.Context, req *worker.Request) error {
	ep := req.Episode
	if h.Artifacts.Exists(ep.CleanedPath) {
		req.Progress(100, "cleaned transcript already present")
		return nil
	}
	if !h.Artifacts.Exists(ep.TranscriptPath) {
		return classify.Fatalf("episode %s has no transcript to clean", ep.ID)
	}
	raw, err := os.ReadFile(ep.TranscriptPath)
	if err != nil {
		return fmt.Errorf("read transcript: %w", err)
	}

	req.Progress(10, "cleaning transcript")
	temp := 0.0
	out, err := h.Chat.Chat(ctx, llm.ChatRequest{
		System:      cleanSystemPrompt,
		User:        string(raw),
		Temperature: &temp,
		ForceJSON:   true,
	})
	if err != nil {
		return fmt.Errorf("clean transcript: %w", err)
	}

	req.Progress(80, "validating cleaned transcript")
	doc, err := validateJSON(cleanSchema, out, "clean")
	if err != nil {
		return err
	}
	text, _ := doc["transcript"].(string)
	if text == "" {
		return classify.Transientf("clean response has empty transcript")
	}

	final, err := h.Artifacts.Write(ep.ID, "cleaned.txt", []byte(text))
	if err != nil {
		return err
	}
	if err := h.Episodes.SetArtifact(ctx, ep.ID, h.Stage(), final); err != nil {
		return fmt.Errorf("record cleaned artifact: %w", err)
	}
	return nil
}

// validateJSON parses a model response and checks it against the stage's
// schema. Both failure modes are transient: the same prompt usually yields
// well-formed output on the next attempt.
func validateJSON(schema *jsonschema.Schema, out, stage string) (map[string]any, error) {
	var v any
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return nil, classify.Transientf("invalid json in %s response: %v", stage, err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, classify.Transientf("%s response rejected by schema: %v", stage, err)
	}
	doc, ok := v.(map[string]any)
	if !ok {
		return nil, classify.Transientf("%s response is not a json object", stage)
	}
	return doc, nil
}
