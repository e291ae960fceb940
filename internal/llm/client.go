// Package llm is a minimal client for an OpenAI-compatible API: chat
// completions for the clean and summarize stages, audio transcriptions for
// the transcribe stage. A circuit breaker sits in front of the HTTP calls
// so a provider outage sheds load fast instead of burning every task's
// retry budget on it.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

const (
	chatPath       = "/v1/chat/completions"
	transcribePath = "/v1/audio/transcriptions"

	defaultBaseURL        = "https://api.openai.com"
	defaultRequestTimeout = 10 * time.Minute
	maxResponseBytes      = 8 << 20
)

// Config wires the client. APIKey may be empty at construction; requests
// then fail with a ConfigurationError until it is provided.
type Config struct {
	BaseURL         string
	APIKey          string
	ChatModel       string
	TranscribeModel string
	RequestTimeout  time.Duration

	// Breaker trips after MaxFailures consecutive retryable failures and
	// stays open for OpenInterval before probing again.
	BreakerMaxFailures  uint32
	BreakerOpenInterval time.Duration

	// HTTPClient overrides the default transport, mainly for tests.
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerOpenInterval <= 0 {
		c.BreakerOpenInterval = 30 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 0}
	}
}

// Client talks to one OpenAI-compatible endpoint. Safe for concurrent use.
type Client struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
}

func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	maxFailures := cfg.BreakerMaxFailures
	return &Client{
		cfg: cfg,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "llm",
			Timeout: cfg.BreakerOpenInterval,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				// Cancellations and permanent API errors say nothing
				// about provider health.
				if errors.Is(err, context.Canceled) {
					return true
				}
				var apiErr Error
				if errors.As(err, &apiErr) {
					return !apiErr.Retryable()
				}
				return false
			},
		}),
	}
}

// ChatRequest is one prompt for the chat completions endpoint.
type ChatRequest struct {
	System      string
	User        string
	Temperature *float64
	// ForceJSON asks the provider to emit a single JSON object.
	ForceJSON bool
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatBody struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    *float64       `json:"temperature,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// Chat runs one chat completion and returns the assistant text.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (string, error) {
	if err := c.checkKey(); err != nil {
		return "", err
	}
	body := chatBody{
		Model:       c.cfg.ChatModel,
		Temperature: req.Temperature,
	}
	if strings.TrimSpace(req.System) != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.User})
	if req.ForceJSON {
		body.ResponseFormat = map[string]any{"type": "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	raw, err := c.postJSON(ctx, chatPath, payload)
	if err != nil {
		return "", err
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("invalid json in chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("invalid json in chat response: no choices")
	}
	return out.Choices[0].Message.Content, nil
}

type transcribeResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads audio and returns the recognized text. The reader is
// streamed; nothing buffers the whole file in memory.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	if err := c.checkKey(); err != nil {
		return "", err
	}

	pr, pw := io.Pipe()
	// The transport closes pr on a normal request; this covers paths where
	// the request is never sent, so the writer goroutine cannot wedge.
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("model", c.cfg.TranscribeModel); err != nil {
				return err
			}
			if err := mw.WriteField("response_format", "json"); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, audio); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	raw, err := c.post(ctx, transcribePath, mw.FormDataContentType(), pr)
	if err != nil {
		return "", err
	}
	var out transcribeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("invalid json in transcription response: %w", err)
	}
	return out.Text, nil
}

func (c *Client) checkKey() error {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return &ConfigurationError{Message: "api key not set"}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload []byte) ([]byte, error) {
	return c.post(ctx, path, "application/json", bytes.NewReader(payload))
}

func (c *Client) post(ctx context.Context, path, contentType string, body io.Reader) ([]byte, error) {
	reqCtx, cancel := withDefaultDeadline(ctx, c.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", contentType)

	out, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.cfg.HTTPClient.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("llm request: %w", err)
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("read llm response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg := apiMessage(raw)
			ra := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			return nil, ErrorFromHTTPStatus(resp.StatusCode, msg, ra)
		}
		return raw, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

// apiMessage digs the human-readable message out of an error body, falling
// back to the raw text.
func apiMessage(raw []byte) string {
	var body apiErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && strings.TrimSpace(body.Error.Message) != "" {
		return body.Error.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		s = s[:512]
	}
	return s
}

func withDefaultDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), d)
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
