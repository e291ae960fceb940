// Package config loads and validates the process configuration. Files may
// be YAML or JSON; unknown keys are rejected so typos fail at startup
// instead of silently running with defaults.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type BackoffConfig struct {
	BaseSeconds float64 `json:"base_seconds" yaml:"base_seconds"`
	Multiplier  float64 `json:"multiplier" yaml:"multiplier"`
	CapSeconds  float64 `json:"cap_seconds" yaml:"cap_seconds"`
	// JitterRange is "low..high", multipliers applied to the capped delay.
	JitterRange string `json:"jitter_range" yaml:"jitter_range"`
}

type QueueConfig struct {
	MaxRetries                    int           `json:"max_retries" yaml:"max_retries"`
	Backoff                       BackoffConfig `json:"backoff" yaml:"backoff"`
	OrphanStalenessSeconds        int           `json:"orphan_staleness_seconds" yaml:"orphan_staleness_seconds"`
	WorkerIdleSleepMS             int           `json:"worker_idle_sleep_ms" yaml:"worker_idle_sleep_ms"`
	WorkerCount                   int           `json:"worker_count" yaml:"worker_count"`
	CompletedRetentionDays        int           `json:"completed_retention_days" yaml:"completed_retention_days"`
	RetentionSweepIntervalMinutes int           `json:"retention_sweep_interval_minutes" yaml:"retention_sweep_interval_minutes"`
	ProgressSubscriberBuffer      int           `json:"progress_subscriber_buffer" yaml:"progress_subscriber_buffer"`
}

type ServerConfig struct {
	Addr               string   `json:"addr" yaml:"addr"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins,omitempty" yaml:"cors_allowed_origins,omitempty"`
}

type StorageConfig struct {
	Path          string `json:"path" yaml:"path"`
	BusyTimeoutMS int    `json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

type MediaConfig struct {
	DataDir           string   `json:"data_dir" yaml:"data_dir"`
	FFmpegPath        string   `json:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath       string   `json:"ffprobe_path" yaml:"ffprobe_path"`
	SampleRateHz      int      `json:"sample_rate_hz" yaml:"sample_rate_hz"`
	Channels          int      `json:"channels" yaml:"channels"`
	BitrateKbps       int      `json:"bitrate_kbps" yaml:"bitrate_kbps"`
	DownloadTimeoutMS int      `json:"download_timeout_ms" yaml:"download_timeout_ms"`
	// ScratchGlobs are doublestar patterns, relative to data_dir, matched by
	// the retention sweep when deleting abandoned partial files.
	ScratchGlobs []string `json:"scratch_globs,omitempty" yaml:"scratch_globs,omitempty"`
}

type BreakerConfig struct {
	MaxFailures    int `json:"max_failures" yaml:"max_failures"`
	OpenIntervalMS int `json:"open_interval_ms" yaml:"open_interval_ms"`
}

type LLMConfig struct {
	BaseURL          string        `json:"base_url" yaml:"base_url"`
	APIKeyEnv        string        `json:"api_key_env" yaml:"api_key_env"`
	ChatModel        string        `json:"chat_model" yaml:"chat_model"`
	TranscribeModel  string        `json:"transcribe_model" yaml:"transcribe_model"`
	RequestTimeoutMS int           `json:"request_timeout_ms" yaml:"request_timeout_ms"`
	Breaker          BreakerConfig `json:"breaker" yaml:"breaker"`
}

type TelemetryConfig struct {
	ServiceName  string   `json:"service_name" yaml:"service_name"`
	OTLPEndpoint string   `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`
	SampleRatio  *float64 `json:"sample_ratio,omitempty" yaml:"sample_ratio,omitempty"`
}

type LoggingConfig struct {
	Level    string `json:"level" yaml:"level"`
	Encoding string `json:"encoding" yaml:"encoding"`
}

type Config struct {
	Version   int             `json:"version" yaml:"version"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Media     MediaConfig     `json:"media" yaml:"media"`
	LLM       LLMConfig       `json:"llm" yaml:"llm"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads, decodes, defaults, and validates a config file. The decoder
// is chosen by extension; anything that is not .json parses as YAML.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		cfg.Server.Addr = ":8985"
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = "castforge.db"
	}
	if cfg.Storage.BusyTimeoutMS == 0 {
		cfg.Storage.BusyTimeoutMS = 5000
	}
	if cfg.Queue.MaxRetries == 0 {
		cfg.Queue.MaxRetries = 3
	}
	if cfg.Queue.Backoff.BaseSeconds == 0 {
		cfg.Queue.Backoff.BaseSeconds = 5
	}
	if cfg.Queue.Backoff.Multiplier == 0 {
		cfg.Queue.Backoff.Multiplier = 6
	}
	if cfg.Queue.Backoff.CapSeconds == 0 {
		cfg.Queue.Backoff.CapSeconds = 600
	}
	if strings.TrimSpace(cfg.Queue.Backoff.JitterRange) == "" {
		cfg.Queue.Backoff.JitterRange = "0.8..1.2"
	}
	if cfg.Queue.OrphanStalenessSeconds == 0 {
		cfg.Queue.OrphanStalenessSeconds = 300
	}
	if cfg.Queue.WorkerIdleSleepMS == 0 {
		cfg.Queue.WorkerIdleSleepMS = 1000
	}
	if cfg.Queue.WorkerCount == 0 {
		cfg.Queue.WorkerCount = 1
	}
	if cfg.Queue.CompletedRetentionDays == 0 {
		cfg.Queue.CompletedRetentionDays = 7
	}
	if cfg.Queue.RetentionSweepIntervalMinutes == 0 {
		cfg.Queue.RetentionSweepIntervalMinutes = 60
	}
	if cfg.Queue.ProgressSubscriberBuffer == 0 {
		cfg.Queue.ProgressSubscriberBuffer = 16
	}
	if strings.TrimSpace(cfg.Media.DataDir) == "" {
		cfg.Media.DataDir = "data"
	}
	if strings.TrimSpace(cfg.Media.FFmpegPath) == "" {
		cfg.Media.FFmpegPath = "ffmpeg"
	}
	if strings.TrimSpace(cfg.Media.FFprobePath) == "" {
		cfg.Media.FFprobePath = "ffprobe"
	}
	if cfg.Media.SampleRateHz == 0 {
		cfg.Media.SampleRateHz = 16000
	}
	if cfg.Media.Channels == 0 {
		cfg.Media.Channels = 1
	}
	if cfg.Media.BitrateKbps == 0 {
		cfg.Media.BitrateKbps = 64
	}
	if cfg.Media.DownloadTimeoutMS == 0 {
		cfg.Media.DownloadTimeoutMS = 600000
	}
	if len(cfg.Media.ScratchGlobs) == 0 {
		cfg.Media.ScratchGlobs = []string{"**/*.partial", "**/*.tmp"}
	}
	cfg.Media.ScratchGlobs = trimNonEmpty(cfg.Media.ScratchGlobs)
	if strings.TrimSpace(cfg.LLM.BaseURL) == "" {
		cfg.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if strings.TrimSpace(cfg.LLM.APIKeyEnv) == "" {
		cfg.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}
	if strings.TrimSpace(cfg.LLM.ChatModel) == "" {
		cfg.LLM.ChatModel = "gpt-4o-mini"
	}
	if strings.TrimSpace(cfg.LLM.TranscribeModel) == "" {
		cfg.LLM.TranscribeModel = "whisper-1"
	}
	if cfg.LLM.RequestTimeoutMS == 0 {
		cfg.LLM.RequestTimeoutMS = 120000
	}
	if cfg.LLM.Breaker.MaxFailures == 0 {
		cfg.LLM.Breaker.MaxFailures = 5
	}
	if cfg.LLM.Breaker.OpenIntervalMS == 0 {
		cfg.LLM.Breaker.OpenIntervalMS = 30000
	}
	if strings.TrimSpace(cfg.Telemetry.ServiceName) == "" {
		cfg.Telemetry.ServiceName = "castforge"
	}
	if cfg.Telemetry.SampleRatio == nil {
		v := 1.0
		cfg.Telemetry.SampleRatio = &v
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Logging.Encoding) == "" {
		cfg.Logging.Encoding = "json"
	}
}

func validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if cfg.Queue.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries must be >= 0")
	}
	if cfg.Queue.Backoff.BaseSeconds <= 0 {
		return fmt.Errorf("queue.backoff.base_seconds must be > 0")
	}
	if cfg.Queue.Backoff.Multiplier <= 0 {
		return fmt.Errorf("queue.backoff.multiplier must be > 0")
	}
	if cfg.Queue.Backoff.CapSeconds < cfg.Queue.Backoff.BaseSeconds {
		return fmt.Errorf("queue.backoff.cap_seconds must be >= base_seconds")
	}
	if _, _, err := ParseJitterRange(cfg.Queue.Backoff.JitterRange); err != nil {
		return fmt.Errorf("queue.backoff.jitter_range: %w", err)
	}
	if cfg.Queue.OrphanStalenessSeconds <= 0 {
		return fmt.Errorf("queue.orphan_staleness_seconds must be > 0")
	}
	if cfg.Queue.WorkerIdleSleepMS <= 0 {
		return fmt.Errorf("queue.worker_idle_sleep_ms must be > 0")
	}
	if cfg.Queue.WorkerCount < 1 {
		return fmt.Errorf("queue.worker_count must be >= 1")
	}
	if cfg.Queue.CompletedRetentionDays < 1 {
		return fmt.Errorf("queue.completed_retention_days must be >= 1")
	}
	if cfg.Queue.RetentionSweepIntervalMinutes < 1 {
		return fmt.Errorf("queue.retention_sweep_interval_minutes must be >= 1")
	}
	if cfg.Queue.ProgressSubscriberBuffer < 1 {
		return fmt.Errorf("queue.progress_subscriber_buffer must be >= 1")
	}
	if cfg.Storage.BusyTimeoutMS < 0 {
		return fmt.Errorf("storage.busy_timeout_ms must be >= 0")
	}
	if cfg.Media.SampleRateHz <= 0 {
		return fmt.Errorf("media.sample_rate_hz must be > 0")
	}
	if cfg.Media.Channels != 1 && cfg.Media.Channels != 2 {
		return fmt.Errorf("media.channels must be 1 or 2")
	}
	if cfg.Media.BitrateKbps <= 0 {
		return fmt.Errorf("media.bitrate_kbps must be > 0")
	}
	if cfg.Media.DownloadTimeoutMS <= 0 {
		return fmt.Errorf("media.download_timeout_ms must be > 0")
	}
	if cfg.LLM.RequestTimeoutMS <= 0 {
		return fmt.Errorf("llm.request_timeout_ms must be > 0")
	}
	if cfg.LLM.Breaker.MaxFailures < 1 {
		return fmt.Errorf("llm.breaker.max_failures must be >= 1")
	}
	if cfg.LLM.Breaker.OpenIntervalMS < 1 {
		return fmt.Errorf("llm.breaker.open_interval_ms must be >= 1")
	}
	if cfg.Telemetry.SampleRatio != nil && (*cfg.Telemetry.SampleRatio < 0 || *cfg.Telemetry.SampleRatio > 1) {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %q (want debug|info|warn|error)", cfg.Logging.Level)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Encoding)) {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.encoding: %q (want json|console)", cfg.Logging.Encoding)
	}
	return nil
}

// ParseJitterRange splits "low..high" into its bounds.
func ParseJitterRange(s string) (low, high float64, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), "..", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want \"low..high\", got %q", s)
	}
	low, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("low bound %q: %w", parts[0], err)
	}
	high, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("high bound %q: %w", parts[1], err)
	}
	if low <= 0 || high < low {
		return 0, 0, fmt.Errorf("bounds out of order: %q", s)
	}
	return low, high, nil
}

func trimNonEmpty(parts []string) []string {
	if len(parts) == 0 {
		return nil
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
