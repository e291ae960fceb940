package stages

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/castforge/castforge/internal/classify"
	"github.com/castforge/castforge/internal/episode"
	"github.com/castforge/castforge/internal/pipeline"
	"github.com/castforge/castforge/internal/worker"
)

// Downsample re-encodes the source audio to a small mono file sized for the
// transcription endpoint's upload limits.
type Downsample struct {
	Artifacts    *ArtifactStore
	Episodes     episode.Repository
	FFmpegPath   string
	SampleRateHz int
	Channels     int
	BitrateKbps  int
}

func (h *Downsample) Stage() pipeline.Stage {
	return pipeline.StageDownsample
}

func (h *Downsample) Run(ctx context.Context, req *worker.Request) error {
	ep := req.Episode
	if h.Artifacts.Exists(ep.DownsampledPath) {
		req.Progress(100, "downsampled audio already present")
		return nil
	}
	if !h.Artifacts.Exists(ep.AudioPath) {
		return classify.Fatalf("episode %s has no audio artifact to downsample", ep.ID)
	}

	dir, err := h.Artifacts.EpisodeDir(ep.ID)
	if err != nil {
		return err
	}
	final := filepath.Join(dir, "downsampled.mp3")
	scratch := h.Artifacts.ScratchPath(final)

	req.Progress(10, "resampling audio")
	cmd := exec.CommandContext(ctx, h.FFmpegPath, ffmpegArgs(ep.AudioPath, scratch, h.SampleRateHz, h.Channels, h.BitrateKbps)...)
	// ffmpeg prompts on stdin when it wants to overwrite; never let it.
	cmd.Stdin = strings.NewReader("")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if runErr := cmd.Run(); runErr != nil {
		_ = os.Remove(scratch)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		detail := stderrSummary(stderr.Bytes())
		if fatalStderr(detail) {
			return classify.Fatalf("corrupt or unsupported media: %s", detail)
		}
		if detail == "" {
			return fmt.Errorf("ffmpeg: %w", runErr)
		}
		return fmt.Errorf("ffmpeg: %s", detail)
	}

	req.Progress(90, "audio resampled")
	if _, err := h.Artifacts.Promote(scratch, final); err != nil {
		return err
	}
	if err := h.Episodes.SetArtifact(ctx, ep.ID, h.Stage(), final); err != nil {
		return fmt.Errorf("record downsampled artifact: %w", err)
	}
	return nil
}

// ffmpegArgs builds the re-encode invocation. The scratch path has no
// audio extension, so the mp3 muxer is forced explicitly.
func ffmpegArgs(in, out string, rateHz, channels, kbps int) []string {
	return []string{
		"-y", "-hide_banner", "-nostdin", "-loglevel", "error",
		"-i", in,
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(rateHz),
		"-b:a", strconv.Itoa(kbps) + "k",
		"-f", "mp3",
		out,
	}
}

// fatalStderr reports whether ffmpeg output describes input that no retry
// can fix.
func fatalStderr(s string) bool {
	lower := strings.ToLower(s)
	for _, hint := range []string{
		"invalid data found",
		"could not find codec",
		"unknown format",
		"unsupported codec",
		"invalid argument",
		"moov atom not found",
	} {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// stderrSummary flattens captured stderr to its first meaningful line,
// bounded so it fits a task's last_error.
func stderrSummary(b []byte) string {
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		return classify.Truncate(line, 300)
	}
	return ""
}
