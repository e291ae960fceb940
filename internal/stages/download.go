package stages

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/castforge/castforge/internal/classify"
	"github.com/castforge/castforge/internal/episode"
	"github.com/castforge/castforge/internal/pipeline"
	"github.com/castforge/castforge/internal/progress"
	"github.com/castforge/castforge/internal/worker"
)

// Download fetches an episode's source audio over HTTP.
type Download struct {
	Artifacts *ArtifactStore
	Episodes  episode.Repository
	// Client defaults to http.DefaultClient; the per-attempt Timeout is
	// carried on the request context so retries get a fresh budget.
	Client  *http.Client
	Timeout time.Duration
}

func (h *Download) Stage() pipeline.Stage {
	return pipeline.StageDownload
}

func (h *Download) Run(ctx context.Context, req *worker.Request) error {
	ep := req.Episode
	if h.Artifacts.Exists(ep.AudioPath) {
		req.Progress(100, "audio already downloaded")
		return nil
	}
	rawURL := strings.TrimSpace(ep.AudioURL)
	if rawURL == "" {
		return classify.Fatalf("episode %s has no audio url", ep.ID)
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return classify.Fatalf("bad audio url %q: %v", rawURL, err)
	}
	resp, err := h.client().Do(httpReq)
	if err != nil {
		return fmt.Errorf("fetch audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &statusError{status: resp.StatusCode, op: "fetch audio", url: rawURL}
	}

	dir, err := h.Artifacts.EpisodeDir(ep.ID)
	if err != nil {
		return err
	}
	final := filepath.Join(dir, "audio"+audioExt(rawURL))
	scratch := h.Artifacts.ScratchPath(final)
	f, err := os.Create(scratch)
	if err != nil {
		return fmt.Errorf("create %s: %w", scratch, err)
	}
	tracker := &progressTracker{
		stage: h.Stage(),
		emit:  req.Emit,
		total: resp.ContentLength,
		start: time.Now(),
	}
	_, copyErr := io.Copy(io.MultiWriter(f, tracker), resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		_ = os.Remove(scratch)
		return fmt.Errorf("download audio: %w", copyErr)
	}
	if closeErr != nil {
		_ = os.Remove(scratch)
		return fmt.Errorf("close %s: %w", scratch, closeErr)
	}
	if _, err := h.Artifacts.Promote(scratch, final); err != nil {
		return err
	}
	if err := h.Episodes.SetArtifact(ctx, ep.ID, h.Stage(), final); err != nil {
		return fmt.Errorf("record audio artifact: %w", err)
	}
	req.Progress(100, "audio downloaded")
	return nil
}

func (h *Download) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

// statusError surfaces a non-2xx fetch status to the failure classifier,
// which routes 5xx/429 to retries and 404-style statuses to the DLQ.
type statusError struct {
	status int
	op     string
	url    string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.op, e.url, e.status)
}

func (e *statusError) StatusCode() int {
	return e.status
}

// audioExt picks the artifact extension from the source URL, defaulting to
// .mp3 when the URL gives nothing usable.
func audioExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".mp3"
	}
	switch ext := strings.ToLower(path.Ext(u.Path)); ext {
	case ".mp3", ".m4a", ".aac", ".wav", ".ogg", ".opus", ".flac":
		return ext
	default:
		return ".mp3"
	}
}

// progressTracker emits download progress as the body streams through it.
// Emission is stride-gated so large files do not flood the bus, and capped
// at 99 so only the end of the attempt reports 100.
type progressTracker struct {
	stage   pipeline.Stage
	emit    func(progress.Event)
	total   int64
	start   time.Time
	written int64
	lastPct int
}

func (t *progressTracker) Write(p []byte) (int, error) {
	t.written += int64(len(p))
	if t.total <= 0 || t.emit == nil {
		return len(p), nil
	}
	pct := int(t.written * 100 / t.total)
	if pct > 99 {
		pct = 99
	}
	if pct < t.lastPct+5 {
		return len(p), nil
	}
	t.lastPct = pct
	ev := progress.Event{
		Stage:       string(t.stage),
		ProgressPct: pct,
		Message:     "downloading audio",
	}
	if elapsed := time.Since(t.start); elapsed > time.Second && t.written < t.total {
		remaining := float64(elapsed) * float64(t.total-t.written) / float64(t.written)
		ev.EstimatedRemainingSeconds = int(remaining / float64(time.Second))
	}
	t.emit(ev)
	return len(p), nil
}
