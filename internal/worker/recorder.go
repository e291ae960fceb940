package worker

import (
	"context"
	"time"

	"github.com/castforge/castforge/internal/classify"
	"github.com/castforge/castforge/internal/pipeline"
	"github.com/castforge/castforge/internal/queue"
)

// maxFailureReasonBytes bounds failure_reason on the episode, matching the
// bound on task.last_error.
const maxFailureReasonBytes = 2048

// FailureRecorder writes the episode failure fields when a task exhausts its
// retries or dies. Cancellations never reach it.
type FailureRecorder struct {
	store queue.Store
	now   func() time.Time
}

func NewFailureRecorder(store queue.Store, now func() time.Time) *FailureRecorder {
	if now == nil {
		now = time.Now
	}
	return &FailureRecorder{store: store, now: now}
}

// Record stamps the episode as failed at the given stage. The reason is
// truncated with an ellipsis when it exceeds the bound.
func (r *FailureRecorder) Record(ctx context.Context, episodeID string, stage pipeline.Stage, reason string, ftype classify.Class) error {
	return r.store.SetEpisodeFailure(ctx, episodeID, stage,
		classify.Truncate(reason, maxFailureReasonBytes), ftype, r.now().UTC())
}
