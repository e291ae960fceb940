// Package janitor runs the queue's background maintenance: orphan recovery
// on startup and on a timer, retention sweeps for terminal tasks, and
// scratch-file cleanup under the artifact root.
package janitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/castforge/castforge/internal/queue"
)

// Config tunes the maintenance cadence. Zero values take defaults.
type Config struct {
	// Retention is how long completed, failed, and cancelled tasks are
	// kept. Dead tasks are never swept; the DLQ is an operator queue.
	Retention time.Duration
	// SweepInterval is the cadence of retention sweeps and scratch cleanup.
	SweepInterval time.Duration
	// OrphanInterval is the cadence of orphan recovery after the startup
	// pass.
	OrphanInterval time.Duration
	// ArtifactRoot is the directory whose scratch files are cleaned. Empty
	// disables scratch cleanup.
	ArtifactRoot string
	// ScratchGlobs match abandoned in-progress files under ArtifactRoot.
	ScratchGlobs []string
	// ScratchMaxAge is how old a scratch file must be before removal.
	ScratchMaxAge time.Duration
	Now           func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.OrphanInterval <= 0 {
		c.OrphanInterval = time.Minute
	}
	if c.ScratchMaxAge <= 0 {
		c.ScratchMaxAge = 24 * time.Hour
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Janitor owns the maintenance loops. Errors are logged and the loops keep
// going; nothing here is load-bearing for correctness.
type Janitor struct {
	queue *queue.Queue
	log   *zap.Logger
	cfg   Config
}

func New(q *queue.Queue, log *zap.Logger, cfg Config) *Janitor {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Janitor{queue: q, log: log, cfg: cfg}
}

// Run blocks until ctx is cancelled. Orphan recovery runs once before the
// first tick so tasks claimed by a crashed process become runnable as soon
// as the new process is up.
func (j *Janitor) Run(ctx context.Context) error {
	j.RecoverOrphans(ctx)

	orphans := time.NewTicker(j.cfg.OrphanInterval)
	defer orphans.Stop()
	sweeps := time.NewTicker(j.cfg.SweepInterval)
	defer sweeps.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("janitor stopped")
			return nil
		case <-orphans.C:
			j.RecoverOrphans(ctx)
		case <-sweeps.C:
			j.SweepOnce(ctx)
		}
	}
}

// RecoverOrphans reschedules processing tasks that went stale.
func (j *Janitor) RecoverOrphans(ctx context.Context) int {
	n, err := j.queue.RecoverOrphans(ctx)
	if err != nil {
		j.log.Error("orphan recovery failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		j.log.Warn("recovered orphaned tasks", zap.Int("count", n))
	}
	return n
}

// SweepOnce deletes terminal tasks past retention and stale scratch files.
func (j *Janitor) SweepOnce(ctx context.Context) {
	n, err := j.queue.Sweep(ctx, j.cfg.Retention)
	if err != nil {
		j.log.Error("retention sweep failed", zap.Error(err))
	} else if n > 0 {
		j.log.Info("swept terminal tasks",
			zap.Int("count", n),
			zap.Duration("retention", j.cfg.Retention))
	}

	removed, err := j.CleanScratch()
	if err != nil {
		j.log.Error("scratch cleanup failed", zap.Error(err))
	} else if removed > 0 {
		j.log.Info("removed stale scratch files", zap.Int("count", removed))
	}
}

// CleanScratch removes files matching the scratch globs that have not been
// touched within ScratchMaxAge. A download abandoned mid-write leaves such a
// file behind; anything younger may still be an active write.
func (j *Janitor) CleanScratch() (int, error) {
	if j.cfg.ArtifactRoot == "" || len(j.cfg.ScratchGlobs) == 0 {
		return 0, nil
	}
	cutoff := j.cfg.Now().Add(-j.cfg.ScratchMaxAge)
	root := os.DirFS(j.cfg.ArtifactRoot)
	removed := 0
	for _, pattern := range j.cfg.ScratchGlobs {
		matches, err := doublestar.Glob(root, pattern)
		if err != nil {
			return removed, fmt.Errorf("scratch glob %q: %w", pattern, err)
		}
		for _, m := range matches {
			path := filepath.Join(j.cfg.ArtifactRoot, m)
			fi, err := os.Stat(path)
			if err != nil || !fi.Mode().IsRegular() {
				continue
			}
			if fi.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(path); err != nil {
				j.log.Warn("cannot remove scratch file", zap.String("path", path), zap.Error(err))
				continue
			}
			j.log.Debug("removed scratch file", zap.String("path", path))
			removed++
		}
	}
	return removed, nil
}
