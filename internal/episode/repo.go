package episode

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/castforge/castforge/internal/pipeline"
)

// ErrNotFound is returned when an episode id resolves to nothing.
var ErrNotFound = errors.New("episode not found")

// Repository is the persistence port for episode metadata and artifacts.
// The failure columns on the episodes table are written by the queue store,
// which needs them inside its transactions; this port only reads them back
// as part of Get and List.
type Repository interface {
	Create(ctx context.Context, e *Episode) error
	Get(ctx context.Context, id string) (*Episode, error)
	List(ctx context.Context) ([]*Episode, error)
	SetArtifact(ctx context.Context, id string, stage pipeline.Stage, path string) error
}

// SQLRepository implements Repository on the shared SQLite handle.
type SQLRepository struct {
	db *sqlx.DB
}

func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

var _ Repository = (*SQLRepository)(nil)

func (r *SQLRepository) Create(ctx context.Context, e *Episode) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO episodes (
			id, podcast, title, audio_url, published_at,
			audio_path, downsampled_path, transcript_path, cleaned_path, summary_path,
			failed_at_stage, failure_reason, failure_type, failed_at,
			created_at, updated_at
		) VALUES (
			:id, :podcast, :title, :audio_url, :published_at,
			:audio_path, :downsampled_path, :transcript_path, :cleaned_path, :summary_path,
			:failed_at_stage, :failure_reason, :failure_type, :failed_at,
			:created_at, :updated_at
		)`, e)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

func (r *SQLRepository) Get(ctx context.Context, id string) (*Episode, error) {
	var e Episode
	err := r.db.GetContext(ctx, &e, `SELECT * FROM episodes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get episode %s: %w", id, err)
	}
	return &e, nil
}

func (r *SQLRepository) List(ctx context.Context) ([]*Episode, error) {
	var out []*Episode
	if err := r.db.SelectContext(ctx, &out, `SELECT * FROM episodes ORDER BY created_at DESC, id`); err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	return out, nil
}

func (r *SQLRepository) SetArtifact(ctx context.Context, id string, stage pipeline.Stage, path string) error {
	var column string
	switch stage {
	case pipeline.StageDownload:
		column = "audio_path"
	case pipeline.StageDownsample:
		column = "downsampled_path"
	case pipeline.StageTranscribe:
		column = "transcript_path"
	case pipeline.StageClean:
		column = "cleaned_path"
	case pipeline.StageSummarize:
		column = "summary_path"
	default:
		return fmt.Errorf("no artifact column for stage %q", stage)
	}
	res, err := r.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE episodes SET %s = ?, updated_at = ? WHERE id = ?`, column),
		path, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set %s artifact for episode %s: %w", stage, id, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}
