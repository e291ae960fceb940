package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"

	"github.com/castforge/castforge/internal/classify"
	"github.com/castforge/castforge/internal/episode"
	"github.com/castforge/castforge/internal/pipeline"
	"github.com/castforge/castforge/internal/task"
)

// SQLiteStore implements Store on the shared SQLite handle. All statements
// are single atomic writes; multi-statement flows run through WithTx.
type SQLiteStore struct {
	db *sqlx.DB
	// q is the db outside a transaction and the tx inside one.
	q sqlx.ExtContext
}

func NewSQLiteStore(db *sqlx.DB) *SQLiteStore {
	return &SQLiteStore{db: db, q: db}
}

var _ Store = (*SQLiteStore)(nil)

func (s *SQLiteStore) Insert(ctx context.Context, t *task.Task) error {
	meta, err := t.Metadata.Value()
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO tasks (
			id, episode_id, stage, status, priority,
			retry_count, max_retries, next_retry_at,
			error_type, last_error, metadata,
			created_at, updated_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.EpisodeID, t.Stage, t.Status, t.Priority,
		t.RetryCount, t.MaxRetries, t.NextRetryAt,
		t.ErrorType, t.LastError, meta,
		t.CreatedAt, t.UpdatedAt, t.StartedAt, t.CompletedAt)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: episode %s stage %s", ErrDuplicate, t.EpisodeID, t.Stage)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimNext(ctx context.Context, now time.Time) (*task.Task, error) {
	now = now.UTC()
	var t task.Task
	err := sqlx.GetContext(ctx, s.q, &t, `
		UPDATE tasks SET
			status = 'processing',
			started_at = ?,
			next_retry_at = NULL,
			updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending'
			   OR (status = 'retry_scheduled' AND next_retry_at <= ?)
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING *`,
		now, now, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next task: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) Update(ctx context.Context, t *task.Task) error {
	meta, err := t.Metadata.Value()
	if err != nil {
		return err
	}
	prev := t.UpdatedAt
	next := time.Now().UTC()
	res, err := s.q.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?, priority = ?, retry_count = ?, max_retries = ?,
			next_retry_at = ?, error_type = ?, last_error = ?, metadata = ?,
			started_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND updated_at = ?`,
		t.Status, t.Priority, t.RetryCount, t.MaxRetries,
		t.NextRetryAt, t.ErrorType, t.LastError, meta,
		t.StartedAt, t.CompletedAt, next,
		t.ID, prev)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: episode %s stage %s", ErrDuplicate, t.EpisodeID, t.Stage)
		}
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the row is gone or someone else updated it first.
		var exists int
		if err := sqlx.GetContext(ctx, s.q, &exists, `SELECT COUNT(*) FROM tasks WHERE id = ?`, t.ID); err != nil {
			return fmt.Errorf("update task %s: %w", t.ID, err)
		}
		if exists == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
		}
		return fmt.Errorf("%w: %s", ErrStale, t.ID)
	}
	t.UpdatedAt = next
	return nil
}

func (s *SQLiteStore) ByID(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	err := sqlx.GetContext(ctx, s.q, &t, `SELECT * FROM tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

func (s *SQLiteStore) ByEpisode(ctx context.Context, episodeID string) ([]*task.Task, error) {
	var out []*task.Task
	err := sqlx.SelectContext(ctx, s.q, &out, `
		SELECT * FROM tasks WHERE episode_id = ? ORDER BY created_at ASC, id ASC`,
		episodeID)
	if err != nil {
		return nil, fmt.Errorf("tasks for episode %s: %w", episodeID, err)
	}
	return out, nil
}

func (s *SQLiteStore) ByStatus(ctx context.Context, statuses ...task.Status) ([]*task.Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT * FROM tasks WHERE status IN (?)
		ORDER BY priority DESC, created_at ASC, id ASC`, statuses)
	if err != nil {
		return nil, err
	}
	var out []*task.Task
	if err := sqlx.SelectContext(ctx, s.q, &out, s.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("tasks by status: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) CountsByStatus(ctx context.Context) (map[task.Status]int, error) {
	rows, err := s.q.QueryxContext(ctx, `SELECT status, COUNT(*) AS n FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := map[task.Status]int{}
	for rows.Next() {
		var status task.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CancelActiveForEpisode(ctx context.Context, episodeID string, now time.Time) (int, error) {
	now = now.UTC()
	res, err := s.q.ExecContext(ctx, `
		UPDATE tasks SET
			status = 'cancelled',
			next_retry_at = NULL,
			completed_at = ?,
			updated_at = ?
		WHERE episode_id = ? AND status IN ('pending', 'retry_scheduled')`,
		now, now, episodeID)
	if err != nil {
		return 0, fmt.Errorf("cancel tasks for episode %s: %w", episodeID, err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) BumpPriority(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE tasks SET
			priority = (SELECT COALESCE(MAX(priority), 0) + 1 FROM tasks WHERE status = 'pending'),
			updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		now.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("bump task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *SQLiteStore) RecoverOrphans(ctx context.Context, olderThan, now time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE tasks SET
			status = 'retry_scheduled',
			next_retry_at = ?,
			updated_at = ?
		WHERE status = 'processing' AND updated_at < ?`,
		now.UTC(), now.UTC(), olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("recover orphaned tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, statuses []task.Status, cutoff time.Time) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`
		DELETE FROM tasks
		WHERE status IN (?) AND completed_at IS NOT NULL AND completed_at < ?`,
		statuses, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	res, err := s.q.ExecContext(ctx, s.q.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("delete terminal tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) SetEpisodeFailure(ctx context.Context, episodeID string, stage pipeline.Stage, reason string, ftype classify.Class, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE episodes SET
			failed_at_stage = ?, failure_reason = ?, failure_type = ?, failed_at = ?, updated_at = ?
		WHERE id = ?`,
		stage, reason, ftype, at.UTC(), time.Now().UTC(), episodeID)
	if err != nil {
		return fmt.Errorf("record failure for episode %s: %w", episodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", episode.ErrNotFound, episodeID)
	}
	return nil
}

func (s *SQLiteStore) ClearEpisodeFailure(ctx context.Context, episodeID string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE episodes SET
			failed_at_stage = '', failure_reason = '', failure_type = '', failed_at = NULL, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC(), episodeID)
	if err != nil {
		return fmt.Errorf("clear failure for episode %s: %w", episodeID, err)
	}
	return nil
}

func (s *SQLiteStore) ClearEpisodeFailureForStage(ctx context.Context, episodeID string, stage pipeline.Stage) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE episodes SET
			failed_at_stage = '', failure_reason = '', failure_type = '', failed_at = NULL, updated_at = ?
		WHERE id = ? AND failed_at_stage = ?`,
		time.Now().UTC(), episodeID, stage)
	if err != nil {
		return fmt.Errorf("clear %s failure for episode %s: %w", stage, episodeID, err)
	}
	return nil
}

func (s *SQLiteStore) EpisodeFailureStage(ctx context.Context, episodeID string) (pipeline.Stage, bool, error) {
	var stage pipeline.Stage
	err := sqlx.GetContext(ctx, s.q, &stage, `SELECT failed_at_stage FROM episodes WHERE id = ?`, episodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("%w: %s", episode.ErrNotFound, episodeID)
	}
	if err != nil {
		return "", false, fmt.Errorf("failure stage for episode %s: %w", episodeID, err)
	}
	return stage, stage != "", nil
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if _, ok := s.q.(*sqlx.Tx); ok {
		// Already inside a transaction; SQLite does not nest.
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&SQLiteStore{db: s.db, q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
