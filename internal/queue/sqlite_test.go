package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/castforge/castforge/internal/pipeline"
	"github.com/castforge/castforge/internal/task"
)

// Driver faults must bubble out wrapped so callers can tell a broken store
// from an empty queue or a lost race.

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(sqlx.NewDb(db, "sqlite3")), mock
}

func TestClaimNextPropagatesDriverError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("disk I/O error")
	mock.ExpectQuery("UPDATE tasks SET").WillReturnError(boom)

	_, err := store.ClaimNext(context.Background(), time.Now())
	if !errors.Is(err, boom) {
		t.Fatalf("ClaimNext = %v, want wrapped %v", err, boom)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertPropagatesDriverError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("database table is locked")
	mock.ExpectExec("INSERT INTO tasks").WillReturnError(boom)

	tk := task.New("ep", pipeline.StageDownload, 3, nil, time.Now())
	err := store.Insert(context.Background(), tk)
	if !errors.Is(err, boom) {
		t.Fatalf("Insert = %v, want wrapped %v", err, boom)
	}
	if errors.Is(err, ErrDuplicate) {
		t.Fatalf("driver error misread as duplicate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdatePropagatesDriverError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("disk I/O error")
	mock.ExpectExec("UPDATE tasks SET").WillReturnError(boom)

	tk := task.New("ep", pipeline.StageDownload, 3, nil, time.Now())
	tk.Status = task.StatusProcessing
	err := store.Update(context.Background(), tk)
	if !errors.Is(err, boom) {
		t.Fatalf("Update = %v, want wrapped %v", err, boom)
	}
	if errors.Is(err, ErrStale) || errors.Is(err, ErrNotFound) {
		t.Fatalf("driver error misread as conflict: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCountsByStatusPropagatesDriverError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("database schema has changed")
	mock.ExpectQuery("SELECT status, COUNT").WillReturnError(boom)

	_, err := store.CountsByStatus(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("CountsByStatus = %v, want wrapped %v", err, boom)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("no space left on device")
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE episodes SET").WillReturnError(boom)
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(st Store) error {
		return st.ClearEpisodeFailure(context.Background(), "ep")
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx = %v, want wrapped %v", err, boom)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
