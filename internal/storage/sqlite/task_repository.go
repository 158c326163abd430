package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/resumable_uploader/internal/storage"
)

const taskColumns = `file_digest, file_name, file_size, file_type, total_chunks, uploaded_chunks, status, source_path, created_at, updated_at`

// TaskRepository implements storage.TaskStore on SQLite.
type TaskRepository struct {
	db    *sql.DB
	locks storage.KeyedMutex
	now   func() time.Time
}

func NewTaskRepository(dbConn *sql.DB) *TaskRepository {
	return &TaskRepository{
		db:  dbConn,
		now: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// Open initializes the database at dbPath and returns a repository owning it.
func Open(dbPath string) (*TaskRepository, error) {
	db, err := InitDB(dbPath)
	if err != nil {
		return nil, &storage.PersistenceError{Op: "open", Err: err}
	}

	return NewTaskRepository(db), nil
}

func (r *TaskRepository) Upsert(ctx context.Context, task *storage.UploadTask) error {
	unlock := r.locks.Lock(task.FileDigest)
	defer unlock()

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getTask(ctx, tx, task.FileDigest)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		return saveTask(ctx, tx, storage.Merge(existing, task, r.now()))
	})
	if err != nil {
		return &storage.PersistenceError{Op: "upsert", Key: task.FileDigest, Err: err}
	}

	return nil
}

func (r *TaskRepository) Get(ctx context.Context, digest string) (*storage.UploadTask, error) {
	t, err := getTask(ctx, r.db, digest)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		return nil, &storage.PersistenceError{Op: "get", Key: digest, Err: err}
	}

	return t, nil
}

func (r *TaskRepository) List(ctx context.Context) ([]*storage.UploadTask, error) {
	tasks, err := r.query(ctx, `SELECT `+taskColumns+` FROM upload_tasks ORDER BY created_at, file_digest`)
	if err != nil {
		return nil, &storage.PersistenceError{Op: "list", Err: err}
	}

	return tasks, nil
}

func (r *TaskRepository) ListByStatus(ctx context.Context, status storage.Status) ([]*storage.UploadTask, error) {
	tasks, err := r.query(ctx,
		`SELECT `+taskColumns+` FROM upload_tasks WHERE status = ? ORDER BY created_at, file_digest`,
		string(status))
	if err != nil {
		return nil, &storage.PersistenceError{Op: "list_by_status", Err: err}
	}

	return tasks, nil
}

func (r *TaskRepository) MarkChunkUploaded(ctx context.Context, digest string, index int) (*storage.UploadTask, error) {
	return r.update(ctx, "mark_chunk_uploaded", digest, func(t *storage.UploadTask) *storage.UploadTask {
		return storage.AddChunk(t, index, r.now())
	})
}

func (r *TaskRepository) SetStatus(ctx context.Context, digest string, status storage.Status) (*storage.UploadTask, error) {
	return r.update(ctx, "set_status", digest, func(t *storage.UploadTask) *storage.UploadTask {
		t.Status = status
		t.UpdatedAt = r.now()

		return t
	})
}

func (r *TaskRepository) ReplaceChunks(ctx context.Context, digest string, indices []int) (*storage.UploadTask, error) {
	return r.update(ctx, "replace_chunks", digest, func(t *storage.UploadTask) *storage.UploadTask {
		t.UploadedChunks = storage.NormalizeChunks(indices, t.TotalChunks)
		t.UpdatedAt = r.now()

		return t
	})
}

func (r *TaskRepository) Delete(ctx context.Context, digest string) error {
	unlock := r.locks.Lock(digest)
	defer unlock()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM upload_tasks WHERE file_digest = ?`, digest); err != nil {
		return &storage.PersistenceError{Op: "delete", Key: digest, Err: err}
	}

	return nil
}

func (r *TaskRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM upload_tasks`); err != nil {
		return &storage.PersistenceError{Op: "clear", Err: err}
	}

	return nil
}

func (r *TaskRepository) Stats(ctx context.Context) (storage.Stats, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM upload_tasks GROUP BY status`)
	if err != nil {
		return storage.Stats{}, &storage.PersistenceError{Op: "stats", Err: err}
	}
	defer rows.Close()

	var stats storage.Stats

	for rows.Next() {
		var (
			status string
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return storage.Stats{}, &storage.PersistenceError{Op: "stats", Err: err}
		}

		stats.Total += count

		switch storage.Status(status) {
		case storage.StatusUploading:
			stats.Uploading = count
		case storage.StatusPaused:
			stats.Paused = count
		case storage.StatusSuccess:
			stats.Success = count
		case storage.StatusError:
			stats.Error = count
		}
	}

	if err := rows.Err(); err != nil {
		return storage.Stats{}, &storage.PersistenceError{Op: "stats", Err: err}
	}

	return stats, nil
}

func (r *TaskRepository) Close() error {
	return r.db.Close()
}

// update runs a read-modify-write of one task under its key lock.
func (r *TaskRepository) update(ctx context.Context, op, digest string, fn func(*storage.UploadTask) *storage.UploadTask) (*storage.UploadTask, error) {
	unlock := r.locks.Lock(digest)
	defer unlock()

	var updated *storage.UploadTask

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		t, err := getTask(ctx, tx, digest)
		if err != nil {
			return err
		}

		updated = fn(t)

		return saveTask(ctx, tx, updated)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		return nil, &storage.PersistenceError{Op: op, Key: digest, Err: err}
	}

	return updated, nil
}

func (r *TaskRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *TaskRepository) query(ctx context.Context, query string, args ...any) ([]*storage.UploadTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []*storage.UploadTask{}

	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}

		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return tasks, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getTask(ctx context.Context, q queryer, digest string) (*storage.UploadTask, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM upload_tasks WHERE file_digest = ?`, digest)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}

		return nil, err
	}

	return t, nil
}

func scanTask(s scanner) (*storage.UploadTask, error) {
	var (
		t                    storage.UploadTask
		chunks, status       string
		createdAt, updatedAt int64
	)

	err := s.Scan(&t.FileDigest, &t.FileName, &t.FileSize, &t.FileType, &t.TotalChunks,
		&chunks, &status, &t.SourcePath, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(chunks), &t.UploadedChunks); err != nil {
		return nil, fmt.Errorf("failed to decode uploaded chunks of %s: %w", t.FileDigest, err)
	}

	t.Status = storage.Status(status)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	return &t, nil
}

func saveTask(ctx context.Context, tx *sql.Tx, t *storage.UploadTask) error {
	chunks, err := json.Marshal(storage.NormalizeChunks(t.UploadedChunks, t.TotalChunks))
	if err != nil {
		return fmt.Errorf("failed to encode uploaded chunks: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO upload_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_digest) DO UPDATE SET
			file_name = excluded.file_name,
			file_size = excluded.file_size,
			file_type = excluded.file_type,
			total_chunks = excluded.total_chunks,
			uploaded_chunks = excluded.uploaded_chunks,
			status = excluded.status,
			source_path = excluded.source_path,
			updated_at = excluded.updated_at
	`, t.FileDigest, t.FileName, t.FileSize, t.FileType, t.TotalChunks, string(chunks),
		string(t.Status), t.SourcePath, t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert upload task: %w", err)
	}

	return nil
}
