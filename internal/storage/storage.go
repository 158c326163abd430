package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
)

// ErrNotFound is returned when no task exists for a digest.
var ErrNotFound = errors.New("upload task not found")

// Status is the lifecycle state persisted for an upload task.
type Status string

const (
	StatusUploading Status = "uploading"
	StatusPaused    Status = "paused"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusUploading, StatusPaused, StatusSuccess, StatusError:
		return true
	}

	return false
}

// UploadTask is the persisted unit of work, keyed by FileDigest.
type UploadTask struct {
	FileDigest     string    `json:"file_digest"`
	FileName       string    `json:"file_name"`
	FileSize       int64     `json:"file_size"`
	FileType       string    `json:"file_type"`
	TotalChunks    int       `json:"total_chunks"`
	UploadedChunks []int     `json:"uploaded_chunks"`
	Status         Status    `json:"status"`
	SourcePath     string    `json:"source_path,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the task.
func (t *UploadTask) Clone() *UploadTask {
	if t == nil {
		return nil
	}

	c := *t
	c.UploadedChunks = slices.Clone(t.UploadedChunks)

	return &c
}

// Complete reports whether every chunk of the task has been uploaded.
func (t *UploadTask) Complete() bool {
	return len(t.UploadedChunks) >= t.TotalChunks
}

// Progress derives the transfer progress from the task state.
func (t *UploadTask) Progress() Progress {
	return NewProgress(len(t.UploadedChunks), t.TotalChunks)
}

// Resumable reports whether the task can be picked up again.
func (t *UploadTask) Resumable() bool {
	return t.Status == StatusPaused || t.Status == StatusUploading || t.Status == StatusError
}

// Progress is the derived, never persisted, view of a transfer.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
	Percent   int `json:"percent"`
}

// NewProgress computes floor(completed/total*100). An empty file is 100% done.
func NewProgress(completed, total int) Progress {
	p := Progress{Completed: completed, Total: total, Percent: 100}
	if total > 0 {
		p.Percent = completed * 100 / total
	}

	return p
}

// Stats counts tasks per status.
type Stats struct {
	Total     int `json:"total"`
	Uploading int `json:"uploading"`
	Paused    int `json:"paused"`
	Success   int `json:"success"`
	Error     int `json:"error"`
}

// CountStats builds Stats from a list of tasks.
func CountStats(tasks []*UploadTask) Stats {
	counts := lo.CountValuesBy(tasks, func(t *UploadTask) Status { return t.Status })

	return Stats{
		Total:     len(tasks),
		Uploading: counts[StatusUploading],
		Paused:    counts[StatusPaused],
		Success:   counts[StatusSuccess],
		Error:     counts[StatusError],
	}
}

// TaskStore is a durable map from file digest to upload task.
// Writes are serialized per key; different keys never contend.
type TaskStore interface {
	// Upsert inserts or replaces the task. UploadedChunks is merged with the
	// stored set, CreatedAt is preserved and UpdatedAt refreshed.
	Upsert(ctx context.Context, task *UploadTask) error

	// Get returns the task or ErrNotFound.
	Get(ctx context.Context, digest string) (*UploadTask, error)

	// List returns all tasks ordered by creation time.
	List(ctx context.Context) ([]*UploadTask, error)

	// ListByStatus returns the tasks in the given status.
	ListByStatus(ctx context.Context, status Status) ([]*UploadTask, error)

	// MarkChunkUploaded adds one chunk index to the uploaded set.
	MarkChunkUploaded(ctx context.Context, digest string, index int) (*UploadTask, error)

	// SetStatus changes the task status.
	SetStatus(ctx context.Context, digest string, status Status) (*UploadTask, error)

	// ReplaceChunks overwrites the uploaded set. It is the only operation
	// that can drop indices and is used to reconcile with the server.
	ReplaceChunks(ctx context.Context, digest string, indices []int) (*UploadTask, error)

	Delete(ctx context.Context, digest string) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// PersistenceError wraps any fault of the underlying storage.
type PersistenceError struct {
	Op  string // Store operation, e.g. "upsert"
	Key string // File digest, empty for whole-store operations
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("task store %s failed: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("task store %s failed for %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NormalizeChunks returns the sorted unique set of valid indices.
// When total is positive indices outside [0, total) are dropped.
func NormalizeChunks(indices []int, total int) []int {
	valid := lo.Filter(lo.Uniq(indices), func(i int, _ int) bool {
		return i >= 0 && (total <= 0 || i < total)
	})
	slices.Sort(valid)

	return valid
}

// Merge applies incoming over existing following the Upsert contract.
func Merge(existing, incoming *UploadTask, now time.Time) *UploadTask {
	merged := incoming.Clone()
	merged.UpdatedAt = now

	if existing != nil {
		merged.UploadedChunks = append(merged.UploadedChunks, existing.UploadedChunks...)
		if !existing.CreatedAt.IsZero() {
			merged.CreatedAt = existing.CreatedAt
		}
	}

	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = now
	}

	merged.UploadedChunks = NormalizeChunks(merged.UploadedChunks, merged.TotalChunks)

	return merged
}

// AddChunk returns a copy of task with index added to the uploaded set.
func AddChunk(task *UploadTask, index int, now time.Time) *UploadTask {
	updated := task.Clone()
	updated.UploadedChunks = NormalizeChunks(append(updated.UploadedChunks, index), updated.TotalChunks)
	updated.UpdatedAt = now

	return updated
}
