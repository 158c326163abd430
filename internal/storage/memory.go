package storage

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps tasks in process memory. It does not survive restarts
// and backs degraded, non-resumable operation.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*UploadTask
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*UploadTask),
		now:   time.Now,
	}
}

func (s *MemoryStore) Upsert(_ context.Context, task *UploadTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.FileDigest] = Merge(s.tasks[task.FileDigest], task, s.now())

	return nil
}

func (s *MemoryStore) Get(_ context.Context, digest string) (*UploadTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[digest]
	if !ok {
		return nil, ErrNotFound
	}

	return t.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*UploadTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*UploadTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t.Clone())
	}

	slices.SortFunc(tasks, func(a, b *UploadTask) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.FileDigest, b.FileDigest)
	})

	return tasks, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status) ([]*UploadTask, error) {
	all, _ := s.List(ctx)

	return slices.DeleteFunc(all, func(t *UploadTask) bool { return t.Status != status }), nil
}

func (s *MemoryStore) MarkChunkUploaded(_ context.Context, digest string, index int) (*UploadTask, error) {
	return s.update(digest, func(t *UploadTask) *UploadTask {
		return AddChunk(t, index, s.now())
	})
}

func (s *MemoryStore) SetStatus(_ context.Context, digest string, status Status) (*UploadTask, error) {
	return s.update(digest, func(t *UploadTask) *UploadTask {
		t = t.Clone()
		t.Status = status
		t.UpdatedAt = s.now()

		return t
	})
}

func (s *MemoryStore) ReplaceChunks(_ context.Context, digest string, indices []int) (*UploadTask, error) {
	return s.update(digest, func(t *UploadTask) *UploadTask {
		t = t.Clone()
		t.UploadedChunks = NormalizeChunks(indices, t.TotalChunks)
		t.UpdatedAt = s.now()

		return t
	})
}

func (s *MemoryStore) Delete(_ context.Context, digest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tasks, digest)

	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks = make(map[string]*UploadTask)

	return nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	all, _ := s.List(ctx)

	return CountStats(all), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// put stores a copy of task as is, used to mirror a durable store.
func (s *MemoryStore) put(task *UploadTask) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.FileDigest] = task.Clone()
}

func (s *MemoryStore) update(digest string, fn func(*UploadTask) *UploadTask) (*UploadTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[digest]
	if !ok {
		return nil, ErrNotFound
	}

	updated := fn(t)
	s.tasks[digest] = updated

	return updated.Clone(), nil
}
