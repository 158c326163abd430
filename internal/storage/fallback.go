package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/italolelis/resumable_uploader/internal/logctx"
)

// FallbackStore wraps a durable store with a write-through memory mirror.
// On the first PersistenceError it switches to memory-only operation, so
// uploads keep going without resumability.
type FallbackStore struct {
	primary  TaskStore
	mirror   *MemoryStore
	degraded atomic.Bool
	once     sync.Once
}

func NewFallbackStore(primary TaskStore) *FallbackStore {
	return &FallbackStore{
		primary: primary,
		mirror:  NewMemoryStore(),
	}
}

// Degraded reports whether the store stopped persisting.
func (s *FallbackStore) Degraded() bool {
	return s.degraded.Load()
}

func (s *FallbackStore) Upsert(ctx context.Context, task *UploadTask) error {
	if !s.Degraded() {
		err := s.primary.Upsert(ctx, task)
		if err == nil {
			return s.mirror.Upsert(ctx, task)
		}

		if !s.degrade(ctx, err) {
			return err
		}
	}

	return s.mirror.Upsert(ctx, task)
}

func (s *FallbackStore) Get(ctx context.Context, digest string) (*UploadTask, error) {
	if !s.Degraded() {
		t, err := s.primary.Get(ctx, digest)
		if err == nil {
			s.mirror.put(t)

			return t, nil
		}

		if !s.degrade(ctx, err) {
			return nil, err
		}
	}

	return s.mirror.Get(ctx, digest)
}

func (s *FallbackStore) List(ctx context.Context) ([]*UploadTask, error) {
	if !s.Degraded() {
		tasks, err := s.primary.List(ctx)
		if err == nil || !s.degrade(ctx, err) {
			return tasks, err
		}
	}

	return s.mirror.List(ctx)
}

func (s *FallbackStore) ListByStatus(ctx context.Context, status Status) ([]*UploadTask, error) {
	if !s.Degraded() {
		tasks, err := s.primary.ListByStatus(ctx, status)
		if err == nil || !s.degrade(ctx, err) {
			return tasks, err
		}
	}

	return s.mirror.ListByStatus(ctx, status)
}

func (s *FallbackStore) MarkChunkUploaded(ctx context.Context, digest string, index int) (*UploadTask, error) {
	return s.write(ctx,
		func() (*UploadTask, error) { return s.primary.MarkChunkUploaded(ctx, digest, index) },
		func() (*UploadTask, error) { return s.mirror.MarkChunkUploaded(ctx, digest, index) },
	)
}

func (s *FallbackStore) SetStatus(ctx context.Context, digest string, status Status) (*UploadTask, error) {
	return s.write(ctx,
		func() (*UploadTask, error) { return s.primary.SetStatus(ctx, digest, status) },
		func() (*UploadTask, error) { return s.mirror.SetStatus(ctx, digest, status) },
	)
}

func (s *FallbackStore) ReplaceChunks(ctx context.Context, digest string, indices []int) (*UploadTask, error) {
	return s.write(ctx,
		func() (*UploadTask, error) { return s.primary.ReplaceChunks(ctx, digest, indices) },
		func() (*UploadTask, error) { return s.mirror.ReplaceChunks(ctx, digest, indices) },
	)
}

func (s *FallbackStore) Delete(ctx context.Context, digest string) error {
	if !s.Degraded() {
		if err := s.primary.Delete(ctx, digest); err != nil && !s.degrade(ctx, err) {
			return err
		}
	}

	return s.mirror.Delete(ctx, digest)
}

func (s *FallbackStore) Clear(ctx context.Context) error {
	if !s.Degraded() {
		if err := s.primary.Clear(ctx); err != nil && !s.degrade(ctx, err) {
			return err
		}
	}

	return s.mirror.Clear(ctx)
}

func (s *FallbackStore) Stats(ctx context.Context) (Stats, error) {
	if !s.Degraded() {
		stats, err := s.primary.Stats(ctx)
		if err == nil || !s.degrade(ctx, err) {
			return stats, err
		}
	}

	return s.mirror.Stats(ctx)
}

func (s *FallbackStore) Close() error {
	return s.primary.Close()
}

// write runs a mutation on the primary and replays it on the mirror. The
// mirror is seeded with the primary result when it has not seen the task yet.
func (s *FallbackStore) write(ctx context.Context, primary, mirror func() (*UploadTask, error)) (*UploadTask, error) {
	if !s.Degraded() {
		t, err := primary()
		if err == nil {
			if _, mErr := mirror(); errors.Is(mErr, ErrNotFound) {
				s.mirror.put(t)
			}

			return t, nil
		}

		if !s.degrade(ctx, err) {
			return nil, err
		}
	}

	return mirror()
}

// degrade flips the store to memory-only when err is a storage fault.
func (s *FallbackStore) degrade(ctx context.Context, err error) bool {
	var pErr *PersistenceError
	if !errors.As(err, &pErr) {
		return false
	}

	s.once.Do(func() {
		s.degraded.Store(true)

		logctx.LoggerFromContext(ctx).WarnContext(ctx, "task store unavailable, continuing without resumability",
			"op", pErr.Op, "err", pErr.Err)
	})

	return true
}
