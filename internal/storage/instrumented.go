package storage

import (
	"context"

	"github.com/italolelis/resumable_uploader/internal/telemetry"
)

// InstrumentedStore wraps a TaskStore with telemetry.
type InstrumentedStore struct {
	store     TaskStore
	telemetry *telemetry.Telemetry
}

// NewInstrumentedStore creates a new instrumented task store.
func NewInstrumentedStore(store TaskStore, tel *telemetry.Telemetry) *InstrumentedStore {
	return &InstrumentedStore{store: store, telemetry: tel}
}

func (s *InstrumentedStore) Upsert(ctx context.Context, task *UploadTask) error {
	return s.telemetry.InstrumentDBOperation(ctx, "upsert", func(ctx context.Context) error {
		return s.store.Upsert(ctx, task)
	})
}

func (s *InstrumentedStore) Get(ctx context.Context, digest string) (*UploadTask, error) {
	return s.task(ctx, "get", func(ctx context.Context) (*UploadTask, error) {
		return s.store.Get(ctx, digest)
	})
}

func (s *InstrumentedStore) List(ctx context.Context) ([]*UploadTask, error) {
	return s.tasks(ctx, "list", s.store.List)
}

func (s *InstrumentedStore) ListByStatus(ctx context.Context, status Status) ([]*UploadTask, error) {
	return s.tasks(ctx, "list_by_status", func(ctx context.Context) ([]*UploadTask, error) {
		return s.store.ListByStatus(ctx, status)
	})
}

func (s *InstrumentedStore) MarkChunkUploaded(ctx context.Context, digest string, index int) (*UploadTask, error) {
	return s.task(ctx, "mark_chunk_uploaded", func(ctx context.Context) (*UploadTask, error) {
		return s.store.MarkChunkUploaded(ctx, digest, index)
	})
}

func (s *InstrumentedStore) SetStatus(ctx context.Context, digest string, status Status) (*UploadTask, error) {
	return s.task(ctx, "set_status", func(ctx context.Context) (*UploadTask, error) {
		return s.store.SetStatus(ctx, digest, status)
	})
}

func (s *InstrumentedStore) ReplaceChunks(ctx context.Context, digest string, indices []int) (*UploadTask, error) {
	return s.task(ctx, "replace_chunks", func(ctx context.Context) (*UploadTask, error) {
		return s.store.ReplaceChunks(ctx, digest, indices)
	})
}

func (s *InstrumentedStore) Delete(ctx context.Context, digest string) error {
	return s.telemetry.InstrumentDBOperation(ctx, "delete", func(ctx context.Context) error {
		return s.store.Delete(ctx, digest)
	})
}

func (s *InstrumentedStore) Clear(ctx context.Context) error {
	return s.telemetry.InstrumentDBOperation(ctx, "clear", s.store.Clear)
}

func (s *InstrumentedStore) Stats(ctx context.Context) (Stats, error) {
	var result Stats

	err := s.telemetry.InstrumentDBOperation(ctx, "stats", func(ctx context.Context) error {
		var err error

		result, err = s.store.Stats(ctx)

		return err
	})

	return result, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

func (s *InstrumentedStore) task(ctx context.Context, op string, fn func(context.Context) (*UploadTask, error)) (*UploadTask, error) {
	var result *UploadTask

	err := s.telemetry.InstrumentDBOperation(ctx, op, func(ctx context.Context) error {
		var err error

		result, err = fn(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (s *InstrumentedStore) tasks(ctx context.Context, op string, fn func(context.Context) ([]*UploadTask, error)) ([]*UploadTask, error) {
	var result []*UploadTask

	err := s.telemetry.InstrumentDBOperation(ctx, op, func(ctx context.Context) error {
		var err error

		result, err = fn(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
