package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/italolelis/resumable_uploader/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, store storage.TaskStore, digest string, status storage.Status) {
	t.Helper()

	require.NoError(t, store.Upsert(context.Background(), &storage.UploadTask{
		FileDigest: digest, FileName: digest + ".bin", TotalChunks: 1, Status: status,
	}))
}

func TestDeleteExpiredTasks(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	seed(t, store, "done", storage.StatusSuccess)
	seed(t, store, "paused", storage.StatusPaused)
	seed(t, store, "failed", storage.StatusError)

	// Nothing is older than an hour yet.
	deleted, err := DeleteExpiredTasks(ctx, store, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = DeleteExpiredTasks(ctx, store, time.Hour, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = store.Get(ctx, "done")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	tasks, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, tasks, 2, "unfinished tasks are kept")
}

func TestSweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := storage.NewMemoryStore()
	seed(t, store, "done", storage.StatusSuccess)

	NewSweeper(store, -time.Second, 10*time.Millisecond).Start(ctx)

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "done")

		return err != nil
	}, time.Second, 10*time.Millisecond)
}

// brokenStore fails every operation the way a closed database does.
type brokenStore struct{ storage.TaskStore }

func (brokenStore) fault(op string) error {
	return &storage.PersistenceError{Op: op, Err: errors.New("sql: database is closed")}
}

func (s brokenStore) Upsert(context.Context, *storage.UploadTask) error { return s.fault("upsert") }

func (s brokenStore) Get(context.Context, string) (*storage.UploadTask, error) {
	return nil, s.fault("get")
}

func (s brokenStore) ListByStatus(context.Context, storage.Status) ([]*storage.UploadTask, error) {
	return nil, s.fault("list_by_status")
}

func (s brokenStore) Delete(context.Context, string) error { return s.fault("delete") }

func TestSweeper_DegradedStoreSweepsMirror(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := storage.NewFallbackStore(brokenStore{TaskStore: storage.NewMemoryStore()})
	seed(t, store, "done", storage.StatusSuccess)
	seed(t, store, "paused", storage.StatusPaused)
	require.True(t, store.Degraded())

	NewSweeper(store, -time.Second, 10*time.Millisecond).Start(ctx)

	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, "done")

		return errors.Is(err, storage.ErrNotFound)
	}, time.Second, 10*time.Millisecond)

	task, err := store.Get(ctx, "paused")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPaused, task.Status)
}
