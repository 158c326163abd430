package badgerstore

import (
	"context"
	"sync"
	"testing"

	"github.com/italolelis/resumable_uploader/internal/storage"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func TestStore_UpsertMergeAndGet(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := setupStore(t)

	req.NoError(s.Upsert(ctx, &storage.UploadTask{
		FileDigest: "d1", FileName: "a.bin", TotalChunks: 3,
		UploadedChunks: []int{1}, Status: storage.StatusUploading,
	}))

	first, err := s.Get(ctx, "d1")
	req.NoError(err)

	req.NoError(s.Upsert(ctx, &storage.UploadTask{
		FileDigest: "d1", FileName: "a.bin", TotalChunks: 3,
		UploadedChunks: []int{0}, Status: storage.StatusPaused,
	}))

	got, err := s.Get(ctx, "d1")
	req.NoError(err)
	req.Equal([]int{0, 1}, got.UploadedChunks)
	req.Equal(storage.StatusPaused, got.Status)
	req.True(first.CreatedAt.Equal(got.CreatedAt))

	_, err = s.Get(ctx, "missing")
	req.ErrorIs(err, storage.ErrNotFound)
}

func TestStore_ConcurrentMarks(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := setupStore(t)

	req.NoError(s.Upsert(ctx, &storage.UploadTask{FileDigest: "d1", TotalChunks: 25}))

	var wg sync.WaitGroup

	for i := 0; i < 25; i++ {
		wg.Add(1)

		go func(index int) {
			defer wg.Done()

			_, err := s.MarkChunkUploaded(ctx, "d1", index)
			req.NoError(err)
		}(i)
	}

	wg.Wait()

	got, err := s.Get(ctx, "d1")
	req.NoError(err)
	req.Len(got.UploadedChunks, 25)
}

func TestStore_StatusQueriesAndClear(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	s := setupStore(t)

	req.NoError(s.Upsert(ctx, &storage.UploadTask{FileDigest: "a", TotalChunks: 1, Status: storage.StatusPaused}))
	req.NoError(s.Upsert(ctx, &storage.UploadTask{FileDigest: "b", TotalChunks: 1, Status: storage.StatusSuccess}))
	req.NoError(s.Upsert(ctx, &storage.UploadTask{FileDigest: "c", TotalChunks: 2, Status: storage.StatusPaused}))

	paused, err := s.ListByStatus(ctx, storage.StatusPaused)
	req.NoError(err)
	req.Len(paused, 2)

	replaced, err := s.ReplaceChunks(ctx, "c", []int{1, 1, 5})
	req.NoError(err)
	req.Equal([]int{1}, replaced.UploadedChunks)

	updated, err := s.SetStatus(ctx, "a", storage.StatusError)
	req.NoError(err)
	req.Equal(storage.StatusError, updated.Status)

	stats, err := s.Stats(ctx)
	req.NoError(err)
	req.Equal(storage.Stats{Total: 3, Paused: 1, Success: 1, Error: 1}, stats)

	req.NoError(s.Delete(ctx, "b"))
	_, err = s.Get(ctx, "b")
	req.ErrorIs(err, storage.ErrNotFound)

	req.NoError(s.Clear(ctx))

	all, err := s.List(ctx)
	req.NoError(err)
	req.Empty(all)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir)
	req.NoError(err)
	req.NoError(s.Upsert(ctx, &storage.UploadTask{FileDigest: "d1", TotalChunks: 2, Status: storage.StatusUploading}))
	_, err = s.MarkChunkUploaded(ctx, "d1", 1)
	req.NoError(err)
	req.NoError(s.Close())

	reopened, err := Open(dir)
	req.NoError(err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Get(ctx, "d1")
	req.NoError(err)
	req.Equal([]int{1}, got.UploadedChunks)
}
