// Package badgerstore keeps upload tasks in an embedded BadgerDB.
package badgerstore

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/italolelis/resumable_uploader/internal/storage"
)

var taskPrefix = []byte("task:")

func taskKey(digest string) []byte {
	return append(slices.Clone(taskPrefix), digest...)
}

// Store implements storage.TaskStore on BadgerDB. Values are JSON encoded
// tasks under "task:<digest>".
type Store struct {
	db    *badger.DB
	locks storage.KeyedMutex
	now   func() time.Time
}

func New(db *badger.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Open opens the database in dir. An empty dir opens an in-memory database.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, &storage.PersistenceError{Op: "open", Err: err}
	}

	return New(db), nil
}

func (s *Store) Upsert(_ context.Context, task *storage.UploadTask) error {
	unlock := s.locks.Lock(task.FileDigest)
	defer unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		existing, err := getTask(txn, task.FileDigest)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}

		return setTask(txn, storage.Merge(existing, task, s.now()))
	})
	if err != nil {
		return &storage.PersistenceError{Op: "upsert", Key: task.FileDigest, Err: err}
	}

	return nil
}

func (s *Store) Get(_ context.Context, digest string) (*storage.UploadTask, error) {
	var t *storage.UploadTask

	err := s.db.View(func(txn *badger.Txn) error {
		var err error

		t, err = getTask(txn, digest)

		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		return nil, &storage.PersistenceError{Op: "get", Key: digest, Err: err}
	}

	return t, nil
}

func (s *Store) List(_ context.Context) ([]*storage.UploadTask, error) {
	tasks, err := s.scan(func(*storage.UploadTask) bool { return true })
	if err != nil {
		return nil, &storage.PersistenceError{Op: "list", Err: err}
	}

	return tasks, nil
}

func (s *Store) ListByStatus(_ context.Context, status storage.Status) ([]*storage.UploadTask, error) {
	tasks, err := s.scan(func(t *storage.UploadTask) bool { return t.Status == status })
	if err != nil {
		return nil, &storage.PersistenceError{Op: "list_by_status", Err: err}
	}

	return tasks, nil
}

func (s *Store) MarkChunkUploaded(_ context.Context, digest string, index int) (*storage.UploadTask, error) {
	return s.update("mark_chunk_uploaded", digest, func(t *storage.UploadTask) *storage.UploadTask {
		return storage.AddChunk(t, index, s.now())
	})
}

func (s *Store) SetStatus(_ context.Context, digest string, status storage.Status) (*storage.UploadTask, error) {
	return s.update("set_status", digest, func(t *storage.UploadTask) *storage.UploadTask {
		t.Status = status
		t.UpdatedAt = s.now()

		return t
	})
}

func (s *Store) ReplaceChunks(_ context.Context, digest string, indices []int) (*storage.UploadTask, error) {
	return s.update("replace_chunks", digest, func(t *storage.UploadTask) *storage.UploadTask {
		t.UploadedChunks = storage.NormalizeChunks(indices, t.TotalChunks)
		t.UpdatedAt = s.now()

		return t
	})
}

func (s *Store) Delete(_ context.Context, digest string) error {
	unlock := s.locks.Lock(digest)
	defer unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(taskKey(digest))
	})
	if err != nil {
		return &storage.PersistenceError{Op: "delete", Key: digest, Err: err}
	}

	return nil
}

func (s *Store) Clear(_ context.Context) error {
	if err := s.db.DropPrefix(taskPrefix); err != nil {
		return &storage.PersistenceError{Op: "clear", Err: err}
	}

	return nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	tasks, err := s.scan(func(*storage.UploadTask) bool { return true })
	if err != nil {
		return storage.Stats{}, &storage.PersistenceError{Op: "stats", Err: err}
	}

	return storage.CountStats(tasks), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) update(op, digest string, fn func(*storage.UploadTask) *storage.UploadTask) (*storage.UploadTask, error) {
	unlock := s.locks.Lock(digest)
	defer unlock()

	var updated *storage.UploadTask

	err := s.db.Update(func(txn *badger.Txn) error {
		t, err := getTask(txn, digest)
		if err != nil {
			return err
		}

		updated = fn(t)

		return setTask(txn, updated)
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}

		return nil, &storage.PersistenceError{Op: op, Key: digest, Err: err}
	}

	return updated, nil
}

// scan iterates over all tasks and keeps the ones accepted by keep, ordered
// by creation time.
func (s *Store) scan(keep func(*storage.UploadTask) bool) ([]*storage.UploadTask, error) {
	tasks := []*storage.UploadTask{}

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(taskPrefix); it.ValidForPrefix(taskPrefix); it.Next() {
			var t storage.UploadTask

			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &t)
			})
			if err != nil {
				return fmt.Errorf("failed to decode task %s: %w", it.Item().Key(), err)
			}

			if keep(&t) {
				tasks = append(tasks, &t)
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(tasks, func(a, b *storage.UploadTask) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.FileDigest, b.FileDigest)
	})

	return tasks, nil
}

func getTask(txn *badger.Txn, digest string) (*storage.UploadTask, error) {
	item, err := txn.Get(taskKey(digest))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, storage.ErrNotFound
		}

		return nil, err
	}

	var t storage.UploadTask

	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &t)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode task %s: %w", digest, err)
	}

	return &t, nil
}

func setTask(txn *badger.Txn, t *storage.UploadTask) error {
	t.UploadedChunks = storage.NormalizeChunks(t.UploadedChunks, t.TotalChunks)

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	return txn.Set(taskKey(t.FileDigest), data)
}
