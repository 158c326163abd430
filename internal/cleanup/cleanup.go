package cleanup

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/italolelis/resumable_uploader/internal/logctx"
	"github.com/italolelis/resumable_uploader/internal/storage"
)

// DeleteExpiredTasks deletes success tasks last updated more than keepDuration
// before now. Paused and failed tasks are never touched. It returns the number
// of deleted tasks.
func DeleteExpiredTasks(ctx context.Context, store storage.TaskStore, keepDuration time.Duration, now time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	tasks, err := store.ListByStatus(ctx, storage.StatusSuccess)
	if err != nil {
		return 0, fmt.Errorf("failed to list completed tasks: %w", err)
	}

	deleted := 0

	for _, task := range tasks {
		if now.Sub(task.UpdatedAt) <= keepDuration {
			continue
		}

		if err := store.Delete(ctx, task.FileDigest); err != nil {
			logger.Error("failed to delete expired task", "file_digest", task.FileDigest, "err", err)

			return deleted, err
		}

		deleted++

		logger.Debug("deleted expired task", "file_digest", task.FileDigest, "file_name", task.FileName)
	}

	return deleted, nil
}

// Sweeper periodically removes expired completed tasks.
type Sweeper struct {
	store        storage.TaskStore
	keepDuration time.Duration
	interval     time.Duration
}

func NewSweeper(store storage.TaskStore, keepDuration, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:        store,
		keepDuration: keepDuration,
		interval:     interval,
	}
}

// Start runs the sweep loop in a goroutine until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		// Panic recovery (deferred last, executes first during unwind)
		defer func() {
			if r := recover(); r != nil {
				logger.Error("cleanup sweeper panic",
					"panic", r,
					"stack", string(debug.Stack()))

				if ctx.Err() == nil {
					logger.Info("restarting cleanup sweeper after panic")
					time.Sleep(time.Second)
					s.Start(ctx)
				}
			}
		}()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs a single cleanup pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	deleted, err := DeleteExpiredTasks(ctx, s.store, s.keepDuration, time.Now())
	if err != nil {
		logger.Error("failed to delete expired tasks", "err", err)
	}

	if deleted > 0 {
		logger.Info("deleted expired tasks", "count", deleted, "retention", s.keepDuration.String())
	}
}
