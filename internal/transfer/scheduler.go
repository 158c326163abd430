package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/resumable_uploader/internal/chunk"
	"github.com/italolelis/resumable_uploader/internal/logctx"
	"github.com/italolelis/resumable_uploader/internal/storage"
	"github.com/italolelis/resumable_uploader/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the number of chunks in flight per file.
const DefaultConcurrency = 3

// ChunkRecorder persists chunk completions. storage.TaskStore satisfies it.
type ChunkRecorder interface {
	MarkChunkUploaded(ctx context.Context, digest string, index int) (*storage.UploadTask, error)
}

// TransferFunc uploads a single chunk.
type TransferFunc func(ctx context.Context, c chunk.Chunk) (Ack, error)

// Job is one scheduler run over the chunks of a file not yet uploaded.
type Job struct {
	Digest string
	// Chunks to transfer, in ascending index order.
	Chunks []chunk.Chunk
	// Total and Completed describe the whole file so that progress includes
	// chunks uploaded by earlier runs.
	Total      int
	Completed  int
	Transfer   TransferFunc
	OnProgress func(storage.Progress)
	// Stop, when closed, stops dispatch. In-flight chunks drain.
	Stop <-chan struct{}
}

// Scheduler runs chunk transfers with at most concurrency in flight.
type Scheduler struct {
	concurrency int
	recorder    ChunkRecorder
	telemetry   *telemetry.Telemetry
}

func NewScheduler(concurrency int, recorder ChunkRecorder, tel *telemetry.Telemetry) *Scheduler {
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	return &Scheduler{
		concurrency: concurrency,
		recorder:    recorder,
		telemetry:   tel,
	}
}

// Run dispatches the job chunks in index order and waits for every started
// transfer. It returns nil when all chunks were acknowledged, the first
// *TransferError on failure, ErrPaused when stopped, or the context error.
func (s *Scheduler) Run(ctx context.Context, job Job) error {
	if job.Transfer == nil {
		return errors.New("transfer func is required")
	}

	logger := logctx.LoggerFromContext(ctx)

	var (
		wg        errgroup.Group
		mu        sync.Mutex
		completed = job.Completed
		firstErr  error
		failed    atomic.Bool
		paused    bool
	)

	sem := make(chan struct{}, s.concurrency)

dispatch:
	for _, c := range job.Chunks {
		select {
		case sem <- struct{}{}:
		case <-job.Stop:
			paused = true

			break dispatch
		case <-ctx.Done():
			break dispatch
		}

		// A slot may free up in the same instant as a failure or a stop.
		if failed.Load() || ctx.Err() != nil {
			<-sem

			break
		}

		if stopped(job.Stop) {
			<-sem
			paused = true

			break
		}

		wg.Go(func() error {
			defer func() { <-sem }() // release the slot

			err := s.telemetry.InstrumentChunk(ctx, c.Size(), func(ctx context.Context) error {
				_, err := job.Transfer(ctx, c)

				return err
			})
			if err != nil {
				logger.Error("chunk transfer failed", "chunk_index", c.Index, "err", err)

				mu.Lock()
				if firstErr == nil {
					firstErr = asTransferError(c, err)
				}
				mu.Unlock()

				failed.Store(true)

				return nil
			}

			if s.recorder != nil {
				if _, err := s.recorder.MarkChunkUploaded(ctx, job.Digest, c.Index); err != nil {
					logger.Warn("failed to record uploaded chunk", "chunk_index", c.Index, "err", err)
					s.telemetry.RecordSystemError(ctx, "scheduler", "record_chunk")
				}
			}

			mu.Lock()
			defer mu.Unlock()

			completed++

			logger.Debug("chunk uploaded",
				"chunk_index", c.Index,
				"chunk_size", humanize.IBytes(uint64(c.Size())),
				"completed", completed,
				"total", job.Total)

			if job.OnProgress != nil {
				job.OnProgress(storage.NewProgress(completed, job.Total))
			}

			return nil
		})
	}

	_ = wg.Wait()

	switch {
	case firstErr != nil:
		return firstErr
	case ctx.Err() != nil:
		return ctx.Err()
	case paused:
		return ErrPaused
	}

	return nil
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func asTransferError(c chunk.Chunk, err error) error {
	var tErr *TransferError
	if errors.As(err, &tErr) {
		return tErr
	}

	return &TransferError{ChunkIndex: c.Index, ChunkID: c.ID, Err: fmt.Errorf("transfer chunk: %w", err)}
}
