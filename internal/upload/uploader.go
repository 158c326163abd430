// Package upload drives the lifecycle of a resumable file upload: digest,
// dedup check, resume-or-create, chunk transfer and finalize.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/italolelis/resumable_uploader/internal/chunk"
	"github.com/italolelis/resumable_uploader/internal/digest"
	"github.com/italolelis/resumable_uploader/internal/logctx"
	"github.com/italolelis/resumable_uploader/internal/storage"
	"github.com/italolelis/resumable_uploader/internal/telemetry"
	"github.com/italolelis/resumable_uploader/internal/transfer"
	"github.com/samber/lo"
)

var (
	// ErrNotActive is returned when pausing a file that has no running upload.
	ErrNotActive = errors.New("no running upload for this file")
	// ErrActive is returned when an upload for the same content is running.
	ErrActive = errors.New("upload already running for this file")
	// ErrNoSource is returned when a task cannot be resumed because its file
	// is gone.
	ErrNoSource = errors.New("source file is not available")
	// ErrSourceChanged is returned when the retained file no longer matches
	// the task.
	ErrSourceChanged = errors.New("source file changed since the upload started")
	// ErrIncomplete is returned when finalizing a task with missing chunks.
	ErrIncomplete = errors.New("not all chunks are uploaded")
)

type Config struct {
	ChunkSize   int64
	Concurrency int
	// PurgeOnSuccess deletes tasks once finalized instead of keeping them as
	// a completion log.
	PurgeOnSuccess bool
}

type Option func(*Uploader)

func WithHooks(h Hooks) Option {
	return func(u *Uploader) { u.hooks = h }
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(u *Uploader) { u.telemetry = tel }
}

// Uploader is the single entry point for uploads. It is safe for concurrent
// use; uploads of different files run independently.
type Uploader struct {
	engine         *digest.Engine
	store          *storage.FallbackStore
	client         transfer.Client
	scheduler      *transfer.Scheduler
	telemetry      *telemetry.Telemetry
	hooks          Hooks
	chunkSize      int64
	purgeOnSuccess bool

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates an Uploader. The store is wrapped so that storage faults
// degrade to in-memory operation.
func New(engine *digest.Engine, store storage.TaskStore, client transfer.Client, cfg Config, opts ...Option) *Uploader {
	fallback, ok := store.(*storage.FallbackStore)
	if !ok {
		fallback = storage.NewFallbackStore(store)
	}

	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunk.DefaultSize
	}

	u := &Uploader{
		engine:         engine,
		store:          fallback,
		client:         client,
		chunkSize:      cfg.ChunkSize,
		purgeOnSuccess: cfg.PurgeOnSuccess,
		sessions:       make(map[string]*session),
	}

	for _, opt := range opts {
		opt(u)
	}

	u.scheduler = transfer.NewScheduler(cfg.Concurrency, u.store, u.telemetry)

	return u
}

// Submit uploads src. The Uploader takes ownership of src and closes it when
// the upload succeeds or is cleaned up. A paused upload returns
// transfer.ErrPaused together with a paused Result.
func (u *Uploader) Submit(ctx context.Context, src *Source) (*Result, error) {
	var (
		result *Result
		err    error
	)

	_ = u.telemetry.InstrumentUpload(ctx, func(ctx context.Context) (string, error) {
		result, err = u.submit(ctx, src)

		return outcome(result, err)
	})

	return result, err
}

func (u *Uploader) submit(ctx context.Context, src *Source) (*Result, error) {
	u.emit(ctx, nil, Event{FileName: src.Name, FileSize: src.Size, State: StateHashing})

	d, err := u.engine.Compute(ctx, src.Data, src.Size, func(percent int) {
		if u.hooks.OnHashProgress != nil {
			u.hooks.OnHashProgress(src.Name, percent)
		}
	})
	if err != nil {
		_ = src.Close()

		err = fmt.Errorf("failed to compute digest of %s: %w", src.Name, err)
		u.emit(ctx, nil, Event{FileName: src.Name, FileSize: src.Size, State: StateFailed, Err: err})

		return nil, err
	}

	fileDigest := d.String()
	ctx = logctx.With(ctx, "file_digest", fileDigest, "file_name", src.Name, "attempt_id", uuid.NewString())

	sess, err := u.acquire(fileDigest, src)
	if err != nil {
		_ = src.Close()

		return nil, err
	}
	defer sess.end()

	u.emit(ctx, sess, Event{FileName: src.Name, FileSize: src.Size, State: StateChecking})

	if res, ok := u.checkExists(ctx, fileDigest); ok {
		return u.completeInstant(ctx, sess, src, res)
	}

	return u.plan(ctx, sess, d, src)
}

// Resume continues a paused, interrupted or failed upload. After a restart
// the file is reopened from the path recorded in the task.
func (u *Uploader) Resume(ctx context.Context, fileDigest string) (*Result, error) {
	var (
		result *Result
		err    error
	)

	_ = u.telemetry.InstrumentUpload(ctx, func(ctx context.Context) (string, error) {
		result, err = u.resume(ctx, fileDigest)

		return outcome(result, err)
	})

	return result, err
}

func (u *Uploader) resume(ctx context.Context, fileDigest string) (*Result, error) {
	task, err := u.store.Get(ctx, fileDigest)
	if err != nil {
		return nil, err
	}

	if task.Status == storage.StatusSuccess {
		return &Result{Digest: fileDigest, State: StateComplete, Task: task}, nil
	}

	ctx = logctx.With(ctx, "file_digest", fileDigest, "file_name", task.FileName, "attempt_id", uuid.NewString())

	sess, err := u.acquire(fileDigest, nil)
	if err != nil {
		return nil, err
	}
	defer sess.end()

	if sess.source == nil {
		src, err := u.reopen(ctx, task)
		if err != nil {
			u.emit(ctx, sess, Event{FileName: task.FileName, FileSize: task.FileSize, State: StateFailed, Err: err})

			return nil, err
		}

		sess.source = src
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "resuming upload",
		"status", task.Status,
		"uploaded_chunks", len(task.UploadedChunks),
		"total_chunks", task.TotalChunks)

	return u.plan(ctx, sess, digest.FileDigest(fileDigest), sess.source)
}

// Pause stops dispatching new chunks of the running upload and waits until
// the chunks in flight have drained and the paused status is persisted.
func (u *Uploader) Pause(ctx context.Context, fileDigest string) error {
	sess := u.session(fileDigest)
	if sess == nil || sess.State() == StateFinalizing {
		return ErrNotActive
	}

	done, ok := sess.requestStop()
	if !ok {
		return ErrNotActive
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryFinalize re-runs the merge of a task whose chunks are all uploaded.
func (u *Uploader) RetryFinalize(ctx context.Context, fileDigest string) (*Result, error) {
	task, err := u.store.Get(ctx, fileDigest)
	if err != nil {
		return nil, err
	}

	if task.Status == storage.StatusSuccess {
		return &Result{Digest: fileDigest, State: StateComplete, Task: task}, nil
	}

	if !task.Complete() {
		return nil, fmt.Errorf("%w: %d of %d", ErrIncomplete, len(task.UploadedChunks), task.TotalChunks)
	}

	ctx = logctx.With(ctx, "file_digest", fileDigest, "file_name", task.FileName, "attempt_id", uuid.NewString())

	sess, err := u.acquire(fileDigest, nil)
	if err != nil {
		return nil, err
	}
	defer sess.end()

	return u.finalize(ctx, sess, task)
}

// Cleanup stops any running upload of the file, deletes its task and
// releases the retained source.
func (u *Uploader) Cleanup(ctx context.Context, fileDigest string) error {
	if err := u.drain(ctx, u.session(fileDigest)); err != nil {
		return err
	}

	if err := u.store.Delete(ctx, fileDigest); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	u.release(fileDigest)

	return nil
}

// ClearAll stops every running upload and deletes all tasks.
func (u *Uploader) ClearAll(ctx context.Context) error {
	u.mu.Lock()
	sessions := lo.Values(u.sessions)
	u.mu.Unlock()

	for _, sess := range sessions {
		if err := u.drain(ctx, sess); err != nil {
			return err
		}
	}

	if err := u.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}

	for _, sess := range sessions {
		u.release(sess.digest)
	}

	return nil
}

func (u *Uploader) Tasks(ctx context.Context) ([]*storage.UploadTask, error) {
	return u.store.List(ctx)
}

func (u *Uploader) TasksByStatus(ctx context.Context, status storage.Status) ([]*storage.UploadTask, error) {
	return u.store.ListByStatus(ctx, status)
}

func (u *Uploader) Task(ctx context.Context, fileDigest string) (*storage.UploadTask, error) {
	return u.store.Get(ctx, fileDigest)
}

func (u *Uploader) Stats(ctx context.Context) (storage.Stats, error) {
	return u.store.Stats(ctx)
}

// Resumable returns the paused, uploading and failed tasks, surfacing work
// left over from a previous process.
func (u *Uploader) Resumable(ctx context.Context) ([]*storage.UploadTask, error) {
	tasks, err := u.store.List(ctx)
	if err != nil {
		return nil, err
	}

	return lo.Filter(tasks, func(t *storage.UploadTask, _ int) bool { return t.Resumable() }), nil
}

// State returns the in-memory state of the file, StateIdle when unknown.
func (u *Uploader) State(fileDigest string) State {
	if sess := u.session(fileDigest); sess != nil {
		return sess.State()
	}

	return StateIdle
}

// Degraded reports whether the task store stopped persisting.
func (u *Uploader) Degraded() bool {
	return u.store.Degraded()
}

// Close releases all retained sources. Running uploads are not stopped.
func (u *Uploader) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()

	for key, sess := range u.sessions {
		sess.release()
		delete(u.sessions, key)
	}
}

func (u *Uploader) checkExists(ctx context.Context, fileDigest string) (transfer.ExistsResult, bool) {
	res, err := u.client.CheckExists(ctx, fileDigest)
	if err != nil {
		dErr := &transfer.DedupCheckError{FileDigest: fileDigest, Err: err}
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "dedup check failed, uploading in full", "err", dErr)

		return transfer.ExistsResult{}, false
	}

	return res, res.Exists
}

func (u *Uploader) completeInstant(ctx context.Context, sess *session, src *Source, res transfer.ExistsResult) (*Result, error) {
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "file already on server, skipping transfer", "file_size", FormatSize(src.Size))

	var task *storage.UploadTask

	if _, err := u.store.Get(ctx, sess.digest); err == nil {
		task = u.markSuccess(ctx, sess.digest)
	}

	u.release(sess.digest)
	u.emit(ctx, sess, Event{FileName: src.Name, FileSize: src.Size, State: StateComplete, Instant: true, File: res.File})

	return &Result{Digest: sess.digest, State: StateComplete, Instant: true, File: res.File, Task: task}, nil
}

// plan resolves the task for the content, reconciles it with the server and
// runs the transfer of the remaining chunks.
func (u *Uploader) plan(ctx context.Context, sess *session, d digest.FileDigest, src *Source) (*Result, error) {
	u.emit(ctx, sess, Event{FileName: src.Name, FileSize: src.Size, State: StatePlanning})

	chunks, err := chunk.Plan(src.Size, d, u.chunkSize)
	if err != nil {
		u.emit(ctx, sess, Event{FileName: src.Name, FileSize: src.Size, State: StateFailed, Err: err})

		return nil, err
	}

	task, err := u.prepareTask(ctx, sess.digest, src, len(chunks))
	if err != nil {
		u.emit(ctx, sess, Event{FileName: src.Name, FileSize: src.Size, State: StateFailed, Err: err})

		return nil, err
	}

	task = u.reconcile(ctx, task)

	if err := u.transfer(ctx, sess, src, task, chunks); err != nil {
		if errors.Is(err, transfer.ErrPaused) {
			task, _ = u.store.Get(ctx, sess.digest)

			return &Result{Digest: sess.digest, State: StatePaused, Task: task}, err
		}

		return nil, err
	}

	task, err = u.store.Get(ctx, sess.digest)
	if err != nil {
		return nil, err
	}

	return u.finalize(ctx, sess, task)
}

// prepareTask creates the task of a new digest or refreshes the existing one.
// Stored indices are dropped when the chunk layout no longer matches.
func (u *Uploader) prepareTask(ctx context.Context, fileDigest string, src *Source, total int) (*storage.UploadTask, error) {
	logger := logctx.LoggerFromContext(ctx)

	task, err := u.store.Get(ctx, fileDigest)

	switch {
	case errors.Is(err, storage.ErrNotFound):
		task = &storage.UploadTask{FileDigest: fileDigest}

		logger.InfoContext(ctx, "starting new upload", "file_size", FormatSize(src.Size), "total_chunks", total)
	case err != nil:
		return nil, err
	case task.TotalChunks != total || task.FileSize != src.Size:
		logger.WarnContext(ctx, "chunk layout changed, restarting upload",
			"stored_chunks", task.TotalChunks, "total_chunks", total)

		if _, err := u.store.ReplaceChunks(ctx, fileDigest, nil); err != nil {
			return nil, err
		}
	}

	update := task.Clone()
	update.FileName = src.Name
	update.FileSize = src.Size
	update.FileType = src.Type
	update.TotalChunks = total
	update.Status = storage.StatusUploading
	update.UploadedChunks = nil

	if src.Path != "" {
		update.SourcePath = src.Path
	}

	if err := u.store.Upsert(ctx, update); err != nil {
		return nil, err
	}

	return u.store.Get(ctx, fileDigest)
}

// reconcile replaces the local chunk set with the server view. The local
// set is kept when the server cannot be asked.
func (u *Uploader) reconcile(ctx context.Context, task *storage.UploadTask) *storage.UploadTask {
	logger := logctx.LoggerFromContext(ctx)

	server, err := u.client.CheckUploadedChunks(ctx, task.FileDigest)
	if err != nil {
		logger.WarnContext(ctx, "failed to fetch uploaded chunks, trusting local state", "err", err)

		return task
	}

	server = storage.NormalizeChunks(server, task.TotalChunks)

	missing, extra := lo.Difference(task.UploadedChunks, server)
	if len(missing) == 0 && len(extra) == 0 {
		return task
	}

	logger.InfoContext(ctx, "reconciling uploaded chunks with server",
		"missing_on_server", missing,
		"unknown_locally", extra)

	updated, err := u.store.ReplaceChunks(ctx, task.FileDigest, server)
	if err != nil {
		logger.WarnContext(ctx, "failed to store reconciled chunks", "err", err)

		updated = task.Clone()
		updated.UploadedChunks = server
	}

	return updated
}

func (u *Uploader) transfer(ctx context.Context, sess *session, src *Source, task *storage.UploadTask, chunks []chunk.Chunk) error {
	remaining := chunk.Remaining(chunks, task.UploadedChunks)
	completed := len(chunks) - len(remaining)

	u.emit(ctx, sess, Event{FileName: task.FileName, FileSize: task.FileSize, State: StateTransferring})
	u.progress(sess.digest, storage.NewProgress(completed, len(chunks)))

	err := u.scheduler.Run(ctx, transfer.Job{
		Digest:    sess.digest,
		Chunks:    remaining,
		Total:     len(chunks),
		Completed: completed,
		Transfer: func(ctx context.Context, c chunk.Chunk) (transfer.Ack, error) {
			return u.client.TransferChunk(ctx, transfer.ChunkUpload{
				Digest:  sess.digest,
				Index:   c.Index,
				ChunkID: c.ID,
				Size:    c.Size(),
				Body:    io.NewSectionReader(src.Data, c.Start, c.Size()),
			})
		},
		OnProgress: func(p storage.Progress) { u.progress(sess.digest, p) },
		Stop:       sess.stopChan(),
	})

	switch {
	case err == nil:
		return nil
	case errors.Is(err, transfer.ErrPaused):
		u.setStatus(ctx, sess.digest, storage.StatusPaused)
		u.emit(ctx, sess, Event{FileName: task.FileName, FileSize: task.FileSize, State: StatePaused})
	case ctx.Err() != nil:
		// Interrupted by shutdown; keep the task resumable.
		u.setStatus(context.WithoutCancel(ctx), sess.digest, storage.StatusPaused)
		u.emit(ctx, sess, Event{FileName: task.FileName, FileSize: task.FileSize, State: StatePaused, Err: err})
	default:
		u.setStatus(ctx, sess.digest, storage.StatusError)
		u.emit(ctx, sess, Event{FileName: task.FileName, FileSize: task.FileSize, State: StateFailed, Err: err})
	}

	return err
}

func (u *Uploader) finalize(ctx context.Context, sess *session, task *storage.UploadTask) (*Result, error) {
	u.emit(ctx, sess, Event{FileName: task.FileName, FileSize: task.FileSize, State: StateFinalizing})

	info, err := u.client.Finalize(ctx, transfer.FinalizeRequest{
		Digest:   task.FileDigest,
		FileName: task.FileName,
		FileSize: task.FileSize,
		MimeType: task.FileType,
	})
	if err != nil {
		fErr := &transfer.FinalizeError{FileDigest: task.FileDigest, Err: err}

		u.setStatus(context.WithoutCancel(ctx), task.FileDigest, storage.StatusError)
		u.emit(ctx, sess, Event{FileName: task.FileName, FileSize: task.FileSize, State: StateFailed, Err: fErr})

		return nil, fErr
	}

	final := u.markSuccess(ctx, task.FileDigest)
	u.release(task.FileDigest)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "upload completed", "file_size", FormatSize(task.FileSize))

	u.emit(ctx, sess, Event{FileName: task.FileName, FileSize: task.FileSize, State: StateComplete, File: info})

	return &Result{Digest: task.FileDigest, State: StateComplete, File: info, Task: final}, nil
}

// markSuccess records the success status, or deletes the task when purging.
func (u *Uploader) markSuccess(ctx context.Context, fileDigest string) *storage.UploadTask {
	logger := logctx.LoggerFromContext(ctx)

	if u.purgeOnSuccess {
		task, _ := u.store.Get(ctx, fileDigest)

		if err := u.store.Delete(ctx, fileDigest); err != nil {
			logger.WarnContext(ctx, "failed to purge completed task", "err", err)
		}

		if task != nil {
			task.Status = storage.StatusSuccess
		}

		return task
	}

	task, err := u.store.SetStatus(ctx, fileDigest, storage.StatusSuccess)
	if err != nil {
		logger.WarnContext(ctx, "failed to record completed task", "err", err)
	}

	return task
}

func (u *Uploader) setStatus(ctx context.Context, fileDigest string, status storage.Status) {
	if _, err := u.store.SetStatus(ctx, fileDigest, status); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to update task status", "status", status, "err", err)
	}
}

// acquire registers the running attempt for fileDigest. A new source
// replaces the one retained by a previous attempt.
func (u *Uploader) acquire(fileDigest string, src *Source) (*session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	sess, ok := u.sessions[fileDigest]
	if !ok {
		sess = newSession(fileDigest, nil)
		u.sessions[fileDigest] = sess
	}

	if !sess.begin() {
		return nil, ErrActive
	}

	if src != nil {
		sess.release()
		sess.source = src
	}

	return sess, nil
}

func (u *Uploader) session(fileDigest string) *session {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.sessions[fileDigest]
}

// release forgets the session and closes its source.
func (u *Uploader) release(fileDigest string) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if sess, ok := u.sessions[fileDigest]; ok {
		sess.release()
		delete(u.sessions, fileDigest)
	}
}

func (u *Uploader) drain(ctx context.Context, sess *session) error {
	if sess == nil {
		return nil
	}

	done, ok := sess.requestStop()
	if !ok {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Uploader) emit(ctx context.Context, sess *session, ev Event) {
	if sess != nil {
		sess.setState(ev.State)
		ev.Digest = sess.digest
	}

	logger := logctx.LoggerFromContext(ctx)

	if ev.Err != nil {
		logger.WarnContext(ctx, "upload state changed", "state", ev.State, "err", ev.Err)
	} else {
		logger.DebugContext(ctx, "upload state changed", "state", ev.State)
	}

	if u.hooks.OnState != nil {
		u.hooks.OnState(ev)
	}
}

func (u *Uploader) progress(fileDigest string, p storage.Progress) {
	if u.hooks.OnProgress != nil {
		u.hooks.OnProgress(fileDigest, p)
	}
}

// reopen opens the retained source of a task and checks that it still hashes
// to the task digest.
func (u *Uploader) reopen(ctx context.Context, task *storage.UploadTask) (*Source, error) {
	if task.SourcePath == "" {
		return nil, ErrNoSource
	}

	src, err := OpenFile(task.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoSource, err)
	}

	if src.Size != task.FileSize {
		_ = src.Close()

		return nil, fmt.Errorf("%w: size is %d, expected %d", ErrSourceChanged, src.Size, task.FileSize)
	}

	src.Name = task.FileName
	src.Type = task.FileType

	d, err := u.engine.Compute(ctx, src.Data, src.Size, func(percent int) {
		if u.hooks.OnHashProgress != nil {
			u.hooks.OnHashProgress(src.Name, percent)
		}
	})
	if err != nil {
		_ = src.Close()

		return nil, fmt.Errorf("failed to compute digest of %s: %w", src.Name, err)
	}

	if d.String() != task.FileDigest {
		_ = src.Close()

		return nil, fmt.Errorf("%w: digest is %s, expected %s", ErrSourceChanged, d, task.FileDigest)
	}

	return src, nil
}

// outcome maps an attempt to its metric label.
func outcome(res *Result, err error) (string, error) {
	switch {
	case errors.Is(err, transfer.ErrPaused):
		return "paused", nil
	case err != nil:
		return "error", err
	case res != nil && res.Instant:
		return "instant", nil
	}

	return "success", nil
}
