package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/resumable_uploader/internal/logctx"
	"github.com/italolelis/resumable_uploader/internal/storage"
	"github.com/italolelis/resumable_uploader/internal/telemetry"
	"github.com/italolelis/resumable_uploader/internal/transfer"
	"github.com/italolelis/resumable_uploader/internal/upload"
	"github.com/samber/lo"
)

// Controller is the part of the uploader exposed over HTTP.
type Controller interface {
	Tasks(ctx context.Context) ([]*storage.UploadTask, error)
	TasksByStatus(ctx context.Context, status storage.Status) ([]*storage.UploadTask, error)
	Task(ctx context.Context, digest string) (*storage.UploadTask, error)
	Stats(ctx context.Context) (storage.Stats, error)
	Pause(ctx context.Context, digest string) error
	Resume(ctx context.Context, digest string) (*upload.Result, error)
	RetryFinalize(ctx context.Context, digest string) (*upload.Result, error)
	Cleanup(ctx context.Context, digest string) error
	ClearAll(ctx context.Context) error
	State(digest string) upload.State
	Degraded() bool
}

type TaskResponse struct {
	*storage.UploadTask
	State    upload.State     `json:"state"`
	Progress storage.Progress `json:"progress"`
}

type StatsResponse struct {
	storage.Stats
	Degraded bool `json:"degraded"`
}

type ResultResponse struct {
	Digest  string              `json:"file_digest"`
	State   upload.State        `json:"state"`
	Instant bool                `json:"instant"`
	File    *transfer.FileInfo  `json:"file,omitempty"`
	Task    *storage.UploadTask `json:"task,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type TaskHandler struct {
	ctx      context.Context
	ctrl     Controller
	username string
	password string
}

// NewTaskHandler creates the control API handler. Resumed uploads outlive the
// request and run under ctx. Basic auth is enforced when username is set.
func NewTaskHandler(ctx context.Context, ctrl Controller, username, password string) *TaskHandler {
	return &TaskHandler{
		ctx:      ctx,
		ctrl:     ctrl,
		username: username,
		password: password,
	}
}

func (h *TaskHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/stats", h.HandleStats)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Delete("/", h.HandleClear)

		r.Route("/{digest}", func(r chi.Router) {
			r.Get("/", h.HandleGet)
			r.Delete("/", h.HandleDelete)
			r.Post("/pause", h.HandlePause)
			r.Post("/resume", h.HandleResume)
			r.Post("/finalize", h.HandleFinalize)
		})
	})

	return r
}

func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var (
		tasks []*storage.UploadTask
		err   error
	)

	if status := storage.Status(r.URL.Query().Get("status")); status != "" {
		if !status.Valid() {
			writeError(w, r, http.StatusBadRequest, errors.New("unknown status "+string(status)))

			return
		}

		tasks, err = h.ctrl.TasksByStatus(r.Context(), status)
	} else {
		tasks, err = h.ctrl.Tasks(r.Context())
	}

	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)

		return
	}

	writeJSON(w, r, http.StatusOK, lo.Map(tasks, func(t *storage.UploadTask, _ int) TaskResponse {
		return h.taskResponse(t)
	}))
}

func (h *TaskHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	task, err := h.ctrl.Task(r.Context(), chi.URLParam(r, "digest"))
	if err != nil {
		writeError(w, r, statusOf(err), err)

		return
	}

	writeJSON(w, r, http.StatusOK, h.taskResponse(task))
}

func (h *TaskHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ctrl.Stats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)

		return
	}

	writeJSON(w, r, http.StatusOK, StatsResponse{Stats: stats, Degraded: h.ctrl.Degraded()})
}

func (h *TaskHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	digest := chi.URLParam(r, "digest")

	if err := h.ctrl.Pause(r.Context(), digest); err != nil {
		writeError(w, r, statusOf(err), err)

		return
	}

	task, err := h.ctrl.Task(r.Context(), digest)
	if err != nil {
		writeError(w, r, statusOf(err), err)

		return
	}

	writeJSON(w, r, http.StatusOK, h.taskResponse(task))
}

// HandleResume starts the upload in the background and answers 202.
func (h *TaskHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	digest := chi.URLParam(r, "digest")

	task, err := h.ctrl.Task(r.Context(), digest)
	if err != nil {
		writeError(w, r, statusOf(err), err)

		return
	}

	if task.Status == storage.StatusSuccess {
		writeJSON(w, r, http.StatusOK, h.taskResponse(task))

		return
	}

	switch h.ctrl.State(digest) {
	case upload.StateIdle, upload.StatePaused, upload.StateFailed:
	default:
		writeError(w, r, http.StatusConflict, upload.ErrActive)

		return
	}

	ctx := logctx.WithLogger(h.ctx, logctx.LoggerFromContext(r.Context()))

	go func() {
		if _, err := h.ctrl.Resume(ctx, digest); err != nil && !errors.Is(err, transfer.ErrPaused) {
			logctx.LoggerFromContext(ctx).Error("resume failed", "file_digest", digest, "err", err)
		}
	}()

	writeJSON(w, r, http.StatusAccepted, h.taskResponse(task))
}

func (h *TaskHandler) HandleFinalize(w http.ResponseWriter, r *http.Request) {
	res, err := h.ctrl.RetryFinalize(r.Context(), chi.URLParam(r, "digest"))
	if err != nil {
		writeError(w, r, statusOf(err), err)

		return
	}

	writeJSON(w, r, http.StatusOK, ResultResponse{
		Digest:  res.Digest,
		State:   res.State,
		Instant: res.Instant,
		File:    res.File,
		Task:    res.Task,
	})
}

func (h *TaskHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Cleanup(r.Context(), chi.URLParam(r, "digest")); err != nil {
		writeError(w, r, statusOf(err), err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.ClearAll(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *TaskHandler) taskResponse(t *storage.UploadTask) TaskResponse {
	return TaskResponse{
		UploadTask: t,
		State:      h.ctrl.State(t.FileDigest),
		Progress:   t.Progress(),
	}
}

func (h *TaskHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusOf maps uploader errors to HTTP status codes.
func statusOf(err error) int {
	var fErr *transfer.FinalizeError

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrNotActive), errors.Is(err, upload.ErrActive), errors.Is(err, upload.ErrIncomplete):
		return http.StatusConflict
	case errors.As(err, &fErr):
		return http.StatusBadGateway
	}

	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("failed to handle request", "path", r.URL.Path, "err", err)
	}

	writeJSON(w, r, status, errorResponse{
		Error:     err.Error(),
		RequestID: telemetry.GetRequestID(r.Context()),
	})
}
