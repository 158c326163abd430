package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/resumable_uploader/internal/storage"
	"github.com/italolelis/resumable_uploader/internal/telemetry"
	"github.com/italolelis/resumable_uploader/internal/transfer"
	"github.com/italolelis/resumable_uploader/internal/upload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	*storage.MemoryStore

	mu       sync.Mutex
	states   map[string]upload.State
	paused   []string
	resumed  chan string
	finalize error
}

func newFakeController() *fakeController {
	return &fakeController{
		MemoryStore: storage.NewMemoryStore(),
		states:      make(map[string]upload.State),
		resumed:     make(chan string, 1),
	}
}

func (f *fakeController) Tasks(ctx context.Context) ([]*storage.UploadTask, error) {
	return f.List(ctx)
}

func (f *fakeController) TasksByStatus(ctx context.Context, status storage.Status) ([]*storage.UploadTask, error) {
	return f.ListByStatus(ctx, status)
}

func (f *fakeController) Task(ctx context.Context, digest string) (*storage.UploadTask, error) {
	return f.Get(ctx, digest)
}

func (f *fakeController) Pause(ctx context.Context, digest string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.states[digest] != upload.StateTransferring {
		return upload.ErrNotActive
	}

	f.paused = append(f.paused, digest)
	f.states[digest] = upload.StatePaused

	_, err := f.SetStatus(ctx, digest, storage.StatusPaused)

	return err
}

func (f *fakeController) Resume(_ context.Context, digest string) (*upload.Result, error) {
	f.resumed <- digest

	return &upload.Result{Digest: digest, State: upload.StateComplete}, nil
}

func (f *fakeController) RetryFinalize(ctx context.Context, digest string) (*upload.Result, error) {
	if f.finalize != nil {
		return nil, f.finalize
	}

	task, err := f.SetStatus(ctx, digest, storage.StatusSuccess)
	if err != nil {
		return nil, err
	}

	return &upload.Result{Digest: digest, State: upload.StateComplete, File: &transfer.FileInfo{ID: 7}, Task: task}, nil
}

func (f *fakeController) Cleanup(ctx context.Context, digest string) error {
	return f.Delete(ctx, digest)
}

func (f *fakeController) ClearAll(ctx context.Context) error {
	return f.Clear(ctx)
}

func (f *fakeController) State(digest string) upload.State {
	f.mu.Lock()
	defer f.mu.Unlock()

	if s, ok := f.states[digest]; ok {
		return s
	}

	return upload.StateIdle
}

func (f *fakeController) Degraded() bool { return false }

func (f *fakeController) setState(digest string, s upload.State) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.states[digest] = s
}

func setupHandler(t *testing.T, username, password string) (*fakeController, http.Handler) {
	t.Helper()

	ctrl := newFakeController()
	ctx := context.Background()

	for i, status := range []storage.Status{storage.StatusUploading, storage.StatusPaused, storage.StatusSuccess} {
		require.NoError(t, ctrl.Upsert(ctx, &storage.UploadTask{
			FileDigest:     fmt.Sprintf("d%d", i),
			FileName:       fmt.Sprintf("file%d.bin", i),
			TotalChunks:    4,
			UploadedChunks: []int{0, 1},
			Status:         status,
		}))
	}

	return ctrl, NewTaskHandler(ctx, ctrl, username, password).Routes()
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))

	return rec
}

func TestHandleList(t *testing.T) {
	_, h := setupHandler(t, "", "")

	rec := do(t, h, http.MethodGet, "/tasks")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var tasks []TaskResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tasks))
	require.Len(t, tasks, 3)
	assert.Equal(t, "d0", tasks[0].FileDigest)
	assert.Equal(t, upload.StateIdle, tasks[0].State)
	assert.Equal(t, 50, tasks[0].Progress.Percent)

	rec = do(t, h, http.MethodGet, "/tasks?status=paused")
	require.Equal(t, http.StatusOK, rec.Code)

	tasks = nil
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "d1", tasks[0].FileDigest)

	rec = do(t, h, http.MethodGet, "/tasks?status=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGet(t *testing.T) {
	_, h := setupHandler(t, "", "")

	rec := do(t, h, http.MethodGet, "/tasks/d2")
	require.Equal(t, http.StatusOK, rec.Code)

	var task TaskResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&task))
	assert.Equal(t, storage.StatusSuccess, task.Status)
	assert.Equal(t, []int{0, 1}, task.UploadedChunks)

	rec = do(t, h, http.MethodGet, "/tasks/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), storage.ErrNotFound.Error())
}

func TestErrorResponse_CarriesRequestID(t *testing.T) {
	_, h := setupHandler(t, "", "")
	h = telemetry.RequestID(h)

	req := httptest.NewRequest(http.MethodGet, "/tasks/missing", nil)
	req.Header.Set(telemetry.RequestIDHeader, "req-42")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body errorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "req-42", body.RequestID)
	assert.Equal(t, storage.ErrNotFound.Error(), body.Error)

	_, h = setupHandler(t, "", "")

	rec = do(t, h, http.MethodGet, "/tasks/missing")
	assert.NotContains(t, rec.Body.String(), "request_id", "omitted without the middleware")
}

func TestHandleStats(t *testing.T) {
	_, h := setupHandler(t, "", "")

	rec := do(t, h, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats StatsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Paused)
	assert.False(t, stats.Degraded)
}

func TestHandlePause(t *testing.T) {
	ctrl, h := setupHandler(t, "", "")

	rec := do(t, h, http.MethodPost, "/tasks/d0/pause")
	assert.Equal(t, http.StatusConflict, rec.Code, "nothing is running")

	ctrl.setState("d0", upload.StateTransferring)

	rec = do(t, h, http.MethodPost, "/tasks/d0/pause")
	require.Equal(t, http.StatusOK, rec.Code)

	var task TaskResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&task))
	assert.Equal(t, storage.StatusPaused, task.Status)
	assert.Equal(t, upload.StatePaused, task.State)
}

func TestHandleResume(t *testing.T) {
	ctrl, h := setupHandler(t, "", "")

	rec := do(t, h, http.MethodPost, "/tasks/d1/resume")
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case digest := <-ctrl.resumed:
		assert.Equal(t, "d1", digest)
	case <-time.After(time.Second):
		t.Fatal("resume was not started")
	}

	rec = do(t, h, http.MethodPost, "/tasks/d2/resume")
	assert.Equal(t, http.StatusOK, rec.Code, "completed task is returned as is")

	ctrl.setState("d0", upload.StateTransferring)

	rec = do(t, h, http.MethodPost, "/tasks/d0/resume")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/tasks/missing/resume")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleFinalize(t *testing.T) {
	ctrl, h := setupHandler(t, "", "")

	rec := do(t, h, http.MethodPost, "/tasks/d0/finalize")
	require.Equal(t, http.StatusOK, rec.Code)

	var res ResultResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.Equal(t, upload.StateComplete, res.State)
	require.NotNil(t, res.File)
	assert.Equal(t, int64(7), res.File.ID)

	ctrl.finalize = &transfer.FinalizeError{FileDigest: "d1", Err: fmt.Errorf("merge failed")}

	rec = do(t, h, http.MethodPost, "/tasks/d1/finalize")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	ctrl.finalize = fmt.Errorf("%w: 2 of 4", upload.ErrIncomplete)

	rec = do(t, h, http.MethodPost, "/tasks/d1/finalize")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleDeleteAndClear(t *testing.T) {
	ctrl, h := setupHandler(t, "", "")
	ctx := context.Background()

	rec := do(t, h, http.MethodDelete, "/tasks/d0")
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := ctrl.Get(ctx, "d0")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rec = do(t, h, http.MethodDelete, "/tasks")
	require.Equal(t, http.StatusNoContent, rec.Code)

	tasks, err := ctrl.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestBasicAuth(t *testing.T) {
	_, h := setupHandler(t, "admin", "secret")

	rec := do(t, h, http.MethodGet, "/stats")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.SetBasicAuth("admin", "wrong")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "invalid username or password"))

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.SetBasicAuth("admin", "secret")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
