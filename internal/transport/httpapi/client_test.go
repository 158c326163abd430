package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/italolelis/resumable_uploader/internal/logctx"
	"github.com/italolelis/resumable_uploader/internal/transfer"
	"github.com/italolelis/resumable_uploader/internal/uploadtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const digest = "5d41402abc4b2a76b9719d911017c592"

func setupClient(t *testing.T, opts ...Option) (*Client, *uploadtest.Server) {
	t.Helper()

	srv := uploadtest.New()
	ts := srv.Start(t)

	c, err := NewClient(ts.URL, opts...)
	require.NoError(t, err)

	return c, srv
}

func upload(index int, data []byte) transfer.ChunkUpload {
	return transfer.ChunkUpload{
		Digest:  digest,
		Index:   index,
		ChunkID: fmt.Sprintf("%s-%d", digest, index),
		Size:    int64(len(data)),
		Body:    bytes.NewReader(data),
	}
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "not a url", "/relative/path"} {
		_, err := NewClient(raw)
		assert.Error(t, err, raw)
	}
}

func TestClient_UploadFlow(t *testing.T) {
	ctx := context.Background()
	c, srv := setupClient(t)

	exists, err := c.CheckExists(ctx, digest)
	require.NoError(t, err)
	assert.False(t, exists.Exists)

	ack, err := c.TransferChunk(ctx, upload(0, []byte("hello ")))
	require.NoError(t, err)
	assert.Equal(t, 0, ack.Index)

	_, err = c.TransferChunk(ctx, upload(1, []byte("world")))
	require.NoError(t, err)

	uploaded, err := c.CheckUploadedChunks(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, uploaded)

	info, err := c.Finalize(ctx, transfer.FinalizeRequest{
		Digest: digest, FileName: "hello.txt", FileSize: 11, MimeType: "text/plain",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello.txt", info.OriginalName)
	assert.Equal(t, int64(11), info.Size)
	assert.Equal(t, "hello world", string(srv.Assembled(digest)))

	exists, err = c.CheckExists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, exists.Exists)
	require.NotNil(t, exists.File)
	assert.Equal(t, info.ID, exists.File.ID)
}

func TestClient_TransferChunkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, srv := setupClient(t)

	for i := 0; i < 2; i++ {
		_, err := c.TransferChunk(ctx, upload(0, []byte("abc")))
		require.NoError(t, err)
	}

	assert.Equal(t, 2, srv.ChunkCalls(0))
	assert.Equal(t, "abc", string(srv.Assembled(digest)))
}

func TestClient_ServerErrorsMapToNetworkError(t *testing.T) {
	ctx := context.Background()
	c, srv := setupClient(t)

	srv.FailChunk(0, 1)

	_, err := c.TransferChunk(ctx, upload(0, []byte("abc")))

	var netErr *transfer.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "transfer_chunk", netErr.Operation)
	assert.Equal(t, http.StatusServiceUnavailable, netErr.StatusCode)
	assert.Equal(t, "chunk storage unavailable", netErr.APIMessage)

	srv.FailFinalize(1)

	_, err = c.Finalize(ctx, transfer.FinalizeRequest{Digest: digest, FileSize: 3})
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusInternalServerError, netErr.StatusCode)
}

func TestClient_AuthenticationError(t *testing.T) {
	ctx := context.Background()
	c, srv := setupClient(t, WithToken("wrong"))

	srv.RequireToken("secret")

	_, err := c.CheckExists(ctx, digest)

	var authErr *transfer.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "check_exists", authErr.Operation)

	var netErr *transfer.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusUnauthorized, netErr.StatusCode)
}

func TestClient_SendsBearerToken(t *testing.T) {
	ctx := context.Background()
	c, srv := setupClient(t, WithToken("secret"))

	srv.RequireToken("secret")

	_, err := c.CheckUploadedChunks(ctx, digest)
	require.NoError(t, err)
}

func TestClient_ShortChunkBody(t *testing.T) {
	c, srv := setupClient(t)

	chunk := upload(0, []byte("abc"))
	chunk.Size = 10

	_, err := c.TransferChunk(context.Background(), chunk)
	require.Error(t, err)
	assert.Zero(t, srv.TotalChunkCalls())
}

func TestClient_PlainTextErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	t.Cleanup(ts.Close)

	c, err := NewClient(ts.URL)
	require.NoError(t, err)

	_, err = c.CheckExists(context.Background(), digest)

	var netErr *transfer.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "upstream exploded", netErr.APIMessage)
}

func TestClient_ContextCancelled(t *testing.T) {
	c, _ := setupClient(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.CheckExists(ctx, digest)
	assert.ErrorIs(t, err, context.Canceled)
}

// logBuffer is written by the transport goroutine and read by the test.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *logBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func TestClient_TransferChunkLogsOnceWithDigest(t *testing.T) {
	var logs logBuffer

	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := logctx.With(logctx.WithLogger(context.Background(), logger), "file_digest", digest)

	c, srv := setupClient(t)
	srv.FailChunk(0, 1)

	_, err := c.TransferChunk(ctx, upload(0, []byte("abc")))
	require.Error(t, err)

	lines := logs.lines()
	require.NotEmpty(t, lines)

	var failed map[string]any

	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"file_digest"`), line)

		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))

		if entry["msg"] == "chunk upload failed" {
			failed = entry
		}
	}

	require.NotNil(t, failed, "failure is logged with the bytes sent")
	assert.Equal(t, digest, failed["file_digest"])
	assert.EqualValues(t, 0, failed["chunk_index"])
	assert.Contains(t, failed, "sent")
}
