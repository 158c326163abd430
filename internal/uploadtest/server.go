// Package uploadtest provides an in-memory upload server with fault
// injection for tests.
package uploadtest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/resumable_uploader/internal/transfer"
	"github.com/samber/lo"
)

// Server stores chunks per file digest and assembles them on merge.
type Server struct {
	mu sync.Mutex

	chunks map[string]map[int][]byte
	files  map[string]*transfer.FileInfo
	nextID int64
	token  string

	failChunk    map[int]int
	failFinalize int
	failCheck    int
	chunkHook    func(digest string, index int)

	chunkCalls    map[int]int
	checkCalls    int
	finalizeCalls int
	inFlight      int
	maxInFlight   int
}

func New() *Server {
	return &Server{
		chunks:     make(map[string]map[int][]byte),
		files:      make(map[string]*transfer.FileInfo),
		failChunk:  make(map[int]int),
		chunkCalls: make(map[int]int),
	}
}

// Start serves the API on a test server closed at the end of the test.
func (s *Server) Start(tb testing.TB) *httptest.Server {
	tb.Helper()

	ts := httptest.NewServer(s.Handler())
	tb.Cleanup(ts.Close)

	return ts
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.authenticate)

	r.Route("/upload", func(r chi.Router) {
		r.Post("/check", s.handleCheck)
		r.Get("/chunks", s.handleChunks)
		r.Post("/chunk", s.handleChunk)
		r.Post("/merge", s.handleMerge)
	})

	return r
}

// RequireToken rejects requests without the bearer token.
func (s *Server) RequireToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = token
}

// FailChunk makes the next n uploads of chunk index fail with a 503.
func (s *Server) FailChunk(index, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failChunk[index] = n
}

// FailFinalize makes the next n merges fail with a 500.
func (s *Server) FailFinalize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failFinalize = n
}

// FailCheck makes the next n dedup checks fail with a 502.
func (s *Server) FailCheck(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failCheck = n
}

// OnChunk runs fn before a chunk upload is accepted. It may block.
func (s *Server) OnChunk(fn func(digest string, index int)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.chunkHook = fn
}

// Seed registers an already stored file so dedup checks match it.
func (s *Server) Seed(digest, name string, size int64) *transfer.FileInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.storeFile(digest, name, "application/octet-stream", size)
}

// Forget drops a received chunk, as if the server lost it.
func (s *Server) Forget(digest string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.chunks[digest], index)
}

// Accept stores a chunk as received without going through HTTP.
func (s *Server) Accept(digest string, index int, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.putChunk(digest, index, data)
}

func (s *Server) ChunkCalls(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.chunkCalls[index]
}

// ChunkCallIndices returns the sorted indices that received upload calls.
func (s *Server) ChunkCallIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	indices := lo.Keys(s.chunkCalls)
	slices.Sort(indices)

	return indices
}

func (s *Server) TotalChunkCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return lo.Sum(lo.Values(s.chunkCalls))
}

func (s *Server) CheckCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.checkCalls
}

func (s *Server) FinalizeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.finalizeCalls
}

// MaxInFlight returns the peak number of concurrent chunk uploads.
func (s *Server) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.maxInFlight
}

// ReceivedChunks returns the sorted chunk indices stored for digest.
func (s *Server) ReceivedChunks(digest string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.received(digest)
}

// Assembled returns the merged content of digest, reading chunks in index order.
func (s *Server) Assembled(digest string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.assemble(digest)
}

// File returns the merged file record of digest, if any.
func (s *Server) File(digest string) *transfer.FileInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.files[digest]
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		token := s.token
		s.mu.Unlock()

		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			writeError(w, http.StatusUnauthorized, "invalid token")

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileHash string `json:"fileHash"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileHash == "" {
		writeError(w, http.StatusBadRequest, "fileHash is required")

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkCalls++

	if s.failCheck > 0 {
		s.failCheck--
		writeError(w, http.StatusBadGateway, "check unavailable")

		return
	}

	file, ok := s.files[req.FileHash]

	writeJSON(w, http.StatusOK, transfer.ExistsResult{Exists: ok, File: file})
}

func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	digest := r.URL.Query().Get("fileHash")
	if digest == "" {
		writeError(w, http.StatusBadRequest, "fileHash is required")

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string][]int{"uploadedChunks": s.received(digest)})
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")

		return
	}

	digest := r.FormValue("fileHash")

	index, err := strconv.Atoi(r.FormValue("index"))
	if digest == "" || err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "fileHash and index are required")

		return
	}

	if r.FormValue("chunkHash") != digest+"-"+strconv.Itoa(index) {
		writeError(w, http.StatusBadRequest, "chunkHash does not match")

		return
	}

	f, _, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, "chunk file is required")

		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read chunk")

		return
	}

	s.mu.Lock()
	s.chunkCalls[index]++
	s.inFlight++
	s.maxInFlight = max(s.maxInFlight, s.inFlight)
	hook := s.chunkHook
	s.mu.Unlock()

	if hook != nil {
		hook(digest, index)
	} else {
		// Hold the slot briefly so concurrent uploads overlap.
		time.Sleep(5 * time.Millisecond)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.inFlight--

	if s.failChunk[index] > 0 {
		s.failChunk[index]--
		writeError(w, http.StatusServiceUnavailable, "chunk storage unavailable")

		return
	}

	s.putChunk(digest, index, data)

	writeJSON(w, http.StatusOK, transfer.Ack{Index: index, ChunkID: r.FormValue("chunkHash")})
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req transfer.FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Digest == "" {
		writeError(w, http.StatusBadRequest, "fileHash is required")

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.finalizeCalls++

	if s.failFinalize > 0 {
		s.failFinalize--
		writeError(w, http.StatusInternalServerError, "merge failed")

		return
	}

	if file, ok := s.files[req.Digest]; ok {
		writeJSON(w, http.StatusOK, file)

		return
	}

	if int64(len(s.assemble(req.Digest))) != req.FileSize {
		writeError(w, http.StatusBadRequest, "missing chunks")

		return
	}

	writeJSON(w, http.StatusOK, s.storeFile(req.Digest, req.FileName, req.MimeType, req.FileSize))
}

func (s *Server) putChunk(digest string, index int, data []byte) {
	if s.chunks[digest] == nil {
		s.chunks[digest] = make(map[int][]byte)
	}

	s.chunks[digest][index] = slices.Clone(data)
}

func (s *Server) received(digest string) []int {
	indices := lo.Keys(s.chunks[digest])
	slices.Sort(indices)

	return indices
}

// assemble concatenates the contiguous run of chunks starting at index 0.
func (s *Server) assemble(digest string) []byte {
	var buf bytes.Buffer

	for i := 0; ; i++ {
		data, ok := s.chunks[digest][i]
		if !ok {
			break
		}

		buf.Write(data)
	}

	return buf.Bytes()
}

func (s *Server) storeFile(digest, name, mimeType string, size int64) *transfer.FileInfo {
	s.nextID++

	stored := digest + filepath.Ext(name)
	file := &transfer.FileInfo{
		ID:           s.nextID,
		FileName:     stored,
		OriginalName: name,
		MimeType:     mimeType,
		Size:         size,
		Path:         "uploads/" + stored,
		URL:          "/uploads/" + stored,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	s.files[digest] = file

	return file
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
