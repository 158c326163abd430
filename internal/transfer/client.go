package transfer

import (
	"context"
	"io"
	"time"
)

// Client is the upload server as seen by the engine. Implementations live in
// internal/transport.
type Client interface {
	// TransferChunk uploads one chunk. Re-sending an accepted index is a
	// no-op success.
	TransferChunk(ctx context.Context, chunk ChunkUpload) (Ack, error)

	// CheckExists asks whether the server already stores content with digest.
	CheckExists(ctx context.Context, digest string) (ExistsResult, error)

	// CheckUploadedChunks returns the chunk indices the server has received.
	CheckUploadedChunks(ctx context.Context, digest string) ([]int, error)

	// Finalize merges the uploaded chunks into the stored file.
	Finalize(ctx context.Context, req FinalizeRequest) (*FileInfo, error)
}

// ChunkUpload carries one chunk body together with its identity.
type ChunkUpload struct {
	Digest  string
	Index   int
	ChunkID string
	Size    int64
	Body    io.Reader
}

// Ack is the server acknowledgment of a chunk.
type Ack struct {
	Index   int    `json:"index"`
	ChunkID string `json:"chunkHash"`
}

// ExistsResult is the answer of a dedup query.
type ExistsResult struct {
	Exists bool      `json:"exists"`
	File   *FileInfo `json:"file,omitempty"`
}

type FinalizeRequest struct {
	Digest   string `json:"fileHash"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

// FileInfo is the server-side record of an assembled file.
type FileInfo struct {
	ID           int64     `json:"id"`
	FileName     string    `json:"filename"`
	OriginalName string    `json:"originalname"`
	MimeType     string    `json:"mimetype"`
	Size         int64     `json:"size"`
	Path         string    `json:"path"`
	URL          string    `json:"url"`
	CreatedAt    time.Time `json:"createdAt"`
}
