package transfer

import (
	"errors"
	"fmt"
)

// ErrPaused is returned by Scheduler.Run when the job was stopped before all
// chunks were dispatched. Chunks that were in flight have drained.
var ErrPaused = errors.New("transfer paused")

// TransferError represents the failure of a single chunk upload. Chunks
// acknowledged before the failure stay persisted, so the transfer can be
// resumed with the remaining set.
type TransferError struct {
	ChunkIndex int    // Index of the chunk that failed
	ChunkID    string // Identity of the chunk, "<digest>-<index>"
	Err        error  // Underlying transport error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("chunk %d (%s) failed: %v", e.ChunkIndex, e.ChunkID, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Retryable reports whether re-running the transfer may succeed. A chunk
// failure always leaves a resumable task behind.
func (e *TransferError) Retryable() bool {
	return true
}

// FinalizeError represents a failed merge after every chunk was uploaded.
// Only finalize needs to be retried.
type FinalizeError struct {
	FileDigest string // Digest of the file being merged
	Err        error  // Underlying transport error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize of %s failed: %v", e.FileDigest, e.Err)
}

func (e *FinalizeError) Unwrap() error {
	return e.Err
}

func (e *FinalizeError) Retryable() bool {
	return true
}

// DedupCheckError represents a failed existence query. Callers treat it as
// "no match" and fall through to a full transfer.
type DedupCheckError struct {
	FileDigest string
	Err        error
}

func (e *DedupCheckError) Error() string {
	return fmt.Sprintf("dedup check of %s failed: %v", e.FileDigest, e.Err)
}

func (e *DedupCheckError) Unwrap() error {
	return e.Err
}

// NetworkError represents network failures and API errors including 5xx responses,
// connection timeouts, and rate limiting.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "transfer_chunk", "finalize")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	APIMessage string // Error message from the API or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents 401 Unauthorized and 403 Forbidden
// responses from the upload server.
type AuthenticationError struct {
	Operation string // The operation that required authentication
	Err       error  // Underlying error, if any
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err carries a retryable transfer failure.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }

	return errors.As(err, &r) && r.Retryable()
}
