package digest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/cespare/xxhash/v2"
)

// DefaultWindowSize is the amount of bytes read per step while hashing.
const DefaultWindowSize = 2 * 1024 * 1024

// FileDigest identifies file content. It is the dedup and resume key.
type FileDigest string

func (d FileDigest) String() string {
	return string(d)
}

// Algorithm names a supported content hash.
type Algorithm string

const (
	MD5   Algorithm = "md5"
	XXH64 Algorithm = "xxh64"
)

// ReadError is returned when the source could not be read while hashing.
// No task must be recorded for a file that failed with a ReadError.
type ReadError struct {
	Offset int64 // Offset of the window that failed
	Err    error // Underlying I/O error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read source at offset %d: %v", e.Offset, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Engine computes file digests by streaming the source window by window.
type Engine struct {
	algorithm Algorithm
	window    int64
}

// NewEngine creates an Engine for the given algorithm and window size.
func NewEngine(algorithm Algorithm, window int64) (*Engine, error) {
	if window <= 0 {
		return nil, fmt.Errorf("invalid hash window size: %d", window)
	}

	if _, err := newHash(algorithm); err != nil {
		return nil, err
	}

	return &Engine{algorithm: algorithm, window: window}, nil
}

// Algorithm returns the hash algorithm used by the engine.
func (e *Engine) Algorithm() Algorithm {
	return e.algorithm
}

// Compute reads size bytes from src and returns their digest. onProgress, when
// set, receives the percentage of windows consumed after every window.
func (e *Engine) Compute(ctx context.Context, src io.ReaderAt, size int64, onProgress func(percent int)) (FileDigest, error) {
	if size < 0 {
		return "", fmt.Errorf("invalid source size: %d", size)
	}

	h, err := newHash(e.algorithm)
	if err != nil {
		return "", err
	}

	windows := (size + e.window - 1) / e.window
	buf := make([]byte, min(e.window, max(size, 1)))

	for i := int64(0); i < windows; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		offset := i * e.window
		want := min(e.window, size-offset)

		n, err := src.ReadAt(buf[:want], offset)
		if int64(n) < want {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			return "", &ReadError{Offset: offset, Err: err}
		}

		if err != nil && !errors.Is(err, io.EOF) {
			return "", &ReadError{Offset: offset, Err: err}
		}

		h.Write(buf[:n])

		if onProgress != nil {
			onProgress(int((i + 1) * 100 / windows))
		}
	}

	if windows == 0 && onProgress != nil {
		onProgress(100)
	}

	return FileDigest(hex.EncodeToString(h.Sum(nil))), nil
}

func newHash(algorithm Algorithm) (hash.Hash, error) {
	switch algorithm {
	case MD5:
		return md5.New(), nil
	case XXH64:
		return xxhash.New(), nil
	}

	return nil, fmt.Errorf("unsupported digest algorithm: %q", algorithm)
}
