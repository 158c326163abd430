// Package progress reports byte progress of a streamed request body.
package progress

import (
	"io"
	"sync/atomic"
)

// Reader wraps an io.Reader and reports progress via a callback every
// interval bytes and once more at EOF.
type Reader struct {
	reader     io.Reader
	total      int64
	interval   int64
	onProgress func(sent, total int64)
	sent       atomic.Int64
	sinceLast  int64
	done       bool
}

func NewReader(r io.Reader, total, interval int64, cb func(sent, total int64)) *Reader {
	if interval <= 0 {
		interval = total
	}

	return &Reader{
		reader:     r,
		total:      total,
		interval:   interval,
		onProgress: cb,
	}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.sent.Add(int64(n))
		r.sinceLast += int64(n)

		if r.sinceLast >= r.interval && r.sent.Load() < r.total {
			r.report()
		}
	}

	if err == io.EOF && !r.done {
		r.done = true
		r.report()
	}

	return n, err
}

// Sent returns the number of bytes read so far. It is safe to call while
// another goroutine reads.
func (r *Reader) Sent() int64 {
	return r.sent.Load()
}

func (r *Reader) report() {
	r.sinceLast = 0

	if r.onProgress != nil {
		r.onProgress(r.sent.Load(), r.total)
	}
}
