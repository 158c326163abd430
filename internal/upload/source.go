package upload

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
)

// Source is a seekable file of known length.
type Source struct {
	Name string
	Size int64
	Type string
	// Path is retained in the task so the upload can resume after a restart.
	// Empty for in-memory sources.
	Path string
	Data io.ReaderAt

	closer io.Closer
}

// OpenFile opens path as a Source. The caller hands it to the Uploader,
// which closes it when the upload ends.
func OpenFile(path string) (*Source, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	if info.IsDir() {
		_ = f.Close()

		return nil, fmt.Errorf("%s is a directory", abs)
	}

	mtype, err := mimetype.DetectFile(abs)
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}

	return &Source{
		Name:   info.Name(),
		Size:   info.Size(),
		Type:   mtype.String(),
		Path:   abs,
		Data:   f,
		closer: f,
	}, nil
}

// NewSource wraps in-memory content.
func NewSource(name string, data []byte) *Source {
	return &Source{
		Name: name,
		Size: int64(len(data)),
		Type: mimetype.Detect(data).String(),
		Data: bytes.NewReader(data),
	}
}

func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}

	err := s.closer.Close()
	s.closer = nil

	return err
}

// FormatSize renders a byte count for humans, e.g. "5.0 MiB".
func FormatSize(size int64) string {
	if size < 0 {
		size = 0
	}

	return humanize.IBytes(uint64(size))
}
