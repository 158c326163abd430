package chunk

import (
	"fmt"
	"slices"

	"github.com/italolelis/resumable_uploader/internal/digest"
	"github.com/samber/lo"
)

// DefaultSize is the nominal chunk size used when none is configured.
const DefaultSize = 2 * 1024 * 1024

// Chunk is a contiguous byte range [Start, End) of a file.
type Chunk struct {
	Index int
	Start int64
	End   int64
	ID    string
}

// Size returns the number of bytes covered by the chunk.
func (c Chunk) Size() int64 {
	return c.End - c.Start
}

// ID derives the chunk identity sent to the server.
func ID(d digest.FileDigest, index int) string {
	return fmt.Sprintf("%s-%d", d, index)
}

// Count returns ceil(fileSize / chunkSize).
func Count(fileSize, chunkSize int64) int {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}

	return int((fileSize + chunkSize - 1) / chunkSize)
}

// Plan partitions a file into ordered chunks. Boundaries only depend on
// fileSize and chunkSize, so planning the same file twice yields identical chunks.
func Plan(fileSize int64, d digest.FileDigest, chunkSize int64) ([]Chunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size: %d", chunkSize)
	}

	if fileSize < 0 {
		return nil, fmt.Errorf("invalid file size: %d", fileSize)
	}

	count := Count(fileSize, chunkSize)
	chunks := make([]Chunk, 0, count)

	for i := 0; i < count; i++ {
		start := int64(i) * chunkSize
		chunks = append(chunks, Chunk{
			Index: i,
			Start: start,
			End:   min(start+chunkSize, fileSize),
			ID:    ID(d, i),
		})
	}

	return chunks, nil
}

// Remaining drops the chunks whose index is in uploaded, keeping index order.
func Remaining(chunks []Chunk, uploaded []int) []Chunk {
	done := lo.SliceToMap(uploaded, func(i int) (int, struct{}) {
		return i, struct{}{}
	})

	remaining := lo.Filter(chunks, func(c Chunk, _ int) bool {
		_, ok := done[c.Index]

		return !ok
	})

	slices.SortFunc(remaining, func(a, b Chunk) int {
		return a.Index - b.Index
	})

	return remaining
}
