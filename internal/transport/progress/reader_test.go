package progress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_ReportsEveryIntervalAndAtEOF(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)

	var reports []int64

	r := NewReader(bytes.NewReader(data), int64(len(data)), 300, func(sent, total int64) {
		assert.Equal(t, int64(1000), total)

		reports = append(reports, sent)
	})

	// Read in 100 byte steps so interval boundaries are exact.
	buf := make([]byte, 100)

	for {
		_, err := r.Read(buf)
		if err == io.EOF {
			break
		}

		require.NoError(t, err)
	}

	assert.Equal(t, []int64{300, 600, 900, 1000}, reports)
	assert.Equal(t, int64(1000), r.Sent())
}

func TestReader_NilCallback(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("hello")), 5, 0, nil)

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}
