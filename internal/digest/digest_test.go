package digest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReaderAt struct {
	data   []byte
	failAt int64
	err    error
}

func (f *failingReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off >= f.failAt {
		return 0, f.err
	}

	return bytes.NewReader(f.data).ReadAt(p, off)
}

func content(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i % 251)
	}

	return b
}

func TestCompute_Deterministic(t *testing.T) {
	data := content(5*1024 + 7)

	for _, alg := range []Algorithm{MD5, XXH64} {
		t.Run(string(alg), func(t *testing.T) {
			e, err := NewEngine(alg, 1024)
			require.NoError(t, err)

			first, err := e.Compute(context.Background(), bytes.NewReader(data), int64(len(data)), nil)
			require.NoError(t, err)

			second, err := e.Compute(context.Background(), bytes.NewReader(data), int64(len(data)), nil)
			require.NoError(t, err)

			assert.Equal(t, first, second)
			assert.NotEmpty(t, first)
		})
	}
}

func TestCompute_MatchesWholeFileMD5(t *testing.T) {
	data := content(10_000)
	sum := md5.Sum(data)

	e, err := NewEngine(MD5, 333)
	require.NoError(t, err)

	d, err := e.Compute(context.Background(), bytes.NewReader(data), int64(len(data)), nil)
	require.NoError(t, err)
	assert.Equal(t, FileDigest(hex.EncodeToString(sum[:])), d)
}

func TestCompute_WindowSizeDoesNotChangeDigest(t *testing.T) {
	data := content(4096)

	small, err := NewEngine(MD5, 100)
	require.NoError(t, err)
	large, err := NewEngine(MD5, 1<<20)
	require.NoError(t, err)

	a, err := small.Compute(context.Background(), bytes.NewReader(data), int64(len(data)), nil)
	require.NoError(t, err)
	b, err := large.Compute(context.Background(), bytes.NewReader(data), int64(len(data)), nil)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestCompute_DifferentContentDiffers(t *testing.T) {
	e, err := NewEngine(MD5, 1024)
	require.NoError(t, err)

	a := content(2048)
	b := content(2048)
	b[100] ^= 0xff

	da, err := e.Compute(context.Background(), bytes.NewReader(a), int64(len(a)), nil)
	require.NoError(t, err)
	db, err := e.Compute(context.Background(), bytes.NewReader(b), int64(len(b)), nil)
	require.NoError(t, err)

	assert.NotEqual(t, da, db)
}

func TestCompute_ProgressIsMonotonic(t *testing.T) {
	data := content(10*1024 + 1)

	e, err := NewEngine(MD5, 1024)
	require.NoError(t, err)

	var reported []int

	_, err = e.Compute(context.Background(), bytes.NewReader(data), int64(len(data)), func(p int) {
		reported = append(reported, p)
	})
	require.NoError(t, err)

	require.Len(t, reported, 11)

	for i := 1; i < len(reported); i++ {
		assert.GreaterOrEqual(t, reported[i], reported[i-1])
	}

	assert.Equal(t, 100, reported[len(reported)-1])
}

func TestCompute_EmptySource(t *testing.T) {
	e, err := NewEngine(MD5, 1024)
	require.NoError(t, err)

	var reported []int

	d, err := e.Compute(context.Background(), bytes.NewReader(nil), 0, func(p int) {
		reported = append(reported, p)
	})
	require.NoError(t, err)

	assert.Equal(t, FileDigest("d41d8cd98f00b204e9800998ecf8427e"), d)
	assert.Equal(t, []int{100}, reported)
}

func TestCompute_ReadError(t *testing.T) {
	data := content(4096)
	ioErr := errors.New("device removed")
	src := &failingReaderAt{data: data, failAt: 2048, err: ioErr}

	e, err := NewEngine(MD5, 1024)
	require.NoError(t, err)

	_, err = e.Compute(context.Background(), src, int64(len(data)), nil)
	require.Error(t, err)

	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	assert.Equal(t, int64(2048), readErr.Offset)
	assert.ErrorIs(t, err, ioErr)
}

func TestCompute_TruncatedSource(t *testing.T) {
	data := content(1000)

	e, err := NewEngine(MD5, 512)
	require.NoError(t, err)

	_, err = e.Compute(context.Background(), bytes.NewReader(data), 2000, nil)

	var readErr *ReadError
	require.ErrorAs(t, err, &readErr)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCompute_ContextCancelled(t *testing.T) {
	data := content(4096)

	e, err := NewEngine(MD5, 1024)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = e.Compute(ctx, bytes.NewReader(data), int64(len(data)), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewEngine_Invalid(t *testing.T) {
	_, err := NewEngine("sha3", 1024)
	assert.Error(t, err)

	_, err = NewEngine(MD5, 0)
	assert.Error(t, err)
}
