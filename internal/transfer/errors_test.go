package transfer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrors_Error(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "transfer error",
			err:  &TransferError{ChunkIndex: 1, ChunkID: "abc-1", Err: errors.New("reset")},
			want: "chunk 1 (abc-1) failed: reset",
		},
		{
			name: "finalize error",
			err:  &FinalizeError{FileDigest: "abc", Err: errors.New("merge failed")},
			want: "finalize of abc failed: merge failed",
		},
		{
			name: "dedup check error",
			err:  &DedupCheckError{FileDigest: "abc", Err: errors.New("timeout")},
			want: "dedup check of abc failed: timeout",
		},
		{
			name: "network error with HTTP status code",
			err:  &NetworkError{Operation: "transfer_chunk", StatusCode: 503, APIMessage: "service unavailable"},
			want: "network error during transfer_chunk (HTTP 503): service unavailable",
		},
		{
			name: "network error without HTTP status code",
			err:  &NetworkError{Operation: "finalize", APIMessage: "connection timeout"},
			want: "network error during finalize: connection timeout",
		},
		{
			name: "authentication error",
			err:  &AuthenticationError{Operation: "check_exists"},
			want: "authentication failed during check_exists",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrors_ChainTraversal(t *testing.T) {
	cause := errors.New("connection reset")
	netErr := &NetworkError{Operation: "transfer_chunk", StatusCode: 502, APIMessage: "bad gateway", Err: cause}
	err := fmt.Errorf("upload: %w", &TransferError{ChunkIndex: 2, ChunkID: "abc-2", Err: netErr})

	assert.ErrorIs(t, err, cause)

	var tErr *TransferError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, 2, tErr.ChunkIndex)

	var target *NetworkError
	require.ErrorAs(t, err, &target)
	assert.Equal(t, 502, target.StatusCode)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(fmt.Errorf("x: %w", &TransferError{Err: errors.New("boom")})))
	assert.True(t, IsRetryable(&FinalizeError{Err: errors.New("boom")}))
	assert.False(t, IsRetryable(&DedupCheckError{Err: errors.New("boom")}))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestErrors_NilCause(t *testing.T) {
	for _, err := range []error{
		&NetworkError{Operation: "finalize", StatusCode: 500, APIMessage: "error"},
		&AuthenticationError{Operation: "finalize"},
	} {
		assert.Nil(t, errors.Unwrap(err))
		assert.NotEmpty(t, err.Error())
	}
}
