package transfer

import (
	"context"

	"github.com/italolelis/resumable_uploader/internal/telemetry"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	client     Client
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedClient creates a new instrumented upload client.
func NewInstrumentedClient(client Client, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		client:     client,
		telemetry:  tel,
		clientType: clientType,
	}
}

// TransferChunk uploads one chunk with telemetry.
func (c *InstrumentedClient) TransferChunk(ctx context.Context, chunk ChunkUpload) (Ack, error) {
	var result Ack

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "transfer_chunk", func(ctx context.Context) error {
		var err error

		result, err = c.client.TransferChunk(ctx, chunk)

		return err
	})

	return result, err
}

// CheckExists runs a dedup query with telemetry and records hits.
func (c *InstrumentedClient) CheckExists(ctx context.Context, digest string) (ExistsResult, error) {
	var result ExistsResult

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "check_exists", func(ctx context.Context) error {
		var err error

		result, err = c.client.CheckExists(ctx, digest)

		return err
	})
	if err != nil {
		return ExistsResult{}, err
	}

	if result.Exists {
		c.telemetry.RecordDedupHit(ctx)
	}

	return result, nil
}

// CheckUploadedChunks queries the uploaded chunk set with telemetry.
func (c *InstrumentedClient) CheckUploadedChunks(ctx context.Context, digest string) ([]int, error) {
	var result []int

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "check_uploaded_chunks", func(ctx context.Context) error {
		var err error

		result, err = c.client.CheckUploadedChunks(ctx, digest)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Finalize merges the file with telemetry.
func (c *InstrumentedClient) Finalize(ctx context.Context, req FinalizeRequest) (*FileInfo, error) {
	var result *FileInfo

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "finalize", func(ctx context.Context) error {
		var err error

		result, err = c.client.Finalize(ctx, req)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
