// Package httpapi implements transfer.Client against the chunked upload
// HTTP API (/upload/check, /upload/chunks, /upload/chunk, /upload/merge).
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/resumable_uploader/internal/logctx"
	"github.com/italolelis/resumable_uploader/internal/transfer"
	"github.com/italolelis/resumable_uploader/internal/transport/progress"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

const (
	defaultTimeout   = 5 * time.Minute
	progressInterval = 512 * 1024
	maxErrorBody     = 4096
)

// Client talks to the upload server.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

type options struct {
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

type Option func(*options)

// WithToken authenticates every request with a bearer token.
func WithToken(token string) Option {
	return func(o *options) { o.token = token }
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithHTTPClient replaces the HTTP client. Token and timeout options are
// ignored when it is set.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upload server url: %w", err)
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid upload server url %q", baseURL)
	}

	o := options{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	httpClient := o.httpClient
	if httpClient == nil {
		var rt http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)

		if o.token != "" {
			rt = &oauth2.Transport{
				Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: o.token}),
				Base:   rt,
			}
		}

		httpClient = &http.Client{Transport: rt, Timeout: o.timeout}
	}

	return &Client{baseURL: u, httpClient: httpClient}, nil
}

var _ transfer.Client = (*Client)(nil)

func (c *Client) CheckExists(ctx context.Context, digest string) (transfer.ExistsResult, error) {
	var result transfer.ExistsResult

	body, err := json.Marshal(map[string]string{"fileHash": digest})
	if err != nil {
		return result, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "upload/check", bytes.NewReader(body))
	if err != nil {
		return result, err
	}

	req.Header.Set("Content-Type", "application/json")

	if err := c.do(req, "check_exists", &result); err != nil {
		return transfer.ExistsResult{}, err
	}

	return result, nil
}

func (c *Client) CheckUploadedChunks(ctx context.Context, digest string) ([]int, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "upload/chunks", nil)
	if err != nil {
		return nil, err
	}

	q := req.URL.Query()
	q.Set("fileHash", digest)
	req.URL.RawQuery = q.Encode()

	var result struct {
		UploadedChunks []int `json:"uploadedChunks"`
	}

	if err := c.do(req, "check_uploaded_chunks", &result); err != nil {
		return nil, err
	}

	return result.UploadedChunks, nil
}

func (c *Client) TransferChunk(ctx context.Context, chunk transfer.ChunkUpload) (transfer.Ack, error) {
	logger := logctx.LoggerFromContext(ctx).With("chunk_index", chunk.Index)

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	fields := map[string]string{
		"fileHash":  chunk.Digest,
		"index":     strconv.Itoa(chunk.Index),
		"chunkHash": chunk.ChunkID,
	}

	for _, name := range []string{"fileHash", "index", "chunkHash"} {
		if err := mw.WriteField(name, fields[name]); err != nil {
			return transfer.Ack{}, fmt.Errorf("failed to write form field %s: %w", name, err)
		}
	}

	part, err := mw.CreateFormFile("chunk", chunk.ChunkID)
	if err != nil {
		return transfer.Ack{}, fmt.Errorf("failed to create chunk part: %w", err)
	}

	n, err := io.Copy(part, chunk.Body)
	if err != nil {
		return transfer.Ack{}, fmt.Errorf("failed to read chunk body: %w", err)
	}

	if chunk.Size > 0 && n != chunk.Size {
		return transfer.Ack{}, fmt.Errorf("chunk body has %d bytes, expected %d: %w", n, chunk.Size, io.ErrUnexpectedEOF)
	}

	if err := mw.Close(); err != nil {
		return transfer.Ack{}, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	size := int64(buf.Len())
	body := progress.NewReader(&buf, size, progressInterval, func(sent, total int64) {
		logger.Debug("chunk upload progress",
			"sent", humanize.IBytes(uint64(sent)),
			"total", humanize.IBytes(uint64(total)),
			"percent", sent*100/max(total, 1))
	})

	req, err := c.newRequest(ctx, http.MethodPost, "upload/chunk", body)
	if err != nil {
		return transfer.Ack{}, err
	}

	req.ContentLength = size
	req.Header.Set("Content-Type", mw.FormDataContentType())

	if err := c.do(req, "transfer_chunk", nil); err != nil {
		logger.Debug("chunk upload failed",
			"sent", humanize.IBytes(uint64(body.Sent())),
			"total", humanize.IBytes(uint64(size)),
			"err", err)

		return transfer.Ack{}, err
	}

	return transfer.Ack{Index: chunk.Index, ChunkID: chunk.ChunkID}, nil
}

func (c *Client) Finalize(ctx context.Context, finalize transfer.FinalizeRequest) (*transfer.FileInfo, error) {
	body, err := json.Marshal(finalize)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, "upload/merge", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	var info transfer.FileInfo
	if err := c.do(req, "finalize", &info); err != nil {
		return nil, err
	}

	return &info, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.JoinPath(path).String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	return req, nil
}

// do sends req and decodes a 2xx JSON body into out when out is not nil.
func (c *Client) do(req *http.Request, operation string, out any) error {
	logger := logctx.LoggerFromContext(req.Context()).With("operation", operation)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}

		return &transfer.NetworkError{Operation: operation, APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := readErrorMessage(resp.Body, resp.StatusCode)

		logger.Debug("non-2xx response", "status", resp.StatusCode, "message", msg)

		netErr := &transfer.NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: msg}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return &transfer.AuthenticationError{Operation: operation, Err: netErr}
		}

		return netErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &transfer.NetworkError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			APIMessage: "invalid response body",
			Err:        err,
		}
	}

	return nil
}

// readErrorMessage extracts {"message": "..."} from an error body and falls
// back to the raw text.
func readErrorMessage(r io.Reader, status int) string {
	b, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))

	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}

	if json.Unmarshal(b, &payload) == nil {
		switch {
		case payload.Message != "":
			return payload.Message
		case payload.Error != "":
			return payload.Error
		}
	}

	if msg := strings.TrimSpace(string(b)); msg != "" {
		return msg
	}

	return http.StatusText(status)
}
