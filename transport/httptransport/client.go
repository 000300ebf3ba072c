package httptransport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	mberrors "github.com/c0deZ3R0/go-mailbox-kit/errors"
	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

// maxErrorBody bounds how much of an error response is kept in the error.
const maxErrorBody = 4 << 10

// Client talks to a relay served by Handler. It implements mailbox.Relay.
type Client struct {
	baseURL string
	http    *http.Client
	options *ClientOptions
	logger  *logging.Logger
}

// NewClient creates a client for the relay at baseURL (scheme, host and any
// path prefix, without a trailing slash).
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	options := applyClientOptions(opts...)
	if err := options.Validate(); err != nil {
		return nil, mberrors.NewValidationError(mberrors.OpTransport, err)
	}

	httpClient := options.HTTPClient
	if httpClient == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		// Responses are inflated by safeResponseReader so both size limits
		// apply.
		tr.DisableCompression = true
		httpClient = &http.Client{Transport: tr, Timeout: options.RequestTimeout}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		options: options,
		logger:  options.Logger.WithComponent("transport"),
	}, nil
}

// BaseURL returns the base URL for the client
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Fetch sends a reconciliation request.
func (c *Client) Fetch(ctx context.Context, req wire.FetchRequest) (wire.FetchResponse, error) {
	var resp wire.FetchResponse
	if err := c.do(ctx, mberrors.OpFetch, PathFetch, req, &resp); err != nil {
		return nil, err
	}
	if resp == nil {
		resp = wire.FetchResponse{}
	}
	return resp, nil
}

// Publish sends blobs for storage. An empty batch is sent too; the relay
// answers it without storing anything.
func (c *Client) Publish(ctx context.Context, blobs []wire.Blob) error {
	if blobs == nil {
		blobs = []wire.Blob{}
	}
	var resp StoreResponse
	if err := c.do(ctx, mberrors.OpPublish, PathStore, blobs, &resp); err != nil {
		return err
	}
	if len(blobs) > 0 {
		c.logger.DebugContext(ctx, "published blobs",
			slog.Int("sent", len(blobs)),
			slog.Int("stored", resp.Stored),
		)
	}
	return nil
}

// Health checks that the relay is serving.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PathHealth, nil)
	if err != nil {
		return mberrors.NewWithComponent(mberrors.OpTransport, "transport", fmt.Errorf("failed to create request: %w", err))
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return mberrors.NewNetworkError(mberrors.OpTransport, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode != http.StatusOK {
		return statusError(mberrors.OpTransport, resp.StatusCode, "")
	}
	return nil
}

func (c *Client) do(ctx context.Context, op mberrors.Operation, path string, in, out any) error {
	codec := c.options.Codec
	url := c.baseURL + path

	payload, err := codec.Marshal(in)
	if err != nil {
		return mberrors.NewWithComponent(op, "transport", fmt.Errorf("failed to encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return mberrors.NewWithComponent(op, "transport", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", codec.ContentType())
	req.Header.Set("Accept", codec.ContentType())
	if id, ok := logging.RequestIDFrom(ctx); ok {
		req.Header.Set(RequestIDHeader, id)
	}

	if c.options.CompressionEnabled {
		req.Header.Set("Accept-Encoding", "gzip")
		if len(payload) > c.options.GzipMinBytes {
			compressed, err := gzipBytes(payload)
			if err != nil {
				return mberrors.NewWithComponent(op, "transport", fmt.Errorf("failed to compress request: %w", err))
			}
			req.Body = io.NopCloser(bytes.NewReader(compressed))
			req.ContentLength = int64(len(compressed))
			req.GetBody = func() (io.ReadCloser, error) {
				return io.NopCloser(bytes.NewReader(compressed)), nil
			}
			req.Header.Set("Content-Encoding", "gzip")

			c.logger.Trace(ctx, "compressed request",
				slog.Int("original_size", len(payload)),
				slog.Int("compressed_size", len(compressed)),
			)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.WarnContext(ctx, "relay request failed",
			slog.String("url", url),
			slog.String("error", err.Error()),
		)
		return mberrors.NewNetworkError(op, fmt.Errorf("network error: %w", err)).WithMetadata("url", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.WarnContext(ctx, "relay returned error status",
			slog.String("url", url),
			slog.Int("status_code", resp.StatusCode),
			slog.String("response_body", string(body)),
		)
		return statusError(op, resp.StatusCode, string(body)).WithMetadata("url", url)
	}

	if err := checkContentType(resp, codec); err != nil {
		return mberrors.NewProtocolError(op, err).WithMetadata("url", url)
	}

	reader, cleanup, err := safeResponseReader(resp, c.options)
	if err != nil {
		return mberrors.NewProtocolError(op, err).WithMetadata("url", url)
	}
	defer cleanup()

	body, err := io.ReadAll(reader)
	if err != nil {
		if errors.Is(err, errResponseTooLarge) {
			return mberrors.NewProtocolError(op, err).WithMetadata("url", url)
		}
		return mberrors.NewNetworkError(op, fmt.Errorf("failed to read response: %w", err)).WithMetadata("url", url)
	}
	if err := codec.Unmarshal(body, out); err != nil {
		return mberrors.NewProtocolError(op, fmt.Errorf("%w: %v", errMalformedResponseBody, err)).WithMetadata("url", url)
	}
	return nil
}

func checkContentType(resp *http.Response, codec wire.Codec) error {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		return nil
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || mt != codec.ContentType() {
		return fmt.Errorf("%w: %s", errUnexpectedResponseType, ct)
	}
	return nil
}

// statusError classifies a non-200 answer: overload and server failures can
// be retried, anything else is a protocol mismatch.
func statusError(op mberrors.Operation, status int, body string) *mberrors.MailboxError {
	err := fmt.Errorf("relay error (status %d): %s", status, strings.TrimSpace(body))
	var mbErr *mberrors.MailboxError
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		mbErr = mberrors.NewNetworkError(op, err)
	} else {
		mbErr = mberrors.NewProtocolError(op, err)
	}
	return mbErr.WithMetadata("status", status)
}
