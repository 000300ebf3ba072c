package httptransport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

// Request body failures and their status codes:
//   - invalid gzip                     → 400 Bad Request
//   - compressed or plain body too big → 413 Request Entity Too Large
//   - inflated body too big            → 413 Request Entity Too Large
//   - unsupported media type/encoding  → 415 Unsupported Media Type
var (
	errDecompressedTooLarge   = errors.New("decompressed data exceeds maximum size limit")
	errUnsupportedMediaType   = errors.New("unsupported media type")
	errUnsupportedEncoding    = errors.New("unsupported content encoding")
	errRequestTooLarge        = errors.New("request body too large")
	errInvalidGzip            = errors.New("invalid gzip data")
	errResponseTooLarge       = errors.New("response body exceeds maximum size limit")
	errEmptyBody              = errors.New("empty request body")
	errMalformedRequestBody   = errors.New("malformed request body")
	errMalformedResponseBody  = errors.New("malformed response body")
	errUnexpectedResponseType = errors.New("unexpected response content type")
)

// maxDecompressedReader wraps an io.Reader to enforce decompressed size limits
type maxDecompressedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
	tooLarge error
}

func (r *maxDecompressedReader) Read(p []byte) (int, error) {
	if r.consumed >= r.limit {
		// Exactly limit bytes is fine; one byte more is not.
		var probe [1]byte
		if n, _ := r.reader.Read(probe[:]); n > 0 {
			return 0, r.tooLarge
		}
		return 0, io.EOF
	}

	maxRead := r.limit - r.consumed
	if int64(len(p)) > maxRead {
		p = p[:maxRead]
	}

	n, err := r.reader.Read(p)
	r.consumed += int64(n)
	return n, err
}

// safeRequestReader returns a reader over the request body that enforces
// the wire and inflated size limits, and the codec named by Content-Type.
func safeRequestReader(w http.ResponseWriter, r *http.Request, options *ServerOptions) (io.Reader, wire.Codec, func(), error) {
	noop := func() {}

	codec, err := wire.CodecFor(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, nil, noop, fmt.Errorf("%w: %s", errUnsupportedMediaType, r.Header.Get("Content-Type"))
	}

	if r.ContentLength > options.MaxRequestSize {
		return nil, nil, noop, fmt.Errorf("%w: %d bytes (max %d)", errRequestTooLarge, r.ContentLength, options.MaxRequestSize)
	}

	limited := http.MaxBytesReader(w, r.Body, options.MaxRequestSize)

	encoding := strings.TrimSpace(strings.ToLower(r.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return limited, codec, noop, nil
	case "gzip":
	default:
		return nil, nil, noop, fmt.Errorf("%w: %s (only gzip is supported)", errUnsupportedEncoding, encoding)
	}

	gz, err := gzip.NewReader(limited)
	if err != nil {
		return nil, nil, noop, fmt.Errorf("%w: %v", errInvalidGzip, err)
	}
	reader := &maxDecompressedReader{
		reader:   gz,
		limit:    options.MaxDecompressedSize,
		tooLarge: errDecompressedTooLarge,
	}
	return reader, codec, func() { gz.Close() }, nil
}

// readRequest decodes the request body into v.
func readRequest(w http.ResponseWriter, r *http.Request, options *ServerOptions, v any) (wire.Codec, error) {
	reader, codec, cleanup, err := safeRequestReader(w, r, options)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	body, err := io.ReadAll(reader)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			return nil, fmt.Errorf("%w: %v", errRequestTooLarge, err)
		case errors.Is(err, errDecompressedTooLarge):
			return nil, err
		default:
			return nil, fmt.Errorf("%w: %v", errInvalidGzip, err)
		}
	}
	if len(body) == 0 {
		return nil, errEmptyBody
	}
	if err := codec.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedRequestBody, err)
	}
	return codec, nil
}

// mapErrorToHTTPStatus maps request body errors to HTTP status codes
func mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errDecompressedTooLarge), errors.Is(err, errRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedMediaType), errors.Is(err, errUnsupportedEncoding):
		return http.StatusUnsupportedMediaType
	}
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// safeResponseReader returns a reader over the response body that inflates
// gzip bodies and enforces the response size limits.
func safeResponseReader(resp *http.Response, options *ClientOptions) (io.Reader, func(), error) {
	limited := &maxDecompressedReader{
		reader:   resp.Body,
		limit:    options.MaxResponseSize,
		tooLarge: errResponseTooLarge,
	}
	if !strings.EqualFold(strings.TrimSpace(resp.Header.Get("Content-Encoding")), "gzip") {
		return limited, func() {}, nil
	}

	gz, err := gzip.NewReader(limited)
	if err != nil {
		return nil, func() {}, fmt.Errorf("%w: %v", errInvalidGzip, err)
	}
	reader := &maxDecompressedReader{
		reader:   gz,
		limit:    options.MaxDecompressedResponseSize,
		tooLarge: errResponseTooLarge,
	}
	return reader, func() { gz.Close() }, nil
}

// gzipBytes compresses data.
func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
