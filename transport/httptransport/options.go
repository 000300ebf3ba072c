package httptransport

import (
	"fmt"
	"net/http"
	"time"

	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

// ServerOptions configures the relay handler.
type ServerOptions struct {
	// MaxRequestSize is the maximum size of a request body as sent on the
	// wire, compressed or not.
	MaxRequestSize int64

	// MaxDecompressedSize is the maximum size of a gzip request body once
	// inflated.
	MaxDecompressedSize int64

	// CompressionEnabled gzips responses of at least CompressionThreshold
	// bytes for clients that accept it.
	CompressionEnabled   bool
	CompressionThreshold int64

	// RequestTimeout bounds the store work done for one request.
	RequestTimeout time.Duration

	// RateLimit is the sustained requests per second allowed per client
	// address; zero disables limiting.
	RateLimit float64
	RateBurst int

	// MetricsHandler, when set, is served at GET /metrics.
	MetricsHandler http.Handler

	Logger *logging.Logger
}

// DefaultServerOptions returns the default server options
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		MaxRequestSize:       10 * 1024 * 1024, // 10MB
		MaxDecompressedSize:  20 * 1024 * 1024, // 20MB
		CompressionEnabled:   true,
		CompressionThreshold: 1024,             // 1KB
		RequestTimeout:       30 * time.Second, // 30s
		RateLimit:            50,
		RateBurst:            100,
	}
}

// Validate reports the first inconsistent option.
func (o *ServerOptions) Validate() error {
	if o.MaxRequestSize <= 0 {
		return fmt.Errorf("max request size must be positive")
	}
	if o.MaxDecompressedSize < o.MaxRequestSize {
		return fmt.Errorf("max decompressed size (%d) must be at least max request size (%d)", o.MaxDecompressedSize, o.MaxRequestSize)
	}
	if o.CompressionThreshold < 0 {
		return fmt.Errorf("compression threshold must not be negative")
	}
	if o.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative")
	}
	if o.RateLimit < 0 || o.RateBurst < 0 {
		return fmt.Errorf("rate limit and burst must not be negative")
	}
	if o.RateLimit > 0 && o.RateBurst == 0 {
		return fmt.Errorf("rate burst must be positive when rate limiting is enabled")
	}
	return nil
}

// ServerOption is a function that configures a ServerOptions struct
type ServerOption func(*ServerOptions)

// WithMaxRequestSize sets the maximum allowed size of incoming request bodies
func WithMaxRequestSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxRequestSize = size
	}
}

// WithMaxDecompressedSize sets the maximum allowed size of decompressed request bodies
func WithMaxDecompressedSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxDecompressedSize = size
	}
}

// WithCompression enables or disables response compression
func WithCompression(enabled bool) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithCompressionThreshold sets the minimum size for response compression
func WithCompressionThreshold(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionThreshold = size
	}
}

// WithRequestTimeout sets the maximum duration for request processing
func WithRequestTimeout(timeout time.Duration) ServerOption {
	return func(opts *ServerOptions) {
		opts.RequestTimeout = timeout
	}
}

// WithRateLimit allows rps sustained requests per client address with the
// given burst. A zero rps disables limiting.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(opts *ServerOptions) {
		opts.RateLimit = rps
		opts.RateBurst = burst
	}
}

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(opts *ServerOptions) {
		opts.MetricsHandler = h
	}
}

// WithServerLogger sets the handler's logger.
func WithServerLogger(logger *logging.Logger) ServerOption {
	return func(opts *ServerOptions) {
		opts.Logger = logger
	}
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// Codec encodes requests and is asked for in responses.
	Codec wire.Codec

	// CompressionEnabled gzips request bodies larger than GzipMinBytes and
	// asks for gzip responses.
	CompressionEnabled bool
	GzipMinBytes       int

	// MaxResponseSize is the maximum size of a response body as received.
	MaxResponseSize int64

	// MaxDecompressedResponseSize is the maximum size of a gzip response
	// body once inflated.
	MaxDecompressedResponseSize int64

	// RequestTimeout is used for the default HTTP client.
	RequestTimeout time.Duration

	HTTPClient *http.Client
	Logger     *logging.Logger
}

// DefaultClientOptions returns the default client options
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		Codec:                       wire.JSON,
		CompressionEnabled:          true,
		GzipMinBytes:                1024,             // 1KB
		MaxResponseSize:             10 * 1024 * 1024, // 10MB
		MaxDecompressedResponseSize: 20 * 1024 * 1024, // 20MB
		RequestTimeout:              30 * time.Second,
	}
}

// Validate reports the first inconsistent option.
func (o *ClientOptions) Validate() error {
	if o.Codec == nil {
		return fmt.Errorf("codec is required")
	}
	if o.GzipMinBytes < 0 {
		return fmt.Errorf("gzip min bytes must not be negative")
	}
	if o.MaxResponseSize <= 0 {
		return fmt.Errorf("max response size must be positive")
	}
	if o.MaxDecompressedResponseSize < o.MaxResponseSize {
		return fmt.Errorf("max decompressed response size (%d) must be at least max response size (%d)", o.MaxDecompressedResponseSize, o.MaxResponseSize)
	}
	return nil
}

// ClientOption is a function that configures a ClientOptions struct
type ClientOption func(*ClientOptions)

// WithCodec selects the body encoding.
func WithCodec(codec wire.Codec) ClientOption {
	return func(opts *ClientOptions) {
		opts.Codec = codec
	}
}

// WithClientCompression enables or disables request/response compression
func WithClientCompression(enabled bool) ClientOption {
	return func(opts *ClientOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithGzipMinBytes sets the smallest request body that is compressed.
func WithGzipMinBytes(n int) ClientOption {
	return func(opts *ClientOptions) {
		opts.GzipMinBytes = n
	}
}

// WithMaxResponseSize sets the maximum allowed size of response bodies
func WithMaxResponseSize(size int64) ClientOption {
	return func(opts *ClientOptions) {
		opts.MaxResponseSize = size
	}
}

// WithMaxDecompressedResponseSize sets the maximum size of an inflated
// response body.
func WithMaxDecompressedResponseSize(size int64) ClientOption {
	return func(opts *ClientOptions) {
		opts.MaxDecompressedResponseSize = size
	}
}

// WithClientTimeout sets the timeout for all requests
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(opts *ClientOptions) {
		opts.RequestTimeout = timeout
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(opts *ClientOptions) {
		opts.HTTPClient = cl
	}
}

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *logging.Logger) ClientOption {
	return func(opts *ClientOptions) {
		opts.Logger = logger
	}
}

// applyServerOptions creates a new ServerOptions with the given options applied
func applyServerOptions(opts ...ServerOption) *ServerOptions {
	options := DefaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = logging.Default()
	}
	return options
}

// applyClientOptions creates a new ClientOptions with the given options applied
func applyClientOptions(opts ...ClientOption) *ClientOptions {
	options := DefaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.Logger == nil {
		options.Logger = logging.Default()
	}
	return options
}
