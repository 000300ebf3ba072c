// Package config loads the YAML configuration shared by the relay server and
// mailbox clients, with MAILBOX_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/go-mailbox-kit/blobstore"
	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/mailbox"
	"github.com/c0deZ3R0/go-mailbox-kit/transport/httptransport"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

// Codec names accepted in the client section.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
)

// Config is the root of a configuration file.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Client  ClientConfig   `yaml:"client"`
	Logging logging.Config `yaml:"logging"`
}

// ServerConfig configures the relay process.
type ServerConfig struct {
	Addr            string           `yaml:"addr"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	Metrics         bool             `yaml:"metrics"`
	Store           blobstore.Config `yaml:"store"`
	HTTP            HTTPConfig       `yaml:"http"`
}

// HTTPConfig holds the relay handler limits. Zero values keep the handler
// defaults.
type HTTPConfig struct {
	MaxRequestSize       int64         `yaml:"max_request_size"`
	MaxDecompressedSize  int64         `yaml:"max_decompressed_size"`
	DisableCompression   bool          `yaml:"disable_compression"`
	CompressionThreshold int64         `yaml:"compression_threshold"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`

	// RateLimit is requests per second per client address; a negative value
	// disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// ClientConfig configures a mailbox client.
type ClientConfig struct {
	// Relays are the base URLs of the relays, used in rotation.
	Relays []string       `yaml:"relays"`
	Codec  string         `yaml:"codec"`
	Sync   mailbox.Config `yaml:"sync"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            DefaultAddr,
			ShutdownTimeout: DefaultShutdownTimeout,
			Store:           blobstore.DefaultConfig(),
		},
		Client: ClientConfig{
			Codec: CodecJSON,
			Sync:  mailbox.DefaultConfig(),
		},
		Logging: logging.GetConfigFromEnv(),
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML data over the defaults. MAILBOX_* variables are not
// applied.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from MAILBOX_* variables and the logging
// variables LOG_LEVEL and LOG_FORMAT.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("MAILBOX_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("MAILBOX_BACKEND"); v != "" {
		c.Server.Store.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("MAILBOX_DB_PATH"); v != "" {
		c.Server.Store.Path = v
	}
	if v := os.Getenv("MAILBOX_DSN"); v != "" {
		c.Server.Store.DSN = v
	}
	if v := os.Getenv("MAILBOX_CLEANUP_SCHEDULE"); v != "" {
		c.Server.Store.CleanupSchedule = v
	}
	if v := os.Getenv("MAILBOX_METRICS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MAILBOX_METRICS: %w", err)
		}
		c.Server.Metrics = b
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"MAILBOX_RETENTION", &c.Server.Store.Retention},
		{"MAILBOX_CLEANUP_INTERVAL", &c.Server.Store.CleanupInterval},
		{"MAILBOX_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout},
		{"MAILBOX_SYNC_INTERVAL", &c.Client.Sync.SuccessInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("MAILBOX_RELAYS"); v != "" {
		c.Client.Relays = splitList(v)
	}
	if v := os.Getenv("MAILBOX_CODEC"); v != "" {
		c.Client.Codec = strings.ToLower(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server.shutdown_timeout must not be negative")
	}
	if err := c.Server.Store.Validate(); err != nil {
		return fmt.Errorf("server.store: %w", err)
	}
	opts := httptransport.DefaultServerOptions()
	for _, opt := range c.Server.HTTP.Options() {
		opt(opts)
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("server.http: %w", err)
	}

	if _, err := c.Client.WireCodec(); err != nil {
		return fmt.Errorf("client.codec: %w", err)
	}
	for _, raw := range c.Client.Relays {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("client.relays: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("client.relays: %q is not an http(s) URL", raw)
		}
	}
	if err := c.Client.Sync.Validate(); err != nil {
		return fmt.Errorf("client.sync: %w", err)
	}

	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	return nil
}

// Options converts the set fields into handler options.
func (h HTTPConfig) Options() []httptransport.ServerOption {
	var opts []httptransport.ServerOption
	if h.MaxRequestSize != 0 {
		opts = append(opts, httptransport.WithMaxRequestSize(h.MaxRequestSize))
	}
	if h.MaxDecompressedSize != 0 {
		opts = append(opts, httptransport.WithMaxDecompressedSize(h.MaxDecompressedSize))
	}
	if h.DisableCompression {
		opts = append(opts, httptransport.WithCompression(false))
	}
	if h.CompressionThreshold != 0 {
		opts = append(opts, httptransport.WithCompressionThreshold(h.CompressionThreshold))
	}
	if h.RequestTimeout != 0 {
		opts = append(opts, httptransport.WithRequestTimeout(h.RequestTimeout))
	}
	switch {
	case h.RateLimit < 0:
		opts = append(opts, httptransport.WithRateLimit(0, 0))
	case h.RateLimit > 0:
		burst := h.RateBurst
		if burst == 0 {
			burst = int(h.RateLimit) + 1
		}
		opts = append(opts, httptransport.WithRateLimit(h.RateLimit, burst))
	}
	return opts
}

// WireCodec resolves the codec name.
func (c ClientConfig) WireCodec() (wire.Codec, error) {
	switch strings.ToLower(c.Codec) {
	case "", CodecJSON:
		return wire.JSON, nil
	case CodecCBOR:
		return wire.CBOR, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", c.Codec)
	}
}

// ClientOptions converts the client section into transport options.
func (c ClientConfig) ClientOptions() ([]httptransport.ClientOption, error) {
	codec, err := c.WireCodec()
	if err != nil {
		return nil, err
	}
	opts := []httptransport.ClientOption{httptransport.WithCodec(codec)}
	if c.Sync.Timeout > 0 {
		opts = append(opts, httptransport.WithClientTimeout(c.Sync.Timeout))
	}
	return opts, nil
}
