package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-mailbox-kit/blobstore"
	"github.com/c0deZ3R0/go-mailbox-kit/mailbox"
	"github.com/c0deZ3R0/go-mailbox-kit/transport/httptransport"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

const sampleConfig = `
server:
  addr: "127.0.0.1:9090"
  shutdown_timeout: 3s
  metrics: true
  store:
    backend: pebble
    path: /var/lib/mailbox
    retention: 48h
    cleanup_schedule: "*/10 * * * *"
  http:
    max_request_size: 1048576
    max_decompressed_size: 4194304
    rate_limit: 5
client:
  relays:
    - https://relay-a.example
    - http://relay-b.example:8080
  codec: cbor
  sync:
    success_interval: 2s
    error_interval: 1m
logging:
  level: debug
  format: text
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mailbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultShutdownTimeout, cfg.Server.ShutdownTimeout)
	assert.Equal(t, blobstore.BackendSQLite, cfg.Server.Store.Backend)
	assert.Equal(t, blobstore.DefaultRetention, cfg.Server.Store.Retention)
	assert.Equal(t, mailbox.DefaultSuccessInterval, cfg.Client.Sync.SuccessInterval)
	assert.Empty(t, cfg.Client.Relays)
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.True(t, cfg.Server.Metrics)
	assert.Equal(t, blobstore.BackendPebble, cfg.Server.Store.Backend)
	assert.Equal(t, "/var/lib/mailbox", cfg.Server.Store.Path)
	assert.Equal(t, 48*time.Hour, cfg.Server.Store.Retention)
	assert.Equal(t, "*/10 * * * *", cfg.Server.Store.CleanupSchedule)
	// Fields absent from the file keep their defaults.
	assert.Equal(t, blobstore.DefaultCleanupInterval, cfg.Server.Store.CleanupInterval)
	assert.Equal(t, blobstore.DefaultDeleteBatchSize, cfg.Server.Store.DeleteBatchSize)

	assert.Equal(t, []string{"https://relay-a.example", "http://relay-b.example:8080"}, cfg.Client.Relays)
	assert.Equal(t, 2*time.Second, cfg.Client.Sync.SuccessInterval)
	assert.Equal(t, time.Minute, cfg.Client.Sync.ErrorInterval)
	assert.Equal(t, mailbox.DefaultMinInterval, cfg.Client.Sync.MinInterval)

	codec, err := cfg.Client.WireCodec()
	require.NoError(t, err)
	assert.Equal(t, wire.CBOR, codec)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	def := Default()
	assert.Equal(t, def.Server.Addr, cfg.Server.Addr)
	assert.Equal(t, def.Server.Store.Path, cfg.Server.Store.Path)
	assert.Equal(t, def.Client.Sync.SuccessInterval, cfg.Client.Sync.SuccessInterval)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("server:\n  adress: \":1\"\n"))
	require.Error(t, err)
}

func TestParseRejectsBadDuration(t *testing.T) {
	_, err := Parse([]byte("server:\n  shutdown_timeout: soon\n"))
	require.Error(t, err)
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MAILBOX_ADDR", ":7070")
	t.Setenv("MAILBOX_BACKEND", "SQLITE")
	t.Setenv("MAILBOX_DB_PATH", "/tmp/relay.db")
	t.Setenv("MAILBOX_RETENTION", "36h")
	t.Setenv("MAILBOX_CLEANUP_INTERVAL", "1m")
	t.Setenv("MAILBOX_METRICS", "false")
	t.Setenv("MAILBOX_RELAYS", " http://a.example , ,http://b.example")
	t.Setenv("MAILBOX_CODEC", "JSON")
	t.Setenv("MAILBOX_SYNC_INTERVAL", "30s")
	t.Setenv("LOG_LEVEL", "WARN")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, blobstore.BackendSQLite, cfg.Server.Store.Backend)
	assert.Equal(t, "/tmp/relay.db", cfg.Server.Store.Path)
	assert.Equal(t, 36*time.Hour, cfg.Server.Store.Retention)
	assert.Equal(t, time.Minute, cfg.Server.Store.CleanupInterval)
	assert.False(t, cfg.Server.Metrics)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.Client.Relays)
	assert.Equal(t, CodecJSON, cfg.Client.Codec)
	assert.Equal(t, 30*time.Second, cfg.Client.Sync.SuccessInterval)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadEnvErrors(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"bad retention", "MAILBOX_RETENTION", "a week"},
		{"bad metrics flag", "MAILBOX_METRICS", "maybe"},
		{"bad shutdown timeout", "MAILBOX_SHUTDOWN_TIMEOUT", "10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.env)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }, "server.addr"},
		{"negative shutdown", func(c *Config) { c.Server.ShutdownTimeout = -time.Second }, "server.shutdown_timeout"},
		{"unknown backend", func(c *Config) { c.Server.Store.Backend = "mysql" }, "server.store"},
		{"postgres without dsn", func(c *Config) { c.Server.Store.Backend = blobstore.BackendPostgres }, "server.store"},
		{"bad schedule", func(c *Config) { c.Server.Store.CleanupSchedule = "every day" }, "server.store"},
		{"inverted size limits", func(c *Config) { c.Server.HTTP.MaxRequestSize = 64 << 20 }, "server.http"},
		{"unknown codec", func(c *Config) { c.Client.Codec = "xml" }, "client.codec"},
		{"relay without scheme", func(c *Config) { c.Client.Relays = []string{"relay.example"} }, "client.relays"},
		{"relay with ftp scheme", func(c *Config) { c.Client.Relays = []string{"ftp://relay.example"} }, "client.relays"},
		{"negative sync interval", func(c *Config) { c.Client.Sync.SuccessInterval = -time.Second }, "client.sync"},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestHTTPConfigOptions(t *testing.T) {
	apply := func(h HTTPConfig) *httptransport.ServerOptions {
		opts := httptransport.DefaultServerOptions()
		for _, opt := range h.Options() {
			opt(opts)
		}
		return opts
	}

	defaults := httptransport.DefaultServerOptions()
	assert.Equal(t, defaults, apply(HTTPConfig{}))

	opts := apply(HTTPConfig{
		MaxRequestSize:       1 << 20,
		DisableCompression:   true,
		CompressionThreshold: 256,
		RequestTimeout:       5 * time.Second,
		RateLimit:            10,
	})
	assert.Equal(t, int64(1<<20), opts.MaxRequestSize)
	assert.Equal(t, defaults.MaxDecompressedSize, opts.MaxDecompressedSize)
	assert.False(t, opts.CompressionEnabled)
	assert.Equal(t, int64(256), opts.CompressionThreshold)
	assert.Equal(t, 5*time.Second, opts.RequestTimeout)
	assert.Equal(t, 10.0, opts.RateLimit)
	assert.Equal(t, 11, opts.RateBurst)

	disabled := apply(HTTPConfig{RateLimit: -1})
	assert.Zero(t, disabled.RateLimit)
	require.NoError(t, disabled.Validate())
}

func TestClientOptions(t *testing.T) {
	cfg := Default()
	cfg.Client.Codec = CodecCBOR
	opts, err := cfg.Client.ClientOptions()
	require.NoError(t, err)

	c, err := httptransport.NewClient("http://relay.example", opts...)
	require.NoError(t, err)
	assert.Equal(t, "http://relay.example", c.BaseURL())

	cfg.Client.Codec = "xml"
	_, err = cfg.Client.ClientOptions()
	require.Error(t, err)
}
