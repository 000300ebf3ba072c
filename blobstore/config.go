package blobstore

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/metrics"
)

// Backend names accepted by Open.
const (
	BackendSQLite   = "sqlite"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

const (
	DefaultRetention           = 7 * 24 * time.Hour
	DefaultCleanupInterval     = 5 * time.Minute
	DefaultDeleteBatchSize     = 500
	DefaultMaxMissingPerAuthor = 10000
)

// Config holds relay store options.
type Config struct {
	// Backend selects the storage engine: sqlite (default), pebble or postgres.
	Backend string `yaml:"backend"`

	// Path is the SQLite database file or the Pebble directory.
	Path string `yaml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`

	// Retention is how long an entry is kept after it was stored.
	Retention time.Duration `yaml:"retention"`

	// CleanupInterval is the period of the background sweep.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// CleanupSchedule is an optional cron expression replacing
	// CleanupInterval.
	CleanupSchedule string `yaml:"cleanup_schedule"`

	// DeleteBatchSize bounds how many entries one delete commit removes.
	DeleteBatchSize int `yaml:"delete_batch_size"`

	// MaxMissingPerAuthor caps the missing set reported for one author in
	// one fetch; the lowest sequence numbers are reported first.
	MaxMissingPerAuthor int `yaml:"max_missing_per_author"`

	Logger  *logging.Logger   `yaml:"-"`
	Metrics metrics.Collector `yaml:"-"`

	// Clock stamps entry ids and computes the retention cutoff.
	Clock func() time.Time `yaml:"-"`
}

// DefaultConfig returns the relay defaults: SQLite at mailbox.db, seven day
// retention swept every five minutes.
func DefaultConfig() Config {
	c := Config{Backend: BackendSQLite, Path: "mailbox.db"}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Backend == "" {
		c.Backend = BackendSQLite
	}
	if c.Retention == 0 {
		c.Retention = DefaultRetention
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.DeleteBatchSize == 0 {
		c.DeleteBatchSize = DefaultDeleteBatchSize
	}
	if c.MaxMissingPerAuthor == 0 {
		c.MaxMissingPerAuthor = DefaultMaxMissingPerAuthor
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NoOp{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Validate reports the first invalid option.
func (c Config) Validate() error {
	switch c.Backend {
	case "", BackendSQLite, BackendPebble:
		if c.Path == "" {
			return fmt.Errorf("%s backend requires a path", c.backendName())
		}
	case BackendPostgres:
		if c.DSN == "" {
			return fmt.Errorf("postgres backend requires a dsn")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Retention < 0 {
		return fmt.Errorf("retention must not be negative")
	}
	if c.CleanupInterval < 0 {
		return fmt.Errorf("cleanup interval must not be negative")
	}
	if c.CleanupSchedule != "" && !gronx.IsValid(c.CleanupSchedule) {
		return fmt.Errorf("invalid cleanup schedule: %s", c.CleanupSchedule)
	}
	if c.DeleteBatchSize < 0 || c.MaxMissingPerAuthor < 0 {
		return fmt.Errorf("batch and missing limits must not be negative")
	}
	return nil
}

func (c Config) backendName() string {
	if c.Backend == "" {
		return BackendSQLite
	}
	return c.Backend
}
