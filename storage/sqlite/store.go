// Package sqlite provides a SQLite relay backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/storage"
	"github.com/c0deZ3R0/go-mailbox-kit/storage/sqlstore"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

// Dialect is the SQLite flavor of the shared SQL layout.
var Dialect = sqlstore.Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS blobs (
			key      BLOB PRIMARY KEY,
			topic    BLOB NOT NULL,
			author   BLOB NOT NULL,
			seq      INTEGER NOT NULL,
			entry_id BLOB NOT NULL,
			payload  BLOB NOT NULL,
			UNIQUE (topic, author, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS watermarks (
			topic  BLOB NOT NULL,
			author BLOB NOT NULL,
			seq    INTEGER NOT NULL,
			PRIMARY KEY (topic, author)
		)`,
	},
}

// Config holds configuration options for the SQLite backend.
//
// Defaults applied by DefaultConfig:
//   - WAL mode with a 5s busy timeout
//   - Connection pool: 25 max open, 5 max idle connections
//   - Connection lifetime: 1 hour max, 5 minutes max idle
type Config struct {
	// DataSourceName is a file path or a "file:" URI.
	DataSourceName string

	// EnableWAL appends _journal_mode=WAL to the data source.
	EnableWAL bool

	// BusyTimeout makes writers wait for a lock instead of failing.
	BusyTimeout time.Duration

	// Logger receives internal logs. Defaults to the package default logger.
	Logger *logging.Logger

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
}

// dsn renders the driver data source with pragmas appended.
func (c *Config) dsn() string {
	var params []string
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		params = append(params, "_journal_mode=WAL")
	}
	if !strings.Contains(c.DataSourceName, "_busy_timeout=") {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds()))
	}
	if len(params) == 0 {
		return c.DataSourceName
	}
	sep := "?"
	if strings.Contains(c.DataSourceName, "?") {
		sep = "&"
	}
	return c.DataSourceName + sep + strings.Join(params, "&")
}

// DefaultConfig returns a Config with production-ready defaults for SQLite.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store is the SQLite backend.
type Store struct {
	*sqlstore.Store
}

var _ storage.Backend = (*Store)(nil)

// New opens (creating if needed) the database described by config.
func New(ctx context.Context, config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}

	logger := config.Logger.WithComponent(logging.Component("sqlite-store"))
	logger.InfoContext(ctx, "opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database: %w", err)
	}

	inner, err := sqlstore.New(ctx, db, Dialect, config.Logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup database schema: %w", err)
	}
	return &Store{Store: inner}, nil
}

// NewWithDataSource is a convenience constructor
func NewWithDataSource(ctx context.Context, dataSourceName string) (*Store, error) {
	return New(ctx, DefaultConfig(dataSourceName))
}
