// Package blobstore is the relay side of the mailbox protocol. It keeps
// opaque blobs keyed by (topic, author, seq, entry id), maintains a
// per-log watermark, answers fetch requests with what the caller lacks and
// what the relay lacks, and evicts entries past their retention.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mberrors "github.com/c0deZ3R0/go-mailbox-kit/errors"
	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/metrics"
	"github.com/c0deZ3R0/go-mailbox-kit/storage"
	"github.com/c0deZ3R0/go-mailbox-kit/storage/pebblestore"
	"github.com/c0deZ3R0/go-mailbox-kit/storage/postgres"
	"github.com/c0deZ3R0/go-mailbox-kit/storage/sqlite"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

const component = "blobstore"

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("blob store is closed")

var (
	_ storage.Backend = (*sqlite.Store)(nil)
	_ storage.Backend = (*postgres.Store)(nil)
	_ storage.Backend = (*pebblestore.Store)(nil)
)

// Store is the relay blob store.
type Store struct {
	backend storage.Backend
	cfg     Config
	logger  *logging.Logger
	metrics metrics.Collector

	// watermarkMu is held shared by writers and exclusively while
	// watermarks are recomputed from stored keys, so a recompute never
	// misses a concurrent write.
	watermarkMu sync.RWMutex

	mu     sync.RWMutex
	closed bool
}

// Open creates the backend named by cfg and returns a ready store. The
// watermark table is rebuilt before Open returns.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, mberrors.NewValidationError(mberrors.OpStore, err)
	}

	var (
		backend storage.Backend
		err     error
	)
	switch cfg.Backend {
	case BackendSQLite:
		sc := sqlite.DefaultConfig(cfg.Path)
		sc.Logger = cfg.Logger
		backend, err = sqlite.New(ctx, sc)
	case BackendPebble:
		backend, err = pebblestore.New(ctx, &pebblestore.Config{Path: cfg.Path, Logger: cfg.Logger})
	case BackendPostgres:
		pc := postgres.DefaultConfig(cfg.DSN)
		pc.Logger = cfg.Logger
		backend, err = postgres.New(ctx, pc)
	}
	if err != nil {
		return nil, mberrors.NewStorageError(mberrors.OpStore, err)
	}

	s, err := New(ctx, backend, cfg)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already open backend. The store takes ownership of it and
// rebuilds its watermark table before returning.
func New(ctx context.Context, backend storage.Backend, cfg Config) (*Store, error) {
	cfg.setDefaults()
	s := &Store{
		backend: backend,
		cfg:     cfg,
		logger:  cfg.Logger.WithComponent(logging.Component(component)),
		metrics: cfg.Metrics,
	}
	if err := s.RebuildWatermarks(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Backend returns the underlying storage.
func (s *Store) Backend() storage.Backend {
	return s.backend
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Store persists one entry under a fresh entry id and raises the log's
// watermark in the same write. It reports false, without error, when an
// entry for (topic, author, seq) is already held.
func (s *Store) Store(ctx context.Context, topic wire.Topic, author wire.Author, seq wire.Seq, payload []byte) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	key := wire.BlobKey{
		Topic:  topic,
		Author: author,
		Seq:    seq,
		Entry:  wire.NewEntryID(s.cfg.Clock()),
	}

	s.watermarkMu.RLock()
	stored, err := s.backend.Put(ctx, key, payload)
	s.watermarkMu.RUnlock()
	if err != nil {
		return false, mberrors.WrapOpComponent(err, mberrors.OpStore, component)
	}

	s.logger.Trace(ctx, "stored blob",
		slog.String("log", key.LogID().String()),
		slog.Uint64("seq", uint64(seq)),
		slog.Bool("duplicate", !stored),
	)
	return stored, nil
}

// StoreBatch stores blobs in one atomic write and returns how many were new.
// On error none of them is stored.
func (s *Store) StoreBatch(ctx context.Context, blobs []wire.Blob) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	start := time.Now()
	now := s.cfg.Clock()
	entries := make([]storage.Entry, len(blobs))
	for i, b := range blobs {
		entries[i] = storage.Entry{
			Key: wire.BlobKey{
				Topic:  b.Topic,
				Author: b.Author,
				Seq:    b.Seq,
				Entry:  wire.NewEntryID(now),
			},
			Payload: b.Payload,
		}
	}

	s.watermarkMu.RLock()
	stored, err := s.backend.PutBatch(ctx, entries)
	s.watermarkMu.RUnlock()
	if err != nil {
		s.metrics.RecordSyncErrors(string(mberrors.OpStore), string(mberrors.CodeOf(err)))
		return 0, mberrors.WrapOpComponent(err, mberrors.OpStore, component)
	}

	s.metrics.RecordStored(stored, len(blobs)-stored)
	s.metrics.RecordSyncDuration(string(mberrors.OpStore), time.Since(start))
	if len(blobs) > 0 {
		s.logger.DebugContext(ctx, "stored batch",
			slog.Int("received", len(blobs)),
			slog.Int("stored", stored),
		)
	}
	return stored, nil
}

// Publish stores a batch all-or-nothing. It lets an in-process store serve as a relay for
// a mailbox manager.
func (s *Store) Publish(ctx context.Context, blobs []wire.Blob) error {
	_, err := s.StoreBatch(ctx, blobs)
	return err
}

// Watermarks returns the whole watermark table.
func (s *Store) Watermarks(ctx context.Context) (map[wire.LogID]wire.Seq, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	wm, err := s.backend.Watermarks(ctx)
	return wm, mberrors.WrapOpComponent(err, mberrors.OpLoad, component)
}

// Stats summarizes the stored data.
func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	if err := s.checkOpen(); err != nil {
		return storage.Stats{}, err
	}
	st, err := s.backend.Stats(ctx)
	return st, mberrors.WrapOpComponent(err, mberrors.OpLoad, component)
}

// Close closes the backend. Further calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.backend.Close(); err != nil {
		return mberrors.WrapOpComponent(fmt.Errorf("close backend: %w", err), mberrors.OpClose, component)
	}
	return nil
}
