// Package pebblestore provides a relay backend on the Pebble LSM key-value
// store. Blob keys are the order-preserving wire.BlobKey encoding, so prefix
// scans return a log in sequence order without secondary indexes.
package pebblestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cockroachdb/pebble"

	mberrors "github.com/c0deZ3R0/go-mailbox-kit/errors"
	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/storage"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

// Keyspace prefixes. Every blob key starts with 'b', every watermark key
// with 'w'.
const (
	blobSpace      byte = 'b'
	watermarkSpace byte = 'w'
)

// Config holds configuration options for the Pebble backend.
type Config struct {
	// Path is the database directory. It is created if missing.
	Path string

	// NoSync skips fsync on commit. Only for tests and benchmarks.
	NoSync bool

	// Logger receives internal logs. Defaults to the package default logger.
	Logger *logging.Logger
}

// Store is the Pebble backend.
type Store struct {
	db     *pebble.DB
	wo     *pebble.WriteOptions
	logger *logging.Logger

	// writeMu serializes read-modify-write sequences (existence check and
	// watermark raise) with their batch commit.
	writeMu sync.Mutex

	// mu guards closed; operations hold it shared so Close waits for them.
	mu     sync.RWMutex
	closed bool
}

var _ storage.Backend = (*Store)(nil)

// New opens (creating if needed) the database at config.Path.
func New(ctx context.Context, config *Config) (*Store, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.Path == "" {
		return nil, fmt.Errorf("Path is required")
	}
	if config.Logger == nil {
		config.Logger = logging.Default()
	}
	logger := config.Logger.WithComponent(logging.Component("pebble-store"))

	db, err := pebble.Open(config.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	logger.InfoContext(ctx, "opened pebble database",
		slog.String("path", config.Path),
		slog.Bool("sync", !config.NoSync),
	)

	wo := pebble.Sync
	if config.NoSync {
		wo = pebble.NoSync
	}
	return &Store{db: db, wo: wo, logger: logger}, nil
}

func (s *Store) acquire() (func(), error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, storage.ErrClosed
	}
	return s.mu.RUnlock, nil
}

func spaced(space byte, key []byte) []byte {
	out := make([]byte, 0, len(key)+1)
	out = append(out, space)
	return append(out, key...)
}

func blobKey(k wire.BlobKey) []byte {
	return spaced(blobSpace, k.Encode())
}

func watermarkKey(id wire.LogID) []byte {
	return spaced(watermarkSpace, wire.LogPrefix(id.Topic, id.Author))
}

func encodeSeq(seq wire.Seq) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(seq))
}

func decodeSeq(b []byte) (wire.Seq, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("watermark value has %d bytes, want 8", len(b))
	}
	return wire.Seq(binary.BigEndian.Uint64(b)), nil
}

// scan visits [lower, upper) in key order. k and v are only valid during fn.
func (s *Store) scan(lower, upper []byte, fn func(k, v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			iter.Close()
			return err
		}
	}
	if err := iter.Error(); err != nil {
		iter.Close()
		return err
	}
	return iter.Close()
}

func (s *Store) scanPrefix(prefix []byte, fn func(k, v []byte) error) error {
	return s.scan(prefix, wire.PrefixEnd(prefix), fn)
}

func (s *Store) exists(prefix []byte) (bool, error) {
	found := false
	err := s.scanPrefix(prefix, func(_, _ []byte) error {
		found = true
		return errStop
	})
	if errors.Is(err, errStop) {
		err = nil
	}
	return found, err
}

var errStop = errors.New("stop iteration")

func (s *Store) getSeq(key []byte) (wire.Seq, bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	seq, err := decodeSeq(val)
	return seq, err == nil, err
}

func (s *Store) Put(ctx context.Context, key wire.BlobKey, payload []byte) (bool, error) {
	n, err := s.PutBatch(ctx, []storage.Entry{{Key: key, Payload: payload}})
	return n > 0, err
}

// PutBatch commits every new entry and the raised watermarks in one batch.
func (s *Store) PutBatch(ctx context.Context, entries []storage.Entry) (int, error) {
	release, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer release()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	type seqSlot struct {
		id  wire.LogID
		seq wire.Seq
	}
	seen := make(map[seqSlot]struct{}, len(entries))
	marks := make(map[wire.LogID]wire.Seq)
	stored := 0
	for _, e := range entries {
		key := e.Key
		slot := seqSlot{id: key.LogID(), seq: key.Seq}
		if _, ok := seen[slot]; ok {
			continue
		}
		seen[slot] = struct{}{}

		dup, err := s.exists(spaced(blobSpace, wire.SeqPrefix(key.Topic, key.Author, key.Seq)))
		if err != nil {
			return 0, mberrors.NewStorageError(mberrors.OpStore, err)
		}
		if dup {
			continue
		}
		if err := batch.Set(blobKey(key), e.Payload, nil); err != nil {
			return 0, mberrors.NewStorageError(mberrors.OpStore, err)
		}
		stored++

		current, ok := marks[slot.id]
		if !ok {
			current, ok, err = s.getSeq(watermarkKey(slot.id))
			if err != nil {
				return 0, mberrors.NewStorageError(mberrors.OpStore, err)
			}
		}
		if !ok || key.Seq > current {
			current = key.Seq
		}
		marks[slot.id] = current
	}
	if stored == 0 {
		return 0, nil
	}
	for id, seq := range marks {
		if err := batch.Set(watermarkKey(id), encodeSeq(seq), nil); err != nil {
			return 0, mberrors.NewStorageError(mberrors.OpStore, err)
		}
	}
	if err := batch.Commit(s.wo); err != nil {
		return 0, mberrors.NewStorageError(mberrors.OpStore, err)
	}
	return stored, nil
}

func (s *Store) LogSeqs(ctx context.Context, topic wire.Topic, author wire.Author) ([]wire.Seq, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	var seqs []wire.Seq
	err = s.scanPrefix(spaced(blobSpace, wire.LogPrefix(topic, author)), func(k, _ []byte) error {
		key, err := wire.DecodeBlobKey(k[1:])
		if err != nil {
			return err
		}
		if n := len(seqs); n == 0 || seqs[n-1] != key.Seq {
			seqs = append(seqs, key.Seq)
		}
		return nil
	})
	if err != nil {
		return nil, mberrors.NewStorageError(mberrors.OpLoad, err)
	}
	return seqs, nil
}

func (s *Store) ScanLog(ctx context.Context, topic wire.Topic, author wire.Author, from wire.Seq, fn func(wire.BlobKey, []byte) error) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	var cbErr error
	lower := spaced(blobSpace, wire.SeqPrefix(topic, author, from))
	upper := wire.PrefixEnd(spaced(blobSpace, wire.LogPrefix(topic, author)))
	err = s.scan(lower, upper, func(k, v []byte) error {
		key, err := wire.DecodeBlobKey(k[1:])
		if err != nil {
			return err
		}
		if cbErr = fn(key, bytes.Clone(v)); cbErr != nil {
			return cbErr
		}
		return ctx.Err()
	})
	if err != nil && err != cbErr {
		return mberrors.NewStorageError(mberrors.OpLoad, err)
	}
	return err
}

func (s *Store) ScanKeys(ctx context.Context, fn func(wire.BlobKey) error) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	var cbErr error
	err = s.scan([]byte{blobSpace}, []byte{blobSpace + 1}, func(k, _ []byte) error {
		key, err := wire.DecodeBlobKey(k[1:])
		if err != nil {
			return err
		}
		if cbErr = fn(key); cbErr != nil {
			return cbErr
		}
		return ctx.Err()
	})
	if err != nil && err != cbErr {
		return mberrors.NewStorageError(mberrors.OpLoad, err)
	}
	return err
}

func (s *Store) Delete(ctx context.Context, keys []wire.BlobKey) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()
	if len(keys) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, key := range keys {
		if err := batch.Delete(blobKey(key), nil); err != nil {
			return mberrors.NewStorageError(mberrors.OpCleanup, err)
		}
	}
	if err := batch.Commit(s.wo); err != nil {
		return mberrors.NewStorageError(mberrors.OpCleanup, err)
	}
	s.logger.DebugContext(ctx, "deleted blobs", slog.Int("count", len(keys)))
	return nil
}

func (s *Store) TopicWatermarks(ctx context.Context, topic wire.Topic) (map[wire.Author]wire.Seq, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	out := make(map[wire.Author]wire.Seq)
	err = s.scanPrefix(spaced(watermarkSpace, wire.TopicPrefix(topic)), func(k, v []byte) error {
		id, err := wire.DecodeLogPrefix(k[1:])
		if err != nil {
			return err
		}
		seq, err := decodeSeq(v)
		if err != nil {
			return err
		}
		out[id.Author] = seq
		return nil
	})
	if err != nil {
		return nil, mberrors.NewStorageError(mberrors.OpLoad, err)
	}
	return out, nil
}

func (s *Store) Watermarks(ctx context.Context) (map[wire.LogID]wire.Seq, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()

	out := make(map[wire.LogID]wire.Seq)
	err = s.scan([]byte{watermarkSpace}, []byte{watermarkSpace + 1}, func(k, v []byte) error {
		id, err := wire.DecodeLogPrefix(k[1:])
		if err != nil {
			return err
		}
		seq, err := decodeSeq(v)
		if err != nil {
			return err
		}
		out[id] = seq
		return nil
	})
	if err != nil {
		return nil, mberrors.NewStorageError(mberrors.OpLoad, err)
	}
	return out, nil
}

func (s *Store) ReplaceWatermarks(ctx context.Context, wm map[wire.LogID]wire.Seq) error {
	return s.writeWatermarks(mberrors.OpRebuild, true, wm, nil)
}

func (s *Store) AdjustWatermarks(ctx context.Context, set map[wire.LogID]wire.Seq, remove []wire.LogID) error {
	return s.writeWatermarks(mberrors.OpCleanup, false, set, remove)
}

func (s *Store) writeWatermarks(op mberrors.Operation, truncate bool, set map[wire.LogID]wire.Seq, remove []wire.LogID) error {
	release, err := s.acquire()
	if err != nil {
		return err
	}
	defer release()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	if truncate {
		if err := batch.DeleteRange([]byte{watermarkSpace}, []byte{watermarkSpace + 1}, nil); err != nil {
			return mberrors.NewStorageError(op, err)
		}
	}
	for _, id := range remove {
		if err := batch.Delete(watermarkKey(id), nil); err != nil {
			return mberrors.NewStorageError(op, err)
		}
	}
	for id, seq := range set {
		if err := batch.Set(watermarkKey(id), encodeSeq(seq), nil); err != nil {
			return mberrors.NewStorageError(op, err)
		}
	}
	if err := batch.Commit(s.wo); err != nil {
		return mberrors.NewStorageError(op, err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var st storage.Stats
	release, err := s.acquire()
	if err != nil {
		return st, err
	}
	defer release()

	err = s.scan([]byte{blobSpace}, []byte{blobSpace + 1}, func(_, v []byte) error {
		st.Blobs++
		st.PayloadBytes += int64(len(v))
		return nil
	})
	if err == nil {
		err = s.scan([]byte{watermarkSpace}, []byte{watermarkSpace + 1}, func(_, _ []byte) error {
			st.Logs++
			return nil
		})
	}
	if err != nil {
		return st, mberrors.NewStorageError(mberrors.OpLoad, err)
	}
	return st, nil
}

// Close flushes and closes the database once in-flight operations finish.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return mberrors.NewStorageError(mberrors.OpClose, err)
	}
	return nil
}
