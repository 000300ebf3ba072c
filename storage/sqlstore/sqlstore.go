// Package sqlstore implements storage.Backend over database/sql. The SQLite
// and PostgreSQL backends share it and differ only in their Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	mberrors "github.com/c0deZ3R0/go-mailbox-kit/errors"
	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/storage"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

// Dialect captures what differs between SQL engines.
type Dialect struct {
	Name string

	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string

	// Schema statements are executed in order when the store is created.
	// They must be idempotent.
	Schema []string
}

// Rebind rewrites '?' placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if d.Placeholder == nil {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString(d.Placeholder(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

const (
	insertBlob = `INSERT INTO blobs (key, topic, author, seq, entry_id, payload) VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`

	raiseWatermark = `INSERT INTO watermarks (topic, author, seq) VALUES (?, ?, ?)
ON CONFLICT (topic, author) DO UPDATE SET seq = CASE WHEN excluded.seq > watermarks.seq THEN excluded.seq ELSE watermarks.seq END`

	setWatermark = `INSERT INTO watermarks (topic, author, seq) VALUES (?, ?, ?)
ON CONFLICT (topic, author) DO UPDATE SET seq = excluded.seq`

	deleteWatermark = `DELETE FROM watermarks WHERE topic = ? AND author = ?`
	deleteBlob      = `DELETE FROM blobs WHERE key = ?`
	selectLogSeqs   = `SELECT seq FROM blobs WHERE topic = ? AND author = ? ORDER BY seq`
	selectLog       = `SELECT key, payload FROM blobs WHERE topic = ? AND author = ? AND seq >= ? ORDER BY key`
	selectKeys      = `SELECT key FROM blobs ORDER BY key`
	selectTopicWM   = `SELECT author, seq FROM watermarks WHERE topic = ?`
	selectAllWM     = `SELECT topic, author, seq FROM watermarks`
	selectBlobStats = `SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM blobs`
	selectLogCount  = `SELECT COUNT(*) FROM watermarks`
)

// ErrSeqOutOfRange is returned for sequence numbers that do not fit a signed
// 64-bit column.
var ErrSeqOutOfRange = fmt.Errorf("sequence number exceeds %d", int64(math.MaxInt64))

// Store is a storage.Backend over a *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *logging.Logger

	mu     sync.RWMutex
	closed bool
}

var _ storage.Backend = (*Store)(nil)

// New applies the dialect schema to db and returns a Store owning it.
func New(ctx context.Context, db *sql.DB, dialect Dialect, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Store{
		db:      db,
		dialect: dialect,
		logger:  logger.WithComponent(logging.Component("sqlstore")).WithContext(ctx, slog.String("dialect", dialect.Name)),
	}
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, s.wrap(mberrors.OpStore, fmt.Errorf("apply schema: %w", err))
		}
	}
	return s, nil
}

// DB exposes the underlying pool for monitoring.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

func (s *Store) wrap(op mberrors.Operation, err error) error {
	if err == nil {
		return nil
	}
	return mberrors.NewStorageError(op, err).WithMetadata("dialect", s.dialect.Name)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

func seqArg(seq wire.Seq) (int64, error) {
	if seq > math.MaxInt64 {
		return 0, mberrors.NewValidationError(mberrors.OpStore, ErrSeqOutOfRange)
	}
	return int64(seq), nil
}

func (s *Store) Put(ctx context.Context, key wire.BlobKey, payload []byte) (bool, error) {
	n, err := s.PutBatch(ctx, []storage.Entry{{Key: key, Payload: payload}})
	return n > 0, err
}

// PutBatch writes every entry and raises the watermarks in one transaction.
func (s *Store) PutBatch(ctx context.Context, entries []storage.Entry) (stored int, err error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	seqs := make([]int64, len(entries))
	for i, e := range entries {
		if seqs[i], err = seqArg(e.Key.Seq); err != nil {
			return 0, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.wrap(mberrors.OpStore, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			stored = 0
		}
	}()

	for i, e := range entries {
		payload := e.Payload
		if payload == nil {
			payload = []byte{}
		}
		key := e.Key
		res, err := tx.ExecContext(ctx, s.q(insertBlob),
			key.Encode(), []byte(key.Topic), []byte(key.Author), seqs[i], key.Entry[:], payload)
		if err != nil {
			return 0, s.wrap(mberrors.OpStore, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, s.wrap(mberrors.OpStore, err)
		}
		if n == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, s.q(raiseWatermark), []byte(key.Topic), []byte(key.Author), seqs[i]); err != nil {
			return 0, s.wrap(mberrors.OpStore, err)
		}
		stored++
	}
	if err = tx.Commit(); err != nil {
		return 0, s.wrap(mberrors.OpStore, err)
	}
	return stored, nil
}

func (s *Store) LogSeqs(ctx context.Context, topic wire.Topic, author wire.Author) ([]wire.Seq, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(selectLogSeqs), []byte(topic), []byte(author))
	if err != nil {
		return nil, s.wrap(mberrors.OpLoad, err)
	}
	defer rows.Close()

	var seqs []wire.Seq
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, s.wrap(mberrors.OpLoad, err)
		}
		seqs = append(seqs, wire.Seq(seq))
	}
	return seqs, s.wrap(mberrors.OpLoad, rows.Err())
}

func (s *Store) ScanLog(ctx context.Context, topic wire.Topic, author wire.Author, from wire.Seq, fn func(wire.BlobKey, []byte) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if from > math.MaxInt64 {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, s.q(selectLog), []byte(topic), []byte(author), int64(from))
	if err != nil {
		return s.wrap(mberrors.OpLoad, err)
	}
	defer rows.Close()

	for rows.Next() {
		var rawKey, payload []byte
		if err := rows.Scan(&rawKey, &payload); err != nil {
			return s.wrap(mberrors.OpLoad, err)
		}
		key, err := wire.DecodeBlobKey(rawKey)
		if err != nil {
			return s.wrap(mberrors.OpLoad, err)
		}
		if err := fn(key, payload); err != nil {
			return err
		}
	}
	return s.wrap(mberrors.OpLoad, rows.Err())
}

func (s *Store) ScanKeys(ctx context.Context, fn func(wire.BlobKey) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, selectKeys)
	if err != nil {
		return s.wrap(mberrors.OpLoad, err)
	}
	defer rows.Close()

	for rows.Next() {
		var rawKey []byte
		if err := rows.Scan(&rawKey); err != nil {
			return s.wrap(mberrors.OpLoad, err)
		}
		key, err := wire.DecodeBlobKey(rawKey)
		if err != nil {
			return s.wrap(mberrors.OpLoad, err)
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return s.wrap(mberrors.OpLoad, rows.Err())
}

func (s *Store) Delete(ctx context.Context, keys []wire.BlobKey) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(mberrors.OpCleanup, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.q(deleteBlob))
	if err != nil {
		return s.wrap(mberrors.OpCleanup, err)
	}
	defer stmt.Close()

	for _, key := range keys {
		if _, err = stmt.ExecContext(ctx, key.Encode()); err != nil {
			return s.wrap(mberrors.OpCleanup, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return s.wrap(mberrors.OpCleanup, err)
	}
	s.logger.DebugContext(ctx, "deleted blobs", slog.Int("count", len(keys)))
	return nil
}

func (s *Store) TopicWatermarks(ctx context.Context, topic wire.Topic) (map[wire.Author]wire.Seq, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, s.q(selectTopicWM), []byte(topic))
	if err != nil {
		return nil, s.wrap(mberrors.OpLoad, err)
	}
	defer rows.Close()

	out := make(map[wire.Author]wire.Seq)
	for rows.Next() {
		var author []byte
		var seq int64
		if err := rows.Scan(&author, &seq); err != nil {
			return nil, s.wrap(mberrors.OpLoad, err)
		}
		out[wire.Author(author)] = wire.Seq(seq)
	}
	return out, s.wrap(mberrors.OpLoad, rows.Err())
}

func (s *Store) Watermarks(ctx context.Context) (map[wire.LogID]wire.Seq, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectAllWM)
	if err != nil {
		return nil, s.wrap(mberrors.OpLoad, err)
	}
	defer rows.Close()

	out := make(map[wire.LogID]wire.Seq)
	for rows.Next() {
		var topic, author []byte
		var seq int64
		if err := rows.Scan(&topic, &author, &seq); err != nil {
			return nil, s.wrap(mberrors.OpLoad, err)
		}
		out[wire.LogID{Topic: wire.Topic(topic), Author: wire.Author(author)}] = wire.Seq(seq)
	}
	return out, s.wrap(mberrors.OpLoad, rows.Err())
}

func (s *Store) ReplaceWatermarks(ctx context.Context, wm map[wire.LogID]wire.Seq) error {
	return s.writeWatermarks(ctx, mberrors.OpRebuild, true, wm, nil)
}

func (s *Store) AdjustWatermarks(ctx context.Context, set map[wire.LogID]wire.Seq, remove []wire.LogID) error {
	return s.writeWatermarks(ctx, mberrors.OpCleanup, false, set, remove)
}

func (s *Store) writeWatermarks(ctx context.Context, op mberrors.Operation, truncate bool, set map[wire.LogID]wire.Seq, remove []wire.LogID) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(op, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if truncate {
		if _, err = tx.ExecContext(ctx, `DELETE FROM watermarks`); err != nil {
			return s.wrap(op, err)
		}
	}
	for _, id := range remove {
		if _, err = tx.ExecContext(ctx, s.q(deleteWatermark), []byte(id.Topic), []byte(id.Author)); err != nil {
			return s.wrap(op, err)
		}
	}
	for id, seq := range set {
		var v int64
		if v, err = seqArg(seq); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, s.q(setWatermark), []byte(id.Topic), []byte(id.Author), v); err != nil {
			return s.wrap(op, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return s.wrap(op, err)
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	var st storage.Stats
	if err := s.checkOpen(); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, selectBlobStats).Scan(&st.Blobs, &st.PayloadBytes); err != nil {
		return st, s.wrap(mberrors.OpLoad, err)
	}
	if err := s.db.QueryRowContext(ctx, selectLogCount).Scan(&st.Logs); err != nil {
		return st, s.wrap(mberrors.OpLoad, err)
	}
	return st, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.wrap(mberrors.OpClose, s.db.Close())
}
