package sqlite

import (
	"context"
	"math"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/storage"
	"github.com/c0deZ3R0/go-mailbox-kit/storage/sqlstore"
	"github.com/c0deZ3R0/go-mailbox-kit/storage/storagetest"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	config := DefaultConfig(filepath.Join(t.TempDir(), "mailbox.db"))
	config.Logger = logging.Discard()
	store, err := New(context.Background(), config)
	require.NoError(t, err)
	return store
}

func TestBackendContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Backend {
		return openTestStore(t)
	})
}

func TestConfigDSN(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   string
	}{
		{
			name:   "wal and busy timeout",
			config: Config{DataSourceName: "mailbox.db", EnableWAL: true},
			want:   "mailbox.db?_journal_mode=WAL&_busy_timeout=5000",
		},
		{
			name:   "existing query",
			config: Config{DataSourceName: "file:mailbox.db?cache=shared", EnableWAL: true},
			want:   "file:mailbox.db?cache=shared&_journal_mode=WAL&_busy_timeout=5000",
		},
		{
			name:   "explicit pragmas kept",
			config: Config{DataSourceName: "mailbox.db?_journal_mode=DELETE&_busy_timeout=10", EnableWAL: true},
			want:   "mailbox.db?_journal_mode=DELETE&_busy_timeout=10",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.config.setDefaults()
			assert.Equal(t, tt.want, tt.config.dsn())
		})
	}
}

func TestWALEnabled(t *testing.T) {
	store := openTestStore(t)
	defer store.Close()

	var mode string
	require.NoError(t, store.DB().QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestNewRequiresDataSource(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Error(t, err)
	_, err = New(context.Background(), &Config{})
	assert.Error(t, err)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mailbox.db")

	config := DefaultConfig(path)
	config.Logger = logging.Discard()
	store, err := New(ctx, config)
	require.NoError(t, err)
	_, err = store.Put(ctx, storagetest.Key("chat", "alice", 1, time.Now()), []byte("hi"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	config = DefaultConfig(path)
	config.Logger = logging.Discard()
	store, err = New(ctx, config)
	require.NoError(t, err)
	defer store.Close()

	seqs, err := store.LogSeqs(ctx, "chat", "alice")
	require.NoError(t, err)
	assert.Len(t, seqs, 1)
}

// failInsertAt makes every insert of the given seq abort inside the
// transaction, after the earlier rows of the batch were written.
func failInsertAt(t *testing.T, store *Store, seq int) {
	t.Helper()
	_, err := store.DB().Exec(`CREATE TRIGGER fail_insert BEFORE INSERT ON blobs
		WHEN NEW.seq = ` + strconv.Itoa(seq) + ` BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)
}

func TestPutBatchRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	defer store.Close()
	failInsertAt(t, store, 2)

	now := time.Now()
	entries := []storage.Entry{
		{Key: storagetest.Key("chat", "alice", 0, now), Payload: []byte("0")},
		{Key: storagetest.Key("chat", "alice", 1, now), Payload: []byte("1")},
		{Key: storagetest.Key("chat", "alice", 2, now), Payload: []byte("2")},
	}
	stored, err := store.PutBatch(ctx, entries)
	require.Error(t, err)
	assert.Zero(t, stored)

	seqs, err := store.LogSeqs(ctx, "chat", "alice")
	require.NoError(t, err)
	assert.Empty(t, seqs)
	wm, err := store.Watermarks(ctx)
	require.NoError(t, err)
	assert.Empty(t, wm)

	stored, err = store.PutBatch(ctx, entries[:2])
	require.NoError(t, err)
	assert.Equal(t, 2, stored)
}

func TestPutBatchRejectsOutOfRangeSeq(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	defer store.Close()

	now := time.Now()
	_, err := store.PutBatch(ctx, []storage.Entry{
		{Key: storagetest.Key("chat", "alice", 0, now), Payload: []byte("0")},
		{Key: storagetest.Key("chat", "alice", wire.Seq(math.MaxUint64), now), Payload: []byte("x")},
	})
	require.ErrorIs(t, err, sqlstore.ErrSeqOutOfRange)

	seqs, err := store.LogSeqs(ctx, "chat", "alice")
	require.NoError(t, err)
	assert.Empty(t, seqs)
}
