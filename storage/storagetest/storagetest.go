// Package storagetest holds the behavior every storage.Backend must share.
// Backend packages call Run from their own tests.
package storagetest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-mailbox-kit/storage"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

// Factory opens a fresh, empty backend. It is called once per subtest;
// the backend is closed by Run.
type Factory func(t *testing.T) storage.Backend

// Key builds a blob key with an entry id stamped at the given time.
func Key(topic wire.Topic, author wire.Author, seq wire.Seq, at time.Time) wire.BlobKey {
	return wire.BlobKey{Topic: topic, Author: author, Seq: seq, Entry: wire.NewEntryID(at)}
}

// Run exercises b against the storage.Backend contract.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b storage.Backend)
	}{
		{"PutIsIdempotentPerSeq", testPutIdempotent},
		{"WatermarkTracksMax", testWatermarkTracksMax},
		{"ScanLogFrom", testScanLogFrom},
		{"ScanKeysOrdered", testScanKeysOrdered},
		{"DeleteAndStats", testDeleteAndStats},
		{"ReplaceWatermarks", testReplaceWatermarks},
		{"AdjustWatermarks", testAdjustWatermarks},
		{"EscapedNames", testEscapedNames},
		{"EmptyPayload", testEmptyPayload},
		{"PutBatch", testPutBatch},
		{"PutBatchEmpty", testPutBatchEmpty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := open(t)
			defer b.Close()
			tt.fn(t, b)
		})
	}

	t.Run("Closed", func(t *testing.T) {
		b := open(t)
		require.NoError(t, b.Close())
		require.NoError(t, b.Close())
		_, err := b.Put(context.Background(), Key("t", "a", 0, time.Now()), []byte("x"))
		assert.ErrorIs(t, err, storage.ErrClosed)
		_, err = b.Watermarks(context.Background())
		assert.ErrorIs(t, err, storage.ErrClosed)
	})
}

func testPutIdempotent(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := time.Now()

	stored, err := b.Put(ctx, Key("chat", "alice", 3, now), []byte("first"))
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = b.Put(ctx, Key("chat", "alice", 3, now.Add(time.Second)), []byte("second"))
	require.NoError(t, err)
	assert.False(t, stored)

	seqs, err := b.LogSeqs(ctx, "chat", "alice")
	require.NoError(t, err)
	assert.Equal(t, []wire.Seq{3}, seqs)

	var payloads [][]byte
	require.NoError(t, b.ScanLog(ctx, "chat", "alice", 0, func(_ wire.BlobKey, p []byte) error {
		payloads = append(payloads, bytes.Clone(p))
		return nil
	}))
	assert.Equal(t, [][]byte{[]byte("first")}, payloads)
}

func testWatermarkTracksMax(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := time.Now()
	for _, seq := range []wire.Seq{2, 7, 4} {
		_, err := b.Put(ctx, Key("chat", "alice", seq, now), []byte{byte(seq)})
		require.NoError(t, err)
	}
	_, err := b.Put(ctx, Key("chat", "bob", 1, now), []byte("b"))
	require.NoError(t, err)
	_, err = b.Put(ctx, Key("news", "alice", 9, now), []byte("n"))
	require.NoError(t, err)

	wm, err := b.TopicWatermarks(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, map[wire.Author]wire.Seq{"alice": 7, "bob": 1}, wm)

	all, err := b.Watermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[wire.LogID]wire.Seq{
		{Topic: "chat", Author: "alice"}: 7,
		{Topic: "chat", Author: "bob"}:   1,
		{Topic: "news", Author: "alice"}: 9,
	}, all)

	empty, err := b.TopicWatermarks(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testScanLogFrom(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := time.Now()
	for _, seq := range []wire.Seq{5, 0, 3, 1} {
		_, err := b.Put(ctx, Key("chat", "alice", seq, now), []byte{byte(seq)})
		require.NoError(t, err)
	}
	_, err := b.Put(ctx, Key("chat", "alicia", 2, now), []byte("other"))
	require.NoError(t, err)

	var seqs []wire.Seq
	require.NoError(t, b.ScanLog(ctx, "chat", "alice", 2, func(k wire.BlobKey, p []byte) error {
		assert.Equal(t, wire.Author("alice"), k.Author)
		assert.Equal(t, []byte{byte(k.Seq)}, p)
		seqs = append(seqs, k.Seq)
		return nil
	}))
	assert.Equal(t, []wire.Seq{3, 5}, seqs)

	all, err := b.LogSeqs(ctx, "chat", "alice")
	require.NoError(t, err)
	assert.Equal(t, []wire.Seq{0, 1, 3, 5}, all)
}

func testScanKeysOrdered(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := time.Now()
	keys := []wire.BlobKey{
		Key("b", "x", 1, now),
		Key("a", "y", 0, now),
		Key("a", "x", 300, now),
		Key("a", "x", 2, now),
		Key("ab", "", 0, now),
	}
	for _, k := range keys {
		_, err := b.Put(ctx, k, []byte("p"))
		require.NoError(t, err)
	}

	var got []wire.BlobKey
	require.NoError(t, b.ScanKeys(ctx, func(k wire.BlobKey) error {
		got = append(got, k)
		return nil
	}))
	require.Len(t, got, len(keys))
	for i := 1; i < len(got); i++ {
		assert.Equal(t, -1, bytes.Compare(got[i-1].Encode(), got[i].Encode()))
	}
	assert.Equal(t, keys[3], got[0])
}

func testDeleteAndStats(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := time.Now()
	k1 := Key("chat", "alice", 0, now)
	k2 := Key("chat", "alice", 1, now)
	for _, k := range []wire.BlobKey{k1, k2} {
		_, err := b.Put(ctx, k, []byte("12345"))
		require.NoError(t, err)
	}

	st, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.Stats{Blobs: 2, PayloadBytes: 10, Logs: 1}, st)

	require.NoError(t, b.Delete(ctx, []wire.BlobKey{k1, Key("chat", "ghost", 0, now)}))
	require.NoError(t, b.Delete(ctx, nil))

	seqs, err := b.LogSeqs(ctx, "chat", "alice")
	require.NoError(t, err)
	assert.Equal(t, []wire.Seq{1}, seqs)

	st, err = b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Blobs)
}

func testReplaceWatermarks(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	_, err := b.Put(ctx, Key("chat", "alice", 4, time.Now()), []byte("p"))
	require.NoError(t, err)

	want := map[wire.LogID]wire.Seq{{Topic: "news", Author: "bob"}: 2}
	require.NoError(t, b.ReplaceWatermarks(ctx, want))

	got, err := b.Watermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, b.ReplaceWatermarks(ctx, nil))
	got, err = b.Watermarks(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testAdjustWatermarks(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := time.Now()
	for _, k := range []wire.BlobKey{Key("chat", "alice", 4, now), Key("chat", "bob", 2, now), Key("chat", "carol", 1, now)} {
		_, err := b.Put(ctx, k, []byte("p"))
		require.NoError(t, err)
	}

	require.NoError(t, b.AdjustWatermarks(ctx,
		map[wire.LogID]wire.Seq{{Topic: "chat", Author: "alice"}: 3},
		[]wire.LogID{{Topic: "chat", Author: "bob"}},
	))

	wm, err := b.TopicWatermarks(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, map[wire.Author]wire.Seq{"alice": 3, "carol": 1}, wm)
}

func testEscapedNames(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	k := Key("a\x00b", "\x00", 1, time.Now())
	_, err := b.Put(ctx, k, []byte("p"))
	require.NoError(t, err)

	var got []wire.BlobKey
	require.NoError(t, b.ScanKeys(ctx, func(key wire.BlobKey) error {
		got = append(got, key)
		return nil
	}))
	assert.Equal(t, []wire.BlobKey{k}, got)

	wm, err := b.TopicWatermarks(ctx, "a\x00b")
	require.NoError(t, err)
	assert.Equal(t, map[wire.Author]wire.Seq{"\x00": 1}, wm)
}

func testEmptyPayload(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	stored, err := b.Put(ctx, Key("chat", "alice", 0, time.Now()), nil)
	require.NoError(t, err)
	assert.True(t, stored)

	var n int
	require.NoError(t, b.ScanLog(ctx, "chat", "alice", 0, func(_ wire.BlobKey, p []byte) error {
		n++
		assert.Empty(t, p)
		return nil
	}))
	assert.Equal(t, 1, n)
}

func testPutBatch(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	now := time.Now()

	_, err := b.Put(ctx, Key("chat", "alice", 1, now), []byte("old"))
	require.NoError(t, err)

	entries := []storage.Entry{
		{Key: Key("chat", "alice", 0, now), Payload: []byte("a0")},
		{Key: Key("chat", "alice", 1, now), Payload: []byte("dup stored")},
		{Key: Key("chat", "alice", 4, now), Payload: []byte("a4")},
		{Key: Key("chat", "alice", 4, now.Add(time.Second)), Payload: []byte("dup in batch")},
		{Key: Key("chat", "alice", 2, now), Payload: []byte("a2")},
		{Key: Key("chat", "bob", 3, now), Payload: []byte("b3")},
	}
	stored, err := b.PutBatch(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, 4, stored)

	seqs, err := b.LogSeqs(ctx, "chat", "alice")
	require.NoError(t, err)
	assert.Equal(t, []wire.Seq{0, 1, 2, 4}, seqs)

	var payloads []string
	require.NoError(t, b.ScanLog(ctx, "chat", "alice", 0, func(_ wire.BlobKey, p []byte) error {
		payloads = append(payloads, string(p))
		return nil
	}))
	assert.Equal(t, []string{"a0", "old", "a2", "a4"}, payloads)

	wm, err := b.TopicWatermarks(ctx, "chat")
	require.NoError(t, err)
	assert.Equal(t, map[wire.Author]wire.Seq{"alice": 4, "bob": 3}, wm)

	stored, err = b.PutBatch(ctx, entries)
	require.NoError(t, err)
	assert.Zero(t, stored)
}

func testPutBatchEmpty(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	stored, err := b.PutBatch(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, stored)

	wm, err := b.Watermarks(ctx)
	require.NoError(t, err)
	assert.Empty(t, wm)
}
