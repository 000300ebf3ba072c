// Package storage defines the durable layout every relay backend provides: a
// blob table keyed by wire.BlobKey and a watermark table keyed by
// (topic, author).
package storage

import (
	"context"
	"errors"

	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("storage backend is closed")

// Stats summarizes backend contents.
type Stats struct {
	Blobs        int64 `json:"blobs"`
	PayloadBytes int64 `json:"payload_bytes"`
	Logs         int64 `json:"logs"`
}

// Entry is one blob to write.
type Entry struct {
	Key     wire.BlobKey
	Payload []byte
}

// Backend is implemented by storage/sqlite, storage/postgres and
// storage/pebblestore.
type Backend interface {
	// Put stores payload under key unless an entry already exists for the
	// same (topic, author, seq). When stored, the watermark of the log is
	// raised to key.Seq in the same atomic write.
	Put(ctx context.Context, key wire.BlobKey, payload []byte) (bool, error)

	// PutBatch applies Put to every entry in one atomic write and returns
	// how many were new. On error nothing of the batch is stored.
	PutBatch(ctx context.Context, entries []Entry) (int, error)

	// LogSeqs returns the distinct stored sequence numbers of one log in
	// ascending order.
	LogSeqs(ctx context.Context, topic wire.Topic, author wire.Author) ([]wire.Seq, error)

	// ScanLog visits the entries of one log with seq >= from in key order.
	ScanLog(ctx context.Context, topic wire.Topic, author wire.Author, from wire.Seq, fn func(wire.BlobKey, []byte) error) error

	// ScanKeys visits every stored key in key order.
	ScanKeys(ctx context.Context, fn func(wire.BlobKey) error) error

	// Delete removes the given entries. Unknown keys are ignored.
	Delete(ctx context.Context, keys []wire.BlobKey) error

	// TopicWatermarks returns the watermark of every author of topic.
	TopicWatermarks(ctx context.Context, topic wire.Topic) (map[wire.Author]wire.Seq, error)

	// Watermarks returns the whole watermark table.
	Watermarks(ctx context.Context) (map[wire.LogID]wire.Seq, error)

	// ReplaceWatermarks overwrites the whole watermark table with wm.
	ReplaceWatermarks(ctx context.Context, wm map[wire.LogID]wire.Seq) error

	// AdjustWatermarks sets the listed watermarks and removes others,
	// leaving the rest of the table untouched.
	AdjustWatermarks(ctx context.Context, set map[wire.LogID]wire.Seq, remove []wire.LogID) error

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
