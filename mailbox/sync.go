package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	mberrors "github.com/c0deZ3R0/go-mailbox-kit/errors"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

type syncResult struct {
	pulled  int
	pushed  int
	dropped int
}

// SyncTopics reconciles topics with relay once. It reports the local
// heights of every topic, delivers the items the relay returns to the
// topic subscribers and publishes, in a single batch, every item the relay
// reported missing that the local log holds. The batch is published even
// when it is empty.
//
// The first failing step ends the call. Items already delivered stay
// delivered; the remaining work is repeated by the next call because the
// heights it reports are unchanged.
func (m *Manager[I]) SyncTopics(ctx context.Context, topics []wire.Topic, relay Relay) error {
	start := time.Now()

	res, err := m.syncTopics(ctx, topics, relay)
	m.recordItems(res.pulled, res.pushed, res.dropped)
	m.recordCycle(err)
	m.metrics.RecordSyncItems(res.pulled, res.pushed)
	m.metrics.RecordSyncDuration(string(mberrors.OpSync), time.Since(start))
	if err != nil {
		m.metrics.RecordSyncErrors(string(mberrors.OpSync), string(mberrors.CodeOf(err)))
		return err
	}

	m.logger.DebugContext(ctx, "sync completed",
		slog.Int("topics", len(topics)),
		slog.Int("pulled", res.pulled),
		slog.Int("pushed", res.pushed),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (m *Manager[I]) syncTopics(ctx context.Context, topics []wire.Topic, relay Relay) (syncResult, error) {
	var res syncResult

	req := make(wire.FetchRequest, len(topics))
	for _, topic := range topics {
		heights, err := m.store.LogHeights(ctx, topic)
		if err != nil {
			return res, mberrors.NewStorageError(mberrors.OpLoad, fmt.Errorf("log heights: %w", err)).
				WithMetadata("topic", string(topic))
		}
		h := make(wire.Heights, len(heights))
		maps.Copy(h, heights)
		req[topic] = h
	}

	resp, err := relay.Fetch(ctx, req)
	if err != nil {
		return res, mberrors.WrapOpComponent(err, mberrors.OpFetch, component)
	}

	batch := []wire.Blob{}
	for _, topic := range slices.Sorted(maps.Keys(resp)) {
		tr := resp[topic]
		if tr.IsEmpty() {
			m.logger.Trace(ctx, "nothing to do for topic", slog.String("topic", string(topic)))
			continue
		}
		m.logger.InfoContext(ctx, "fetched topic",
			slog.String("topic", string(topic)),
			slog.Int("items", len(tr.Items)),
			slog.Int("missing_authors", len(tr.Missing)),
		)

		delivered, dropped, err := m.deliver(ctx, topic, tr.Items)
		res.pulled += delivered
		res.dropped += dropped
		if err != nil {
			return res, err
		}

		blobs, err := m.collectMissing(ctx, topic, tr.Missing)
		if err != nil {
			return res, err
		}
		batch = append(batch, blobs...)
	}

	if err := relay.Publish(ctx, batch); err != nil {
		return res, mberrors.WrapOpComponent(err, mberrors.OpPublish, component)
	}
	res.pushed = len(batch)
	return res, nil
}

// deliver decodes blobs and forwards them to the topic's subscriber. With no
// subscriber the items are dropped.
func (m *Manager[I]) deliver(ctx context.Context, topic wire.Topic, blobs []wire.Blob) (delivered, dropped int, err error) {
	if len(blobs) == 0 {
		return 0, 0, nil
	}

	items := make([]I, 0, len(blobs))
	for _, b := range blobs {
		item, err := m.decode(b)
		if err != nil {
			return 0, 0, mberrors.NewProtocolError(mberrors.OpDecode, err).
				WithMetadata("log", b.LogID().String()).
				WithMetadata("seq", uint64(b.Seq))
		}
		items = append(items, item)
	}

	ch, ok := m.channel(topic)
	if !ok {
		m.logger.WarnContext(ctx, "no subscriber for topic, dropping items",
			slog.String("topic", string(topic)),
			slog.Int("items", len(items)),
		)
		return 0, len(items), nil
	}

	for i, item := range items {
		select {
		case ch <- item:
		case <-ctx.Done():
			return i, 0, mberrors.NewWithComponent(mberrors.OpSync, component, ctx.Err())
		}
	}
	return len(items), 0, nil
}

// collectMissing reads the entries the relay lacks. Each author's log is
// read once, from the lowest missing sequence number; entries the local log
// does not hold either are skipped. An entry whose item belongs to another
// topic fails the push.
func (m *Manager[I]) collectMissing(ctx context.Context, topic wire.Topic, missing map[wire.Author]wire.SeqSet) ([]wire.Blob, error) {
	var out []wire.Blob
	for _, author := range slices.Sorted(maps.Keys(missing)) {
		seqs := missing[author]
		lowest, ok := seqs.Min()
		if !ok {
			continue
		}

		log, err := m.store.Log(ctx, author, topic, lowest)
		if err != nil {
			return nil, mberrors.NewStorageError(mberrors.OpLoad, fmt.Errorf("read log from %d: %w", lowest, err)).
				WithMetadata("log", wire.LogID{Topic: topic, Author: author}.String())
		}

		for _, seq := range seqs.Sorted() {
			pos := seq - lowest
			if pos >= wire.Seq(len(log)) {
				continue
			}
			item := log[pos].Item
			if got := item.Topic(); got != topic {
				return nil, mberrors.NewStorageError(mberrors.OpLoad, fmt.Errorf("log of topic %q returned an item of topic %q", topic, got)).
					WithMetadata("log", wire.LogID{Topic: topic, Author: author}.String()).
					WithMetadata("seq", uint64(seq))
			}
			payload, err := item.MarshalBinary()
			if err != nil {
				return nil, mberrors.NewStorageError(mberrors.OpPublish, fmt.Errorf("marshal item: %w", err)).
					WithMetadata("log", wire.LogID{Topic: topic, Author: author}.String()).
					WithMetadata("seq", uint64(seq))
			}
			out = append(out, wire.Blob{Topic: topic, Author: author, Seq: seq, Payload: payload})
		}
	}
	return out, nil
}
