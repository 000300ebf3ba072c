package blobstore

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"time"

	mberrors "github.com/c0deZ3R0/go-mailbox-kit/errors"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

// Fetch answers a reconciliation request. For every requested topic the
// response carries the entries newer than the caller's height for each
// author (every entry, for authors the caller did not mention) and, per
// requested author, the sequence numbers at or below the relay's watermark
// that the relay does not hold. Every requested topic is present in the
// response.
func (s *Store) Fetch(ctx context.Context, req wire.FetchRequest) (wire.FetchResponse, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	start := time.Now()

	resp := make(wire.FetchResponse, len(req))
	items, missing := 0, 0
	for topic, heights := range req {
		tr, err := s.fetchTopic(ctx, topic, heights)
		if err != nil {
			s.metrics.RecordSyncErrors(string(mberrors.OpFetch), string(mberrors.CodeOf(err)))
			return nil, mberrors.WrapOpComponent(err, mberrors.OpFetch, component)
		}
		items += len(tr.Items)
		for _, seqs := range tr.Missing {
			missing += len(seqs)
		}
		resp[topic] = tr
	}

	s.metrics.RecordSyncDuration(string(mberrors.OpFetch), time.Since(start))
	s.logger.DebugContext(ctx, "answered fetch",
		slog.Int("topics", len(req)),
		slog.Int("items", items),
		slog.Int("missing", missing),
	)
	return resp, nil
}

func (s *Store) fetchTopic(ctx context.Context, topic wire.Topic, heights wire.Heights) (wire.TopicResponse, error) {
	tr := wire.TopicResponse{
		Items:   []wire.Blob{},
		Missing: map[wire.Author]wire.SeqSet{},
	}

	watermarks, err := s.backend.TopicWatermarks(ctx, topic)
	if err != nil {
		return tr, err
	}

	authors := make([]wire.Author, 0, len(watermarks))
	for author := range watermarks {
		authors = append(authors, author)
	}
	slices.Sort(authors)

	collect := func(key wire.BlobKey, payload []byte) error {
		tr.Items = append(tr.Items, wire.Blob{
			Topic:   key.Topic,
			Author:  key.Author,
			Seq:     key.Seq,
			Payload: payload,
		})
		return nil
	}

	for _, author := range authors {
		watermark := watermarks[author]
		height, requested := heights[author]
		if !requested {
			if err := s.backend.ScanLog(ctx, topic, author, 0, collect); err != nil {
				return tr, err
			}
			continue
		}

		if height < watermark {
			if err := s.backend.ScanLog(ctx, topic, author, height+1, collect); err != nil {
				return tr, err
			}
		}

		held, err := s.backend.LogSeqs(ctx, topic, author)
		if err != nil {
			return tr, err
		}
		if gaps := gapsUpTo(held, watermark, s.cfg.MaxMissingPerAuthor); len(gaps) > 0 {
			tr.Missing[author] = gaps
		}
	}
	return tr, nil
}

// gapsUpTo returns the sequence numbers in [0, watermark] absent from held,
// which must be sorted ascending, stopping after limit entries.
func gapsUpTo(held []wire.Seq, watermark wire.Seq, limit int) wire.SeqSet {
	gaps := wire.NewSeqSet()
	next := wire.Seq(0)
	add := func(upTo wire.Seq) bool {
		for ; next < upTo; next++ {
			if len(gaps) >= limit {
				return false
			}
			gaps.Add(next)
		}
		return true
	}
	for _, seq := range held {
		if seq > watermark {
			break
		}
		if !add(seq) || seq == math.MaxUint64 {
			return gaps
		}
		next = seq + 1
	}
	if next <= watermark {
		// Only reachable when the watermark is ahead of every held entry.
		if add(watermark) && len(gaps) < limit {
			gaps.Add(watermark)
		}
	}
	return gaps
}
