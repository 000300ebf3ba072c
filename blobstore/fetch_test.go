package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

func seqsOf(items []wire.Blob) []wire.Seq {
	out := make([]wire.Seq, 0, len(items))
	for _, it := range items {
		out = append(out, it.Seq)
	}
	return out
}

func TestFetchReportsGapsBelowWatermark(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *testClock) {
		ctx := context.Background()
		storeSeqs(t, s, "T", "A", 0, 1, 3, 4)

		resp, err := s.Fetch(ctx, wire.FetchRequest{"T": {"A": 5}})
		require.NoError(t, err)

		tr := resp["T"]
		assert.Empty(t, tr.Items)
		require.Contains(t, tr.Missing, wire.Author("A"))
		assert.Equal(t, []wire.Seq{2}, tr.Missing["A"].Sorted())
	})
}

func TestFetchReturnsItemsAboveHeight(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *testClock) {
		ctx := context.Background()
		storeSeqs(t, s, "T", "A", 0, 1, 2, 3)

		resp, err := s.Fetch(ctx, wire.FetchRequest{"T": {"A": 1}})
		require.NoError(t, err)

		tr := resp["T"]
		assert.Equal(t, []wire.Seq{2, 3}, seqsOf(tr.Items))
		assert.Equal(t, []byte{2}, tr.Items[0].Payload)
		assert.Equal(t, wire.Topic("T"), tr.Items[0].Topic)
		assert.Equal(t, wire.Author("A"), tr.Items[0].Author)
		assert.Empty(t, tr.Missing)
	})
}

func TestFetchUnrequestedAuthorsReturnEverything(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *testClock) {
		ctx := context.Background()
		storeSeqs(t, s, "T", "A", 0, 1)
		storeSeqs(t, s, "T", "B", 0, 2)

		resp, err := s.Fetch(ctx, wire.FetchRequest{"T": {"A": 1}})
		require.NoError(t, err)

		tr := resp["T"]
		require.Len(t, tr.Items, 2)
		for _, it := range tr.Items {
			assert.Equal(t, wire.Author("B"), it.Author)
		}
		assert.Equal(t, []wire.Seq{0, 2}, seqsOf(tr.Items))
		// B was not asked about, so its gap is not reported.
		assert.Empty(t, tr.Missing)
	})
}

func TestFetchIncludesEveryRequestedTopic(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *testClock) {
		resp, err := s.Fetch(context.Background(), wire.FetchRequest{
			"empty":   {},
			"unknown": {"A": 3},
		})
		require.NoError(t, err)
		require.Len(t, resp, 2)
		assert.True(t, resp["empty"].IsEmpty())
		assert.True(t, resp["unknown"].IsEmpty())
	})
}

func TestFetchNoOpWhenCallerDominates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *testClock) {
		ctx := context.Background()
		storeSeqs(t, s, "T", "A", 0, 1, 2)

		resp, err := s.Fetch(ctx, wire.FetchRequest{"T": {"A": 9}})
		require.NoError(t, err)
		assert.True(t, resp["T"].IsEmpty())
	})
}

func TestFetchAfterPublishConverges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s *Store, _ *testClock) {
		ctx := context.Background()
		storeSeqs(t, s, "T", "A", 0, 1, 3, 4)

		require.NoError(t, s.Publish(ctx, []wire.Blob{{Topic: "T", Author: "A", Seq: 2, Payload: []byte{2}}}))

		resp, err := s.Fetch(ctx, wire.FetchRequest{"T": {"A": 5}})
		require.NoError(t, err)
		assert.True(t, resp["T"].IsEmpty())
	})
}

func TestGapsUpTo(t *testing.T) {
	tests := []struct {
		name      string
		held      []wire.Seq
		watermark wire.Seq
		limit     int
		want      []wire.Seq
	}{
		{"contiguous", []wire.Seq{0, 1, 2}, 2, 10, []wire.Seq{}},
		{"middle gap", []wire.Seq{0, 1, 3, 4}, 4, 10, []wire.Seq{2}},
		{"leading gap", []wire.Seq{3}, 3, 10, []wire.Seq{0, 1, 2}},
		{"watermark ahead", []wire.Seq{0}, 3, 10, []wire.Seq{1, 2, 3}},
		{"nothing held", nil, 1, 10, []wire.Seq{0, 1}},
		{"limited", []wire.Seq{100}, 100, 3, []wire.Seq{0, 1, 2}},
		{"ignores above watermark", []wire.Seq{0, 5}, 1, 10, []wire.Seq{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, gapsUpTo(tt.held, tt.watermark, tt.limit).Sorted())
		})
	}
}
