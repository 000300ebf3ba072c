package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResponse() FetchResponse {
	return FetchResponse{
		"chat": {
			Items: []Blob{
				{Topic: "chat", Author: "alice", Seq: 0, Payload: []byte("hello")},
				{Topic: "chat", Author: "alice", Seq: 1, Payload: []byte{0x00, 0xFF}},
			},
			Missing: map[Author]SeqSet{"bob": NewSeqSet(4, 2, 3)},
		},
		"empty": {},
	}
}

func TestCodecs(t *testing.T) {
	for _, c := range []Codec{JSON, CBOR} {
		t.Run(c.ContentType(), func(t *testing.T) {
			data, err := c.Marshal(sampleResponse())
			require.NoError(t, err)

			var got FetchResponse
			require.NoError(t, c.Unmarshal(data, &got))

			chat := got["chat"]
			require.Len(t, chat.Items, 2)
			assert.Equal(t, []byte("hello"), chat.Items[0].Payload)
			assert.Equal(t, []byte{0x00, 0xFF}, chat.Items[1].Payload)
			assert.Equal(t, []Seq{2, 3, 4}, chat.Missing["bob"].Sorted())
			assert.Contains(t, got, Topic("empty"))
			assert.True(t, got["empty"].IsEmpty())
		})
	}
}

func TestSeqSetJSONIsSortedArray(t *testing.T) {
	data, err := JSON.Marshal(NewSeqSet(9, 1, 5))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,5,9]`, string(data))

	var s SeqSet
	require.NoError(t, JSON.Unmarshal([]byte(`[3,3,1]`), &s))
	assert.Equal(t, []Seq{1, 3}, s.Sorted())
}

func TestCBORIsDeterministic(t *testing.T) {
	req := FetchRequest{
		"b": {"z": 1, "a": 2},
		"a": {"m": 3},
	}
	first, err := CBOR.Marshal(req)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := CBOR.Marshal(req)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCodecFor(t *testing.T) {
	tests := []struct {
		header  string
		want    Codec
		wantErr bool
	}{
		{"", JSON, false},
		{"application/json", JSON, false},
		{"application/json; charset=utf-8", JSON, false},
		{"*/*", JSON, false},
		{"application/cbor", CBOR, false},
		{"text/plain", nil, true},
		{";;", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := CodecFor(tt.header)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSeqSet(t *testing.T) {
	s := NewSeqSet()
	_, ok := s.Min()
	assert.False(t, ok)

	s.Add(7)
	s.Add(3)
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(4))
	min, ok := s.Min()
	assert.True(t, ok)
	assert.Equal(t, Seq(3), min)
}
