package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

// note is a minimal log item: its payload is its body.
type note struct {
	topic wire.Topic
	Body  string
}

func (n note) Topic() wire.Topic { return n.topic }

func (n note) MarshalBinary() ([]byte, error) {
	if n.Body == "unmarshalable" {
		return nil, errors.New("cannot marshal")
	}
	return []byte(n.Body), nil
}

func decodeNote(b wire.Blob) (note, error) {
	if string(b.Payload) == "garbage" {
		return note{}, errors.New("bad payload")
	}
	return note{topic: b.Topic, Body: string(b.Payload)}, nil
}

type logCall struct {
	author wire.Author
	topic  wire.Topic
	from   wire.Seq
}

// memLog is an in-memory LogStore holding contiguous logs from seq 0.
type memLog struct {
	mu         sync.Mutex
	logs       map[wire.LogID][]note
	calls      []logCall
	heightsErr error
}

func newMemLog() *memLog {
	return &memLog{logs: make(map[wire.LogID][]note)}
}

func (l *memLog) append(topic wire.Topic, author wire.Author, bodies ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := wire.LogID{Topic: topic, Author: author}
	for _, b := range bodies {
		l.logs[id] = append(l.logs[id], note{topic: topic, Body: b})
	}
}

func (l *memLog) LogHeights(_ context.Context, topic wire.Topic) (map[wire.Author]wire.Seq, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.heightsErr != nil {
		return nil, l.heightsErr
	}
	out := make(map[wire.Author]wire.Seq)
	for id, entries := range l.logs {
		if id.Topic == topic && len(entries) > 0 {
			out[id.Author] = wire.Seq(len(entries) - 1)
		}
	}
	return out, nil
}

func (l *memLog) Log(_ context.Context, author wire.Author, topic wire.Topic, from wire.Seq) ([]LogEntry[note], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, logCall{author: author, topic: topic, from: from})
	entries := l.logs[wire.LogID{Topic: topic, Author: author}]
	var out []LogEntry[note]
	for i := int(from); i < len(entries); i++ {
		out = append(out, LogEntry[note]{Seq: wire.Seq(i), Item: entries[i]})
	}
	return out, nil
}

func (l *memLog) logCalls() []logCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logCall(nil), l.calls...)
}

// fakeRelay answers fetches with respond and records every call.
type fakeRelay struct {
	mu         sync.Mutex
	respond    func(wire.FetchRequest) (wire.FetchResponse, error)
	publishErr error
	fetches    []wire.FetchRequest
	fetchTimes []time.Time
	published  [][]wire.Blob
}

func (r *fakeRelay) Fetch(_ context.Context, req wire.FetchRequest) (wire.FetchResponse, error) {
	r.mu.Lock()
	r.fetches = append(r.fetches, req)
	r.fetchTimes = append(r.fetchTimes, time.Now())
	respond := r.respond
	r.mu.Unlock()

	if respond != nil {
		return respond(req)
	}
	resp := make(wire.FetchResponse, len(req))
	for topic := range req {
		resp[topic] = wire.TopicResponse{Items: []wire.Blob{}, Missing: map[wire.Author]wire.SeqSet{}}
	}
	return resp, nil
}

func (r *fakeRelay) Publish(_ context.Context, blobs []wire.Blob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.publishErr != nil {
		return r.publishErr
	}
	r.published = append(r.published, blobs)
	return nil
}

func (r *fakeRelay) fetchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fetches)
}

func (r *fakeRelay) times() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.fetchTimes...)
}

func (r *fakeRelay) publishes() [][]wire.Blob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]wire.Blob(nil), r.published...)
}

func testConfig() Config {
	return Config{
		SuccessInterval: 10 * time.Millisecond,
		ErrorInterval:   20 * time.Millisecond,
		MinInterval:     time.Millisecond,
		Logger:          logging.Discard(),
	}
}

func newTestManager(t *testing.T, store LogStore[note], cfg Config) *Manager[note] {
	t.Helper()
	m, err := New[note](store, decodeNote, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func seqsOf(blobs []wire.Blob) []wire.Seq {
	out := make([]wire.Seq, 0, len(blobs))
	for _, b := range blobs {
		out = append(out, b.Seq)
	}
	return out
}
