// Package wire defines the request and response shapes exchanged between
// mailbox clients and relays, and the key encoding used by relay storage.
package wire

import (
	"fmt"
	"slices"
)

// Topic identifies one logical stream of operations (a chat, an inbox, an
// announcement channel).
type Topic string

// Author identifies one append-only log within a topic, one per device.
type Author string

// Seq is a position within one author's log. Sequence numbers start at 0.
type Seq uint64

// LogID addresses one author's log inside a topic.
type LogID struct {
	Topic  Topic  `json:"topic" cbor:"1,keyasint"`
	Author Author `json:"author" cbor:"2,keyasint"`
}

func (id LogID) String() string {
	return fmt.Sprintf("%s/%s", id.Topic, id.Author)
}

// Blob is the raw form of one logged item: its address and opaque payload.
// Batches of blobs form the publish/store request.
type Blob struct {
	Topic   Topic  `json:"topic" cbor:"1,keyasint"`
	Author  Author `json:"author" cbor:"2,keyasint"`
	Seq     Seq    `json:"seq" cbor:"3,keyasint"`
	Payload []byte `json:"payload" cbor:"4,keyasint"`
}

// LogID returns the log this blob belongs to.
func (b Blob) LogID() LogID {
	return LogID{Topic: b.Topic, Author: b.Author}
}

// Heights maps each author to the highest sequence number the caller holds.
type Heights map[Author]Seq

// FetchRequest carries the caller's known heights for every topic it wants
// reconciled.
type FetchRequest map[Topic]Heights

// FetchResponse answers a FetchRequest topic by topic.
type FetchResponse map[Topic]TopicResponse

// TopicResponse lists what the caller should pull (Items) and what the relay
// wants pushed (Missing).
type TopicResponse struct {
	Items   []Blob            `json:"items" cbor:"1,keyasint"`
	Missing map[Author]SeqSet `json:"missing" cbor:"2,keyasint"`
}

// IsEmpty reports whether there is nothing to pull and nothing to push.
func (r TopicResponse) IsEmpty() bool {
	return len(r.Items) == 0 && len(r.Missing) == 0
}

// SeqSet is an unordered set of sequence numbers. It serializes as a sorted
// array.
type SeqSet map[Seq]struct{}

// NewSeqSet returns a set holding seqs.
func NewSeqSet(seqs ...Seq) SeqSet {
	s := make(SeqSet, len(seqs))
	for _, seq := range seqs {
		s[seq] = struct{}{}
	}
	return s
}

// Add inserts seq.
func (s SeqSet) Add(seq Seq) {
	s[seq] = struct{}{}
}

// Has reports whether seq is in the set.
func (s SeqSet) Has(seq Seq) bool {
	_, ok := s[seq]
	return ok
}

// Sorted returns the members in ascending order.
func (s SeqSet) Sorted() []Seq {
	out := make([]Seq, 0, len(s))
	for seq := range s {
		out = append(out, seq)
	}
	slices.Sort(out)
	return out
}

// Min returns the lowest member. ok is false for an empty set.
func (s SeqSet) Min() (min Seq, ok bool) {
	for seq := range s {
		if !ok || seq < min {
			min, ok = seq, true
		}
	}
	return min, ok
}
