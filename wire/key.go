package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// EntryID is a time-ordered, practically unique identifier attached to every
// stored blob. It is used for deduplication and retention only, never for
// ordering sequence numbers.
type EntryID ulid.ULID

// NewEntryID returns an EntryID embedding t at millisecond precision.
func NewEntryID(t time.Time) EntryID {
	return EntryID(ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()))
}

// Time returns the timestamp embedded in the id.
func (e EntryID) Time() time.Time {
	return ulid.Time(ulid.ULID(e).Time())
}

func (e EntryID) String() string {
	return ulid.ULID(e).String()
}

// Compare orders ids by their binary form, which orders by embedded time first.
func (e EntryID) Compare(other EntryID) int {
	return bytes.Compare(e[:], other[:])
}

// BlobKey is the composite key of a stored blob.
type BlobKey struct {
	Topic  Topic
	Author Author
	Seq    Seq
	Entry  EntryID
}

// ErrMalformedKey is returned when a byte key cannot be decoded.
var ErrMalformedKey = errors.New("malformed blob key")

const (
	keyEscape     = 0x00
	keyEscapedNul = 0xFF
	keyTerminator = 0x01
	seqLen        = 8
	entryLen      = 16
)

// LogID returns the (topic, author) pair of the key.
func (k BlobKey) LogID() LogID {
	return LogID{Topic: k.Topic, Author: k.Author}
}

// Compare orders keys field by field: topic, author, seq, entry. The result
// always agrees with bytes.Compare over the encoded keys.
func (k BlobKey) Compare(other BlobKey) int {
	if c := strings.Compare(string(k.Topic), string(other.Topic)); c != 0 {
		return c
	}
	if c := strings.Compare(string(k.Author), string(other.Author)); c != 0 {
		return c
	}
	switch {
	case k.Seq < other.Seq:
		return -1
	case k.Seq > other.Seq:
		return 1
	}
	return k.Entry.Compare(other.Entry)
}

func (k BlobKey) String() string {
	return fmt.Sprintf("%s/%s/%d/%s", k.Topic, k.Author, k.Seq, k.Entry)
}

// Encode serializes the key so that byte order matches tuple order.
// Strings are escaped (0x00 -> 0x00 0xFF) and terminated by 0x00 0x01, the
// sequence number is big-endian and the entry id is its 16 raw bytes.
func (k BlobKey) Encode() []byte {
	buf := make([]byte, 0, len(k.Topic)+len(k.Author)+4+seqLen+entryLen)
	buf = appendKeyString(buf, string(k.Topic))
	buf = appendKeyString(buf, string(k.Author))
	buf = binary.BigEndian.AppendUint64(buf, uint64(k.Seq))
	return append(buf, k.Entry[:]...)
}

// DecodeBlobKey parses a key produced by Encode.
func DecodeBlobKey(b []byte) (BlobKey, error) {
	var k BlobKey
	topic, rest, err := readKeyString(b)
	if err != nil {
		return k, err
	}
	author, rest, err := readKeyString(rest)
	if err != nil {
		return k, err
	}
	if len(rest) != seqLen+entryLen {
		return k, fmt.Errorf("%w: want %d trailing bytes, got %d", ErrMalformedKey, seqLen+entryLen, len(rest))
	}
	k.Topic = Topic(topic)
	k.Author = Author(author)
	k.Seq = Seq(binary.BigEndian.Uint64(rest[:seqLen]))
	copy(k.Entry[:], rest[seqLen:])
	return k, nil
}

// TopicPrefix is the encoded prefix shared by every key of topic.
func TopicPrefix(topic Topic) []byte {
	return appendKeyString(nil, string(topic))
}

// LogPrefix is the encoded prefix shared by every key of one author's log.
func LogPrefix(topic Topic, author Author) []byte {
	return appendKeyString(TopicPrefix(topic), string(author))
}

// DecodeLogPrefix parses a prefix produced by LogPrefix.
func DecodeLogPrefix(b []byte) (LogID, error) {
	topic, rest, err := readKeyString(b)
	if err != nil {
		return LogID{}, err
	}
	author, rest, err := readKeyString(rest)
	if err != nil {
		return LogID{}, err
	}
	if len(rest) != 0 {
		return LogID{}, fmt.Errorf("%w: %d trailing bytes after log prefix", ErrMalformedKey, len(rest))
	}
	return LogID{Topic: Topic(topic), Author: Author(author)}, nil
}

// SeqPrefix is the encoded prefix shared by every entry stored for one
// (topic, author, seq).
func SeqPrefix(topic Topic, author Author, seq Seq) []byte {
	return binary.BigEndian.AppendUint64(LogPrefix(topic, author), uint64(seq))
}

// PrefixEnd returns the smallest key greater than every key starting with
// prefix, or nil if no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func appendKeyString(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == keyEscape {
			dst = append(dst, keyEscape, keyEscapedNul)
			continue
		}
		dst = append(dst, s[i])
	}
	return append(dst, keyEscape, keyTerminator)
}

func readKeyString(b []byte) (string, []byte, error) {
	var sb strings.Builder
	for i := 0; i < len(b); i++ {
		if b[i] != keyEscape {
			sb.WriteByte(b[i])
			continue
		}
		if i+1 >= len(b) {
			return "", nil, fmt.Errorf("%w: truncated escape", ErrMalformedKey)
		}
		switch b[i+1] {
		case keyEscapedNul:
			sb.WriteByte(keyEscape)
			i++
		case keyTerminator:
			return sb.String(), b[i+2:], nil
		default:
			return "", nil, fmt.Errorf("%w: bad escape 0x%02x", ErrMalformedKey, b[i+1])
		}
	}
	return "", nil, fmt.Errorf("%w: unterminated string", ErrMalformedKey)
}
