package wire

import (
	"encoding/json"
	"fmt"
	"mime"

	"github.com/fxamacker/cbor/v2"
)

// Content types understood by CodecFor.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// Codec serializes wire shapes for a transport.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) ContentType() string                { return ContentTypeJSON }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Core deterministic encoding: the same request always produces the same
// bytes.
var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) ContentType() string                { return ContentTypeCBOR }
func (cborCodec) Marshal(v any) ([]byte, error)      { return cborEnc.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cborDec.Unmarshal(data, v) }

var (
	// JSON is the default codec.
	JSON Codec = jsonCodec{}
	// CBOR is a compact binary codec; payloads travel as byte strings.
	CBOR Codec = cborCodec{}
)

// CodecFor picks the codec for a Content-Type or Accept header value. An
// empty value selects JSON.
func CodecFor(contentType string) (Codec, error) {
	if contentType == "" {
		return JSON, nil
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("invalid content type %q: %w", contentType, err)
	}
	switch mt {
	case ContentTypeJSON, "*/*":
		return JSON, nil
	case ContentTypeCBOR:
		return CBOR, nil
	}
	return nil, fmt.Errorf("unsupported media type: %s", mt)
}

func (s SeqSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *SeqSet) UnmarshalJSON(data []byte) error {
	var seqs []Seq
	if err := json.Unmarshal(data, &seqs); err != nil {
		return err
	}
	*s = NewSeqSet(seqs...)
	return nil
}

func (s SeqSet) MarshalCBOR() ([]byte, error) {
	return cborEnc.Marshal(s.Sorted())
}

func (s *SeqSet) UnmarshalCBOR(data []byte) error {
	var seqs []Seq
	if err := cborDec.Unmarshal(data, &seqs); err != nil {
		return err
	}
	*s = NewSeqSet(seqs...)
	return nil
}
