// Package envelope implements the queue wire format: msgpack-encoded typed
// records with tagged binary tensor fields, plus the inline-vs-reference
// envelope split used for payloads too large to carry in a queue message.
package envelope

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Tag keys for binary array fields. Any field encoded as a single-entry map
// under one of these keys round-trips as raw bytes through the codec.
const (
	tensorTag  = "__tensor__"
	ndarrayTag = "__ndarray__"
)

// Tensor is an opaque serialized tensor (a prepared model input or an image
// buffer). It encodes as {"__tensor__": <bytes>}.
type Tensor []byte

var (
	_ msgpack.CustomEncoder = (Tensor)(nil)
	_ msgpack.CustomDecoder = (*Tensor)(nil)
)

// EncodeMsgpack encodes the tensor as a single-entry tagged map.
func (t Tensor) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	if err := enc.EncodeString(tensorTag); err != nil {
		return err
	}
	return enc.EncodeBytes(t)
}

// DecodeMsgpack decodes a tagged map back into raw bytes.
func (t *Tensor) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := decodeTagged(dec, tensorTag)
	if err != nil {
		return err
	}
	*t = b
	return nil
}

// NDArray is an opaque serialized numeric array. It encodes as
// {"__ndarray__": <bytes>}.
type NDArray []byte

var (
	_ msgpack.CustomEncoder = (NDArray)(nil)
	_ msgpack.CustomDecoder = (*NDArray)(nil)
)

// EncodeMsgpack encodes the array as a single-entry tagged map.
func (a NDArray) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeMapLen(1); err != nil {
		return err
	}
	if err := enc.EncodeString(ndarrayTag); err != nil {
		return err
	}
	return enc.EncodeBytes(a)
}

// DecodeMsgpack decodes a tagged map back into raw bytes.
func (a *NDArray) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := decodeTagged(dec, ndarrayTag)
	if err != nil {
		return err
	}
	*a = b
	return nil
}

func decodeTagged(dec *msgpack.Decoder, tag string) ([]byte, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, fmt.Errorf("envelope: tagged map has %d entries, want 1", n)
	}
	key, err := dec.DecodeString()
	if err != nil {
		return nil, err
	}
	if key != tag {
		return nil, fmt.Errorf("envelope: tagged map key %q, want %q", key, tag)
	}
	return dec.DecodeBytes()
}

// Ref is a reference envelope: a pointer to a payload spilled to the shared
// object store because it exceeded the inline size limit. The key has the
// form "<exchange>/<routing_key>/<uuid>".
type Ref struct {
	Ref string `msgpack:"ref"`
}

// Marshal encodes a record for the wire.
func Marshal(v interface{}) ([]byte, error) { return msgpack.Marshal(v) }

// Unmarshal decodes a wire message into a record.
func Unmarshal(b []byte, v interface{}) error { return msgpack.Unmarshal(b, v) }

// MarshalRef encodes a reference envelope for the given spill key.
func MarshalRef(key string) ([]byte, error) {
	return msgpack.Marshal(Ref{Ref: key})
}

// RefKey reports whether the message is a reference envelope and, if so,
// returns the spill key. Typed records never carry a "ref" field, so a
// successful decode with a non-empty key identifies a reference.
func RefKey(b []byte) (string, bool) {
	var r Ref
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return "", false
	}
	return r.Ref, r.Ref != ""
}
