package protocol

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec handles dashboard message encoding and decoding. Broadcast frames
// are MessagePack by default with a JSON fallback for browser clients that
// cannot decode binary frames.
type Codec struct{}

// NewCodec creates a new codec.
func NewCodec() *Codec {
	return &Codec{}
}

// Encode encodes to MessagePack by default.
func (c *Codec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

// EncodeJSON encodes to JSON (fallback).
func (c *Codec) EncodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode tries MessagePack first, then falls back to JSON.
func (c *Codec) Decode(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return json.Unmarshal(data, v)
	}
	return nil
}
