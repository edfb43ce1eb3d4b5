// Package encoding provides the wire format for huddle.
// ALL msgpack operations MUST go through this package so that heartbeats,
// channel messages and registered objects are encoded the same way on every
// member.
//
// Thread Safety: every exported function is safe for concurrent use.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data into v.
// Any decode failure is reported as a *FrameDecodeError so callers on the
// receive path can treat it like every other malformed input from a peer.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	// Strings stay strings when decoding into interface{}, peers running an
	// older build may still send loosely typed maps.
	dec.UseLooseInterfaceDecoding(true)

	if err := dec.Decode(v); err != nil {
		return &FrameDecodeError{Err: err}
	}
	return nil
}
