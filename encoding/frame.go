package encoding

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

var (
	// frameHeader marks the start of every frame on the wire ("FLT2002").
	frameHeader = []byte{70, 76, 84, 50, 48, 48, 50}
	// frameFooter marks the end of every frame on the wire ("TLF2003").
	frameFooter = []byte{84, 76, 70, 50, 48, 48, 51}
)

const (
	lengthSize = 4

	// FrameOverhead is the number of bytes a frame adds around its payload.
	FrameOverhead = 7 + lengthSize + 7

	// MaxFrameSize bounds the payload a stream reader is willing to buffer.
	MaxFrameSize = 64 << 20
)

// FrameEmptyError is returned when Deserialize is handed no bytes at all.
type FrameEmptyError struct{}

func (e *FrameEmptyError) Error() string {
	return "frame is empty"
}

// FrameCorruptError is returned when a byte sequence is not a valid frame:
// a magic marker is missing or the declared length does not match.
type FrameCorruptError struct {
	Offset int
	Reason string
}

func (e *FrameCorruptError) Error() string {
	return fmt.Sprintf("corrupt frame at offset %d: %s", e.Offset, e.Reason)
}

// FrameDecodeError is returned when a well-formed frame carries a body that
// cannot be decoded, e.g. an object type this member does not know.
type FrameDecodeError struct {
	TypeName string
	Err      error
}

func (e *FrameDecodeError) Error() string {
	if e.TypeName != "" {
		if e.Err != nil {
			return fmt.Sprintf("decode %q: %v", e.TypeName, e.Err)
		}
		return fmt.Sprintf("decode %q: unknown type", e.TypeName)
	}
	return fmt.Sprintf("decode frame body: %v", e.Err)
}

func (e *FrameDecodeError) Unwrap() error {
	return e.Err
}

// FrameLength returns the serialized size of a payload of n bytes.
func FrameLength(n int) int {
	return FrameOverhead + n
}

// Serialize wraps payload into a self-delimiting frame:
// header | 4-byte big-endian length | payload | footer.
func Serialize(payload []byte) []byte {
	out := make([]byte, FrameLength(len(payload)))
	pos := copy(out, frameHeader)
	binary.BigEndian.PutUint32(out[pos:], uint32(len(payload)))
	pos += lengthSize
	pos += copy(out[pos:], payload)
	copy(out[pos:], frameFooter)
	return out
}

// Deserialize validates a single frame and returns a copy of its payload.
// The input must contain exactly one frame, nothing more.
func Deserialize(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, &FrameEmptyError{}
	}
	if len(data) < FrameOverhead {
		return nil, &FrameCorruptError{Offset: 0, Reason: fmt.Sprintf("%d bytes is shorter than frame overhead", len(data))}
	}
	if !bytes.Equal(data[:len(frameHeader)], frameHeader) {
		return nil, &FrameCorruptError{Offset: 0, Reason: "header magic mismatch"}
	}

	size := binary.BigEndian.Uint32(data[len(frameHeader):])
	enclosed := len(data) - FrameOverhead
	if uint64(size) != uint64(enclosed) {
		return nil, &FrameCorruptError{
			Offset: len(frameHeader),
			Reason: fmt.Sprintf("declared length %d, enclosed %d", size, enclosed),
		}
	}

	footerAt := len(data) - len(frameFooter)
	if !bytes.Equal(data[footerAt:], frameFooter) {
		return nil, &FrameCorruptError{Offset: footerAt, Reason: "footer magic mismatch"}
	}

	start := len(frameHeader) + lengthSize
	payload := make([]byte, size)
	copy(payload, data[start:footerAt])
	return payload, nil
}
