package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const readChunk = 32 * 1024

// FrameReader extracts consecutive frames from a byte stream that has no
// message boundaries of its own. Partial reads and concatenated writes are
// both handled; a corrupt region is skipped up to the next header and
// reported once as a *FrameCorruptError, after which Next can be called
// again.
//
// A FrameReader is not safe for concurrent use.
type FrameReader struct {
	r       io.Reader
	buf     []byte
	maxSize int
	offset  int // stream offset of buf[0]
	err     error
}

// NewFrameReader creates a reader with the default MaxFrameSize.
func NewFrameReader(r io.Reader) *FrameReader {
	return NewFrameReaderSize(r, MaxFrameSize)
}

// NewFrameReaderSize creates a reader that rejects payloads above maxSize.
func NewFrameReaderSize(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = MaxFrameSize
	}
	return &FrameReader{
		r:       r,
		buf:     make([]byte, 0, readChunk),
		maxSize: maxSize,
	}
}

// Next returns the payload of the next complete frame.
// It returns io.EOF when the stream ends on a frame boundary and
// io.ErrUnexpectedEOF when it ends inside a frame.
func (fr *FrameReader) Next() ([]byte, error) {
	for {
		payload, consumed, err := fr.extract()
		if err != nil {
			return nil, err
		}
		if consumed > 0 {
			fr.discard(consumed)
			return payload, nil
		}

		if fr.err != nil {
			if len(fr.buf) == 0 && errors.Is(fr.err, io.EOF) {
				return nil, io.EOF
			}
			if errors.Is(fr.err, io.EOF) {
				fr.buf = fr.buf[:0]
				return nil, io.ErrUnexpectedEOF
			}
			return nil, fr.err
		}
		fr.fill()
	}
}

// extract tries to cut one frame from the front of the buffer.
// A zero consumed count with a nil error means more bytes are needed.
func (fr *FrameReader) extract() ([]byte, int, error) {
	if len(fr.buf) == 0 {
		return nil, 0, nil
	}

	if idx := headerIndex(fr.buf); idx != 0 {
		at := fr.offset
		if idx < 0 {
			// Keep a tail that could be the beginning of a header, unless
			// the stream is over and nothing else will arrive.
			keep := len(frameHeader) - 1
			if fr.err != nil {
				keep = 0
			}
			if keep >= len(fr.buf) {
				return nil, 0, nil
			}
			fr.discard(len(fr.buf) - keep)
		} else {
			fr.discard(idx)
		}
		return nil, 0, &FrameCorruptError{Offset: at, Reason: "bytes before header magic discarded"}
	}

	if len(fr.buf) < len(frameHeader)+lengthSize {
		return nil, 0, nil
	}

	size := int(binary.BigEndian.Uint32(fr.buf[len(frameHeader):]))
	if size > fr.maxSize {
		at := fr.offset
		fr.discard(len(frameHeader))
		return nil, 0, &FrameCorruptError{Offset: at, Reason: fmt.Sprintf("declared length %d exceeds limit %d", size, fr.maxSize)}
	}

	total := FrameLength(size)
	if len(fr.buf) < total {
		return nil, 0, nil
	}

	frame := fr.buf[:total]
	if !bytes.Equal(frame[total-len(frameFooter):], frameFooter) {
		at := fr.offset
		// Drop the bogus header and resync on whatever follows.
		fr.discard(len(frameHeader))
		return nil, 0, &FrameCorruptError{Offset: at + total - len(frameFooter), Reason: "footer magic mismatch"}
	}

	payload := make([]byte, size)
	copy(payload, frame[len(frameHeader)+lengthSize:])
	return payload, total, nil
}

func (fr *FrameReader) fill() {
	if cap(fr.buf)-len(fr.buf) < readChunk {
		grown := make([]byte, len(fr.buf), 2*cap(fr.buf)+readChunk)
		copy(grown, fr.buf)
		fr.buf = grown
	}
	n, err := fr.r.Read(fr.buf[len(fr.buf):cap(fr.buf)])
	fr.buf = fr.buf[:len(fr.buf)+n]
	if err != nil {
		fr.err = err
	}
}

func (fr *FrameReader) discard(n int) {
	remaining := copy(fr.buf, fr.buf[n:])
	fr.buf = fr.buf[:remaining]
	fr.offset += n
}

func headerIndex(b []byte) int {
	return bytes.Index(b, frameHeader)
}

// CountFrames reports how many complete, valid frames sit at the front of
// data back to back. It stops at the first byte that does not continue the
// run of frames.
func CountFrames(data []byte) int {
	count := 0
	for len(data) >= FrameOverhead {
		if !bytes.Equal(data[:len(frameHeader)], frameHeader) {
			break
		}
		size := int(binary.BigEndian.Uint32(data[len(frameHeader):]))
		total := FrameLength(size)
		if len(data) < total {
			break
		}
		if !bytes.Equal(data[total-len(frameFooter):total], frameFooter) {
			break
		}
		count++
		data = data[total:]
	}
	return count
}
