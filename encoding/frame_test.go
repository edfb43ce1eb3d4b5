package encoding

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerialize_Layout(t *testing.T) {
	payload := []byte("hello")
	frame := Serialize(payload)

	require.Len(t, frame, len(frameHeader)+4+len(payload)+len(frameFooter))
	assert.Equal(t, frameHeader, frame[:len(frameHeader)])
	assert.Equal(t, uint32(len(payload)), binary.BigEndian.Uint32(frame[len(frameHeader):]))
	assert.Equal(t, payload, frame[len(frameHeader)+4:len(frameHeader)+4+len(payload)])
	assert.Equal(t, frameFooter, frame[len(frame)-len(frameFooter):])
	assert.Equal(t, FrameLength(len(payload)), len(frame))
}

func TestSerialize_Deterministic(t *testing.T) {
	payload := []byte{9, 8, 7, 6}
	assert.Equal(t, Serialize(payload), Serialize(payload))
}

func TestFrame_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	sizes := []int{0, 1, 7, 11, 255, 4096, 70000}

	for _, size := range sizes {
		payload := make([]byte, size)
		rng.Read(payload)

		out, err := Deserialize(Serialize(payload))
		require.NoError(t, err, "size %d", size)
		assert.True(t, bytes.Equal(payload, out), "size %d", size)
	}
}

func TestFrame_PayloadContainingMagic(t *testing.T) {
	payload := append(append([]byte{}, frameFooter...), frameHeader...)

	out, err := Deserialize(Serialize(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestDeserialize_Empty(t *testing.T) {
	_, err := Deserialize(nil)
	var empty *FrameEmptyError
	require.ErrorAs(t, err, &empty)

	_, err = Deserialize([]byte{})
	require.ErrorAs(t, err, &empty)
}

func TestDeserialize_MagicCorruption(t *testing.T) {
	frame := Serialize([]byte("payload under test"))

	positions := make([]int, 0, len(frameHeader)+len(frameFooter))
	for i := range frameHeader {
		positions = append(positions, i)
	}
	for i := range frameFooter {
		positions = append(positions, len(frame)-len(frameFooter)+i)
	}

	for _, pos := range positions {
		corrupted := append([]byte{}, frame...)
		corrupted[pos] ^= 0xFF

		_, err := Deserialize(corrupted)
		var corrupt *FrameCorruptError
		require.ErrorAs(t, err, &corrupt, "flipped byte %d", pos)
	}
}

func TestDeserialize_LengthMismatch(t *testing.T) {
	frame := Serialize([]byte("abcdef"))

	t.Run("declared too long", func(t *testing.T) {
		corrupted := append([]byte{}, frame...)
		binary.BigEndian.PutUint32(corrupted[len(frameHeader):], 7)
		_, err := Deserialize(corrupted)
		var corrupt *FrameCorruptError
		require.ErrorAs(t, err, &corrupt)
	})

	t.Run("declared too short", func(t *testing.T) {
		corrupted := append([]byte{}, frame...)
		binary.BigEndian.PutUint32(corrupted[len(frameHeader):], 2)
		_, err := Deserialize(corrupted)
		var corrupt *FrameCorruptError
		require.ErrorAs(t, err, &corrupt)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := Deserialize(frame[:len(frame)-1])
		var corrupt *FrameCorruptError
		require.ErrorAs(t, err, &corrupt)
	})

	t.Run("trailing bytes", func(t *testing.T) {
		_, err := Deserialize(append(append([]byte{}, frame...), 0x00))
		var corrupt *FrameCorruptError
		require.ErrorAs(t, err, &corrupt)
	})

	t.Run("shorter than overhead", func(t *testing.T) {
		_, err := Deserialize([]byte{1, 2, 3})
		var corrupt *FrameCorruptError
		require.ErrorAs(t, err, &corrupt)
	})
}

func TestCountFrames(t *testing.T) {
	var stream []byte
	for i := 0; i < 3; i++ {
		stream = append(stream, Serialize([]byte{byte(i)})...)
	}
	assert.Equal(t, 3, CountFrames(stream))

	partial := append(append([]byte{}, stream...), Serialize([]byte("tail"))[:5]...)
	assert.Equal(t, 3, CountFrames(partial))

	assert.Equal(t, 0, CountFrames([]byte("garbage")))
}
