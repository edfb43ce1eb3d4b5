package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sessionTouched struct {
	SessionID string `msgpack:"session_id"`
	Hits      int    `msgpack:"hits"`
}

type leaderClaim struct {
	Term uint64 `msgpack:"term"`
}

type textualClaim struct {
	Term string `msgpack:"term"`
}

func TestRegistry_RoundTrip(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("session.touched", &sessionTouched{}))

	data, err := r.Encode(&sessionTouched{SessionID: "abc", Hits: 3})
	require.NoError(t, err)

	obj, err := r.Decode(data)
	require.NoError(t, err)

	got, ok := obj.(*sessionTouched)
	require.True(t, ok, "got %T", obj)
	assert.Equal(t, "abc", got.SessionID)
	assert.Equal(t, 3, got.Hits)
}

func TestRegistry_UnknownTypeIsDecodeError(t *testing.T) {
	sender := NewRegistry()
	require.NoError(t, sender.Register("leader.claim", leaderClaim{}))
	data, err := sender.Encode(leaderClaim{Term: 9})
	require.NoError(t, err)

	receiver := NewRegistry()
	require.NoError(t, receiver.Register("session.touched", sessionTouched{}))

	_, err = receiver.Decode(data)
	var de *FrameDecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "leader.claim", de.TypeName)
}

func TestRegistry_BodyMismatchIsDecodeError(t *testing.T) {
	sender := NewRegistry()
	require.NoError(t, sender.Register("shared.name", textualClaim{}))
	data, err := sender.Encode(textualClaim{Term: "not-a-number"})
	require.NoError(t, err)

	receiver := NewRegistry()
	require.NoError(t, receiver.Register("shared.name", leaderClaim{}))

	_, err = receiver.Decode(data)
	var de *FrameDecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "shared.name", de.TypeName)
}

func TestRegistry_Garbage(t *testing.T) {
	r := NewRegistry()
	_, err := r.Decode([]byte{0xde, 0xad, 0xbe, 0xef})
	var de *FrameDecodeError
	require.ErrorAs(t, err, &de)
}

func TestRegistry_EncodeUnregistered(t *testing.T) {
	r := NewRegistry()
	_, err := r.Encode(leaderClaim{})
	assert.Error(t, err)
}

func TestRegistry_ConflictingRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("x", sessionTouched{}))
	require.NoError(t, r.Register("x", &sessionTouched{}))
	assert.Error(t, r.Register("x", leaderClaim{}))
	assert.ElementsMatch(t, []string{"x"}, r.Names())
}
