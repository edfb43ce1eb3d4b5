package member

import (
	"fmt"

	"github.com/maxpert/huddle/encoding"
)

// Marshal frames a member for a heartbeat datagram.
func Marshal(m *Member) ([]byte, error) {
	body, err := encoding.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode member %s: %w", m, err)
	}
	return encoding.Serialize(body), nil
}

// Unmarshal decodes a heartbeat datagram produced by Marshal. Errors are the
// encoding package's typed frame errors.
func Unmarshal(data []byte) (*Member, error) {
	body, err := encoding.Deserialize(data)
	if err != nil {
		return nil, err
	}
	var m Member
	if err := encoding.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	if len(m.UniqueID) == 0 {
		return nil, &encoding.FrameDecodeError{TypeName: "member", Err: fmt.Errorf("missing unique id")}
	}
	return &m, nil
}
