// Package member holds the value type that represents one cluster
// participant, the concurrent set providers keep their view in, and the
// absolute ordering every process applies before exposing a member list.
package member

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// PortUnspecified marks a member whose port is not known. Transports
// substitute their configured default port for it.
const PortUnspecified = 0

// Command tags the event a Member snapshot represents.
type Command uint8

const (
	CommandNone Command = iota
	CommandAdded
	CommandAlive
	CommandRemoved
	// CommandShutdown only travels on the wire: a leaving member announces
	// itself so peers drop it without waiting for expiry.
	CommandShutdown
)

func (c Command) String() string {
	switch c {
	case CommandAdded:
		return "added"
	case CommandAlive:
		return "alive"
	case CommandRemoved:
		return "removed"
	case CommandShutdown:
		return "shutdown"
	default:
		return "none"
	}
}

// Member is one participant in the cluster. Instances are treated as
// immutable; providers create a fresh snapshot on every observation.
// Two members are the same participant iff their UniqueID matches.
type Member struct {
	UniqueID []byte  `msgpack:"id"`
	Host     string  `msgpack:"host"`
	Port     int     `msgpack:"port"`
	Name     string  `msgpack:"name,omitempty"`
	Payload  []byte  `msgpack:"payload,omitempty"`
	Domain   []byte  `msgpack:"domain,omitempty"`
	Command  Command `msgpack:"cmd,omitempty"`

	// AliveTimestamp is stamped by the observer with its own clock.
	AliveTimestamp time.Time `msgpack:"-"`
}

// Equal reports whether both members carry the same identity.
func (m *Member) Equal(other *Member) bool {
	if m == nil || other == nil {
		return m == other
	}
	return bytes.Equal(m.UniqueID, other.UniqueID)
}

// Key returns the identity as a string usable as a map key.
func (m *Member) Key() string {
	return string(m.UniqueID)
}

// Hash returns a 64-bit hash of the identity.
func (m *Member) Hash() uint64 {
	return xxhash.Sum64(m.UniqueID)
}

// ID renders the identity in hex for logs and JSON.
func (m *Member) ID() string {
	return hex.EncodeToString(m.UniqueID)
}

// Address joins host and port, substituting def for an unspecified port.
func (m *Member) Address(def int) string {
	return net.JoinHostPort(m.Host, strconv.Itoa(m.ResolvePort(def)))
}

// ResolvePort returns the member port, or def when the port is
// PortUnspecified.
func (m *Member) ResolvePort(def int) int {
	if m.Port == PortUnspecified {
		return def
	}
	return m.Port
}

// Clone returns a deep copy.
func (m *Member) Clone() *Member {
	if m == nil {
		return nil
	}
	c := *m
	c.UniqueID = cloneBytes(m.UniqueID)
	c.Payload = cloneBytes(m.Payload)
	c.Domain = cloneBytes(m.Domain)
	return &c
}

// WithCommand returns a copy tagged with cmd.
func (m *Member) WithCommand(cmd Command) *Member {
	c := m.Clone()
	c.Command = cmd
	return c
}

// WithAlive returns a copy whose AliveTimestamp is at.
func (m *Member) WithAlive(at time.Time) *Member {
	c := m.Clone()
	c.AliveTimestamp = at
	return c
}

// SameSnapshot reports whether two snapshots of one member carry identical
// data. The command and timestamp are ignored.
func (m *Member) SameSnapshot(other *Member) bool {
	return m.Equal(other) &&
		m.Host == other.Host &&
		m.Port == other.Port &&
		m.Name == other.Name &&
		bytes.Equal(m.Payload, other.Payload) &&
		bytes.Equal(m.Domain, other.Domain)
}

func (m *Member) String() string {
	if m == nil {
		return "<nil>"
	}
	name := m.Name
	if name == "" {
		name = DisplayName("tcp", m.Host, m.Port)
	}
	return fmt.Sprintf("%s[%s]", name, m.ID())
}

// DisplayName renders the synthetic address used as a member name,
// e.g. "tcp://10.1.2.3:4000". An unspecified port is rendered as 0.
func DisplayName(scheme, host string, port int) string {
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
