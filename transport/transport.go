// Package transport moves frames between members: a point-to-point stream
// transport for messages and a multicast socket for heartbeats.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/maxpert/huddle/member"
)

// Sender writes one already framed message to one member.
type Sender interface {
	Send(ctx context.Context, dest *member.Member, frame []byte) error
}

// FrameHandler receives the payload of every valid frame read from a peer.
type FrameHandler func(payload []byte, remote net.Addr)

// Receiver accepts peer connections and hands their frames to a handler.
type Receiver interface {
	Start(handler FrameHandler) error
	Stop() error
	Addr() net.Addr
}

// MulticastSocket is a joined multicast group. Close must unblock a
// pending Receive.
type MulticastSocket interface {
	Send(b []byte) error
	Receive(buf []byte) (int, net.Addr, error)
	Close() error
}

// MulticastOpener opens a fresh MulticastSocket. Providers call it again to
// recover from a broken socket.
type MulticastOpener func() (MulticastSocket, error)

// ErrClosed is returned by operations on a stopped transport.
var ErrClosed = errors.New("transport closed")

// SendFailedError reports a send that failed for one destination.
type SendFailedError struct {
	Member *member.Member
	Cause  error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("send to %s failed: %v", e.Member, e.Cause)
}

func (e *SendFailedError) Unwrap() error {
	return e.Cause
}

// SendError collects the per-destination failures of one send. Destinations
// not listed were delivered.
type SendError struct {
	Failures []*SendFailedError
}

func (e *SendError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("%d destination(s) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *SendError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Failed reports whether dest is among the failures.
func (e *SendError) Failed(dest *member.Member) bool {
	for _, f := range e.Failures {
		if f.Member.Equal(dest) {
			return true
		}
	}
	return false
}
