// Package membership discovers cluster members and reports changes to
// listeners. A Provider is chosen at configuration time (static list,
// multicast heartbeats or a Kubernetes pod directory); callers treat all
// of them the same way.
package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/notify"
)

// ServiceMask selects the facets a Start or Stop call applies to.
type ServiceMask uint8

const (
	// SendRX receives messages from peers.
	SendRX ServiceMask = 1 << iota
	// SendTX sends messages to peers.
	SendTX
	// MembershipRX listens for membership changes.
	MembershipRX
	// MembershipTX announces the local member.
	MembershipTX

	// Default is every facet.
	Default = SendRX | SendTX | MembershipRX | MembershipTX
	// ReceiveOnly observes the cluster without announcing or sending.
	ReceiveOnly = SendRX | MembershipRX
)

// ErrInvalidServiceMask is returned for a mask with no known facet bits.
var ErrInvalidServiceMask = errors.New("invalid service mask")

// Has reports whether every bit of f is set.
func (s ServiceMask) Has(f ServiceMask) bool {
	return s&f == f
}

// Any reports whether at least one bit of f is set.
func (s ServiceMask) Any(f ServiceMask) bool {
	return s&f != 0
}

// Validate rejects masks without any known facet.
func (s ServiceMask) Validate() error {
	if s == 0 || s&^Default != 0 {
		return fmt.Errorf("%w: %#x", ErrInvalidServiceMask, uint8(s))
	}
	return nil
}

var serviceNames = []struct {
	bit  ServiceMask
	name string
}{{SendRX, "send_rx"}, {SendTX, "send_tx"}, {MembershipRX, "membership_rx"}, {MembershipTX, "membership_tx"}}

func (s ServiceMask) String() string {
	var parts []string
	for _, f := range serviceNames {
		if s.Has(f.bit) {
			parts = append(parts, f.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// ParseServiceMask is the inverse of String. It also accepts "all" and
// "receive_only".
func ParseServiceMask(v string) (ServiceMask, error) {
	switch strings.TrimSpace(v) {
	case "all":
		return Default, nil
	case "receive_only":
		return ReceiveOnly, nil
	}
	var s ServiceMask
	for _, part := range strings.Split(v, "|") {
		part = strings.TrimSpace(part)
		found := false
		for _, f := range serviceNames {
			if f.name == part {
				s |= f.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown service %q", ErrInvalidServiceMask, part)
		}
	}
	return s, s.Validate()
}

// Listener receives membership changes. Callbacks for one member arrive in
// the order the provider observed them; callbacks run on the dispatcher,
// never on the discovery loop.
type Listener interface {
	MemberAdded(m *member.Member)
	MemberAlive(m *member.Member)
	MemberRemoved(m *member.Member)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
// Register it by pointer so RemoveListener can find it again.
type ListenerFuncs struct {
	Added   func(m *member.Member)
	Alive   func(m *member.Member)
	Removed func(m *member.Member)
}

func (l *ListenerFuncs) MemberAdded(m *member.Member) {
	if l.Added != nil {
		l.Added(m)
	}
}

func (l *ListenerFuncs) MemberAlive(m *member.Member) {
	if l.Alive != nil {
		l.Alive(m)
	}
}

func (l *ListenerFuncs) MemberRemoved(m *member.Member) {
	if l.Removed != nil {
		l.Removed(m)
	}
}

// Notify calls the Listener method matching m.Command.
func Notify(l Listener, m *member.Member) {
	switch m.Command {
	case member.CommandAdded:
		l.MemberAdded(m)
	case member.CommandAlive:
		l.MemberAlive(m)
	case member.CommandRemoved, member.CommandShutdown:
		l.MemberRemoved(m)
	}
}

// Provider is the contract every discovery strategy implements.
type Provider interface {
	// Name identifies the provider kind in logs and metrics.
	Name() string
	// Init hands the provider the local member and the dispatcher its
	// events are delivered on. It is called once, before Start.
	Init(local *member.Member, dispatcher *notify.Dispatcher)
	AddListener(l Listener)
	RemoveListener(l Listener)
	// Start activates the membership facets of svc. Starting an active
	// facet is a no-op.
	Start(ctx context.Context, svc ServiceMask) error
	// Stop deactivates the membership facets of svc. It is safe at any
	// time, including while a discovery cycle is running.
	Stop(ctx context.Context, svc ServiceMask) error
	// Members returns the current view in absolute order.
	Members() []*member.Member
	// Member returns the member with id from the current view.
	Member(id []byte) (*member.Member, bool)
}

// Observer is implemented by providers that learn about members from
// inbound traffic in addition to their own discovery.
type Observer interface {
	Observe(m *member.Member)
}
