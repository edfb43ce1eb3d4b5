package member

import (
	"bytes"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Change describes what Set.Alive did with an observation.
type Change uint8

const (
	// ChangeIgnored means the observation was the local member.
	ChangeIgnored Change = iota
	ChangeAdded
	ChangeRefreshed
)

// Set is the live-member view a provider maintains. It has one writer (the
// provider's discovery loop) and any number of readers; readers always get
// copies, never the stored snapshots.
//
// The local identity is never stored.
type Set struct {
	local   []byte
	members *xsync.MapOf[string, *Member]
}

// NewSet creates an empty set that ignores observations of local.
func NewSet(local []byte) *Set {
	return &Set{
		local:   cloneBytes(local),
		members: xsync.NewMapOf[string, *Member](),
	}
}

// Alive records an observation of m at now. A new id is added, a known id
// has its snapshot replaced and its timestamp refreshed.
func (s *Set) Alive(m *Member, now time.Time) Change {
	if len(m.UniqueID) == 0 || bytes.Equal(m.UniqueID, s.local) {
		return ChangeIgnored
	}

	snapshot := m.WithAlive(now)
	snapshot.Command = CommandNone

	change := ChangeRefreshed
	s.members.Compute(m.Key(), func(_ *Member, loaded bool) (*Member, bool) {
		if !loaded {
			change = ChangeAdded
		}
		return snapshot, false
	})
	return change
}

// Remove deletes the member with id and returns the last snapshot, or nil
// when it was not present.
func (s *Set) Remove(id []byte) *Member {
	old, ok := s.members.LoadAndDelete(string(id))
	if !ok {
		return nil
	}
	return old.Clone()
}

// Expire removes every member whose AliveTimestamp is older than timeout
// relative to now and returns them. Each member is returned by exactly one
// call.
func (s *Set) Expire(timeout time.Duration, now time.Time) []*Member {
	deadline := now.Add(-timeout)

	var expired []*Member
	s.members.Range(func(key string, m *Member) bool {
		if !m.AliveTimestamp.Before(deadline) {
			return true
		}
		s.members.Compute(key, func(current *Member, loaded bool) (*Member, bool) {
			if loaded && current.AliveTimestamp.Before(deadline) {
				expired = append(expired, current.Clone())
				return current, true
			}
			return current, !loaded
		})
		return true
	})
	return Order(expired)
}

// Get returns a copy of the member with id.
func (s *Set) Get(id []byte) (*Member, bool) {
	m, ok := s.members.Load(string(id))
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// Members returns ordered copies of every member.
func (s *Set) Members() []*Member {
	out := make([]*Member, 0, s.members.Size())
	s.members.Range(func(_ string, m *Member) bool {
		out = append(out, m.Clone())
		return true
	})
	return Order(out)
}

// Len returns the number of members.
func (s *Set) Len() int {
	return s.members.Size()
}

// Replace swaps the whole view for members, as a directory poll does.
// It returns which ids are new, which were already present and which have
// disappeared. Returned members are copies stamped with now.
func (s *Set) Replace(members []*Member, now time.Time) (added, alive, removed []*Member) {
	next := make(map[string]struct{}, len(members))
	for _, m := range members {
		switch s.Alive(m, now) {
		case ChangeAdded:
			added = append(added, m.WithAlive(now))
		case ChangeRefreshed:
			alive = append(alive, m.WithAlive(now))
		default:
			continue
		}
		next[m.Key()] = struct{}{}
	}

	s.members.Range(func(key string, _ *Member) bool {
		if _, ok := next[key]; ok {
			return true
		}
		if old, ok := s.members.LoadAndDelete(key); ok {
			removed = append(removed, old.Clone())
		}
		return true
	})
	return Order(added), Order(alive), Order(removed)
}

// Clear drops every member and returns what was dropped, in absolute
// order.
func (s *Set) Clear() []*Member {
	var out []*Member
	s.members.Range(func(key string, _ *Member) bool {
		if old, ok := s.members.LoadAndDelete(key); ok {
			out = append(out, old)
		}
		return true
	})
	return Order(out)
}
