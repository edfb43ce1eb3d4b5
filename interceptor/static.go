package interceptor

import (
	"bytes"
	"context"
	"sync"

	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/membership"
	"github.com/rs/zerolog/log"
)

// StaticMembers declares members locally, on top of whatever the lower
// chain discovers.
type StaticMembers struct {
	Passthrough

	mu      sync.RWMutex
	members []*member.Member
}

// NewStaticMembers holds copies of members, deduplicated by id.
func NewStaticMembers(members ...*member.Member) *StaticMembers {
	s := &StaticMembers{}
	for _, m := range members {
		s.Add(m)
	}
	return s
}

// Add inserts m or replaces the entry with the same id.
func (s *StaticMembers) Add(m *member.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]*member.Member, 0, len(s.members)+1)
	for _, existing := range s.members {
		if !existing.Equal(m) {
			next = append(next, existing)
		}
	}
	s.members = append(next, m.Clone())
}

// Remove drops the entry with id and reports whether there was one.
func (s *StaticMembers) Remove(id []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]*member.Member, 0, len(s.members))
	for _, existing := range s.members {
		if !bytes.Equal(existing.UniqueID, id) {
			next = append(next, existing)
		}
	}
	removed := len(next) != len(s.members)
	s.members = next
	return removed
}

func (s *StaticMembers) snapshot() []*member.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*member.Member, len(s.members))
	for i, m := range s.members {
		out[i] = m.Clone()
	}
	return out
}

// Start forwards the call down the chain. When svc includes MembershipRX,
// the declared members the lower chain does not already report are
// announced upward asynchronously.
func (s *StaticMembers) Start(ctx context.Context, svc membership.ServiceMask, next Next, prev Prev) error {
	if err := next.Start(ctx, svc); err != nil {
		return err
	}
	if !svc.Has(membership.MembershipRX) {
		return nil
	}

	lower := next.Members()
	announced := 0
	for _, m := range s.snapshot() {
		if member.Contains(lower, m) {
			continue
		}
		prev.MemberEventAsync(m.WithCommand(member.CommandAdded))
		announced++
	}
	log.Debug().Int("members", announced).Msg("Announced static members")
	return nil
}

// Members is the lower view merged with the declared members, in absolute
// order.
func (s *StaticMembers) Members(next Next) []*member.Member {
	return member.Merge(next.Members(), s.snapshot())
}

// Member prefers the declared entry over anything the lower chain knows.
func (s *StaticMembers) Member(id []byte, next Next) (*member.Member, error) {
	s.mu.RLock()
	m := member.Find(s.members, id)
	s.mu.RUnlock()

	if m != nil {
		return m.Clone(), nil
	}
	return next.Member(id)
}
