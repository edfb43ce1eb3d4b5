package interceptor

import (
	"bytes"
	"context"
	"sync"

	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/membership"
	"github.com/maxpert/huddle/telemetry"
	"github.com/rs/zerolog/log"
)

// Coordinator keeps the ordered group view as membership events pass
// upward. The coordinator is the first member of the view, the local
// member included, so every process with the same view agrees on it.
type Coordinator struct {
	Passthrough

	local *member.Member

	mu      sync.RWMutex
	members map[string]*member.Member
	viewID  uint64
}

// NewCoordinator creates the stage for the given local member.
func NewCoordinator(local *member.Member) *Coordinator {
	return &Coordinator{
		local:   local.Clone(),
		members: map[string]*member.Member{},
	}
}

// Start seeds the view from the lower chain when svc includes
// MembershipRX. Events for members already seeded do not change the view.
func (c *Coordinator) Start(ctx context.Context, svc membership.ServiceMask, next Next, _ Prev) error {
	if err := next.Start(ctx, svc); err != nil {
		return err
	}
	if !svc.Has(membership.MembershipRX) {
		return nil
	}

	c.mu.Lock()
	changed := false
	for _, m := range next.Members() {
		if c.put(m) {
			changed = true
		}
	}
	c.settle(changed)
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) MemberEvent(m *member.Member, prev Prev) {
	c.mu.Lock()
	var changed bool
	switch m.Command {
	case member.CommandRemoved, member.CommandShutdown:
		if _, ok := c.members[m.Key()]; ok {
			delete(c.members, m.Key())
			changed = true
		}
	default:
		changed = c.put(m)
	}
	c.settle(changed)
	c.mu.Unlock()

	prev.MemberEvent(m)
}

// put adds m and reports whether the view gained a member. Callers hold mu.
func (c *Coordinator) put(m *member.Member) bool {
	if bytes.Equal(m.UniqueID, c.local.UniqueID) {
		return false
	}
	_, known := c.members[m.Key()]
	c.members[m.Key()] = m.WithCommand(member.CommandAdded)
	return !known
}

// settle bumps the view id after a change. Callers hold mu.
func (c *Coordinator) settle(changed bool) {
	if !changed {
		return
	}
	c.viewID++
	telemetry.ViewChangesTotal.Inc()

	view := c.view()
	log.Info().
		Uint64("view", c.viewID).
		Int("members", len(view)).
		Str("coordinator", view[0].String()).
		Bool("local_coordinator", bytes.Equal(view[0].UniqueID, c.local.UniqueID)).
		Msg("Group view changed")
}

// view returns the ordered view including the local member. Callers hold mu.
func (c *Coordinator) view() []*member.Member {
	out := make([]*member.Member, 0, len(c.members)+1)
	out = append(out, c.local)
	for _, m := range c.members {
		out = append(out, m)
	}
	return member.Order(out)
}

// View returns the current group view in absolute order, local member
// included.
func (c *Coordinator) View() []*member.Member {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view()
}

// ViewID increases by one on every change of the view.
func (c *Coordinator) ViewID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viewID
}

// Coordinator returns the first member of the view.
func (c *Coordinator) Coordinator() *member.Member {
	return c.View()[0]
}

func (c *Coordinator) IsCoordinator() bool {
	return bytes.Equal(c.Coordinator().UniqueID, c.local.UniqueID)
}
