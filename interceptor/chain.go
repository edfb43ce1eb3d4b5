package interceptor

import (
	"context"
	"errors"

	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/membership"
	"github.com/maxpert/huddle/notify"
	"github.com/rs/zerolog/log"
)

var errUnbound = errors.New("interceptor chain is not bound")

// Chain owns its stages. It is assembled once with NewChain and Bind and
// never changes while traffic flows.
type Chain struct {
	stages     []Interceptor
	top        Top
	bottom     Bottom
	dispatcher *notify.Dispatcher
}

// NewChain lays out stages with stages[0] nearest the channel.
func NewChain(stages ...Interceptor) *Chain {
	return &Chain{stages: append([]Interceptor(nil), stages...)}
}

// Bind connects the chain ends. d runs MemberEventAsync deliveries; nil
// runs them inline.
func (c *Chain) Bind(top Top, bottom Bottom, d *notify.Dispatcher) {
	c.top = top
	c.bottom = bottom
	c.dispatcher = d
}

// Len is the number of stages, excluding both ends.
func (c *Chain) Len() int {
	return len(c.stages)
}

// Head is the entry point for downward calls.
func (c *Chain) Head() Next {
	return Next{c: c, i: 0}
}

// Tail is the entry point for upward calls coming from the bottom.
func (c *Chain) Tail() Prev {
	return Prev{c: c, i: len(c.stages) - 1}
}

// Next addresses the stage at index i, or the bottom past the last stage.
type Next struct {
	c *Chain
	i int
}

func (n Next) stage() (Interceptor, bool) {
	if n.i < len(n.c.stages) {
		return n.c.stages[n.i], true
	}
	return nil, false
}

func (n Next) links() (Next, Prev) {
	return Next{c: n.c, i: n.i + 1}, Prev{c: n.c, i: n.i - 1}
}

func (n Next) Start(ctx context.Context, svc membership.ServiceMask) error {
	if s, ok := n.stage(); ok {
		next, prev := n.links()
		return s.Start(ctx, svc, next, prev)
	}
	if n.c.bottom == nil {
		return errUnbound
	}
	return n.c.bottom.Start(ctx, svc)
}

func (n Next) Stop(ctx context.Context, svc membership.ServiceMask) error {
	if s, ok := n.stage(); ok {
		next, prev := n.links()
		return s.Stop(ctx, svc, next, prev)
	}
	if n.c.bottom == nil {
		return errUnbound
	}
	return n.c.bottom.Stop(ctx, svc)
}

func (n Next) SendMessage(ctx context.Context, dests []*member.Member, msg *Message) error {
	if s, ok := n.stage(); ok {
		next, _ := n.links()
		return s.SendMessage(ctx, dests, msg, next)
	}
	if n.c.bottom == nil {
		return errUnbound
	}
	return n.c.bottom.SendMessage(ctx, dests, msg)
}

func (n Next) Members() []*member.Member {
	if s, ok := n.stage(); ok {
		next, _ := n.links()
		return s.Members(next)
	}
	if n.c.bottom == nil {
		return nil
	}
	return n.c.bottom.Members()
}

func (n Next) Member(id []byte) (*member.Member, error) {
	if s, ok := n.stage(); ok {
		next, _ := n.links()
		return s.Member(id, next)
	}
	if n.c.bottom == nil {
		return nil, &MemberNotFoundError{ID: id}
	}
	return n.c.bottom.Member(id)
}

// Prev addresses the stage at index i, or the top before stage 0.
type Prev struct {
	c *Chain
	i int
}

func (p Prev) stage() (Interceptor, bool) {
	if p.i >= 0 {
		return p.c.stages[p.i], true
	}
	return nil, false
}

func (p Prev) up() Prev {
	return Prev{c: p.c, i: p.i - 1}
}

func (p Prev) MessageReceived(msg *Message) {
	if s, ok := p.stage(); ok {
		s.MessageReceived(msg, p.up())
		return
	}
	if p.c.top != nil {
		p.c.top.MessageReceived(msg)
	}
}

func (p Prev) MemberEvent(m *member.Member) {
	if s, ok := p.stage(); ok {
		s.MemberEvent(m, p.up())
		return
	}
	if p.c.top != nil {
		p.c.top.MemberEvent(m)
	}
}

// MemberEventAsync hands the upward delivery of m to the dispatcher and
// returns at once. Panics in listeners are recovered and logged there.
func (p Prev) MemberEventAsync(m *member.Member) {
	accepted := p.c.dispatcher.Submit(m.UniqueID, "interceptor.member_event", func() {
		p.MemberEvent(m)
	})
	if !accepted {
		log.Warn().
			Str("member", m.String()).
			Str("event", m.Command.String()).
			Msg("Failed to deliver member event, dispatcher stopped")
	}
}
