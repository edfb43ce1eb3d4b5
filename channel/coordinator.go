package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/maxpert/huddle/encoding"
	"github.com/maxpert/huddle/interceptor"
	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/membership"
	"github.com/maxpert/huddle/telemetry"
	"github.com/maxpert/huddle/transport"
	"github.com/rs/zerolog/log"
)

const membershipFacets = membership.MembershipRX | membership.MembershipTX

// coordinator is the bottom of the chain. It maps facets onto the
// provider and the transports and turns inbound frames into messages.
type coordinator struct {
	local    *member.Member
	provider membership.Provider
	receiver transport.Receiver
	sender   transport.Sender
	parallel *transport.ParallelSender
	chain    *interceptor.Chain

	mu      sync.Mutex
	started membership.ServiceMask
}

func newCoordinator(c Config, chain *interceptor.Chain) *coordinator {
	co := &coordinator{
		local:    c.Local,
		provider: c.Provider,
		receiver: c.Receiver,
		sender:   c.Sender,
		chain:    chain,
	}
	if c.Sender != nil {
		co.parallel = transport.NewParallelSender(c.Sender, c.SendTimeout)
	}
	c.Provider.AddListener(co)
	return co
}

// Start brings up the requested facets. A failure undoes whatever this
// call already started.
func (co *coordinator) Start(ctx context.Context, svc membership.ServiceMask) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	svc &^= co.started
	var done membership.ServiceMask

	if svc.Has(membership.SendRX) {
		if co.receiver == nil {
			return fmt.Errorf("start %s: no receiver configured", membership.SendRX)
		}
		if err := co.receiver.Start(co.handleFrame); err != nil {
			return fmt.Errorf("start receiver: %w", err)
		}
		done |= membership.SendRX
	}

	if svc.Has(membership.SendTX) {
		if co.parallel == nil {
			co.rollback(ctx, done)
			return fmt.Errorf("start %s: no sender configured", membership.SendTX)
		}
		done |= membership.SendTX
	}

	if m := svc & membershipFacets; m != 0 {
		if err := co.provider.Start(ctx, m); err != nil {
			co.rollback(ctx, done)
			return fmt.Errorf("start %s membership: %w", co.provider.Name(), err)
		}
		done |= m
	}

	co.started |= done
	return nil
}

func (co *coordinator) rollback(ctx context.Context, svc membership.ServiceMask) {
	if svc == 0 {
		return
	}
	if err := co.stop(ctx, svc); err != nil {
		log.Warn().Err(err).Str("services", svc.String()).Msg("Failed to roll back partially started services")
	}
}

func (co *coordinator) Stop(ctx context.Context, svc membership.ServiceMask) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	svc &= co.started
	err := co.stop(ctx, svc)
	co.started &^= svc
	return err
}

func (co *coordinator) stop(ctx context.Context, svc membership.ServiceMask) error {
	var errs []error

	if m := svc & membershipFacets; m != 0 {
		if err := co.provider.Stop(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("stop %s membership: %w", co.provider.Name(), err))
		}
	}
	if svc.Has(membership.SendRX) && co.receiver != nil {
		if err := co.receiver.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop receiver: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SendMessage encodes msg once and writes the frame to every destination
// in parallel.
func (co *coordinator) SendMessage(ctx context.Context, dests []*member.Member, msg *interceptor.Message) error {
	if co.parallel == nil {
		return transport.ErrClosed
	}
	data, err := encoding.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return co.parallel.SendAll(ctx, dests, encoding.Serialize(data))
}

func (co *coordinator) Members() []*member.Member {
	return co.provider.Members()
}

func (co *coordinator) Member(id []byte) (*member.Member, error) {
	if m, ok := co.provider.Member(id); ok {
		return m, nil
	}
	return nil, &interceptor.MemberNotFoundError{ID: id}
}

// handleFrame runs on the receiver's connection goroutine. A message that
// fails to decode is dropped; the connection keeps going.
func (co *coordinator) handleFrame(payload []byte, remote net.Addr) {
	var msg interceptor.Message
	if err := encoding.Unmarshal(payload, &msg); err != nil {
		telemetry.FrameErrorsTotal.With("decode").Inc()
		log.Warn().
			Err(err).
			Str("peer", remote.String()).
			Int("bytes", len(payload)).
			Msg("Failed to decode message, dropping")
		return
	}

	co.chain.Tail().MessageReceived(&msg)
}

// observe reports the sender of a message that made it through the chain
// to providers that learn members from traffic.
func (co *coordinator) observe(src *member.Member) {
	if src == nil || len(src.UniqueID) == 0 {
		return
	}
	if obs, ok := co.provider.(membership.Observer); ok {
		obs.Observe(src)
	}
}

// Provider listener: events already run on the dispatcher.

func (co *coordinator) MemberAdded(m *member.Member) {
	co.chain.Tail().MemberEvent(m)
}

func (co *coordinator) MemberAlive(m *member.Member) {
	co.chain.Tail().MemberEvent(m)
}

func (co *coordinator) MemberRemoved(m *member.Member) {
	if d, ok := co.sender.(interface{ Disconnect(*member.Member) }); ok {
		d.Disconnect(m)
	}
	co.chain.Tail().MemberEvent(m)
}

func (co *coordinator) close() error {
	co.provider.RemoveListener(co)
	if c, ok := co.sender.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
