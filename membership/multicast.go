package membership

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/notify"
	"github.com/maxpert/huddle/telemetry"
	"github.com/maxpert/huddle/transport"
	"github.com/rs/zerolog/log"
)

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65507

// ErrStopTimeout is returned when discovery loops did not exit within the
// configured grace period.
var ErrStopTimeout = errors.New("membership loops did not stop within grace period")

// MulticastConfig configures heartbeat discovery.
type MulticastConfig struct {
	Opener transport.MulticastOpener
	// Frequency is the heartbeat interval.
	Frequency time.Duration
	// DropTime removes a member after this much silence. It must be at
	// least three heartbeats so a single lost datagram never evicts.
	DropTime time.Duration
	// RecoveryCounter consecutive socket failures make the loop reopen its
	// socket.
	RecoveryCounter int
	// RecoverySleep caps the backoff between failed socket operations.
	RecoverySleep time.Duration
	// StopGrace bounds how long Stop waits for the loops to exit.
	StopGrace time.Duration
}

// DefaultMulticastConfig returns the heartbeat defaults without an opener.
func DefaultMulticastConfig() MulticastConfig {
	return MulticastConfig{
		Frequency:       500 * time.Millisecond,
		DropTime:        3 * time.Second,
		RecoveryCounter: 10,
		RecoverySleep:   5 * time.Second,
		StopGrace:       2 * time.Second,
	}
}

// Validate checks the timing relationships.
func (c MulticastConfig) Validate() error {
	if c.Opener == nil {
		return fmt.Errorf("multicast: socket opener is required")
	}
	if c.Frequency <= 0 {
		return fmt.Errorf("multicast: frequency must be positive")
	}
	if c.DropTime < 3*c.Frequency {
		return fmt.Errorf("multicast: drop time %s must be at least 3x frequency %s", c.DropTime, c.Frequency)
	}
	if c.RecoveryCounter < 1 {
		return fmt.Errorf("multicast: recovery counter must be >= 1")
	}
	return nil
}

// facet is one running loop group with the socket it owns.
type facet struct {
	name    string
	mu      sync.Mutex
	sock    transport.MulticastSocket
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newFacet(name string, sock transport.MulticastSocket) *facet {
	return &facet{name: name, sock: sock, stopCh: make(chan struct{})}
}

func (f *facet) socket() transport.MulticastSocket {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sock
}

func (f *facet) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// replace swaps in a fresh socket. It refuses once the facet is stopped.
func (f *facet) replace(sock transport.MulticastSocket) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		sock.Close()
		return false
	}
	if f.sock != nil {
		f.sock.Close()
	}
	f.sock = sock
	return true
}

// halt marks the facet stopped and wakes its loops. The socket is left
// open; closeSocket releases it.
func (f *facet) halt() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return
	}
	f.stopped = true
	close(f.stopCh)
}

func (f *facet) closeSocket() {
	f.mu.Lock()
	sock := f.sock
	f.sock = nil
	f.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
}

// Multicast discovers members from heartbeats sent to a multicast group.
// The receive facet (MembershipRX) listens and expires silent members; the
// transmit facet (MembershipTX) announces the local member.
type Multicast struct {
	base
	config  MulticastConfig
	members *member.Set
	now     func() time.Time

	mu sync.Mutex
	rx *facet
	tx *facet

	// decide serializes membership decisions with the events they emit, so
	// the receive loop and the expiry sweep cannot reorder one member's
	// events.
	decide sync.Mutex
}

// NewMulticast creates a multicast provider. The config is validated by
// Start.
func NewMulticast(config MulticastConfig) *Multicast {
	return &Multicast{
		base:    base{name: string(KindMulticast)},
		config:  config,
		members: member.NewSet(nil),
		now:     time.Now,
	}
}

func (p *Multicast) Init(local *member.Member, d *notify.Dispatcher) {
	p.base.Init(local, d)
	p.members = member.NewSet(p.localID())
}

func (p *Multicast) Start(ctx context.Context, svc ServiceMask) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	if !svc.Any(MembershipRX | MembershipTX) {
		return nil
	}
	if err := p.config.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	var opened *facet
	if svc.Has(MembershipRX) && p.rx == nil {
		sock, err := p.config.Opener()
		if err != nil {
			p.mu.Unlock()
			telemetry.HeartbeatFailuresTotal.With("open").Inc()
			return fmt.Errorf("open multicast receive socket: %w", err)
		}
		f := newFacet("receive", sock)
		p.rx = f
		opened = f

		f.wg.Add(2)
		go p.receiveLoop(f)
		go p.expireLoop(f)

		log.Info().
			Dur("drop_time", p.config.DropTime).
			Msg("Multicast membership receiver started")
	}

	if svc.Has(MembershipTX) && p.tx == nil {
		sock, err := p.config.Opener()
		if err != nil {
			telemetry.HeartbeatFailuresTotal.With("open").Inc()
			// Undo the receive facet this call opened.
			if opened != nil {
				p.rx = nil
			}
			p.mu.Unlock()
			if opened != nil {
				if serr := p.stopReceive(ctx, opened); serr != nil {
					log.Warn().Err(serr).Msg("Failed to undo multicast receiver after failed start")
				}
			}
			return fmt.Errorf("open multicast send socket: %w", err)
		}
		f := newFacet("send", sock)
		p.tx = f

		// Announce right away instead of waiting a full interval.
		if err := p.sendHeartbeat(sock, member.CommandNone); err != nil {
			log.Warn().Err(err).Msg("Failed to send initial heartbeat")
		}

		f.wg.Add(1)
		go p.sendLoop(f)

		log.Info().
			Dur("frequency", p.config.Frequency).
			Str("member", p.local.String()).
			Msg("Multicast membership sender started")
	}
	p.mu.Unlock()
	return nil
}

// Stop closes the sockets of the requested facets, which interrupts a
// blocked receive, and waits up to StopGrace for the loops to exit.
func (p *Multicast) Stop(ctx context.Context, svc ServiceMask) error {
	if err := svc.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	var rx, tx *facet
	if svc.Has(MembershipRX) {
		rx, p.rx = p.rx, nil
	}
	if svc.Has(MembershipTX) {
		tx, p.tx = p.tx, nil
	}
	p.mu.Unlock()

	var errs []error

	if tx != nil {
		tx.halt()
		if !p.wait(ctx, tx) {
			errs = append(errs, fmt.Errorf("send loop: %w", ErrStopTimeout))
		}
		if sock := tx.socket(); sock != nil {
			if err := p.sendHeartbeat(sock, member.CommandShutdown); err != nil {
				log.Warn().Err(err).Msg("Failed to send shutdown heartbeat")
			}
		}
		tx.closeSocket()
		log.Info().Msg("Multicast membership sender stopped")
	}

	if rx != nil {
		if err := p.stopReceive(ctx, rx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// stopReceive halts the receive facet and reports every member it knew as
// removed.
func (p *Multicast) stopReceive(ctx context.Context, rx *facet) error {
	var err error
	rx.halt()
	rx.closeSocket()
	if !p.wait(ctx, rx) {
		err = fmt.Errorf("receive loop: %w", ErrStopTimeout)
	}

	p.publish(&p.decide, func() []pendingEvent {
		var events []pendingEvent
		for _, m := range p.members.Clear() {
			events = append(events, pendingEvent{m, member.CommandRemoved})
		}
		return events
	})
	log.Info().Msg("Multicast membership receiver stopped")
	return err
}

func (p *Multicast) wait(ctx context.Context, f *facet) bool {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	grace := p.config.StopGrace
	if grace <= 0 {
		grace = DefaultMulticastConfig().StopGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
	case <-ctx.Done():
	}
	log.Warn().
		Str("facet", f.name).
		Dur("grace", grace).
		Msg("Multicast loop did not stop in time")
	return false
}

func (p *Multicast) receiveLoop(f *facet) {
	defer f.wg.Done()

	buf := make([]byte, maxDatagram)
	failures := 0

	for {
		sock := f.socket()
		if sock == nil || f.isStopped() {
			return
		}

		n, addr, err := sock.Receive(buf)
		if err != nil {
			if f.isStopped() {
				return
			}
			failures++
			telemetry.HeartbeatFailuresTotal.With("receive").Inc()
			log.Warn().
				Err(err).
				Int("failures", failures).
				Msg("Failed to receive heartbeat")
			if !p.recover(f, &failures) {
				return
			}
			continue
		}

		failures = 0
		p.handleHeartbeat(f, buf[:n], addr)
	}
}

func (p *Multicast) sendLoop(f *facet) {
	defer f.wg.Done()

	ticker := time.NewTicker(p.config.Frequency)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
		}

		sock := f.socket()
		if sock == nil {
			return
		}
		if err := p.sendHeartbeat(sock, member.CommandNone); err != nil {
			failures++
			telemetry.HeartbeatFailuresTotal.With("send").Inc()
			log.Warn().
				Err(err).
				Int("failures", failures).
				Msg("Failed to send heartbeat")
			if !p.recover(f, &failures) {
				return
			}
			continue
		}
		failures = 0
	}
}

func (p *Multicast) expireLoop(f *facet) {
	defer f.wg.Done()

	ticker := time.NewTicker(p.config.Frequency)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			p.expire()
		}
	}
}

// recover sleeps with exponential backoff and, after RecoveryCounter
// consecutive failures, reopens the facet's socket. It returns false when
// the facet was stopped meanwhile.
func (p *Multicast) recover(f *facet, failures *int) bool {
	backoff := 50 * time.Millisecond << min(*failures-1, 10)
	if p.config.RecoverySleep > 0 && backoff > p.config.RecoverySleep {
		backoff = p.config.RecoverySleep
	}

	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-f.stopCh:
		return false
	case <-timer.C:
	}

	if *failures < p.config.RecoveryCounter {
		return true
	}

	sock, err := p.config.Opener()
	if err != nil {
		telemetry.HeartbeatFailuresTotal.With("open").Inc()
		log.Error().Err(err).Str("facet", f.name).Msg("Failed to reopen multicast socket")
		return true
	}
	if !f.replace(sock) {
		return false
	}
	log.Info().Str("facet", f.name).Int("failures", *failures).Msg("Reopened multicast socket")
	*failures = 0
	return true
}

func (p *Multicast) sendHeartbeat(sock transport.MulticastSocket, cmd member.Command) error {
	data, err := member.Marshal(p.local.WithCommand(cmd))
	if err != nil {
		return err
	}
	if err := sock.Send(data); err != nil {
		return err
	}
	telemetry.HeartbeatsTotal.With("sent").Inc()
	return nil
}

func (p *Multicast) handleHeartbeat(f *facet, data []byte, from net.Addr) {
	m, err := member.Unmarshal(data)
	if err != nil {
		telemetry.FrameErrorsTotal.With("heartbeat").Inc()
		log.Debug().Err(err).Str("from", addrString(from)).Msg("Dropping malformed heartbeat")
		return
	}

	if bytes.Equal(m.UniqueID, p.localID()) || !bytes.Equal(m.Domain, p.local.Domain) {
		telemetry.HeartbeatsTotal.With("ignored").Inc()
		return
	}
	telemetry.HeartbeatsTotal.With("received").Inc()

	p.publish(&p.decide, func() []pendingEvent {
		if f.isStopped() {
			return nil
		}

		if m.Command == member.CommandShutdown {
			if old := p.members.Remove(m.UniqueID); old != nil {
				log.Info().Str("member", old.String()).Msg("Member announced shutdown")
				return []pendingEvent{{old, member.CommandRemoved}}
			}
			return nil
		}

		switch p.members.Alive(m, p.now()) {
		case member.ChangeAdded:
			log.Info().
				Str("member", m.String()).
				Str("from", addrString(from)).
				Msg("Member discovered")
			return []pendingEvent{{m, member.CommandAdded}}
		case member.ChangeRefreshed:
			return []pendingEvent{{m, member.CommandAlive}}
		}
		return nil
	})
}

func (p *Multicast) expire() {
	p.publish(&p.decide, func() []pendingEvent {
		var events []pendingEvent
		for _, m := range p.members.Expire(p.config.DropTime, p.now()) {
			log.Info().
				Str("member", m.String()).
				Dur("drop_time", p.config.DropTime).
				Msg("Member expired")
			events = append(events, pendingEvent{m, member.CommandRemoved})
		}
		return events
	})
}

func (p *Multicast) Members() []*member.Member {
	return p.members.Members()
}

func (p *Multicast) Member(id []byte) (*member.Member, bool) {
	return p.members.Get(id)
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}
