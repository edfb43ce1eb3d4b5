package membership

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/notify"
	"github.com/rs/zerolog/log"
)

// StaticConfig configures a Static provider.
type StaticConfig struct {
	Members []*member.Member
	// ExpireTimeout drops members learned through Observe after this much
	// silence. Zero keeps them until the provider stops.
	ExpireTimeout time.Duration
}

// Static is a provider backed by an explicit member list. Members seen in
// inbound traffic (Observe) form a second, expiring set.
type Static struct {
	base

	mu      sync.Mutex
	members []*member.Member // copy-on-write
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	dynamic       *member.Set
	expireTimeout time.Duration
	now           func() time.Time
}

// NewStatic creates a static provider from config.
func NewStatic(config StaticConfig) *Static {
	s := &Static{
		base:          base{name: string(KindStatic)},
		expireTimeout: config.ExpireTimeout,
		now:           time.Now,
		dynamic:       member.NewSet(nil),
	}
	for _, m := range config.Members {
		s.members = upsert(s.members, m.Clone())
	}
	return s
}

// Init drops the local member from the configured list.
func (s *Static) Init(local *member.Member, d *notify.Dispatcher) {
	s.base.Init(local, d)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dynamic = member.NewSet(s.localID())
	next := make([]*member.Member, 0, len(s.members))
	for _, m := range s.members {
		if !bytes.Equal(m.UniqueID, s.localID()) {
			next = append(next, m)
		}
	}
	s.members = next
}

// Start emits MemberAdded for every configured member when svc includes
// MembershipRX. Events are delivered asynchronously; Start does not wait
// for listeners.
func (s *Static) Start(ctx context.Context, svc ServiceMask) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	if !svc.Has(MembershipRX) {
		return nil
	}

	s.publish(&s.mu, func() []pendingEvent {
		if s.running {
			return nil
		}
		s.running = true
		s.stopCh = make(chan struct{})

		log.Info().
			Str("provider", s.name).
			Int("members", len(s.members)).
			Msg("Starting static membership")

		if s.expireTimeout > 0 {
			s.wg.Add(1)
			go s.expireLoop(s.stopCh)
		}

		events := make([]pendingEvent, 0, len(s.members))
		for _, m := range s.members {
			events = append(events, pendingEvent{m, member.CommandAdded})
		}
		return events
	})
	return nil
}

// Stop halts event delivery and the expiry sweep for MembershipRX.
func (s *Static) Stop(ctx context.Context, svc ServiceMask) error {
	if err := svc.Validate(); err != nil {
		return err
	}
	if !svc.Has(MembershipRX) {
		return nil
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	// Observed members leave the view; configured ones stay listed.
	s.publish(&s.mu, func() []pendingEvent {
		var events []pendingEvent
		for _, m := range s.dynamic.Clear() {
			events = append(events, pendingEvent{m, member.CommandRemoved})
		}
		return events
	})

	log.Info().Str("provider", s.name).Msg("Stopped static membership")
	return nil
}

// Add inserts or replaces a configured member. A running provider reports
// new ids as added and replaced ones as alive. An id that was only observed
// so far becomes configured and no longer expires.
func (s *Static) Add(m *member.Member) {
	if bytes.Equal(m.UniqueID, s.localID()) {
		return
	}

	s.publish(&s.mu, func() []pendingEvent {
		existed := member.Find(s.members, m.UniqueID) != nil
		if s.dynamic.Remove(m.UniqueID) != nil {
			existed = true
		}
		s.members = upsert(s.members, m.Clone())
		if !s.running {
			return nil
		}
		if existed {
			return []pendingEvent{{m, member.CommandAlive}}
		}
		return []pendingEvent{{m, member.CommandAdded}}
	})
}

// Remove deletes a configured member and reports whether it was present.
func (s *Static) Remove(id []byte) bool {
	found := false
	s.publish(&s.mu, func() []pendingEvent {
		old := member.Find(s.members, id)
		if old == nil {
			return nil
		}
		found = true

		next := make([]*member.Member, 0, len(s.members)-1)
		for _, m := range s.members {
			if !bytes.Equal(m.UniqueID, id) {
				next = append(next, m)
			}
		}
		s.members = next

		if !s.running {
			return nil
		}
		return []pendingEvent{{old, member.CommandRemoved}}
	})
	return found
}

// Observe records a member seen in inbound traffic. Configured members and
// the local member are ignored.
func (s *Static) Observe(m *member.Member) {
	s.publish(&s.mu, func() []pendingEvent {
		if !s.running || member.Find(s.members, m.UniqueID) != nil {
			return nil
		}

		prev, known := s.dynamic.Get(m.UniqueID)
		switch s.dynamic.Alive(m, s.now()) {
		case member.ChangeAdded:
			return []pendingEvent{{m, member.CommandAdded}}
		case member.ChangeRefreshed:
			if known && !prev.SameSnapshot(m) {
				return []pendingEvent{{m, member.CommandAlive}}
			}
		}
		return nil
	})
}

func (s *Static) expireLoop(stopCh chan struct{}) {
	defer s.wg.Done()

	interval := s.expireTimeout / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expire()
		case <-stopCh:
			return
		}
	}
}

func (s *Static) expire() {
	s.publish(&s.mu, func() []pendingEvent {
		if !s.running {
			return nil
		}
		var events []pendingEvent
		for _, m := range s.dynamic.Expire(s.expireTimeout, s.now()) {
			log.Info().
				Str("provider", s.name).
				Str("member", m.String()).
				Dur("timeout", s.expireTimeout).
				Msg("Observed member expired")
			events = append(events, pendingEvent{m, member.CommandRemoved})
		}
		return events
	})
}

// Members returns observed members merged with the configured ones.
func (s *Static) Members() []*member.Member {
	s.mu.Lock()
	static := s.members
	s.mu.Unlock()

	copies := make([]*member.Member, len(static))
	for i, m := range static {
		copies[i] = m.Clone()
	}
	return member.Merge(s.dynamic.Members(), copies)
}

func (s *Static) Member(id []byte) (*member.Member, bool) {
	if m, ok := s.dynamic.Get(id); ok {
		return m, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m := member.Find(s.members, id); m != nil {
		return m.Clone(), true
	}
	return nil, false
}

// upsert returns a new slice with m replacing the entry of the same id, or
// appended.
func upsert(members []*member.Member, m *member.Member) []*member.Member {
	next := make([]*member.Member, 0, len(members)+1)
	replaced := false
	for _, existing := range members {
		if existing.Equal(m) {
			next = append(next, m)
			replaced = true
			continue
		}
		next = append(next, existing)
	}
	if !replaced {
		next = append(next, m)
	}
	return next
}
