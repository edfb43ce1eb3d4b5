package membership

import (
	"sync"

	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/notify"
	"github.com/maxpert/huddle/telemetry"
	"github.com/rs/zerolog/log"
)

// base holds what every provider shares: the local member, the dispatcher
// and the listener list.
type base struct {
	name       string
	local      *member.Member
	dispatcher *notify.Dispatcher

	listenersMu sync.RWMutex
	listeners   []Listener

	// emitMu orders batches from publish. Submit may block on a full
	// dispatcher queue, so it is never held together with a state lock.
	emitMu sync.Mutex
}

// pendingEvent is an event decided under a provider lock and not yet
// handed to the dispatcher.
type pendingEvent struct {
	m   *member.Member
	cmd member.Command
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Init(local *member.Member, dispatcher *notify.Dispatcher) {
	b.local = local.Clone()
	b.dispatcher = dispatcher
}

func (b *base) localID() []byte {
	if b.local == nil {
		return nil
	}
	return b.local.UniqueID
}

// AddListener registers l; adding the same listener twice is a no-op.
func (b *base) AddListener(l Listener) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()

	for _, existing := range b.listeners {
		if existing == l {
			return
		}
	}
	next := make([]Listener, len(b.listeners), len(b.listeners)+1)
	copy(next, b.listeners)
	b.listeners = append(next, l)
}

func (b *base) RemoveListener(l Listener) {
	b.listenersMu.Lock()
	defer b.listenersMu.Unlock()

	next := make([]Listener, 0, len(b.listeners))
	for _, existing := range b.listeners {
		if existing != l {
			next = append(next, existing)
		}
	}
	b.listeners = next
}

// publish runs decide under mu and emits the events it returns after mu is
// released. emitMu is taken before mu is dropped, so batches leave in the
// order they were decided while listeners that read provider state never
// wait on a blocked Submit.
func (b *base) publish(mu sync.Locker, decide func() []pendingEvent) {
	mu.Lock()
	events := decide()
	if len(events) == 0 {
		mu.Unlock()
		return
	}
	b.emitMu.Lock()
	mu.Unlock()
	defer b.emitMu.Unlock()

	for _, e := range events {
		b.emit(e.m, e.cmd)
	}
}

// emit delivers m, tagged with cmd, to the listeners registered right now.
// Callers that need per-member ordering must serialize their emit calls.
func (b *base) emit(m *member.Member, cmd member.Command) {
	event := m.WithCommand(cmd)

	b.listenersMu.RLock()
	listeners := b.listeners
	b.listenersMu.RUnlock()

	telemetry.MembershipEventsTotal.With(b.name, cmd.String()).Inc()
	log.Debug().
		Str("provider", b.name).
		Str("event", cmd.String()).
		Str("member", event.String()).
		Msg("Membership event")

	if len(listeners) == 0 {
		return
	}

	name := "membership." + cmd.String()
	accepted := b.dispatcher.Submit(event.UniqueID, name, func() {
		for _, l := range listeners {
			notify.Run(name, func() { Notify(l, event) })
		}
	})
	if !accepted {
		log.Warn().
			Str("provider", b.name).
			Str("event", cmd.String()).
			Str("member", event.String()).
			Msg("Failed to deliver membership event, dispatcher stopped")
	}
}
