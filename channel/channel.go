// Package channel is the entry point applications use: it owns a
// membership provider, an interceptor chain and the transports, and exposes
// start/stop, send and listener registration.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/huddle/encoding"
	"github.com/maxpert/huddle/interceptor"
	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/membership"
	"github.com/maxpert/huddle/notify"
	"github.com/maxpert/huddle/telemetry"
	"github.com/maxpert/huddle/transport"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle position of a Channel.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ChannelStoppedError is returned by Send when the channel is not running
// with its send facet started.
type ChannelStoppedError struct {
	State State
}

func (e *ChannelStoppedError) Error() string {
	return fmt.Sprintf("channel is %s, cannot send", e.State)
}

// Received is an inbound message as handed to message listeners.
type Received struct {
	ID     string
	Source *member.Member
	SentAt time.Time
	// Payload holds the bytes of a byte message.
	Payload []byte
	// Object holds the decoded value of an object message.
	Object interface{}
}

// MessageListener receives inbound messages on the connection goroutine
// that read them. Panics are recovered and logged.
type MessageListener interface {
	MessageReceived(r *Received)
}

// MessageListenerFunc adapts a function to MessageListener.
type MessageListenerFunc func(r *Received)

func (f MessageListenerFunc) MessageReceived(r *Received) {
	f(r)
}

// Config assembles a Channel.
type Config struct {
	Local    *member.Member
	Provider membership.Provider
	// Receiver serves the SendRX facet; nil disables it.
	Receiver transport.Receiver
	// Sender serves the SendTX facet; nil disables it.
	Sender transport.Sender
	// SendTimeout bounds each destination of a send.
	SendTimeout time.Duration
	// Interceptors are ordered from the channel toward the transport.
	Interceptors []interceptor.Interceptor
	// Registry decodes object messages; nil rejects SendObject.
	Registry *encoding.Registry
	// Dispatcher runs listener callbacks. When nil the channel creates and
	// owns one sized by DispatchWorkers and DispatchQueueSize.
	Dispatcher        *notify.Dispatcher
	DispatchWorkers   int
	DispatchQueueSize int
}

// Channel composes a provider, an interceptor chain and the transports.
type Channel struct {
	local          *member.Member
	chain          *interceptor.Chain
	coord          *coordinator
	group          *interceptor.Coordinator
	registry       *encoding.Registry
	dispatcher     *notify.Dispatcher
	ownsDispatcher bool

	// lifecycle serializes Start, Stop and Close.
	lifecycle sync.Mutex
	state     atomic.Int32
	facets    atomic.Uint32
	closed    bool
	// sending is true while the SendTX facet accepts messages. Only
	// transitions of SendTX touch it.
	sending atomic.Bool

	listenersMu         sync.RWMutex
	membershipListeners []membership.Listener
	messageListeners    []MessageListener
}

// New builds a stopped channel.
func New(c Config) (*Channel, error) {
	if c.Local == nil || len(c.Local.UniqueID) == 0 {
		return nil, errors.New("channel: local member with a unique id is required")
	}
	if c.Provider == nil {
		return nil, errors.New("channel: membership provider is required")
	}

	ch := &Channel{
		local:      c.Local.Clone(),
		registry:   c.Registry,
		dispatcher: c.Dispatcher,
	}
	if ch.dispatcher == nil {
		ch.dispatcher = notify.NewDispatcher(c.DispatchWorkers, c.DispatchQueueSize)
		ch.ownsDispatcher = true
	}

	c.Provider.Init(ch.local, ch.dispatcher)

	for _, stage := range c.Interceptors {
		if g, ok := stage.(*interceptor.Coordinator); ok {
			ch.group = g
		}
	}

	ch.chain = interceptor.NewChain(c.Interceptors...)
	ch.coord = newCoordinator(c, ch.chain)
	ch.chain.Bind(ch, ch.coord, ch.dispatcher)
	return ch, nil
}

// State returns the current lifecycle state.
func (ch *Channel) State() State {
	return State(ch.state.Load())
}

// Services returns the facets currently started.
func (ch *Channel) Services() membership.ServiceMask {
	return membership.ServiceMask(ch.facets.Load())
}

// Start starts the facets in svc that are not running yet. Starting an
// already started facet is a no-op.
func (ch *Channel) Start(ctx context.Context, svc membership.ServiceMask) error {
	if err := svc.Validate(); err != nil {
		return err
	}

	ch.lifecycle.Lock()
	defer ch.lifecycle.Unlock()

	if ch.closed {
		return &ChannelStoppedError{State: StateStopped}
	}

	current := ch.Services()
	pending := svc &^ current
	if pending == 0 {
		return nil
	}

	ch.state.Store(int32(StateStarting))
	err := ch.chain.Head().Start(ctx, pending)
	if err != nil {
		ch.settle(current)
		return err
	}

	ch.settle(current | pending)
	if pending.Has(membership.SendTX) {
		ch.sending.Store(true)
	}
	log.Info().
		Str("member", ch.local.String()).
		Str("services", ch.Services().String()).
		Msg("Channel started")
	return nil
}

// Stop stops the facets in svc that are running. Stop(membership.Default)
// tears everything down. Resources are released even when a facet reports
// an error.
func (ch *Channel) Stop(ctx context.Context, svc membership.ServiceMask) error {
	if err := svc.Validate(); err != nil {
		return err
	}

	ch.lifecycle.Lock()
	defer ch.lifecycle.Unlock()

	return ch.stop(ctx, svc)
}

func (ch *Channel) stop(ctx context.Context, svc membership.ServiceMask) error {
	current := ch.Services()
	running := svc & current
	if running == 0 {
		return nil
	}

	if running.Has(membership.SendTX) {
		ch.sending.Store(false)
	}
	ch.state.Store(int32(StateStopping))
	err := ch.chain.Head().Stop(ctx, running)
	ch.settle(current &^ running)

	log.Info().
		Str("member", ch.local.String()).
		Str("stopped", running.String()).
		Str("remaining", ch.Services().String()).
		Msg("Channel stopped")
	return err
}

func (ch *Channel) settle(facets membership.ServiceMask) {
	ch.facets.Store(uint32(facets))
	if facets == 0 {
		ch.state.Store(int32(StateStopped))
	} else {
		ch.state.Store(int32(StateRunning))
	}
}

// Close stops every facet and releases the sender and dispatcher. A closed
// channel cannot be started again.
func (ch *Channel) Close(ctx context.Context) error {
	ch.lifecycle.Lock()
	defer ch.lifecycle.Unlock()

	if ch.closed {
		return nil
	}
	ch.closed = true

	err := ch.stop(ctx, membership.Default)
	if cerr := ch.coord.close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if ch.ownsDispatcher {
		ch.dispatcher.Stop()
	}
	return err
}

// Send delivers payload to every destination. Failures are reported per
// destination in a *transport.SendError; the other destinations are still
// delivered.
func (ch *Channel) Send(ctx context.Context, dests []*member.Member, payload []byte) error {
	return ch.send(ctx, dests, interceptor.OptionByteMessage, payload)
}

// SendObject encodes v through the registry and sends it like Send.
func (ch *Channel) SendObject(ctx context.Context, dests []*member.Member, v interface{}) error {
	if ch.registry == nil {
		return errors.New("channel: no object registry configured")
	}
	data, err := ch.registry.Encode(v)
	if err != nil {
		return err
	}
	return ch.send(ctx, dests, interceptor.OptionObject, data)
}

func (ch *Channel) send(ctx context.Context, dests []*member.Member, opts interceptor.Options, payload []byte) error {
	if !ch.sending.Load() {
		return &ChannelStoppedError{State: ch.State()}
	}
	if len(dests) == 0 {
		return nil
	}
	msg := interceptor.NewMessage(ch.local, opts, payload)
	return ch.chain.Head().SendMessage(ctx, dests, msg)
}

// Members returns the merged view of the chain in absolute order.
func (ch *Channel) Members() []*member.Member {
	return ch.chain.Head().Members()
}

// MemberCount is the size of Members.
func (ch *Channel) MemberCount() int {
	return len(ch.Members())
}

// Member returns the richest known instance of the member with id, or a
// *interceptor.MemberNotFoundError.
func (ch *Channel) Member(id []byte) (*member.Member, error) {
	return ch.chain.Head().Member(id)
}

// LocalMember returns a copy of this process's member.
func (ch *Channel) LocalMember() *member.Member {
	return ch.local.Clone()
}

// Group returns the coordinator stage of the chain, or nil when none is
// configured.
func (ch *Channel) Group() *interceptor.Coordinator {
	return ch.group
}

func (ch *Channel) AddMembershipListener(l membership.Listener) {
	ch.listenersMu.Lock()
	defer ch.listenersMu.Unlock()

	for _, existing := range ch.membershipListeners {
		if existing == l {
			return
		}
	}
	ch.membershipListeners = append(append([]membership.Listener(nil), ch.membershipListeners...), l)
}

func (ch *Channel) RemoveMembershipListener(l membership.Listener) {
	ch.listenersMu.Lock()
	defer ch.listenersMu.Unlock()

	next := make([]membership.Listener, 0, len(ch.membershipListeners))
	for _, existing := range ch.membershipListeners {
		if existing != l {
			next = append(next, existing)
		}
	}
	ch.membershipListeners = next
}

func (ch *Channel) AddMessageListener(l MessageListener) {
	ch.listenersMu.Lock()
	defer ch.listenersMu.Unlock()

	ch.messageListeners = append(append([]MessageListener(nil), ch.messageListeners...), l)
}

// RemoveMessageListener removes l. Func listeners cannot be compared and
// are only removed through the wrapper they were registered with.
func (ch *Channel) RemoveMessageListener(l MessageListener) {
	ch.listenersMu.Lock()
	defer ch.listenersMu.Unlock()

	next := make([]MessageListener, 0, len(ch.messageListeners))
	for _, existing := range ch.messageListeners {
		if !sameListener(existing, l) {
			next = append(next, existing)
		}
	}
	ch.messageListeners = next
}

func sameListener(a, b MessageListener) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// MemberEvent is the top of the chain for membership changes. It runs on a
// dispatcher worker.
func (ch *Channel) MemberEvent(m *member.Member) {
	ch.listenersMu.RLock()
	listeners := ch.membershipListeners
	ch.listenersMu.RUnlock()

	for _, l := range listeners {
		notify.Run("channel.membership", func() { membership.Notify(l, m) })
	}
}

// MessageReceived is the top of the chain for inbound messages. The sender
// is reported to observing providers before listeners run.
func (ch *Channel) MessageReceived(msg *interceptor.Message) {
	ch.coord.observe(msg.Source)

	r := &Received{
		ID:     msg.IDString(),
		Source: msg.Source,
		SentAt: time.Unix(0, msg.Timestamp),
	}

	if msg.Options.Has(interceptor.OptionObject) {
		if ch.registry == nil {
			log.Warn().Str("message", r.ID).Str("source", msg.Source.String()).Msg("Dropping object message, no registry configured")
			return
		}
		obj, err := ch.registry.Decode(msg.Payload)
		if err != nil {
			telemetry.FrameErrorsTotal.With("object").Inc()
			log.Warn().Err(err).Str("message", r.ID).Str("source", msg.Source.String()).Msg("Failed to decode object message, dropping")
			return
		}
		r.Object = obj
	} else {
		r.Payload = msg.Payload
	}

	ch.listenersMu.RLock()
	listeners := ch.messageListeners
	ch.listenersMu.RUnlock()

	for _, l := range listeners {
		notify.Run("channel.message", func() { l.MessageReceived(r) })
	}
}
