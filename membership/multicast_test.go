package membership

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/transport"
)

var hubAddr = &net.UDPAddr{IP: net.IPv4(228, 0, 0, 4), Port: 45564}

// hub is an in-memory multicast group: every datagram reaches every open
// socket, the sender included.
type hub struct {
	mu      sync.Mutex
	sockets map[*hubSocket]struct{}
	opens   atomic.Int32
}

func newHub() *hub {
	return &hub{sockets: map[*hubSocket]struct{}{}}
}

func (h *hub) opener() transport.MulticastOpener {
	return func() (transport.MulticastSocket, error) {
		h.opens.Add(1)
		s := &hubSocket{hub: h, inbox: make(chan []byte, 256), closed: make(chan struct{})}
		h.mu.Lock()
		h.sockets[s] = struct{}{}
		h.mu.Unlock()
		return s, nil
	}
}

func (h *hub) broadcast(b []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sockets {
		select {
		case s.inbox <- append([]byte(nil), b...):
		default:
		}
	}
}

type hubSocket struct {
	hub    *hub
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once
}

func (s *hubSocket) Send(b []byte) error {
	select {
	case <-s.closed:
		return net.ErrClosed
	default:
	}
	s.hub.broadcast(b)
	return nil
}

func (s *hubSocket) Receive(buf []byte) (int, net.Addr, error) {
	select {
	case b := <-s.inbox:
		return copy(buf, b), hubAddr, nil
	case <-s.closed:
		return 0, nil, net.ErrClosed
	}
}

func (s *hubSocket) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.hub.mu.Lock()
		delete(s.hub.sockets, s)
		s.hub.mu.Unlock()
	})
	return nil
}

func fastConfig(opener transport.MulticastOpener) MulticastConfig {
	return MulticastConfig{
		Opener:          opener,
		Frequency:       10 * time.Millisecond,
		DropTime:        60 * time.Millisecond,
		RecoveryCounter: 2,
		RecoverySleep:   20 * time.Millisecond,
		StopGrace:       time.Second,
	}
}

func startMulticast(t *testing.T, h *hub, local *member.Member, svc ServiceMask) (*Multicast, *recorder) {
	t.Helper()
	p := NewMulticast(fastConfig(h.opener()))
	p.Init(local, nil)
	r := &recorder{}
	p.AddListener(r)
	require.NoError(t, p.Start(context.Background(), svc))
	return p, r
}

func heartbeat(t *testing.T, m *member.Member) []byte {
	t.Helper()
	data, err := member.Marshal(m)
	require.NoError(t, err)
	return data
}

func TestMulticast_ConfigValidation(t *testing.T) {
	c := fastConfig(nil)
	assert.Error(t, c.Validate())

	c = fastConfig(newHub().opener())
	assert.NoError(t, c.Validate())

	c.DropTime = 2 * c.Frequency
	assert.Error(t, c.Validate())

	c = fastConfig(newHub().opener())
	c.RecoveryCounter = 0
	assert.Error(t, c.Validate())
}

func TestMulticast_MembersDiscoverEachOther(t *testing.T) {
	h := newHub()
	a, ra := startMulticast(t, h, mk(1, "a"), Default)
	b, rb := startMulticast(t, h, mk(2, "b"), Default)

	require.Eventually(t, func() bool { return ra.count("added", 2) == 1 && rb.count("added", 1) == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return ra.count("alive", 2) > 0 }, time.Second, 5*time.Millisecond)

	members := a.Members()
	require.Len(t, members, 1)
	assert.Equal(t, []byte{2}, members[0].UniqueID)
	assert.Equal(t, 0, ra.count("added", 1), "local member is never reported")

	// Shutdown heartbeat removes b right away rather than after DropTime.
	require.NoError(t, b.Stop(context.Background(), Default))
	require.Eventually(t, func() bool { return ra.count("removed", 2) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, a.Members())
	assert.Empty(t, b.Members())

	require.NoError(t, a.Stop(context.Background(), Default))
	assert.Equal(t, 1, rb.count("added", 1))
}

func TestMulticast_SilentMemberExpiresOnce(t *testing.T) {
	h := newHub()
	p, r := startMulticast(t, h, mk(1, "a"), MembershipRX)
	defer p.Stop(context.Background(), Default)

	h.broadcast(heartbeat(t, mk(7, "ghost")))

	require.Eventually(t, func() bool { return r.count("removed", 7) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, []event{{"added", 7}, {"removed", 7}}, r.snapshot())
	_, ok := p.Member([]byte{7})
	assert.False(t, ok)
}

func TestMulticast_IgnoresOtherDomainsAndGarbage(t *testing.T) {
	h := newHub()
	local := mk(1, "a")
	local.Domain = []byte("blue")
	p, r := startMulticast(t, h, local, MembershipRX)
	defer p.Stop(context.Background(), Default)

	foreign := mk(5, "e")
	foreign.Domain = []byte("green")
	h.broadcast(heartbeat(t, foreign))
	h.broadcast([]byte("not a heartbeat"))

	same := mk(6, "f")
	same.Domain = []byte("blue")
	h.broadcast(heartbeat(t, same))

	require.Eventually(t, func() bool { return r.count("added", 6) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.count("added", 5))
}

func TestMulticast_ReceiveOnlyDoesNotAnnounce(t *testing.T) {
	h := newHub()
	watcher, _ := startMulticast(t, h, mk(1, "watcher"), ReceiveOnly)
	defer watcher.Stop(context.Background(), Default)
	peer, rp := startMulticast(t, h, mk(2, "peer"), Default)
	defer peer.Stop(context.Background(), Default)

	require.Eventually(t, func() bool { return len(watcher.Members()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, rp.count("added", 1))
}

// blockingSocket never returns from Receive until closed.
type blockingSocket struct {
	closed chan struct{}
	once   sync.Once
}

func (s *blockingSocket) Send([]byte) error { return nil }
func (s *blockingSocket) Receive([]byte) (int, net.Addr, error) {
	<-s.closed
	return 0, nil, net.ErrClosed
}
func (s *blockingSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func TestMulticast_StopInterruptsBlockedReceive(t *testing.T) {
	opener := func() (transport.MulticastSocket, error) {
		return &blockingSocket{closed: make(chan struct{})}, nil
	}
	p := NewMulticast(fastConfig(opener))
	p.Init(mk(1, "a"), nil)
	require.NoError(t, p.Start(context.Background(), Default))

	start := time.Now()
	require.NoError(t, p.Stop(context.Background(), Default))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// Stopping twice is harmless.
	require.NoError(t, p.Stop(context.Background(), Default))
}

// failingSocket errors on every operation.
type failingSocket struct{}

func (failingSocket) Send([]byte) error                     { return errors.New("network unreachable") }
func (failingSocket) Receive([]byte) (int, net.Addr, error) { return 0, nil, errors.New("network unreachable") }
func (failingSocket) Close() error                          { return nil }

func TestMulticast_ReopensSocketAfterRepeatedFailures(t *testing.T) {
	var opens atomic.Int32
	opener := func() (transport.MulticastSocket, error) {
		opens.Add(1)
		return failingSocket{}, nil
	}
	p := NewMulticast(fastConfig(opener))
	p.Init(mk(1, "a"), nil)
	require.NoError(t, p.Start(context.Background(), MembershipRX))

	require.Eventually(t, func() bool { return opens.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(context.Background(), Default))
}

func TestMulticast_OpenFailureFailsStart(t *testing.T) {
	opener := func() (transport.MulticastSocket, error) {
		return nil, errors.New("no multicast route")
	}
	p := NewMulticast(fastConfig(opener))
	p.Init(mk(1, "a"), nil)
	assert.Error(t, p.Start(context.Background(), Default))
}

func (h *hub) openSockets() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sockets)
}

func TestMulticast_FailedSendSocketUndoesReceiver(t *testing.T) {
	h := newHub()
	inner := h.opener()
	var calls atomic.Int32
	opener := func() (transport.MulticastSocket, error) {
		if calls.Add(1) == 2 {
			return nil, errors.New("send socket unavailable")
		}
		return inner()
	}

	p := NewMulticast(fastConfig(opener))
	p.Init(mk(1, "a"), nil)
	r := &recorder{}
	p.AddListener(r)

	err := p.Start(context.Background(), Default)
	require.ErrorContains(t, err, "send socket unavailable")
	assert.Zero(t, h.openSockets(), "receive socket is closed again")

	// Heartbeats arriving after the failed start are not observed.
	peer := NewMulticast(fastConfig(h.opener()))
	peer.Init(mk(2, "b"), nil)
	require.NoError(t, peer.Start(context.Background(), MembershipTX))
	defer peer.Stop(context.Background(), Default)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, p.Members())
	assert.Empty(t, r.snapshot())

	// A later start opens both facets normally.
	require.NoError(t, p.Start(context.Background(), Default))
	require.Eventually(t, func() bool { return r.count("added", 2) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Stop(context.Background(), Default))
}

func TestMulticast_StopReceiveReportsRemovals(t *testing.T) {
	h := newHub()
	config := fastConfig(h.opener())
	config.DropTime = time.Minute
	p := NewMulticast(config)
	p.Init(mk(1, "a"), nil)
	r := &recorder{}
	p.AddListener(r)
	require.NoError(t, p.Start(context.Background(), MembershipRX))

	h.broadcast(heartbeat(t, mk(2, "b")))
	h.broadcast(heartbeat(t, mk(3, "c")))
	require.Eventually(t, func() bool { return len(p.Members()) == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Stop(context.Background(), MembershipRX))
	assert.Equal(t, 1, r.count("removed", 2))
	assert.Equal(t, 1, r.count("removed", 3))
	assert.Empty(t, p.Members())
}
