package channel

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/huddle/cfg"
	"github.com/maxpert/huddle/encoding"
	"github.com/maxpert/huddle/interceptor"
	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/membership"
	"github.com/maxpert/huddle/transport"
)

type greeting struct {
	From string `msgpack:"from"`
	Text string `msgpack:"text"`
}

func newRegistry(t *testing.T) *encoding.Registry {
	t.Helper()
	r := encoding.NewRegistry()
	require.NoError(t, r.Register("greeting", &greeting{}))
	return r
}

type inbox struct {
	mu       sync.Mutex
	received []*Received
}

func (b *inbox) MessageReceived(r *Received) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = append(b.received, r)
}

func (b *inbox) all() []*Received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Received(nil), b.received...)
}

type events struct {
	mu    sync.Mutex
	added map[string]int
	total int
}

func (e *events) bump(m *member.Member) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.added == nil {
		e.added = map[string]int{}
	}
	e.added[string(m.UniqueID)]++
	e.total++
}

func (e *events) MemberAdded(m *member.Member)   { e.bump(m) }
func (e *events) MemberAlive(*member.Member)     {}
func (e *events) MemberRemoved(*member.Member)   {}

func (e *events) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.added)
}

func (e *events) deliveries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

func tcpOptions() transport.TCPOptions {
	opts := transport.DefaultTCPOptions()
	opts.DialTimeout = 300 * time.Millisecond
	opts.WriteTimeout = 300 * time.Millisecond
	return opts
}

type node struct {
	ch       *Channel
	receiver *transport.TCPReceiver
	inbox    *inbox
}

// address returns a member reachable at the node's receiver.
func (n *node) address() *member.Member {
	addr := n.receiver.Addr().(*net.TCPAddr)
	m := n.ch.LocalMember()
	m.Host = "127.0.0.1"
	m.Port = addr.Port
	return m
}

func newNode(t *testing.T, id string, provider membership.Provider, stages ...interceptor.Interceptor) *node {
	t.Helper()

	opts := tcpOptions()
	recv := transport.NewTCPReceiver("127.0.0.1:0", opts)
	ch, err := New(Config{
		Local:        &member.Member{UniqueID: []byte(id), Host: "127.0.0.1"},
		Provider:     provider,
		Receiver:     recv,
		Sender:       transport.NewTCPSender(opts),
		SendTimeout:  time.Second,
		Interceptors: stages,
		Registry:     newRegistry(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close(context.Background()) })

	box := &inbox{}
	ch.AddMessageListener(box)
	return &node{ch: ch, receiver: recv, inbox: box}
}

func staticProvider(members ...*member.Member) *membership.Static {
	return membership.NewStatic(membership.StaticConfig{Members: members})
}

func TestChannel_SendBytesAndObjects(t *testing.T) {
	b := newNode(t, "bbbb", staticProvider(), interceptor.NewCompression(128, 1))
	require.NoError(t, b.ch.Start(context.Background(), membership.Default))

	a := newNode(t, "aaaa", staticProvider(), interceptor.NewCompression(128, 1))
	require.NoError(t, a.ch.Start(context.Background(), membership.Default))

	dest := []*member.Member{b.address()}
	ctx := context.Background()
	require.NoError(t, a.ch.Send(ctx, dest, []byte("hello")))
	require.NoError(t, a.ch.SendObject(ctx, dest, &greeting{From: "a", Text: "hi"}))
	big := []byte(strings.Repeat("z", 4096))
	require.NoError(t, a.ch.Send(ctx, dest, big))

	require.Eventually(t, func() bool { return len(b.inbox.all()) == 3 }, 2*time.Second, 5*time.Millisecond)
	got := b.inbox.all()

	assert.Equal(t, []byte("hello"), got[0].Payload)
	assert.Equal(t, []byte("aaaa"), got[0].Source.UniqueID)
	assert.Nil(t, got[0].Object)

	obj, ok := got[1].Object.(*greeting)
	require.True(t, ok)
	assert.Equal(t, "hi", obj.Text)

	assert.Equal(t, big, got[2].Payload)
}

func TestChannel_ObservedSendersJoinStaticView(t *testing.T) {
	b := newNode(t, "bbbb", staticProvider())
	require.NoError(t, b.ch.Start(context.Background(), membership.Default))
	a := newNode(t, "aaaa", staticProvider())
	require.NoError(t, a.ch.Start(context.Background(), membership.Default))

	ev := &events{}
	b.ch.AddMembershipListener(ev)

	require.NoError(t, a.ch.Send(context.Background(), []*member.Member{b.address()}, []byte("x")))
	require.Eventually(t, func() bool { return ev.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	m, err := b.ch.Member([]byte("aaaa"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", m.Host)
}

func TestChannel_EncryptedGroup(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)
	stages := func(id string) []interceptor.Interceptor {
		enc, err := interceptor.NewEncrypt(key)
		require.NoError(t, err)
		return []interceptor.Interceptor{
			interceptor.NewCoordinator(&member.Member{UniqueID: []byte(id)}),
			interceptor.NewCompression(64, 1),
			enc,
		}
	}

	b := newNode(t, "bbbb", staticProvider(), stages("bbbb")...)
	require.NoError(t, b.ch.Start(context.Background(), membership.Default))
	a := newNode(t, "aaaa", staticProvider(), stages("aaaa")...)
	require.NoError(t, a.ch.Start(context.Background(), membership.Default))
	plain := newNode(t, "cccc", staticProvider())
	require.NoError(t, plain.ch.Start(context.Background(), membership.Default))

	group := b.ch.Group()
	require.NotNil(t, group)
	assert.True(t, group.IsCoordinator())
	assert.Nil(t, plain.ch.Group())

	dest := []*member.Member{b.address()}
	big := []byte(strings.Repeat("sealed ", 100))
	require.NoError(t, a.ch.Send(context.Background(), dest, big))
	require.NoError(t, plain.ch.Send(context.Background(), dest, []byte("in the clear")))

	require.Eventually(t, func() bool { return len(b.inbox.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, big, b.inbox.all()[0].Payload)

	// The sender of the sealed message joined the view and leads it.
	require.Eventually(t, func() bool { return len(group.View()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("aaaa"), group.Coordinator().UniqueID)
	assert.False(t, group.IsCoordinator())

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, b.inbox.all(), 1, "plaintext message dropped")
}

func TestChannel_PartialSendFailure(t *testing.T) {
	b := newNode(t, "bbbb", staticProvider())
	require.NoError(t, b.ch.Start(context.Background(), membership.Default))
	a := newNode(t, "aaaa", staticProvider())
	require.NoError(t, a.ch.Start(context.Background(), membership.Default))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	dead := &member.Member{UniqueID: []byte("dead"), Host: "127.0.0.1", Port: deadPort}

	err = a.ch.Send(context.Background(), []*member.Member{dead, b.address()}, []byte("partial"))

	var sendErr *transport.SendError
	require.ErrorAs(t, err, &sendErr)
	require.Len(t, sendErr.Failures, 1)
	assert.Equal(t, []byte("dead"), sendErr.Failures[0].Member.UniqueID)

	require.Eventually(t, func() bool { return len(b.inbox.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestChannel_SendOutsideRunning(t *testing.T) {
	n := newNode(t, "aaaa", staticProvider())
	dest := []*member.Member{{UniqueID: []byte("x"), Host: "127.0.0.1", Port: 1}}

	var stopped *ChannelStoppedError
	err := n.ch.Send(context.Background(), dest, []byte("x"))
	require.ErrorAs(t, err, &stopped)
	assert.Equal(t, StateStopped, stopped.State)

	require.NoError(t, n.ch.Start(context.Background(), membership.ReceiveOnly))
	err = n.ch.Send(context.Background(), dest, []byte("x"))
	require.ErrorAs(t, err, &stopped)
	assert.Equal(t, StateRunning, stopped.State)

	require.NoError(t, n.ch.Stop(context.Background(), membership.Default))
	assert.ErrorAs(t, n.ch.Send(context.Background(), dest, []byte("x")), &stopped)
}

// slowStop blocks Stop of the membership facets until release is closed.
type slowStop struct {
	*membership.Static
	entered chan struct{}
	release chan struct{}
}

func (p *slowStop) Stop(ctx context.Context, svc membership.ServiceMask) error {
	if svc.Any(membership.MembershipRX | membership.MembershipTX) {
		select {
		case p.entered <- struct{}{}:
		default:
		}
		<-p.release
	}
	return p.Static.Stop(ctx, svc)
}

func TestChannel_SendDuringMembershipOnlyStop(t *testing.T) {
	b := newNode(t, "bbbb", staticProvider())
	require.NoError(t, b.ch.Start(context.Background(), membership.Default))

	provider := &slowStop{
		Static:  staticProvider(),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	a := newNode(t, "aaaa", provider)
	var once sync.Once
	release := func() { once.Do(func() { close(provider.release) }) }
	t.Cleanup(release)
	require.NoError(t, a.ch.Start(context.Background(), membership.Default))

	done := make(chan error, 1)
	go func() { done <- a.ch.Stop(context.Background(), membership.MembershipRX) }()
	<-provider.entered

	dest := []*member.Member{b.address()}
	require.NoError(t, a.ch.Send(context.Background(), dest, []byte("while stopping")))
	require.Eventually(t, func() bool { return len(b.inbox.all()) == 1 }, 2*time.Second, 5*time.Millisecond)

	release()
	require.NoError(t, <-done)
	assert.True(t, a.ch.Services().Has(membership.SendTX))
	require.NoError(t, a.ch.Send(context.Background(), dest, []byte("after")))
}

func TestChannel_SendStopsWithSendFacet(t *testing.T) {
	n := newNode(t, "aaaa", staticProvider())
	dest := []*member.Member{{UniqueID: []byte("x"), Host: "127.0.0.1", Port: 1}}
	require.NoError(t, n.ch.Start(context.Background(), membership.Default))
	require.NoError(t, n.ch.Stop(context.Background(), membership.SendTX))

	var stopped *ChannelStoppedError
	require.ErrorAs(t, n.ch.Send(context.Background(), dest, []byte("x")), &stopped)
	assert.Equal(t, StateRunning, stopped.State)

	require.NoError(t, n.ch.Start(context.Background(), membership.MembershipTX|membership.SendTX))
	err := n.ch.Send(context.Background(), dest, []byte("x"))
	assert.False(t, errors.As(err, &stopped), "send facet accepts again")
}

func TestChannel_Lifecycle(t *testing.T) {
	n := newNode(t, "aaaa", staticProvider())
	ctx := context.Background()
	assert.Equal(t, StateStopped, n.ch.State())

	require.NoError(t, n.ch.Start(ctx, membership.SendRX))
	require.NoError(t, n.ch.Start(ctx, membership.SendRX))
	assert.Equal(t, StateRunning, n.ch.State())
	assert.Equal(t, membership.SendRX, n.ch.Services())

	require.NoError(t, n.ch.Start(ctx, membership.Default))
	assert.Equal(t, membership.Default, n.ch.Services())

	require.NoError(t, n.ch.Stop(ctx, membership.SendRX))
	assert.Equal(t, StateRunning, n.ch.State())
	assert.Nil(t, n.receiver.Addr())

	require.NoError(t, n.ch.Stop(ctx, membership.Default))
	require.NoError(t, n.ch.Stop(ctx, membership.Default))
	assert.Equal(t, StateStopped, n.ch.State())

	assert.ErrorIs(t, n.ch.Start(ctx, 0), membership.ErrInvalidServiceMask)

	require.NoError(t, n.ch.Close(ctx))
	var stopped *ChannelStoppedError
	assert.ErrorAs(t, n.ch.Start(ctx, membership.Default), &stopped)
}

func TestChannel_StartFailureRollsBack(t *testing.T) {
	opener := func() (transport.MulticastSocket, error) { return nil, net.ErrClosed }
	mc := membership.DefaultMulticastConfig()
	mc.Opener = opener
	recv := transport.NewTCPReceiver("127.0.0.1:0", tcpOptions())

	ch, err := New(Config{
		Local:    &member.Member{UniqueID: []byte("aaaa")},
		Provider: membership.NewMulticast(mc),
		Receiver: recv,
		Sender:   transport.NewTCPSender(tcpOptions()),
	})
	require.NoError(t, err)
	defer ch.Close(context.Background())

	assert.Error(t, ch.Start(context.Background(), membership.Default))
	assert.Equal(t, StateStopped, ch.State())
	assert.Nil(t, recv.Addr(), "receiver was stopped again")
}

func TestChannel_MembersMergeProviderAndStaticStage(t *testing.T) {
	mA := &member.Member{UniqueID: []byte("A"), Host: "10.0.0.1"}
	mB := &member.Member{UniqueID: []byte("B"), Host: "10.0.0.2"}
	mC := &member.Member{UniqueID: []byte("C"), Host: "10.0.0.3"}

	stage := interceptor.NewStaticMembers(mB, mC)
	n := newNode(t, "local", staticProvider(mA, mB), stage)

	ev := &events{}
	n.ch.AddMembershipListener(ev)
	n.ch.AddMembershipListener(ev)
	require.NoError(t, n.ch.Start(context.Background(), membership.Default))

	members := n.ch.Members()
	require.Len(t, members, 3)
	assert.Equal(t, []byte("A"), members[0].UniqueID)
	assert.Equal(t, []byte("B"), members[1].UniqueID)
	assert.Equal(t, []byte("C"), members[2].UniqueID)
	assert.Equal(t, 3, n.ch.MemberCount())

	// A and B come from the provider, C from the static stage.
	require.Eventually(t, func() bool { return ev.count() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, ev.deliveries(), "B is not announced twice")

	_, err := n.ch.Member([]byte("Z"))
	var notFound *interceptor.MemberNotFoundError
	assert.ErrorAs(t, err, &notFound)

	n.ch.RemoveMembershipListener(ev)
}

func TestChannel_ListenerPanicIsContained(t *testing.T) {
	b := newNode(t, "bbbb", staticProvider())
	b.ch.AddMessageListener(MessageListenerFunc(func(*Received) { panic("bad listener") }))
	require.NoError(t, b.ch.Start(context.Background(), membership.Default))
	a := newNode(t, "aaaa", staticProvider())
	require.NoError(t, a.ch.Start(context.Background(), membership.Default))

	dest := []*member.Member{b.address()}
	require.NoError(t, a.ch.Send(context.Background(), dest, []byte("one")))
	require.NoError(t, a.ch.Send(context.Background(), dest, []byte("two")))
	require.Eventually(t, func() bool { return len(b.inbox.all()) == 2 }, 2*time.Second, 5*time.Millisecond)

	b.ch.RemoveMessageListener(b.inbox)
	require.NoError(t, a.ch.Send(context.Background(), dest, []byte("three")))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, b.inbox.all(), 2)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Provider: staticProvider()})
	assert.Error(t, err)
	_, err = New(Config{Local: &member.Member{UniqueID: []byte{1}}})
	assert.Error(t, err)
}

func TestConfigFrom(t *testing.T) {
	c := cfg.Default()
	c.UniqueID = "0102"
	c.Transport.AdvertiseHost = "10.1.1.1"
	c.Membership.Provider = cfg.ProviderMulticast
	c.Membership.StaticMembers = []cfg.StaticMemberConfiguration{{UniqueID: "0a", Host: "10.1.1.2"}}

	out, err := ConfigFrom(c, newRegistry(t), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, out.Local.UniqueID)
	assert.Equal(t, "tcp://10.1.1.1:4000", out.Local.Name)
	assert.Equal(t, "multicast", out.Provider.Name())
	assert.Equal(t, 5*time.Second, out.SendTimeout)
	// logging, coordinator, static members, dedup, compression
	require.Len(t, out.Interceptors, 5)
	assert.IsType(t, &interceptor.Coordinator{}, out.Interceptors[1])

	c.Membership.Provider = cfg.ProviderStatic
	c.Channel.DedupCapacity = 0
	c.Channel.TrackCoordinator = false
	stages, err := Interceptors(c, string(membership.KindStatic))
	require.NoError(t, err)
	assert.Len(t, stages, 2)

	c.Channel.EncryptionKey = strings.Repeat("ab", 16)
	stages, err = Interceptors(c, string(membership.KindStatic))
	require.NoError(t, err)
	require.Len(t, stages, 3)
	assert.IsType(t, &interceptor.Encrypt{}, stages[2])

	c.Channel.EncryptionKey = "abcd"
	_, err = Interceptors(c, string(membership.KindStatic))
	assert.Error(t, err)

	assert.Equal(t, membership.Default, DefaultServices(c))
	c.Channel.MonitorOnly = true
	assert.Equal(t, membership.ReceiveOnly, DefaultServices(c))
}
