package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/maxpert/huddle/encoding"
	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/telemetry"
	"github.com/rs/zerolog/log"
)

// TCPOptions configures the stream transport.
type TCPOptions struct {
	// DefaultPort replaces member.PortUnspecified when dialing.
	DefaultPort  int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int
}

// DefaultTCPOptions returns the options used when none are configured.
func DefaultTCPOptions() TCPOptions {
	return TCPOptions{
		DefaultPort:  4000,
		DialTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		MaxFrameSize: encoding.MaxFrameSize,
	}
}

type peerConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// TCPSender keeps one connection per destination address and writes frames
// to it. Writes to one destination are serialized so frames never interleave;
// different destinations proceed independently.
type TCPSender struct {
	opts   TCPOptions
	dialer net.Dialer

	mu     sync.Mutex
	peers  map[string]*peerConn
	closed bool
}

// NewTCPSender creates a sender with opts.
func NewTCPSender(opts TCPOptions) *TCPSender {
	return &TCPSender{
		opts:   opts,
		dialer: net.Dialer{Timeout: opts.DialTimeout},
		peers:  make(map[string]*peerConn),
	}
}

// Send writes frame to dest, dialing when no connection is open. A cached
// connection that fails is replaced and the write retried once.
func (s *TCPSender) Send(ctx context.Context, dest *member.Member, frame []byte) error {
	addr := dest.Address(s.opts.DefaultPort)

	pc, err := s.peer(addr)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()

	reused := pc.conn != nil
	if err := s.write(ctx, pc, addr, frame); err != nil {
		if !reused || ctx.Err() != nil {
			return err
		}
		log.Debug().Err(err).Str("peer", addr).Msg("Cached connection failed, redialing")
		return s.write(ctx, pc, addr, frame)
	}
	return nil
}

func (s *TCPSender) peer(addr string) (*peerConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	pc, ok := s.peers[addr]
	if !ok {
		pc = &peerConn{}
		s.peers[addr] = pc
	}
	return pc, nil
}

// write must be called with pc.mu held.
func (s *TCPSender) write(ctx context.Context, pc *peerConn, addr string, frame []byte) error {
	if pc.conn == nil {
		conn, err := s.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		pc.conn = conn
		telemetry.OpenConnections.With("outbound").Inc()
	}

	deadline := time.Now().Add(s.opts.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := pc.conn.SetWriteDeadline(deadline); err != nil {
		s.closePeer(pc)
		return err
	}

	if _, err := pc.conn.Write(frame); err != nil {
		s.closePeer(pc)
		return err
	}
	return nil
}

func (s *TCPSender) closePeer(pc *peerConn) {
	if pc.conn == nil {
		return
	}
	pc.conn.Close()
	pc.conn = nil
	telemetry.OpenConnections.With("outbound").Dec()
}

// Disconnect closes the connection to dest, if any.
func (s *TCPSender) Disconnect(dest *member.Member) {
	addr := dest.Address(s.opts.DefaultPort)

	s.mu.Lock()
	pc, ok := s.peers[addr]
	delete(s.peers, addr)
	s.mu.Unlock()

	if ok {
		pc.mu.Lock()
		s.closePeer(pc)
		pc.mu.Unlock()
	}
}

// Close closes every connection. Later sends fail with ErrClosed.
func (s *TCPSender) Close() error {
	s.mu.Lock()
	s.closed = true
	peers := s.peers
	s.peers = make(map[string]*peerConn)
	s.mu.Unlock()

	for _, pc := range peers {
		pc.mu.Lock()
		s.closePeer(pc)
		pc.mu.Unlock()
	}
	return nil
}

// TCPReceiver accepts stream connections and de-frames them. A corrupt
// region is logged and skipped; it never closes the connection or affects
// other peers.
type TCPReceiver struct {
	bind string
	opts TCPOptions

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewTCPReceiver creates a receiver that will listen on bind ("host:port").
func NewTCPReceiver(bind string, opts TCPOptions) *TCPReceiver {
	return &TCPReceiver{
		bind:  bind,
		opts:  opts,
		conns: make(map[net.Conn]struct{}),
	}
}

func (r *TCPReceiver) Start(handler FrameHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", r.bind)
	if err != nil {
		return err
	}
	r.listener = ln

	log.Info().Str("address", ln.Addr().String()).Msg("Stream receiver listening")

	r.wg.Add(1)
	go r.acceptLoop(ln, handler)
	return nil
}

// Addr returns the bound address, or nil when not started.
func (r *TCPReceiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop closes the listener and every accepted connection, then waits for
// the reader goroutines.
func (r *TCPReceiver) Stop() error {
	r.mu.Lock()
	ln := r.listener
	r.listener = nil
	for c := range r.conns {
		c.Close()
	}
	r.mu.Unlock()

	if ln == nil {
		return nil
	}
	err := ln.Close()
	r.wg.Wait()
	return err
}

func (r *TCPReceiver) acceptLoop(ln net.Listener, handler FrameHandler) {
	defer r.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Str("address", ln.Addr().String()).Msg("Failed to accept connection")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		r.mu.Lock()
		if r.listener != ln {
			r.mu.Unlock()
			conn.Close()
			return
		}
		r.conns[conn] = struct{}{}
		r.mu.Unlock()

		telemetry.OpenConnections.With("inbound").Inc()
		r.wg.Add(1)
		go r.readLoop(conn, handler)
	}
}

func (r *TCPReceiver) readLoop(conn net.Conn, handler FrameHandler) {
	defer r.wg.Done()
	defer func() {
		conn.Close()
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		telemetry.OpenConnections.With("inbound").Dec()
	}()

	remote := conn.RemoteAddr()
	fr := encoding.NewFrameReaderSize(conn, r.opts.MaxFrameSize)

	for {
		payload, err := fr.Next()
		if err == nil {
			handler(payload, remote)
			continue
		}

		var corrupt *encoding.FrameCorruptError
		if errors.As(err, &corrupt) {
			telemetry.FrameErrorsTotal.With("corrupt").Inc()
			log.Warn().
				Str("peer", remote.String()).
				Int("offset", corrupt.Offset).
				Str("reason", corrupt.Reason).
				Msg("Skipping corrupt frame")
			continue
		}

		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			log.Debug().Err(err).Str("peer", remote.String()).Msg("Stream connection closed")
		}
		return
	}
}
