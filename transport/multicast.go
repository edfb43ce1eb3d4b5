package transport

import (
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"
)

// MulticastOptions describes the heartbeat group.
type MulticastOptions struct {
	Group     string
	Port      int
	Interface string // empty = system default
	TTL       int
	Loopback  bool
}

// UDPMulticast is a MulticastSocket over IPv4 UDP.
type UDPMulticast struct {
	conn  *net.UDPConn
	pc    *ipv4.PacketConn
	ifi   *net.Interface
	group *net.UDPAddr
}

// OpenMulticast joins the group described by opts.
func OpenMulticast(opts MulticastOptions) (*UDPMulticast, error) {
	ip := net.ParseIP(opts.Group)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("invalid multicast group %q", opts.Group)
	}
	group := &net.UDPAddr{IP: ip, Port: opts.Port}

	var ifi *net.Interface
	if opts.Interface != "" {
		var err error
		ifi, err = net.InterfaceByName(opts.Interface)
		if err != nil {
			return nil, fmt.Errorf("multicast interface %q: %w", opts.Interface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp4", ifi, group)
	if err != nil {
		return nil, fmt.Errorf("join multicast group %s: %w", group, err)
	}

	pc := ipv4.NewPacketConn(conn)
	if opts.TTL > 0 {
		if err := pc.SetMulticastTTL(opts.TTL); err != nil {
			log.Warn().Err(err).Int("ttl", opts.TTL).Msg("Failed to set multicast TTL")
		}
	}
	if err := pc.SetMulticastLoopback(opts.Loopback); err != nil {
		log.Warn().Err(err).Bool("loopback", opts.Loopback).Msg("Failed to set multicast loopback")
	}
	if ifi != nil {
		if err := pc.SetMulticastInterface(ifi); err != nil {
			conn.Close()
			return nil, fmt.Errorf("multicast interface %q: %w", opts.Interface, err)
		}
	}

	return &UDPMulticast{conn: conn, pc: pc, ifi: ifi, group: group}, nil
}

// MulticastOpenerFor returns an opener that joins the group in opts.
func MulticastOpenerFor(opts MulticastOptions) MulticastOpener {
	return func() (MulticastSocket, error) {
		return OpenMulticast(opts)
	}
}

func (u *UDPMulticast) Send(b []byte) error {
	_, err := u.conn.WriteToUDP(b, u.group)
	return err
}

func (u *UDPMulticast) Receive(buf []byte) (int, net.Addr, error) {
	n, addr, err := u.conn.ReadFromUDP(buf)
	return n, addr, err
}

// Close leaves the group and closes the socket, unblocking Receive.
func (u *UDPMulticast) Close() error {
	if err := u.pc.LeaveGroup(u.ifi, u.group); err != nil {
		log.Debug().Err(err).Str("group", u.group.String()).Msg("Failed to leave multicast group")
	}
	return u.conn.Close()
}
