package channel

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/maxpert/huddle/cfg"
	"github.com/maxpert/huddle/encoding"
	"github.com/maxpert/huddle/interceptor"
	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/membership"
	"github.com/maxpert/huddle/transport"
)

// LocalMember builds this process's member from the configuration.
func LocalMember(c *cfg.Configuration) (*member.Member, error) {
	id, err := cfg.ParseUniqueID(c.UniqueID)
	if err != nil {
		return nil, err
	}
	host := c.Transport.AdvertiseHost
	port := c.Transport.Port
	return &member.Member{
		UniqueID: id,
		Host:     host,
		Port:     port,
		Name:     member.DisplayName("tcp", host, port),
		Payload:  []byte(c.Payload),
		Domain:   []byte(c.Domain),
	}, nil
}

// ConfigFrom assembles a channel Config from a validated configuration.
// dir overrides the kubernetes pod directory and may be nil.
func ConfigFrom(c *cfg.Configuration, registry *encoding.Registry, dir membership.Directory) (Config, error) {
	local, err := LocalMember(c)
	if err != nil {
		return Config{}, err
	}

	pc, err := membership.ConfigFrom(c.Membership, dir)
	if err != nil {
		return Config{}, err
	}
	provider, err := membership.New(pc)
	if err != nil {
		return Config{}, err
	}

	t := c.Transport
	opts := transport.TCPOptions{
		DefaultPort:  t.Port,
		DialTimeout:  time.Duration(t.DialTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(t.WriteTimeoutMS) * time.Millisecond,
		MaxFrameSize: t.MaxFrameMB << 20,
	}

	stages, err := Interceptors(c, provider.Name())
	if err != nil {
		return Config{}, err
	}

	return Config{
		Local:             local,
		Provider:          provider,
		Receiver:          transport.NewTCPReceiver(net.JoinHostPort(t.BindAddress, strconv.Itoa(t.Port)), opts),
		Sender:            transport.NewTCPSender(opts),
		SendTimeout:       time.Duration(t.SendTimeoutMS) * time.Millisecond,
		Interceptors:      stages,
		Registry:          registry,
		DispatchWorkers:   c.Channel.DispatchWorkers,
		DispatchQueueSize: c.Channel.DispatchQueueSize,
	}, nil
}

// Interceptors returns the configured stages, channel side first: logging,
// coordinator tracking, static members (for discovering providers),
// duplicate suppression, compression and encryption. Encryption sits below
// compression so payloads are compressed before they are sealed.
func Interceptors(c *cfg.Configuration, provider string) ([]interceptor.Interceptor, error) {
	stages := []interceptor.Interceptor{&interceptor.Logging{Verbose: c.Channel.LogMessages}}

	if c.Channel.TrackCoordinator {
		local, err := LocalMember(c)
		if err != nil {
			return nil, err
		}
		stages = append(stages, interceptor.NewCoordinator(local))
	}

	// The static provider already serves the configured list itself.
	if provider != string(membership.KindStatic) && len(c.Membership.StaticMembers) > 0 {
		static := interceptor.NewStaticMembers()
		for i, sm := range c.Membership.StaticMembers {
			id, err := cfg.ParseUniqueID(sm.UniqueID)
			if err != nil {
				return nil, fmt.Errorf("static member %d: %w", i, err)
			}
			static.Add(&member.Member{
				UniqueID: id,
				Host:     sm.Host,
				Port:     sm.Port,
				Name:     member.DisplayName("tcp", sm.Host, sm.Port),
				Payload:  []byte(sm.Payload),
			})
		}
		stages = append(stages, static)
	}

	if c.Channel.DedupCapacity > 0 {
		dedup, err := interceptor.NewDedup(c.Channel.DedupCapacity)
		if err != nil {
			return nil, err
		}
		stages = append(stages, dedup)
	}

	stages = append(stages, interceptor.NewCompression(c.Channel.CompressionThreshold, c.Channel.CompressionLevel))

	key, err := cfg.ParseEncryptionKey(c.Channel.EncryptionKey)
	if err != nil {
		return nil, err
	}
	if key != nil {
		enc, err := interceptor.NewEncrypt(key)
		if err != nil {
			return nil, err
		}
		stages = append(stages, enc)
	}
	return stages, nil
}

// DefaultServices is the facet set a node starts with: everything, or only
// the receive facets for a monitor.
func DefaultServices(c *cfg.Configuration) membership.ServiceMask {
	if c.Channel.MonitorOnly {
		return membership.ReceiveOnly
	}
	return membership.Default
}
