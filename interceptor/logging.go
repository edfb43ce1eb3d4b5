package interceptor

import (
	"context"
	"time"

	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/membership"
	"github.com/maxpert/huddle/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logging records traffic and membership changes. Messages are logged at
// debug level unless Verbose is set.
type Logging struct {
	Passthrough
	Verbose bool
}

func (l *Logging) level() zerolog.Level {
	if l.Verbose {
		return zerolog.InfoLevel
	}
	return zerolog.DebugLevel
}

func (l *Logging) Start(ctx context.Context, svc membership.ServiceMask, next Next, _ Prev) error {
	err := next.Start(ctx, svc)
	if err != nil {
		log.Error().Err(err).Str("services", svc.String()).Msg("Failed to start channel services")
		return err
	}
	log.Info().Str("services", svc.String()).Msg("Channel services started")
	return nil
}

func (l *Logging) Stop(ctx context.Context, svc membership.ServiceMask, next Next, _ Prev) error {
	err := next.Stop(ctx, svc)
	if err != nil {
		log.Warn().Err(err).Str("services", svc.String()).Msg("Channel services stopped with errors")
		return err
	}
	log.Info().Str("services", svc.String()).Msg("Channel services stopped")
	return nil
}

func (l *Logging) SendMessage(ctx context.Context, dests []*member.Member, msg *Message, next Next) error {
	start := time.Now()
	err := next.SendMessage(ctx, dests, msg)

	telemetry.MessagesTotal.With("sent", msg.Kind()).Inc()
	telemetry.MessageBytesTotal.With("sent").Add(float64(len(msg.Payload)))

	ev := log.WithLevel(l.level())
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("message", msg.IDString()).
		Str("kind", msg.Kind()).
		Int("bytes", len(msg.Payload)).
		Int("destinations", len(dests)).
		Dur("took", time.Since(start)).
		Msg("Message sent")
	return err
}

func (l *Logging) MessageReceived(msg *Message, prev Prev) {
	telemetry.MessagesTotal.With("received", msg.Kind()).Inc()
	telemetry.MessageBytesTotal.With("received").Add(float64(len(msg.Payload)))

	log.WithLevel(l.level()).
		Str("message", msg.IDString()).
		Str("kind", msg.Kind()).
		Str("source", msg.Source.String()).
		Int("bytes", len(msg.Payload)).
		Dur("latency", time.Since(time.Unix(0, msg.Timestamp))).
		Msg("Message received")

	prev.MessageReceived(msg)
}

func (l *Logging) MemberEvent(m *member.Member, prev Prev) {
	lvl := zerolog.InfoLevel
	if m.Command == member.CommandAlive {
		lvl = zerolog.DebugLevel
	}
	log.WithLevel(lvl).
		Str("event", m.Command.String()).
		Str("member", m.String()).
		Str("host", m.Host).
		Int("port", m.Port).
		Msg("Membership changed")

	prev.MemberEvent(m)
}
