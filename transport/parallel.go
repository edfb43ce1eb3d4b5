package transport

import (
	"context"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/telemetry"
	"github.com/rs/zerolog/log"
)

// ParallelSender sends one frame to many destinations at once. Each
// destination gets its own goroutine and deadline, so a slow or unreachable
// member cannot hold up the others.
type ParallelSender struct {
	sender  Sender
	timeout time.Duration
}

// NewParallelSender wraps sender; timeout bounds each destination.
func NewParallelSender(sender Sender, timeout time.Duration) *ParallelSender {
	return &ParallelSender{sender: sender, timeout: timeout}
}

// SendAll delivers frame to every destination and waits for all of them.
// It returns nil when every send succeeded, otherwise a *SendError holding
// one *SendFailedError per failed destination.
func (p *ParallelSender) SendAll(ctx context.Context, dests []*member.Member, frame []byte) error {
	futures := make([]*future.Future[struct{}], len(dests))
	for i, dest := range dests {
		futures[i] = p.sendOne(ctx, dest, frame)
	}

	var failures []*SendFailedError
	for i, fut := range futures {
		if _, err := fut.Get(); err != nil {
			failures = append(failures, &SendFailedError{Member: dests[i], Cause: err})
		}
	}

	if len(failures) == 0 {
		return nil
	}
	return &SendError{Failures: failures}
}

func (p *ParallelSender) sendOne(ctx context.Context, dest *member.Member, frame []byte) *future.Future[struct{}] {
	promise := future.NewPromise[struct{}]()

	go func() {
		sendCtx := ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}

		start := time.Now()
		err := p.sender.Send(sendCtx, dest, frame)
		telemetry.SendDurationSeconds.Observe(time.Since(start).Seconds())

		if err != nil {
			telemetry.SendFailuresTotal.Inc()
			log.Warn().
				Err(err).
				Str("member", dest.String()).
				Str("host", dest.Host).
				Int("port", dest.Port).
				Msg("Failed to send message")
		}
		promise.Set(struct{}{}, err)
	}()

	return promise.Future()
}
