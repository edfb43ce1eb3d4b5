package interceptor

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/huddle/telemetry"
	"github.com/rs/zerolog/log"
)

// Dedup drops inbound messages whose id was seen among the last capacity
// messages. Retried sends over a reconnected stream can deliver twice.
type Dedup struct {
	Passthrough

	seen *lru.Cache[[16]byte, struct{}]
}

func NewDedup(capacity int) (*Dedup, error) {
	seen, err := lru.New[[16]byte, struct{}](capacity)
	if err != nil {
		return nil, err
	}
	return &Dedup{seen: seen}, nil
}

func (d *Dedup) MessageReceived(msg *Message, prev Prev) {
	if found, _ := d.seen.ContainsOrAdd(msg.ID, struct{}{}); found {
		telemetry.DuplicatesDroppedTotal.Inc()
		log.Debug().
			Str("message", msg.IDString()).
			Str("source", msg.Source.String()).
			Msg("Dropping duplicate message")
		return
	}
	prev.MessageReceived(msg)
}
