package interceptor

import (
	"context"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/telemetry"
	"github.com/rs/zerolog/log"
)

// maxDecompressedSize bounds a single inflated payload.
const maxDecompressedSize = 256 << 20

// Compression zstd-compresses outbound payloads of at least Threshold
// bytes and inflates inbound payloads flagged OptionCompressed.
type Compression struct {
	Passthrough

	threshold   int
	level       zstd.EncoderLevel
	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewCompression creates the stage. level is 1 (fastest) to 4 (best); a
// threshold of zero or less never compresses but still inflates inbound.
func NewCompression(threshold, level int) *Compression {
	c := &Compression{threshold: threshold, level: configLevelToZstd(level)}
	log.Debug().
		Int("threshold", threshold).
		Str("zstd_level", c.level.String()).
		Msg("Compression stage configured")
	return c
}

func (c *Compression) SendMessage(ctx context.Context, dests []*member.Member, msg *Message, next Next) error {
	if c.threshold <= 0 || len(msg.Payload) < c.threshold || msg.Options.Has(OptionCompressed) {
		return next.SendMessage(ctx, dests, msg)
	}

	compressed, err := c.compress(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("message", msg.IDString()).Msg("Failed to compress payload, sending uncompressed")
		return next.SendMessage(ctx, dests, msg)
	}
	if len(compressed) >= len(msg.Payload) {
		return next.SendMessage(ctx, dests, msg)
	}

	telemetry.CompressedMessagesTotal.With("sent").Inc()
	return next.SendMessage(ctx, dests, msg.WithPayload(compressed, msg.Options|OptionCompressed))
}

func (c *Compression) MessageReceived(msg *Message, prev Prev) {
	if !msg.Options.Has(OptionCompressed) {
		prev.MessageReceived(msg)
		return
	}

	payload, err := c.decompress(msg.Payload)
	if err != nil {
		telemetry.FrameErrorsTotal.With("decompress").Inc()
		log.Warn().
			Err(err).
			Str("message", msg.IDString()).
			Str("source", msg.Source.String()).
			Msg("Failed to decompress message, dropping")
		return
	}

	telemetry.CompressedMessagesTotal.With("received").Inc()
	prev.MessageReceived(msg.WithPayload(payload, msg.Options&^OptionCompressed))
}

func (c *Compression) compress(src []byte) ([]byte, error) {
	enc, ok := c.encoderPool.Get().(*zstd.Encoder)
	if !ok {
		var err error
		enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
	}
	defer c.encoderPool.Put(enc)

	return enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (c *Compression) decompress(src []byte) ([]byte, error) {
	dec, ok := c.decoderPool.Get().(*zstd.Decoder)
	if !ok {
		var err error
		dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxDecompressedSize))
		if err != nil {
			return nil, err
		}
	}
	defer c.decoderPool.Put(dec)

	out, err := dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return out, nil
}

// configLevelToZstd maps config levels (1-4) to zstd.EncoderLevel
func configLevelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}
