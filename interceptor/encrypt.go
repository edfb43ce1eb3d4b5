package interceptor

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/telemetry"
	"github.com/rs/zerolog/log"
)

var errShortCiphertext = errors.New("ciphertext shorter than nonce")

// Encrypt seals outbound payloads with AES-GCM under a shared key and
// opens inbound ones. Inbound messages that are not sealed are dropped.
// The message id and options are authenticated with the payload.
type Encrypt struct {
	Passthrough
	aead cipher.AEAD
}

// NewEncrypt creates the stage. key must be 16, 24 or 32 bytes long.
func NewEncrypt(key []byte) (*Encrypt, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	log.Debug().Int("key_bits", len(key)*8).Msg("Encryption stage configured")
	return &Encrypt{aead: aead}, nil
}

func (e *Encrypt) SendMessage(ctx context.Context, dests []*member.Member, msg *Message, next Next) error {
	sealed, err := e.seal(msg)
	if err != nil {
		return err
	}
	return next.SendMessage(ctx, dests, msg.WithPayload(sealed, msg.Options|OptionEncrypted))
}

func (e *Encrypt) MessageReceived(msg *Message, prev Prev) {
	if !msg.Options.Has(OptionEncrypted) {
		telemetry.FrameErrorsTotal.With("plaintext").Inc()
		log.Warn().
			Str("message", msg.IDString()).
			Str("source", msg.Source.String()).
			Msg("Dropping unencrypted message")
		return
	}

	payload, err := e.open(msg)
	if err != nil {
		telemetry.FrameErrorsTotal.With("decrypt").Inc()
		log.Warn().
			Err(err).
			Str("message", msg.IDString()).
			Str("source", msg.Source.String()).
			Msg("Failed to decrypt message, dropping")
		return
	}
	prev.MessageReceived(msg.WithPayload(payload, msg.Options&^OptionEncrypted))
}

// seal returns nonce || ciphertext.
func (e *Encrypt) seal(msg *Message) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize(), e.aead.NonceSize()+len(msg.Payload)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("encrypt: nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, msg.Payload, additionalData(msg)), nil
}

func (e *Encrypt) open(msg *Message) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(msg.Payload) < n {
		return nil, errShortCiphertext
	}
	return e.aead.Open(nil, msg.Payload[:n], msg.Payload[n:], additionalData(msg))
}

// additionalData binds the ciphertext to the message id and to the
// options set above this stage.
func additionalData(msg *Message) []byte {
	ad := make([]byte, len(msg.ID)+2)
	copy(ad, msg.ID[:])
	binary.BigEndian.PutUint16(ad[len(msg.ID):], uint16(msg.Options&^OptionEncrypted))
	return ad
}
