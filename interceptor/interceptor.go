// Package interceptor implements the pipeline every send, receive and
// membership event passes through between the channel and the transport.
//
// A Chain is an arena of stages addressed by index. Downward calls (Start,
// Stop, SendMessage, Members, Member) go from stage 0 toward the Bottom;
// upward calls (MessageReceived, MemberEvent) go from the last stage toward
// the Top. Stages reach their neighbours only through the Next and Prev
// handles they are given.
package interceptor

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/huddle/member"
	"github.com/maxpert/huddle/membership"
)

// Options are per-message flags carried on the wire.
type Options uint16

const (
	// OptionByteMessage marks a raw byte payload.
	OptionByteMessage Options = 1 << iota
	// OptionObject marks a payload encoded by an encoding.Registry.
	OptionObject
	// OptionCompressed marks a zstd-compressed payload.
	OptionCompressed
	// OptionEncrypted marks an AES-GCM sealed payload.
	OptionEncrypted
)

func (o Options) Has(f Options) bool {
	return o&f == f
}

// Message is the unit exchanged between members.
type Message struct {
	ID        [16]byte       `msgpack:"id"`
	Source    *member.Member `msgpack:"src"`
	Timestamp int64          `msgpack:"ts"` // unix nanoseconds at the sender
	Options   Options        `msgpack:"opt"`
	Payload   []byte         `msgpack:"payload"`
}

// NewMessage stamps a fresh id and timestamp.
func NewMessage(source *member.Member, opts Options, payload []byte) *Message {
	return &Message{
		ID:        uuid.New(),
		Source:    source,
		Timestamp: time.Now().UnixNano(),
		Options:   opts,
		Payload:   payload,
	}
}

// WithPayload returns a shallow copy carrying payload and opts. Stages
// never modify a message in place since the caller may hold it.
func (m *Message) WithPayload(payload []byte, opts Options) *Message {
	c := *m
	c.Payload = payload
	c.Options = opts
	return &c
}

// Kind is "object" or "bytes", used for logs and metrics.
func (m *Message) Kind() string {
	if m.Options.Has(OptionObject) {
		return "object"
	}
	return "bytes"
}

func (m *Message) IDString() string {
	return uuid.UUID(m.ID).String()
}

// MemberNotFoundError is returned when no stage nor the bottom knows the
// requested member.
type MemberNotFoundError struct {
	ID []byte
}

func (e *MemberNotFoundError) Error() string {
	return fmt.Sprintf("member %s not found", hex.EncodeToString(e.ID))
}

// Interceptor is one pipeline stage. Embed Passthrough to forward every
// call unchanged and override only what the stage cares about.
type Interceptor interface {
	Start(ctx context.Context, svc membership.ServiceMask, next Next, prev Prev) error
	Stop(ctx context.Context, svc membership.ServiceMask, next Next, prev Prev) error
	SendMessage(ctx context.Context, dests []*member.Member, msg *Message, next Next) error
	MessageReceived(msg *Message, prev Prev)
	MemberEvent(m *member.Member, prev Prev)
	Members(next Next) []*member.Member
	Member(id []byte, next Next) (*member.Member, error)
}

// Bottom sits below the last stage and talks to providers and transports.
type Bottom interface {
	Start(ctx context.Context, svc membership.ServiceMask) error
	Stop(ctx context.Context, svc membership.ServiceMask) error
	SendMessage(ctx context.Context, dests []*member.Member, msg *Message) error
	Members() []*member.Member
	Member(id []byte) (*member.Member, error)
}

// Top sits above stage 0 and receives everything that made it through.
type Top interface {
	MessageReceived(msg *Message)
	MemberEvent(m *member.Member)
}

// Passthrough forwards every call to the neighbouring stage.
type Passthrough struct{}

func (Passthrough) Start(ctx context.Context, svc membership.ServiceMask, next Next, _ Prev) error {
	return next.Start(ctx, svc)
}

func (Passthrough) Stop(ctx context.Context, svc membership.ServiceMask, next Next, _ Prev) error {
	return next.Stop(ctx, svc)
}

func (Passthrough) SendMessage(ctx context.Context, dests []*member.Member, msg *Message, next Next) error {
	return next.SendMessage(ctx, dests, msg)
}

func (Passthrough) MessageReceived(msg *Message, prev Prev) {
	prev.MessageReceived(msg)
}

func (Passthrough) MemberEvent(m *member.Member, prev Prev) {
	prev.MemberEvent(m)
}

func (Passthrough) Members(next Next) []*member.Member {
	return next.Members()
}

func (Passthrough) Member(id []byte, next Next) (*member.Member, error) {
	return next.Member(id)
}
