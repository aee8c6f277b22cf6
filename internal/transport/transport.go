// Package transport provides the two channel implementations the manager
// switches between: a persistent WebSocket channel and a degraded long-poll
// channel built from plain HTTP calls.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/sawpanic/relay/internal/wire"
)

// EventKind discriminates transport lifecycle events.
type EventKind int

const (
	// EventOpened fires once after the channel is established and the
	// handshake frame has been delivered.
	EventOpened EventKind = iota
	// EventMessage carries one parsed inbound message.
	EventMessage
	// EventClosed is terminal for the channel instance. Code classifies the
	// cause using the taxonomy in internal/wire.
	EventClosed
)

// Event is delivered on the channel returned by Events. After an EventClosed
// the event channel is closed and no further events fire.
type Event struct {
	Kind    EventKind
	Message *wire.Message
	Code    int
	Reason  string
}

// Transport is one live channel attempt. Instances are single-use: once
// closed, open a new instance for the next attempt.
type Transport interface {
	// Open establishes the channel and performs the handshake. It returns
	// once the channel is usable or the attempt failed; events flow on
	// Events afterwards.
	Open(ctx context.Context) error
	// Send delivers one outbound message. The message must already be
	// stamped by the caller.
	Send(msg *wire.Message) error
	// Close tears the channel down with the given close code. Idempotent.
	Close(code int, reason string) error
	// Events returns the channel lifecycle stream.
	Events() <-chan Event
	// Name identifies the transport kind for logs and metrics.
	Name() string
}

// ErrNotOpen is returned by Send when the channel is not established.
var ErrNotOpen = errors.New("transport not open")

// Timeouts shared by both adapters. Client-side deadlines apply regardless
// of server behavior.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultIdleWindow     = 45 * time.Second

	// The poll call is designed to be slow: the server holds it up to
	// DefaultPollTimeout, and the client allows a little extra so the call
	// itself can never hang forever.
	DefaultPollTimeout = 30 * time.Second
	DefaultPollSlack   = 5 * time.Second
)
