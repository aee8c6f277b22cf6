// Package dispatch routes inbound messages to handlers registered by type.
package dispatch

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/relay/internal/wire"
)

// Handler processes one inbound message. Handlers must not block; long work
// belongs on the consumer's own goroutine.
type Handler func(*wire.Message)

// Dispatcher fans inbound messages out to consumer handlers. Several
// consumers can share one connection: each consumer registers under its own
// key, and within one consumer the last registration for a type wins.
type Dispatcher struct {
	mu sync.RWMutex
	// type -> consumer key -> handler
	handlers map[string]map[string]Handler
}

// New builds an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]map[string]Handler)}
}

// Register installs a handler for a message type under a consumer key,
// replacing any previous handler that consumer had for the type.
func (d *Dispatcher) Register(msgType, consumerKey string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	byConsumer, ok := d.handlers[msgType]
	if !ok {
		byConsumer = make(map[string]Handler)
		d.handlers[msgType] = byConsumer
	}
	byConsumer[consumerKey] = h
}

// Unregister removes a consumer's handler for a message type.
func (d *Dispatcher) Unregister(msgType, consumerKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if byConsumer, ok := d.handlers[msgType]; ok {
		delete(byConsumer, consumerKey)
		if len(byConsumer) == 0 {
			delete(d.handlers, msgType)
		}
	}
}

// UnregisterConsumer removes every handler a consumer registered, in any
// type. Called when a consumer detaches from a shared connection.
func (d *Dispatcher) UnregisterConsumer(consumerKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for msgType, byConsumer := range d.handlers {
		delete(byConsumer, consumerKey)
		if len(byConsumer) == 0 {
			delete(d.handlers, msgType)
		}
	}
}

// Dispatch delivers a message to every handler registered for its type.
// An unmatched type is logged and discarded; consumers register interest in
// a subset of types, so this is not an error condition.
func (d *Dispatcher) Dispatch(msg *wire.Message) {
	d.mu.RLock()
	byConsumer := d.handlers[msg.Type]
	targets := make([]Handler, 0, len(byConsumer))
	for _, h := range byConsumer {
		targets = append(targets, h)
	}
	d.mu.RUnlock()

	if len(targets) == 0 {
		log.Debug().Str("type", msg.Type).Msg("No handler registered for message type, dropping")
		return
	}
	for _, h := range targets {
		h(msg)
	}
}

// HandlerCount reports how many handlers are registered for a type.
func (d *Dispatcher) HandlerCount(msgType string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[msgType])
}
