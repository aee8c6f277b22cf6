package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/sawpanic/relay/internal/dispatch"
	"github.com/sawpanic/relay/internal/wire"
)

// Hub is the process-level entry point. It owns one manager per owner key so
// independent consumers asking to connect for the same owner share a single
// physical connection, and it carries the injected registry and failure
// store into every manager it creates.
type Hub struct {
	opts Options

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewHub builds a hub. The Options' Registry, Failures and Metrics are
// shared by every manager the hub creates.
func NewHub(opts Options) *Hub {
	return &Hub{opts: opts, managers: make(map[string]*Manager)}
}

// Attach returns a consumer handle bound to the shared manager for an owner,
// creating the manager on first use.
func (h *Hub) Attach(ownerKey, role string) *Consumer {
	h.mu.Lock()
	defer h.mu.Unlock()
	mgr, ok := h.managers[ownerKey]
	if !ok {
		mgr = NewManager(ownerKey, role, h.opts)
		h.managers[ownerKey] = mgr
	}
	return &Consumer{mgr: mgr, key: uuid.NewString()}
}

// Manager returns the shared manager for an owner, or nil when none exists.
func (h *Hub) Manager(ownerKey string) *Manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.managers[ownerKey]
}

// Release disconnects and discards the manager for an owner. Used on logout.
func (h *Hub) Release(ownerKey string) {
	h.mu.Lock()
	mgr, ok := h.managers[ownerKey]
	if ok {
		delete(h.managers, ownerKey)
	}
	h.mu.Unlock()
	if ok {
		mgr.Disconnect(true)
		mgr.Close()
	}
}

// Shutdown disconnects every manager. Used at process exit.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	managers := make([]*Manager, 0, len(h.managers))
	for _, m := range h.managers {
		managers = append(managers, m)
	}
	h.managers = make(map[string]*Manager)
	h.mu.Unlock()
	for _, m := range managers {
		m.Disconnect(true)
		m.Close()
	}
}

// Consumer is one independent client of a shared connection. Handler
// registrations are scoped to the consumer: each consumer's registration for
// a type is last-wins for that consumer, and dispatch fans out to all of
// them.
type Consumer struct {
	mgr *Manager
	key string
}

// Connect asks the shared manager to connect. Idempotent across consumers.
func (c *Consumer) Connect() { c.mgr.Connect() }

// Send queues one outbound message on the shared connection.
func (c *Consumer) Send(msg *wire.Message) { c.mgr.Send(msg) }

// Disconnect hangs up the shared connection for every consumer. manual=true
// suppresses automatic reconnection until someone calls Connect again.
func (c *Consumer) Disconnect(manual bool) { c.mgr.Disconnect(manual) }

// RegisterHandler routes messages of a type to fn for this consumer.
func (c *Consumer) RegisterHandler(msgType string, fn dispatch.Handler) {
	c.mgr.Dispatcher().Register(msgType, c.key, fn)
}

// UnregisterHandler removes this consumer's handler for a type.
func (c *Consumer) UnregisterHandler(msgType string) {
	c.mgr.Dispatcher().Unregister(msgType, c.key)
}

// Detach removes every handler this consumer registered. The shared
// connection stays up for the other consumers.
func (c *Consumer) Detach() {
	c.mgr.Dispatcher().UnregisterConsumer(c.key)
}

// IsConnected mirrors the shared manager's state.
func (c *Consumer) IsConnected() bool { return c.mgr.IsConnected() }

// UsingFallback mirrors the shared manager's state.
func (c *Consumer) UsingFallback() bool { return c.mgr.UsingFallback() }

// ReconnectAttempt mirrors the shared manager's attempt counter.
func (c *Consumer) ReconnectAttempt() int { return c.mgr.ReconnectAttempt() }
