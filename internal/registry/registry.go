// Package registry deduplicates physical connections across consumers.
//
// The registry is an injected service with an explicit lifecycle: construct
// one at process start and hand it to every manager. There is deliberately no
// package-level instance.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultStaleness is how long an entry stays live without activity.
const DefaultStaleness = 30 * time.Second

// Entry records one live logical connection per owner.
type Entry struct {
	OwnerKey     string
	ConnectionID string
	LastActivity time.Time
}

// Registry is a process-wide table keyed by owner key. When several
// independent consumers connect for the same owner within the staleness
// window, only one physical connection is opened.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]Entry
	staleness time.Duration
	now       func() time.Time
}

// New builds a registry; non-positive staleness uses DefaultStaleness.
func New(staleness time.Duration) *Registry {
	if staleness <= 0 {
		staleness = DefaultStaleness
	}
	return &Registry{
		entries:   make(map[string]Entry),
		staleness: staleness,
		now:       time.Now,
	}
}

// Acquire returns the live entry for an owner, or nil when none exists or
// the entry has gone stale. Stale entries are pruned on the way out.
func (r *Registry) Acquire(ownerKey string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ownerKey]
	if !ok {
		return nil
	}
	if r.now().Sub(e.LastActivity) >= r.staleness {
		delete(r.entries, ownerKey)
		log.Debug().Str("owner", ownerKey).Msg("Pruned stale connection registry entry")
		return nil
	}
	out := e
	return &out
}

// Register records a freshly opened connection for an owner, replacing any
// previous entry.
func (r *Registry) Register(ownerKey, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[ownerKey] = Entry{
		OwnerKey:     ownerKey,
		ConnectionID: connectionID,
		LastActivity: r.now(),
	}
}

// Touch refreshes the activity timestamp on every inbound or outbound
// message. A touch on a missing owner is a no-op.
func (r *Registry) Touch(ownerKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[ownerKey]; ok {
		e.LastActivity = r.now()
		r.entries[ownerKey] = e
	}
}

// Release deletes the entry on manual disconnect or owner logout.
func (r *Registry) Release(ownerKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, ownerKey)
}

// Prune drops every stale entry and returns how many were removed. Callers
// may run it periodically; Acquire also prunes lazily.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	removed := 0
	for key, e := range r.entries {
		if now.Sub(e.LastActivity) >= r.staleness {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries, pruning nothing.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
