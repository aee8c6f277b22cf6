// Package identity generates per-attempt connection identities.
package identity

import (
	"time"

	"github.com/google/uuid"
)

// Identity names one connection attempt. A fresh attempt for the same owner
// gets a fresh ID; OwnerKey is the stable logical key (user or session) used
// for deduplication across consumers.
type Identity struct {
	ID        string
	OwnerKey  string
	Role      string
	Token     string
	CreatedAt time.Time
}

// New mints an identity for a connection attempt.
func New(ownerKey, role string) Identity {
	return Identity{
		ID:        uuid.NewString(),
		OwnerKey:  ownerKey,
		Role:      role,
		CreatedAt: time.Now(),
	}
}

// WithToken returns a copy carrying an opaque auth token attached to the
// handshake. The transport never inspects it.
func (id Identity) WithToken(token string) Identity {
	id.Token = token
	return id
}

// Renew returns a new identity for the same owner. Used when a reconnect
// attempt needs a fresh connection ID.
func (id Identity) Renew() Identity {
	next := New(id.OwnerKey, id.Role)
	next.Token = id.Token
	return next
}
