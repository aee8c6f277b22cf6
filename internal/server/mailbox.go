package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/relay/internal/wire"
)

// stored is one message waiting in a mailbox, with the server-assigned id
// used for lastMessageId continuity.
type stored struct {
	ID      string        `json:"id"`
	Message *wire.Message `json:"message"`
}

// mailbox buffers messages for one long-poll client. Poll removes entries
// already acknowledged through lastMessageId, then blocks on the notify
// channel until something arrives or the server hold expires.
type mailbox struct {
	connectionID string
	ownerKey     string

	mu      sync.Mutex
	buffer  []stored
	notify  chan struct{}
	created time.Time
}

func newMailbox(connectionID, ownerKey string) *mailbox {
	return &mailbox{
		connectionID: connectionID,
		ownerKey:     ownerKey,
		notify:       make(chan struct{}, 1),
		created:      time.Now(),
	}
}

func (mb *mailbox) deliver(msg *wire.Message) string {
	mb.mu.Lock()
	id := uuid.NewString()
	mb.buffer = append(mb.buffer, stored{ID: id, Message: msg})
	mb.mu.Unlock()
	select {
	case mb.notify <- struct{}{}:
	default:
	}
	return id
}

// ack drops everything up to and including lastMessageID.
func (mb *mailbox) ack(lastMessageID string) {
	if lastMessageID == "" {
		return
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for i, s := range mb.buffer {
		if s.ID == lastMessageID {
			mb.buffer = append([]stored(nil), mb.buffer[i+1:]...)
			return
		}
	}
}

// take returns the buffered messages without removing them; removal happens
// on the next poll's ack so a lost response is retransmitted.
func (mb *mailbox) take() []stored {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	out := make([]stored, len(mb.buffer))
	copy(out, mb.buffer)
	return out
}
