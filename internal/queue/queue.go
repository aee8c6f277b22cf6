// Package queue buffers outbound messages while no channel is available.
package queue

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/relay/internal/wire"
)

// DefaultCapacity bounds the queue when no capacity is configured.
const DefaultCapacity = 50

// Entry is a queued message plus its enqueue time, kept for diagnostics.
type Entry struct {
	Message    *wire.Message
	EnqueuedAt time.Time
}

// SendFunc hands one message to the active transport. A nil error means the
// transport accepted the message (successful call, not a server ack).
type SendFunc func(*wire.Message) error

// Queue is a bounded FIFO of undelivered outbound messages. When full, the
// oldest entry is dropped with a warning rather than growing unbounded.
type Queue struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	dropped  uint64
	onDrop   func()
	now      func() time.Time
}

// New builds a queue with the given capacity; non-positive values use
// DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity, now: time.Now}
}

// OnDrop registers a callback fired once per dropped message, used for
// metrics. Set before concurrent use.
func (q *Queue) OnDrop(fn func()) { q.onDrop = fn }

// Enqueue appends a message, evicting the oldest entry on overflow.
func (q *Queue) Enqueue(msg *wire.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.capacity {
		dropped := q.entries[0]
		q.entries = q.entries[1:]
		q.dropped++
		log.Warn().
			Str("type", dropped.Message.Type).
			Int("capacity", q.capacity).
			Uint64("total_dropped", q.dropped).
			Msg("Outbound queue full, dropping oldest message")
		if q.onDrop != nil {
			q.onDrop()
		}
	}
	q.entries = append(q.entries, Entry{Message: msg, EnqueuedAt: q.now()})
}

// Drain sends entries in FIFO order, removing each only after send accepts
// it. On the first failure draining stops and the remainder stays queued for
// the next connection.
func (q *Queue) Drain(send SendFunc) (sent int, err error) {
	for {
		q.mu.Lock()
		if len(q.entries) == 0 {
			q.mu.Unlock()
			return sent, nil
		}
		head := q.entries[0]
		q.mu.Unlock()

		if err := send(head.Message); err != nil {
			return sent, err
		}

		q.mu.Lock()
		// The head may have been evicted by an overflow while send was in
		// flight; only pop if it is still the same entry.
		if len(q.entries) > 0 && q.entries[0] == head {
			q.entries = q.entries[1:]
		}
		q.mu.Unlock()
		sent++
	}
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Dropped returns the total number of messages evicted on overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Snapshot returns a copy of the queued entries, oldest first.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, len(q.entries))
	copy(out, q.entries)
	return out
}
