package relay

import "time"

// attemptLogCap bounds the reconnect diagnostic log.
const attemptLogCap = 10

// ReconnectAttempt is one entry in the diagnostic reconnect log. The log is
// never consulted for correctness, only for backoff context and debugging.
type ReconnectAttempt struct {
	AttemptNumber  int
	CloseCode      int
	Reason         string
	ScheduledDelay time.Duration
	At             time.Time
}

// attemptLog keeps the last attemptLogCap reconnect attempts. Not safe for
// concurrent use; owned by the manager loop.
type attemptLog struct {
	entries []ReconnectAttempt
}

func (l *attemptLog) record(a ReconnectAttempt) {
	l.entries = append(l.entries, a)
	if len(l.entries) > attemptLogCap {
		l.entries = l.entries[len(l.entries)-attemptLogCap:]
	}
}

func (l *attemptLog) snapshot() []ReconnectAttempt {
	out := make([]ReconnectAttempt, len(l.entries))
	copy(out, l.entries)
	return out
}
