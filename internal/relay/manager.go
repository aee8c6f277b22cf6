// Package relay contains the transport manager: the orchestrator that owns
// the connection state machine, runs the reconnection policy, switches
// between the primary and fallback channels and drains the outbound queue.
//
// All state mutation happens on a single goroutine per manager; callers talk
// to it through commands, which removes the "is this still the current
// socket" races a callback design invites.
package relay

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/relay/internal/dispatch"
	"github.com/sawpanic/relay/internal/identity"
	"github.com/sawpanic/relay/internal/metrics"
	"github.com/sawpanic/relay/internal/policy"
	"github.com/sawpanic/relay/internal/queue"
	"github.com/sawpanic/relay/internal/registry"
	"github.com/sawpanic/relay/internal/transport"
	"github.com/sawpanic/relay/internal/wire"
)

// defaultConsumer is the registration key used by Manager.RegisterHandler.
// Consumers attached through the Hub use their own keys.
const defaultConsumer = "default"

// fallbackAfter is how many consecutive primary failures escalate to the
// fallback channel.
const fallbackAfter = 3

// TransportFactory builds a single-use channel for one attempt. Swappable in
// tests.
type TransportFactory func(identity.Identity) transport.Transport

// Options wires a Manager's collaborators. Registry and Failures are shared,
// injected services; everything else is per-manager.
type Options struct {
	WS       transport.WSConfig
	LongPoll transport.LongPollConfig
	Policy   policy.Config

	QueueCapacity int

	Registry *registry.Registry
	Failures policy.FailureStore
	Metrics  *metrics.Registry

	// NewPrimary / NewFallback override the channel constructors. Tests use
	// these to inject fakes; nil means the real adapters.
	NewPrimary  TransportFactory
	NewFallback TransportFactory
}

type cmdKind int

const (
	cmdConnect cmdKind = iota
	cmdKick
	cmdDisconnect
	cmdOpenResult
	cmdChannelEvent
	cmdRetryTimer
	cmdAttempts
)

type command struct {
	kind       cmdKind
	manual     bool
	gen        uint64
	tr         transport.Transport
	err        error
	event      transport.Event
	attemptsCh chan []ReconnectAttempt
}

// Manager owns one logical connection for one owner key.
type Manager struct {
	opts  Options
	owner string
	role  string

	pol        *policy.Policy
	queue      *queue.Queue
	dispatcher *dispatch.Dispatcher
	logger     zerolog.Logger

	cmds chan command
	done chan struct{}

	// Observables, mirrored from the loop for lock-free reads.
	state        atomic.Int32
	attempt      atomic.Int32
	usingFB      atomic.Bool
	connectionID atomic.Value // string

	// Loop-owned state. Only the run goroutine touches these.
	id             identity.Identity
	gen            uint64
	active         transport.Transport
	attemptCtx     context.Context
	cancelAtt      context.CancelFunc
	retryTimer     *time.Timer
	manualStop     bool
	onFallback     bool
	nextIsFallback bool
	attempts       attemptLog
	drainKick      chan struct{}

	closeOnce sync.Once
}

// NewManager builds a manager for one owner and starts its event loop.
func NewManager(ownerKey, role string, opts Options) *Manager {
	if opts.Registry == nil {
		opts.Registry = registry.New(0)
	}
	if opts.Failures == nil {
		opts.Failures = policy.NewMemoryFailureStore(0)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}

	m := &Manager{
		opts:       opts,
		owner:      ownerKey,
		role:       role,
		pol:        policy.New(opts.Policy),
		queue:      queue.New(opts.QueueCapacity),
		dispatcher: dispatch.New(),
		logger:     log.With().Str("component", "relay").Str("owner", ownerKey).Logger(),
		cmds:       make(chan command, 64),
		done:       make(chan struct{}),
		drainKick:  make(chan struct{}, 1),
	}
	m.connectionID.Store("")
	m.queue.OnDrop(func() {
		opts.Metrics.QueueDrops.Inc()
		opts.Metrics.MessagesDropped.WithLabelValues("queue_overflow").Inc()
	})
	if m.opts.NewPrimary == nil {
		m.opts.NewPrimary = func(id identity.Identity) transport.Transport {
			return transport.NewWS(opts.WS, id)
		}
	}
	if m.opts.NewFallback == nil {
		m.opts.NewFallback = func(id identity.Identity) transport.Transport {
			cfg := opts.LongPoll
			if cfg.PollObserver == nil {
				cfg.PollObserver = func(d time.Duration) {
					m.opts.Metrics.PollLatency.Observe(d.Seconds())
				}
			}
			return transport.NewLongPoll(cfg, id, m.pol)
		}
	}
	go m.run()
	return m
}

// Connect starts connecting. Idempotent: a no-op while already connecting or
// connected. An explicit Connect clears the manual-disconnect latch.
func (m *Manager) Connect() {
	m.post(command{kind: cmdConnect})
}

// Send queues one message and hands it to the active channel. It never
// blocks: while disconnected the message waits in the bounded queue and a
// connection attempt is triggered.
func (m *Manager) Send(msg *wire.Message) {
	m.queue.Enqueue(msg)
	m.opts.Metrics.QueueDepth.Set(float64(m.queue.Len()))
	m.post(command{kind: cmdKick})
}

// Disconnect closes the active channel with a normal-closure code. With
// manual=true all automatic reconnection stays suppressed until Connect is
// called again.
func (m *Manager) Disconnect(manual bool) {
	m.post(command{kind: cmdDisconnect, manual: manual})
}

// RegisterHandler routes inbound messages of the given type to fn. The last
// registration for a type wins.
func (m *Manager) RegisterHandler(msgType string, fn dispatch.Handler) {
	m.dispatcher.Register(msgType, defaultConsumer, fn)
}

// UnregisterHandler removes the default-consumer handler for a type.
func (m *Manager) UnregisterHandler(msgType string) {
	m.dispatcher.Unregister(msgType, defaultConsumer)
}

// Dispatcher exposes the dispatcher for consumers attached through the Hub.
func (m *Manager) Dispatcher() *dispatch.Dispatcher { return m.dispatcher }

// State returns the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

// IsConnected reports whether either channel is live.
func (m *Manager) IsConnected() bool { return m.State().Connected() }

// UsingFallback reports whether the degraded channel is the active one.
func (m *Manager) UsingFallback() bool { return m.usingFB.Load() }

// ReconnectAttempt returns the current attempt number.
func (m *Manager) ReconnectAttempt() int { return int(m.attempt.Load()) }

// ConnectionID returns the id of the current attempt, or "" when idle.
func (m *Manager) ConnectionID() string { return m.connectionID.Load().(string) }

// QueueLen returns the number of messages waiting for a channel.
func (m *Manager) QueueLen() int { return m.queue.Len() }

// Close stops the manager loop. The manager is unusable afterwards; this is
// for process shutdown and tests, not for consumers (they use Disconnect).
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Manager) post(c command) {
	select {
	case m.cmds <- c:
	case <-m.done:
	}
}

// postKick coalesces: if the command buffer is backed up a pending kick is
// already enough.
func (m *Manager) postKick() {
	select {
	case m.cmds <- command{kind: cmdKick}:
	default:
	}
}

func (m *Manager) run() {
	for {
		select {
		case <-m.done:
			m.teardown(wire.CloseGoingAway, "manager shutdown")
			return
		case c := <-m.cmds:
			switch c.kind {
			case cmdConnect:
				m.handleConnect(true)
			case cmdKick:
				m.handleKick()
			case cmdDisconnect:
				m.handleDisconnect(c.manual)
			case cmdOpenResult:
				m.handleOpenResult(c)
			case cmdChannelEvent:
				m.handleChannelEvent(c)
			case cmdRetryTimer:
				m.handleRetryTimer(c.gen)
			case cmdAttempts:
				c.attemptsCh <- m.attempts.snapshot()
			}
		}
	}
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev != s {
		m.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Connection state change")
		m.opts.Metrics.State.Set(float64(s))
	}
	m.usingFB.Store(s == StateFallback)
}

func (m *Manager) handleConnect(explicit bool) {
	if explicit {
		m.manualStop = false
	}
	switch m.State() {
	case StateConnecting, StateOpen, StateDegrading, StateFallback:
		return
	}
	if m.manualStop {
		return
	}
	if e := m.opts.Registry.Acquire(m.owner); e != nil {
		// Another manager sharing the registry already holds a live
		// connection for this owner. Entries are released whenever a channel
		// dies, so a live entry here is never our own leftover.
		m.logger.Info().Str("connection_id", e.ConnectionID).
			Msg("Live connection already registered for owner, not opening another")
		return
	}
	m.attempt.Store(0)
	m.startAttempt(false)
}

func (m *Manager) handleKick() {
	if m.State().Connected() {
		m.kickDrain()
		return
	}
	// A queued send while disconnected triggers a connect, unless the
	// consumer explicitly hung up.
	if !m.manualStop {
		m.handleConnect(false)
	}
}

// startAttempt opens a fresh channel instance. Each attempt gets a renewed
// connection identity and a new generation; events from older generations
// are ignored.
func (m *Manager) startAttempt(fallback bool) {
	m.gen++
	gen := m.gen
	if m.id.OwnerKey == "" {
		m.id = identity.New(m.owner, m.role)
	} else {
		m.id = m.id.Renew()
	}
	m.connectionID.Store(m.id.ID)

	if m.cancelAtt != nil {
		m.cancelAtt()
	}
	m.attemptCtx, m.cancelAtt = context.WithCancel(context.Background())

	m.onFallback = fallback
	if fallback {
		m.setState(StateDegrading)
	} else {
		m.setState(StateConnecting)
	}

	var tr transport.Transport
	if fallback {
		tr = m.opts.NewFallback(m.id)
	} else {
		tr = m.opts.NewPrimary(m.id)
	}
	m.active = tr
	m.opts.Metrics.ConnectAttempts.WithLabelValues(tr.Name()).Inc()
	m.logger.Info().
		Str("transport", tr.Name()).
		Str("connection_id", m.id.ID).
		Int("attempt", m.ReconnectAttempt()).
		Msg("Opening channel")

	ctx := m.attemptCtx
	go func() {
		err := tr.Open(ctx)
		m.post(command{kind: cmdOpenResult, gen: gen, tr: tr, err: err})
	}()
}

func (m *Manager) handleOpenResult(c command) {
	if c.gen != m.gen || c.tr != m.active {
		// A stale attempt resolved after a disconnect or a newer attempt
		// superseded it. Make sure its channel is dead and move on.
		if c.err == nil {
			c.tr.Close(wire.CloseGoingAway, "superseded")
		}
		return
	}
	if c.err != nil {
		m.logger.Warn().Err(c.err).Str("transport", c.tr.Name()).Msg("Channel open failed")
		m.active = nil
		if m.onFallback {
			// Fallback registration gave up; go back to the primary path.
			m.scheduleRetry(wire.CloseAbnormal, "fallback registration failed", false)
		} else {
			m.scheduleRetry(wire.CloseAbnormal, c.err.Error(), true)
		}
		return
	}

	// Channel is open: consume its events and flush the queue.
	gen := c.gen
	go func() {
		for ev := range c.tr.Events() {
			m.post(command{kind: cmdChannelEvent, gen: gen, tr: c.tr, event: ev})
		}
	}()
}

func (m *Manager) handleChannelEvent(c command) {
	if c.gen != m.gen || c.tr != m.active {
		return
	}
	switch c.event.Kind {
	case transport.EventOpened:
		m.channelUp(c.tr)
	case transport.EventMessage:
		m.inbound(c.tr, c.event.Message)
	case transport.EventClosed:
		m.channelDown(c.event.Code, c.event.Reason)
	}
}

func (m *Manager) channelUp(tr transport.Transport) {
	if m.onFallback {
		m.setState(StateFallback)
		m.opts.Metrics.FallbackSwitches.Inc()
	} else {
		m.setState(StateOpen)
	}
	m.attempt.Store(0)
	if err := m.opts.Failures.Reset(context.Background(), m.owner); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to reset failure counter")
	}
	m.opts.Registry.Register(m.owner, m.id.ID)
	m.logger.Info().Str("transport", tr.Name()).Msg("Channel established")

	m.startDrainer(tr)
	m.kickDrain()
}

// startDrainer runs a single loop per live channel that flushes the queue in
// FIFO order. Sends happen off the manager goroutine so a slow fallback send
// never stalls event handling.
func (m *Manager) startDrainer(tr transport.Transport) {
	ctx := m.attemptCtx
	kick := m.drainKick
	connID := m.id.ID
	go func() {
		for {
			sent, err := m.queue.Drain(func(msg *wire.Message) error {
				msg.Stamp(connID, time.Now())
				return tr.Send(msg)
			})
			if sent > 0 {
				m.opts.Metrics.MessagesSent.WithLabelValues(tr.Name()).Add(float64(sent))
				m.opts.Registry.Touch(m.owner)
			}
			m.opts.Metrics.QueueDepth.Set(float64(m.queue.Len()))
			if err != nil {
				// Leave the remainder queued; the channel will report its
				// own failure if it is actually dead.
				m.logger.Warn().Err(err).Msg("Queue drain interrupted")
			}
			select {
			case <-kick:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *Manager) kickDrain() {
	select {
	case m.drainKick <- struct{}{}:
	default:
	}
}

func (m *Manager) inbound(tr transport.Transport, msg *wire.Message) {
	m.opts.Registry.Touch(m.owner)
	if msg.Reserved() {
		if msg.Type == wire.TypeError {
			m.logger.Warn().RawJSON("payload", payloadOrNull(msg)).Msg("Server reported error")
		}
		return
	}
	m.opts.Metrics.MessagesReceived.WithLabelValues(tr.Name()).Inc()
	m.dispatcher.Dispatch(msg)
}

func payloadOrNull(msg *wire.Message) []byte {
	if len(msg.Payload) == 0 {
		return []byte("null")
	}
	return msg.Payload
}

func (m *Manager) channelDown(code int, reason string) {
	m.logger.Warn().Int("code", code).Str("reason", reason).Msg("Channel closed")
	wasFallback := m.onFallback
	m.active = nil
	if m.cancelAtt != nil {
		m.cancelAtt()
	}
	// The physical connection is gone; the registry must not advertise it.
	m.opts.Registry.Release(m.owner)
	if m.manualStop {
		m.setState(StateClosed)
		return
	}
	if wasFallback {
		// A broken fallback loop goes straight back to trying the primary
		// channel instead of looping on a dead mailbox.
		m.setState(StateConnecting)
		m.scheduleRetry(code, reason, true)
		return
	}
	m.scheduleRetry(code, reason, true)
}

// scheduleRetry consults the policy and either arms the retry timer, stops
// on a terminal close code, or emits the give-up notification.
func (m *Manager) scheduleRetry(code int, reason string, countFailure bool) {
	consecutive := 0
	if countFailure {
		n, err := m.opts.Failures.Record(context.Background(), m.owner)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Failure counter unavailable")
		} else {
			consecutive = n
		}
	}

	attempt := m.ReconnectAttempt()
	dec := m.pol.Decide(attempt, code, consecutive)
	m.attempts.record(ReconnectAttempt{
		AttemptNumber:  attempt,
		CloseCode:      code,
		Reason:         reason,
		ScheduledDelay: dec.Delay,
		At:             time.Now(),
	})

	switch {
	case dec.GiveUp:
		m.giveUp("retry attempts exhausted")
		return
	case !dec.Retry:
		m.logger.Info().Int("code", code).Msg("Terminal close code, not reconnecting")
		// Latch like a manual disconnect: a queued send must not quietly
		// revive a connection the server rejected. An explicit Connect
		// re-arms.
		m.manualStop = true
		m.setState(StateClosed)
		m.opts.Registry.Release(m.owner)
		return
	}

	m.attempt.Store(int32(attempt + 1))
	m.opts.Metrics.Reconnects.Inc()
	m.setState(StateConnecting)

	// Escalate to the fallback channel once the primary has failed a few
	// times in a row; a fallback give-up lands back here on the primary.
	tryFallback := !m.onFallback && attempt+1 >= fallbackAfter

	m.logger.Info().
		Int("attempt", attempt).
		Dur("delay", dec.Delay).
		Bool("fallback_next", tryFallback).
		Msg("Reconnect scheduled")

	gen := m.gen
	if m.retryTimer != nil {
		m.retryTimer.Stop()
	}
	m.retryTimer = time.AfterFunc(dec.Delay, func() {
		m.post(command{kind: cmdRetryTimer, gen: gen})
	})
	m.nextIsFallback = tryFallback
}

func (m *Manager) handleRetryTimer(gen uint64) {
	if gen != m.gen || m.manualStop {
		return
	}
	if m.State().Connected() {
		return
	}
	m.startAttempt(m.nextIsFallback)
}

func (m *Manager) giveUp(reason string) {
	m.logger.Error().Str("reason", reason).Msg("Unable to maintain connection, giving up")
	m.opts.Metrics.GiveUps.Inc()
	m.setState(StateClosed)
	m.opts.Registry.Release(m.owner)

	payload, _ := json.Marshal(map[string]string{"reason": "unable to maintain connection"})
	note := &wire.Message{Type: wire.TypeConnectionLost, Payload: payload}
	note.Stamp(m.id.ID, time.Now())
	m.dispatcher.Dispatch(note)
}

func (m *Manager) handleDisconnect(manual bool) {
	if manual {
		m.manualStop = true
	}
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	m.gen++ // invalidate in-flight attempts and timers
	m.teardown(wire.CloseNormal, "client disconnect")
	m.opts.Registry.Release(m.owner)
	m.setState(StateClosed)
}

func (m *Manager) teardown(code int, reason string) {
	if m.active != nil {
		m.setState(StateClosing)
		if err := m.active.Close(code, reason); err != nil {
			m.logger.Debug().Err(err).Msg("Channel close error")
		}
		m.active = nil
	}
	if m.cancelAtt != nil {
		m.cancelAtt()
		m.cancelAtt = nil
	}
}

// Attempts returns the diagnostic reconnect log. Loop-owned data is copied
// through the command channel to stay race-free.
func (m *Manager) Attempts() []ReconnectAttempt {
	ch := make(chan []ReconnectAttempt, 1)
	select {
	case m.cmds <- command{kind: cmdAttempts, attemptsCh: ch}:
	case <-m.done:
		return nil
	}
	select {
	case entries := <-ch:
		return entries
	case <-m.done:
		return nil
	}
}
