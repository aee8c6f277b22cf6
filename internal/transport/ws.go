package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/relay/internal/identity"
	"github.com/sawpanic/relay/internal/wire"
)

// WSConfig tunes the primary channel adapter.
type WSConfig struct {
	URL            string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// IdleWindow bounds how long the read loop waits without any traffic.
	// Hitting it is treated as an abnormal closure, not a clean shutdown.
	IdleWindow time.Duration
	// PingInterval is how often the client sends an application-level ping
	// on a quiet connection. The pong feeds the idle deadline, so the
	// deadline only fires against a peer that stopped answering. Must be
	// shorter than IdleWindow.
	PingInterval time.Duration
	Header       http.Header
}

func (c WSConfig) withDefaults() WSConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.IdleWindow <= 0 {
		c.IdleWindow = DefaultIdleWindow
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleWindow {
		c.PingInterval = c.IdleWindow / 3
	}
	return c
}

// WS is the persistent full-duplex channel over gorilla/websocket. On open
// it immediately sends the registration frame, then streams parsed inbound
// messages as events. Malformed frames are logged and dropped.
type WS struct {
	cfg WSConfig
	id  identity.Identity

	mu     sync.Mutex
	conn   *websocket.Conn
	open   bool
	closed bool

	events  chan Event
	closeCh chan struct{}
}

// NewWS builds a single-use primary channel for one connection attempt.
func NewWS(cfg WSConfig, id identity.Identity) *WS {
	return &WS{
		cfg:     cfg.withDefaults(),
		id:      id,
		events:  make(chan Event, 32),
		closeCh: make(chan struct{}),
	}
}

func (w *WS) Name() string { return "websocket" }

// Events returns the lifecycle stream. Closed after EventClosed.
func (w *WS) Events() <-chan Event { return w.events }

// Open dials the server, sends the handshake frame and starts the read loop.
func (w *WS) Open(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.ConnectTimeout}

	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, w.cfg.URL, w.cfg.Header)
	if err != nil {
		return fmt.Errorf("websocket dial %s: %w", w.cfg.URL, err)
	}

	hs := wire.Handshake{
		Type:      wire.TypeRegister,
		ID:        w.id.ID,
		OwnerKey:  w.id.OwnerKey,
		Role:      w.id.Role,
		Token:     w.id.Token,
		Timestamp: time.Now().UnixMilli(),
	}
	conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	if err := conn.WriteJSON(hs); err != nil {
		conn.Close()
		return fmt.Errorf("websocket handshake: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.open = true
	w.mu.Unlock()

	log.Debug().Str("url", w.cfg.URL).Str("connection_id", w.id.ID).Msg("WebSocket channel open")

	w.events <- Event{Kind: EventOpened}
	go w.readLoop()
	go w.pingLoop()
	return nil
}

// pingLoop keeps a quiet connection alive: each ping solicits a pong, which
// resets the idle deadline in readLoop. The deadline stays as the backstop
// for a peer that stopped answering.
func (w *WS) pingLoop() {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.closeCh:
			return
		case <-ticker.C:
			ping := &wire.Message{Type: wire.TypePing}
			ping.Stamp(w.id.ID, time.Now())
			if err := w.Send(ping); err != nil {
				return
			}
		}
	}
}

// Send writes one message as a text frame. The caller stamps the message.
func (w *WS) Send(msg *wire.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return ErrNotOpen
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal outbound message: %w", err)
	}
	w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a close frame and tears the connection down. Safe to call
// more than once; later calls are no-ops.
func (w *WS) Close(code int, reason string) error {
	w.mu.Lock()
	if w.closed || !w.open {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conn := w.conn
	w.open = false
	w.mu.Unlock()

	close(w.closeCh)
	frame := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, frame)
	return conn.Close()
}

func (w *WS) readLoop() {
	defer close(w.events)
	for {
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(w.cfg.IdleWindow))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.closeCh:
				// Local close already decided the code; the manager is not
				// interested in the read error it caused.
				return
			default:
			}
			code, reason := closeCause(err)
			w.mu.Lock()
			w.open = false
			w.mu.Unlock()
			conn.Close()
			w.events <- Event{Kind: EventClosed, Code: code, Reason: reason}
			return
		}

		msg, err := wire.ParseMessage(data)
		if err != nil {
			log.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed inbound frame")
			continue
		}

		if msg.Type == wire.TypePing {
			pong := &wire.Message{Type: wire.TypePong}
			pong.Stamp(w.id.ID, time.Now())
			if err := w.Send(pong); err != nil {
				log.Warn().Err(err).Msg("Failed to answer ping")
			}
			continue
		}

		select {
		case w.events <- Event{Kind: EventMessage, Message: msg}:
		case <-w.closeCh:
			return
		}
	}
}

// closeCause maps a read error to a close code. Anything that is not an
// explicit close frame counts as abnormal termination.
func closeCause(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return wire.CloseAbnormal, err.Error()
}
