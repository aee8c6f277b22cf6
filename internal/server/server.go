// Package server is the reference relay server: a WebSocket endpoint plus
// the long-poll HTTP surface the fallback channel speaks. It exists for
// development and integration testing of the client; mailboxes live in
// memory only.
package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/relay/internal/wire"
)

// Config tunes the reference server.
type Config struct {
	// PollHold is how long a poll request is held open before answering 204.
	PollHold time.Duration
	// RegisterRPS/RegisterBurst rate-limit the register endpoint; exceeding
	// it returns 429, which the client's fallback path must absorb.
	RegisterRPS   float64
	RegisterBurst int
}

func (c Config) withDefaults() Config {
	if c.PollHold <= 0 {
		c.PollHold = 30 * time.Second
	}
	if c.RegisterRPS <= 0 {
		c.RegisterRPS = 5
	}
	if c.RegisterBurst <= 0 {
		c.RegisterBurst = 10
	}
	return c
}

// endpoint is anything that can receive a relayed message: a live WebSocket
// session or a long-poll mailbox.
type endpoint interface {
	connID() string
	owner() string
	send(msg *wire.Message)
}

type wsSession struct {
	connectionID string
	ownerKey     string
	conn         *websocket.Conn
	mu           sync.Mutex
}

func (s *wsSession) connID() string { return s.connectionID }
func (s *wsSession) owner() string  { return s.ownerKey }
func (s *wsSession) send(msg *wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteJSON(msg); err != nil {
		log.Debug().Err(err).Str("connection_id", s.connectionID).Msg("WS session write failed")
	}
}

type mbEndpoint struct{ mb *mailbox }

func (e *mbEndpoint) connID() string { return e.mb.connectionID }
func (e *mbEndpoint) owner() string  { return e.mb.ownerKey }
func (e *mbEndpoint) send(msg *wire.Message) {
	e.mb.deliver(msg)
}

// Server relays messages between every endpoint registered under the same
// owner key.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	mu        sync.Mutex
	endpoints map[string]endpoint // connectionID -> endpoint
	mailboxes map[string]*mailbox // connectionID -> mailbox

	registered prometheus.Gauge
	relayed    prometheus.Counter
	registry   *prometheus.Registry
}

// New builds the server and its metrics.
func New(cfg Config) *Server {
	promReg := prometheus.NewRegistry()
	s := &Server{
		cfg:       cfg.withDefaults(),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		limiter:   rate.NewLimiter(rate.Limit(cfg.withDefaults().RegisterRPS), cfg.withDefaults().RegisterBurst),
		endpoints: make(map[string]endpoint),
		mailboxes: make(map[string]*mailbox),
		registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relayserver_endpoints",
			Help: "Registered endpoints (WS sessions plus mailboxes)",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relayserver_messages_relayed_total",
			Help: "Messages fanned out to peer endpoints",
		}),
		registry: promReg,
	}
	promReg.MustRegister(s.registered, s.relayed)
	return s
}

// Router mounts every endpoint.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/relay/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/relay/poll/{connectionId}", s.handlePoll).Methods(http.MethodGet)
	r.HandleFunc("/relay/send", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/relay/unregister", s.handleUnregister).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) addEndpoint(e endpoint) {
	s.mu.Lock()
	s.endpoints[e.connID()] = e
	s.registered.Set(float64(len(s.endpoints)))
	s.mu.Unlock()
}

func (s *Server) removeEndpoint(connectionID string) {
	s.mu.Lock()
	delete(s.endpoints, connectionID)
	delete(s.mailboxes, connectionID)
	s.registered.Set(float64(len(s.endpoints)))
	s.mu.Unlock()
}

// relay fans a message out to every endpoint sharing the sender's owner key,
// excluding the sender itself.
func (s *Server) relay(fromConnID, ownerKey string, msg *wire.Message) {
	s.mu.Lock()
	targets := make([]endpoint, 0, 4)
	for _, e := range s.endpoints {
		if e.owner() == ownerKey && e.connID() != fromConnID {
			targets = append(targets, e)
		}
	}
	s.mu.Unlock()
	for _, e := range targets {
		e.send(msg)
		s.relayed.Inc()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// First frame must be the handshake.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hs wire.Handshake
	if err := conn.ReadJSON(&hs); err != nil || (hs.Type != wire.TypeRegister && hs.Type != wire.TypeAuth) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(wire.ClosePolicyViolation, "handshake required"))
		return
	}

	session := &wsSession{connectionID: hs.ID, ownerKey: hs.OwnerKey, conn: conn}
	s.addEndpoint(session)
	defer s.removeEndpoint(hs.ID)

	ack := &wire.Message{Type: wire.TypeRegistered}
	ack.Stamp(hs.ID, time.Now())
	session.send(ack)

	log.Info().Str("connection_id", hs.ID).Str("owner", hs.OwnerKey).Msg("WS session registered")

	for {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.ParseMessage(data)
		if err != nil {
			log.Debug().Err(err).Msg("Ignoring malformed WS frame")
			continue
		}
		if msg.Type == wire.TypePong {
			continue
		}
		if msg.Type == wire.TypePing {
			pong := &wire.Message{Type: wire.TypePong}
			pong.Stamp(hs.ID, time.Now())
			session.send(pong)
			continue
		}
		s.relay(hs.ID, hs.OwnerKey, msg)
	}
}

type registerBody struct {
	ConnectionID string `json:"connectionId"`
	OwnerKey     string `json:"ownerKey"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}
	var body registerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.OwnerKey == "" {
		http.Error(w, "bad register body", http.StatusBadRequest)
		return
	}
	if body.ConnectionID == "" {
		http.Error(w, "connectionId required", http.StatusBadRequest)
		return
	}

	mb := newMailbox(body.ConnectionID, body.OwnerKey)
	s.mu.Lock()
	s.mailboxes[body.ConnectionID] = mb
	s.endpoints[body.ConnectionID] = &mbEndpoint{mb: mb}
	s.registered.Set(float64(len(s.endpoints)))
	s.mu.Unlock()

	log.Info().Str("connection_id", body.ConnectionID).Str("owner", body.OwnerKey).Msg("Mailbox registered")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"connectionId": body.ConnectionID})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	connectionID := mux.Vars(r)["connectionId"]
	s.mu.Lock()
	mb := s.mailboxes[connectionID]
	s.mu.Unlock()
	if mb == nil {
		http.Error(w, "unknown mailbox", http.StatusNotFound)
		return
	}

	mb.ack(r.URL.Query().Get("lastMessageId"))

	deadline := time.NewTimer(s.cfg.PollHold)
	defer deadline.Stop()
	for {
		if buffered := mb.take(); len(buffered) > 0 {
			msgs := make([]*wire.Message, len(buffered))
			for i, st := range buffered {
				msgs[i] = st.Message
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"messages":      msgs,
				"lastMessageId": buffered[len(buffered)-1].ID,
			})
			return
		}
		select {
		case <-mb.notify:
		case <-deadline.C:
			w.WriteHeader(http.StatusNoContent)
			return
		case <-r.Context().Done():
			return
		}
	}
}

type sendBody struct {
	ConnectionID string        `json:"connectionId"`
	Message      *wire.Message `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body sendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Message == nil {
		http.Error(w, "bad send body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	from, ok := s.endpoints[body.ConnectionID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}
	s.relay(body.ConnectionID, from.owner(), body.Message)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad unregister body", http.StatusBadRequest)
		return
	}
	s.removeEndpoint(body.ConnectionID)
	w.WriteHeader(http.StatusOK)
}
