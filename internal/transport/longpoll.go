package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/relay/internal/identity"
	"github.com/sawpanic/relay/internal/policy"
	"github.com/sawpanic/relay/internal/wire"
)

// LongPollConfig tunes the fallback channel adapter.
type LongPollConfig struct {
	BaseURL string
	// PollTimeout mirrors the server's hold time; the client allows
	// PollSlack extra before abandoning the call.
	PollTimeout time.Duration
	PollSlack   time.Duration
	// RequestTimeout bounds register/send/unregister calls.
	RequestTimeout time.Duration
	// FailureThreshold is how many consecutive poll failures force the
	// channel closed so the manager can retry the primary path.
	FailureThreshold int
	// SendRPS/SendBurst rate-limit outbound sends client-side.
	SendRPS   float64
	SendBurst int
	// MaxSendRetries bounds retries of one outbound message on transient
	// failures before it is handed back to the queue.
	MaxSendRetries int
	// PollObserver, when set, receives the round-trip duration of every
	// completed poll call. The manager wires it to the latency histogram.
	PollObserver func(time.Duration)
	Client       *http.Client
}

func (c LongPollConfig) withDefaults() LongPollConfig {
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.PollSlack <= 0 {
		c.PollSlack = DefaultPollSlack
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultConnectTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 6
	}
	if c.SendRPS <= 0 {
		c.SendRPS = 10
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 20
	}
	if c.MaxSendRetries <= 0 {
		c.MaxSendRetries = 3
	}
	if c.Client == nil {
		c.Client = &http.Client{}
	}
	return c
}

type registerRequest struct {
	ConnectionID string `json:"connectionId"`
	OwnerKey     string `json:"ownerKey"`
	Role         string `json:"role"`
	Token        string `json:"token,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

type registerResponse struct {
	ConnectionID string `json:"connectionId"`
}

type pollResponse struct {
	Messages      []*wire.Message `json:"messages"`
	LastMessageID string          `json:"lastMessageId,omitempty"`
}

type sendRequest struct {
	ConnectionID string        `json:"connectionId"`
	Message      *wire.Message `json:"message"`
}

// LongPoll emulates a duplex channel over three HTTP calls: register to
// obtain a server-side mailbox, a supervised long-poll loop for inbound
// messages, and a per-message send. Register and send run behind a circuit
// breaker; sends are additionally rate-limited client-side.
type LongPoll struct {
	cfg LongPollConfig
	id  identity.Identity
	pol *policy.Policy

	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	mu        sync.Mutex
	mailboxID string
	open      bool
	closed    bool

	events chan Event
	cancel context.CancelFunc
}

// NewLongPoll builds a single-use fallback channel for one attempt.
func NewLongPoll(cfg LongPollConfig, id identity.Identity, pol *policy.Policy) *LongPoll {
	cfg = cfg.withDefaults()
	settings := gobreaker.Settings{
		Name:    "relay-fallback",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &LongPoll{
		cfg:     cfg,
		id:      id,
		pol:     pol,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRPS), cfg.SendBurst),
		events:  make(chan Event, 32),
	}
}

func (lp *LongPoll) Name() string { return "longpoll" }

// Events returns the lifecycle stream. Closed after the poll loop exits.
func (lp *LongPoll) Events() <-chan Event { return lp.events }

// Open registers a mailbox with bounded, 429-aware retries, then starts the
// poll loop. The loop reissues itself on completion and is cancelled through
// the context wired into Close.
func (lp *LongPoll) Open(ctx context.Context) error {
	var mailbox string
	for attempt := 0; ; attempt++ {
		id, rateLimited, err := lp.register(ctx)
		if err == nil {
			mailbox = id
			break
		}
		dec := lp.pol.DecideFallbackRegistration(attempt, rateLimited)
		if !dec.Retry {
			return fmt.Errorf("fallback registration gave up after %d attempts: %w", attempt+1, err)
		}
		log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("delay", dec.Delay).
			Bool("rate_limited", rateLimited).
			Msg("Fallback registration failed, retrying")
		select {
		case <-time.After(dec.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	lp.mu.Lock()
	lp.mailboxID = mailbox
	lp.open = true
	lp.cancel = cancel
	lp.mu.Unlock()

	log.Info().Str("mailbox", mailbox).Msg("Fallback channel registered")

	lp.events <- Event{Kind: EventOpened}
	go lp.pollLoop(loopCtx)
	return nil
}

// Send posts one message to the mailbox. Transient failures (5xx, 429,
// timeout) are retried with backoff up to MaxSendRetries; other 4xx drop the
// message with a logged failure.
func (lp *LongPoll) Send(msg *wire.Message) error {
	lp.mu.Lock()
	mailbox, open := lp.mailboxID, lp.open
	lp.mu.Unlock()
	if !open {
		return ErrNotOpen
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := lp.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send rate limiter: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < lp.cfg.MaxSendRetries; attempt++ {
		status, err := lp.postSend(ctx, mailbox, msg)
		switch {
		case err == nil && status == http.StatusOK:
			return nil
		case err == nil && status >= 400 && status < 500 && status != http.StatusTooManyRequests:
			log.Error().Int("status", status).Str("type", msg.Type).
				Msg("Fallback send rejected, dropping message")
			return nil
		case err == nil:
			lastErr = fmt.Errorf("fallback send status %d", status)
		default:
			lastErr = err
		}
		dec := lp.pol.Decide(attempt, retryCode(status), 0)
		if !dec.Retry {
			break
		}
		select {
		case <-time.After(dec.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("fallback send failed: %w", lastErr)
}

// Close cancels the poll loop and releases the server mailbox. No events
// fire after Close returns.
func (lp *LongPoll) Close(code int, reason string) error {
	lp.mu.Lock()
	if lp.closed {
		lp.mu.Unlock()
		return nil
	}
	lp.closed = true
	lp.open = false
	mailbox := lp.mailboxID
	cancel := lp.cancel
	lp.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if mailbox != "" {
		ctx, cancelReq := context.WithTimeout(context.Background(), lp.cfg.RequestTimeout)
		defer cancelReq()
		lp.unregister(ctx, mailbox)
	}
	return nil
}

func (lp *LongPoll) register(ctx context.Context) (string, bool, error) {
	body, _ := json.Marshal(registerRequest{
		ConnectionID: lp.id.ID,
		OwnerKey:     lp.id.OwnerKey,
		Role:         lp.id.Role,
		Token:        lp.id.Token,
		Timestamp:    time.Now().UnixMilli(),
	})

	result, err := lp.breaker.Execute(func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, lp.cfg.RequestTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, lp.cfg.BaseURL+"/register", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := lp.cfg.Client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, errRateLimited
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("register status %d", resp.StatusCode)
		}
		var rr registerResponse
		if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
			return nil, fmt.Errorf("decode register response: %w", err)
		}
		if rr.ConnectionID == "" {
			rr.ConnectionID = lp.id.ID
		}
		return rr.ConnectionID, nil
	})
	if err != nil {
		return "", err == errRateLimited, err
	}
	return result.(string), false, nil
}

var errRateLimited = fmt.Errorf("rate limited")

func (lp *LongPoll) pollLoop(ctx context.Context) {
	defer close(lp.events)

	failures := 0
	lastMessageID := ""
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, lastID, status, err := lp.poll(ctx, lastMessageID)
		switch {
		case err == nil && status == http.StatusOK:
			failures = 0
			if lastID != "" {
				lastMessageID = lastID
			}
			for _, msg := range msgs {
				select {
				case lp.events <- Event{Kind: EventMessage, Message: msg}:
				case <-ctx.Done():
					return
				}
			}
			continue
		case err == nil && status == http.StatusNoContent:
			// Normal outcome: the server hold expired with nothing to
			// deliver. Reissue immediately.
			failures = 0
			continue
		case err == nil && status == http.StatusTooManyRequests:
			dec := lp.pol.Decide(failures, wire.CloseRateLimited, 0)
			log.Warn().Dur("delay", dec.Delay).Msg("Poll rate limited, backing off")
			select {
			case <-time.After(dec.Delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		if ctx.Err() != nil {
			return
		}

		failures++
		if err == nil {
			err = fmt.Errorf("poll status %d", status)
		}
		if failures >= lp.cfg.FailureThreshold {
			log.Warn().Err(err).Int("failures", failures).
				Msg("Poll failure threshold reached, closing fallback channel")
			lp.mu.Lock()
			lp.open = false
			lp.mu.Unlock()
			lp.events <- Event{Kind: EventClosed, Code: wire.CloseAbnormal, Reason: "poll failure threshold"}
			return
		}

		dec := lp.pol.Decide(failures-1, wire.CloseInternalError, 0)
		log.Debug().Err(err).Int("failures", failures).Dur("delay", dec.Delay).
			Msg("Poll failed, retrying")
		select {
		case <-time.After(dec.Delay):
		case <-ctx.Done():
			return
		}
	}
}

func (lp *LongPoll) poll(ctx context.Context, lastMessageID string) ([]*wire.Message, string, int, error) {
	lp.mu.Lock()
	mailbox := lp.mailboxID
	lp.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, lp.cfg.PollTimeout+lp.cfg.PollSlack)
	defer cancel()

	url := fmt.Sprintf("%s/poll/%s", lp.cfg.BaseURL, mailbox)
	if lastMessageID != "" {
		url += "?lastMessageId=" + lastMessageID
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", 0, err
	}
	start := time.Now()
	resp, err := lp.cfg.Client.Do(req)
	if err != nil {
		return nil, "", 0, err
	}
	defer resp.Body.Close()
	if lp.cfg.PollObserver != nil {
		lp.cfg.PollObserver(time.Since(start))
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, "", resp.StatusCode, nil
	}
	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, "", resp.StatusCode, fmt.Errorf("decode poll response: %w", err)
	}
	return pr.Messages, pr.LastMessageID, resp.StatusCode, nil
}

func (lp *LongPoll) postSend(ctx context.Context, mailbox string, msg *wire.Message) (int, error) {
	body, _ := json.Marshal(sendRequest{ConnectionID: mailbox, Message: msg})

	result, err := lp.breaker.Execute(func() (interface{}, error) {
		reqCtx, cancel := context.WithTimeout(ctx, lp.cfg.RequestTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, lp.cfg.BaseURL+"/send", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := lp.cfg.Client.Do(req)
		if err != nil {
			return nil, err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		// Non-2xx statuses are decisions for the caller, not breaker
		// failures, except server errors.
		if resp.StatusCode >= 500 {
			return resp.StatusCode, fmt.Errorf("send status %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	if status, ok := result.(int); ok {
		return status, err
	}
	return 0, err
}

func (lp *LongPoll) unregister(ctx context.Context, mailbox string) {
	body, _ := json.Marshal(registerRequest{ConnectionID: mailbox, OwnerKey: lp.id.OwnerKey})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lp.cfg.BaseURL+"/unregister", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := lp.cfg.Client.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("Fallback unregister failed")
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// retryCode maps an HTTP status onto the close-code taxonomy so the shared
// policy computes the delay.
func retryCode(status int) int {
	if status == http.StatusTooManyRequests {
		return wire.CloseRateLimited
	}
	return wire.CloseInternalError
}
