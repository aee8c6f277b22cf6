// Package policy decides whether and when a broken connection is retried.
// It is pure computation: no I/O, no clock ownership, no transport knowledge
// beyond the close-code taxonomy in internal/wire.
package policy

import (
	"math"
	"math/rand"
	"time"

	"github.com/sawpanic/relay/internal/wire"
)

// Config holds the backoff tuning knobs. Zero values are replaced by
// defaults; the constants are deliberately not load-bearing beyond
// "monotonic backoff, bounded retries, jitter present".
type Config struct {
	BaseInterval time.Duration `yaml:"base_interval"` // first retry delay
	GrowthFactor float64       `yaml:"growth_factor"` // geometric multiplier
	MaxDelay     time.Duration `yaml:"max_delay"`     // delay cap
	JitterWindow time.Duration `yaml:"jitter_window"` // uniform additive jitter
	MaxAttempts  int           `yaml:"max_attempts"`  // primary-path attempts

	// Rate-limit responses back off steeper and are capped separately.
	RateLimitBase time.Duration `yaml:"rate_limit_base"`
	RateLimitCap  time.Duration `yaml:"rate_limit_cap"`

	// Fallback registration gets fewer attempts than the primary path.
	FallbackMaxAttempts int `yaml:"fallback_max_attempts"`
}

// DefaultConfig returns the tuning used when no configuration is supplied.
func DefaultConfig() Config {
	return Config{
		BaseInterval:        2 * time.Second,
		GrowthFactor:        1.5,
		MaxDelay:            30 * time.Second,
		JitterWindow:        time.Second,
		MaxAttempts:         10,
		RateLimitBase:       time.Second,
		RateLimitCap:        30 * time.Second,
		FallbackMaxAttempts: 5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseInterval <= 0 {
		c.BaseInterval = d.BaseInterval
	}
	if c.GrowthFactor <= 1 {
		c.GrowthFactor = d.GrowthFactor
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.JitterWindow <= 0 {
		c.JitterWindow = d.JitterWindow
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RateLimitBase <= 0 {
		c.RateLimitBase = d.RateLimitBase
	}
	if c.RateLimitCap <= 0 {
		c.RateLimitCap = d.RateLimitCap
	}
	if c.FallbackMaxAttempts <= 0 {
		c.FallbackMaxAttempts = d.FallbackMaxAttempts
	}
	return c
}

// Decision is the policy output for one failure.
type Decision struct {
	Retry bool
	Delay time.Duration
	// GiveUp distinguishes "attempts exhausted" from "terminal close code".
	// Both have Retry=false; only GiveUp warrants the terminal user-visible
	// notification.
	GiveUp bool
}

// Policy computes retry decisions. Safe for concurrent use; the only state
// is the immutable config and a jitter source.
type Policy struct {
	cfg Config
	// rnd is swappable so tests can pin jitter. Guarded by convention: set
	// once at construction.
	rnd func(n int64) int64
}

// New builds a Policy, filling unset config fields with defaults.
func New(cfg Config) *Policy {
	return &Policy{cfg: cfg.withDefaults(), rnd: rand.Int63n}
}

// Config returns the effective configuration after defaulting.
func (p *Policy) Config() Config { return p.cfg }

// Decide classifies a primary-channel failure and computes the retry delay.
// attempt is zero-based. consecutiveFailures comes from the FailureCounter
// and throttles rapid failure loops that span fresh connection objects.
func (p *Policy) Decide(attempt, closeCode, consecutiveFailures int) Decision {
	switch wire.Classify(closeCode) {
	case wire.FailureTerminal:
		return Decision{}
	case wire.FailureRateLimited:
		return p.rateLimit(attempt)
	}
	if attempt >= p.cfg.MaxAttempts {
		return Decision{GiveUp: true}
	}
	// Failures accumulated across earlier connection objects push the
	// effective attempt forward so a crash loop cannot reset the backoff.
	effective := attempt
	if consecutiveFailures > effective {
		effective = consecutiveFailures
	}
	return Decision{Retry: true, Delay: p.backoff(effective)}
}

// DecideFallbackRegistration governs retries of the fallback register call.
// Rate limiting during registration pauses for a computed cooldown rather
// than counting as a generic failure.
func (p *Policy) DecideFallbackRegistration(attempt int, rateLimited bool) Decision {
	if attempt >= p.cfg.FallbackMaxAttempts {
		return Decision{GiveUp: true}
	}
	if rateLimited {
		return p.rateLimit(attempt)
	}
	return Decision{Retry: true, Delay: p.backoff(attempt)}
}

func (p *Policy) backoff(attempt int) time.Duration {
	base := float64(p.cfg.BaseInterval) * math.Pow(p.cfg.GrowthFactor, float64(attempt))
	delay := time.Duration(base)
	if delay > p.cfg.MaxDelay || delay < 0 {
		delay = p.cfg.MaxDelay
	}
	return delay + p.jitter()
}

func (p *Policy) rateLimit(attempt int) Decision {
	// 1s * 2^n, capped. Steeper than the transport-close track and tracked
	// separately by the caller.
	shift := attempt
	if shift > 30 {
		shift = 30
	}
	delay := p.cfg.RateLimitBase * time.Duration(int64(1)<<uint(shift))
	if delay > p.cfg.RateLimitCap || delay <= 0 {
		delay = p.cfg.RateLimitCap
	}
	return Decision{Retry: true, Delay: delay + p.jitter()}
}

func (p *Policy) jitter() time.Duration {
	if p.cfg.JitterWindow <= 0 {
		return 0
	}
	return time.Duration(p.rnd(int64(p.cfg.JitterWindow)))
}
