package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/relay/internal/wire"
)

func TestBackoffMonotonicUpToCap(t *testing.T) {
	p := New(Config{})
	p.rnd = func(int64) int64 { return 0 } // pin jitter for the shape check

	var prev time.Duration
	for attempt := 0; attempt < 10; attempt++ {
		dec := p.Decide(attempt, wire.CloseAbnormal, 0)
		require.True(t, dec.Retry, "attempt %d should retry", attempt)
		assert.GreaterOrEqual(t, dec.Delay, prev, "delay must be non-decreasing")
		assert.LessOrEqual(t, dec.Delay, p.Config().MaxDelay)
		prev = dec.Delay
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := New(Config{})
	base := time.Duration(float64(p.Config().BaseInterval)) // attempt 0, growth^0

	for i := 0; i < 200; i++ {
		dec := p.Decide(0, wire.CloseAbnormal, 0)
		assert.GreaterOrEqual(t, dec.Delay, base)
		assert.Less(t, dec.Delay, base+time.Second)
	}
}

func TestAbnormalCloseFirstAttemptWindow(t *testing.T) {
	// Close code 1006 on attempt 0 must land in [2000ms, 3000ms).
	p := New(Config{})
	dec := p.Decide(0, wire.CloseAbnormal, 0)
	require.True(t, dec.Retry)
	assert.GreaterOrEqual(t, dec.Delay, 2000*time.Millisecond)
	assert.Less(t, dec.Delay, 3000*time.Millisecond)
}

func TestTerminalCodesNeverRetry(t *testing.T) {
	p := New(Config{})
	terminal := []int{
		wire.CloseNormal,
		wire.CloseGoingAway,
		wire.ClosePolicyViolation,
		wire.CloseAuthRejected,
	}
	for _, code := range terminal {
		for _, attempt := range []int{0, 1, 5, 100} {
			dec := p.Decide(attempt, code, 0)
			assert.False(t, dec.Retry, "code %d attempt %d", code, attempt)
			assert.False(t, dec.GiveUp, "terminal codes are not give-ups")
		}
	}
}

func TestGiveUpAfterMaxAttempts(t *testing.T) {
	p := New(Config{MaxAttempts: 3})
	require.True(t, p.Decide(2, wire.CloseAbnormal, 0).Retry)

	dec := p.Decide(3, wire.CloseAbnormal, 0)
	assert.False(t, dec.Retry)
	assert.True(t, dec.GiveUp)
}

func TestConsecutiveFailuresPushBackoffForward(t *testing.T) {
	p := New(Config{})
	p.rnd = func(int64) int64 { return 0 }

	fresh := p.Decide(0, wire.CloseAbnormal, 0)
	throttled := p.Decide(0, wire.CloseAbnormal, 5)
	assert.Greater(t, throttled.Delay, fresh.Delay,
		"a crash loop spanning fresh connection objects must not reset the backoff")
}

func TestRateLimitTrackSteeperAndCapped(t *testing.T) {
	p := New(Config{})
	p.rnd = func(int64) int64 { return 0 }

	d0 := p.Decide(0, wire.CloseRateLimited, 0)
	d1 := p.Decide(1, wire.CloseRateLimited, 0)
	d2 := p.Decide(2, wire.CloseRateLimited, 0)
	require.True(t, d0.Retry)
	assert.Equal(t, time.Second, d0.Delay)
	assert.Equal(t, 2*time.Second, d1.Delay)
	assert.Equal(t, 4*time.Second, d2.Delay)

	huge := p.Decide(50, wire.CloseRateLimited, 0)
	assert.Equal(t, p.Config().RateLimitCap, huge.Delay)
	// Rate limiting never counts toward attempt exhaustion.
	assert.True(t, huge.Retry)
}

func TestFallbackRegistrationBoundedAttempts(t *testing.T) {
	p := New(Config{})

	for attempt := 0; attempt < p.Config().FallbackMaxAttempts; attempt++ {
		dec := p.DecideFallbackRegistration(attempt, true)
		assert.True(t, dec.Retry, "attempt %d", attempt)
	}
	dec := p.DecideFallbackRegistration(p.Config().FallbackMaxAttempts, true)
	assert.False(t, dec.Retry)
	assert.True(t, dec.GiveUp)
}

func TestConfigDefaulting(t *testing.T) {
	p := New(Config{})
	cfg := p.Config()
	assert.Equal(t, 2*time.Second, cfg.BaseInterval)
	assert.Equal(t, 1.5, cfg.GrowthFactor)
	assert.Equal(t, 30*time.Second, cfg.MaxDelay)
	assert.Equal(t, 10, cfg.MaxAttempts)
	assert.Equal(t, 5, cfg.FallbackMaxAttempts)
}
