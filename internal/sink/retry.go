package sink

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/kb-labs/analytics/config"
	"github.com/kb-labs/analytics/internal/errs"
)

// retryPolicy is jittered exponential backoff. The attempt count is derived
// at construction so total sleep never exceeds the max delay.
type retryPolicy struct {
	initial  time.Duration
	max      time.Duration
	factor   float64
	jitter   float64
	attempts int

	randFloat func() float64 // swapped in tests
	sleep     func(ctx context.Context, d time.Duration) error
}

func newRetryPolicy(cfg *config.RetryConfig) retryPolicy {
	c := config.DefaultRetry()
	if cfg != nil {
		c = *cfg
	}
	p := retryPolicy{
		initial:   time.Duration(c.InitialMs) * time.Millisecond,
		max:       time.Duration(c.MaxMs) * time.Millisecond,
		factor:    c.Factor,
		jitter:    c.Jitter,
		randFloat: rand.Float64,
		sleep:     sleepCtx,
	}
	p.attempts = p.deriveAttempts()
	return p
}

// deriveAttempts returns the largest attempt count whose cumulative sleep
// between attempts stays within the max delay.
func (p retryPolicy) deriveAttempts() int {
	attempts := 1
	total := time.Duration(0)
	delay := p.initial
	for {
		if total+delay > p.max {
			return attempts
		}
		total += delay
		attempts++
		delay = time.Duration(float64(delay) * p.factor)
		if delay > p.max {
			delay = p.max
		}
	}
}

// delayFor returns the sleep before attempt k+1 (k counts from 1):
// min(max, initial*factor^(k-1)) plus a uniform jitter of ± jitter*delay.
func (p retryPolicy) delayFor(attempt int) time.Duration {
	delay := float64(p.initial)
	for i := 1; i < attempt; i++ {
		delay *= p.factor
		if delay > float64(p.max) {
			delay = float64(p.max)
			break
		}
	}
	if p.jitter > 0 {
		delay += (p.randFloat()*2 - 1) * p.jitter * delay
	}
	d := time.Duration(delay)
	if d > p.max {
		d = p.max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// do runs fn until it succeeds or attempts are exhausted, sleeping the
// policy's delay between attempts. A breaker-open result stops retrying
// immediately: the breaker decides when the dependency may be probed again.
func (p retryPolicy) do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if errs.IsCircuitBreakerOpen(err) || errors.Is(err, context.Canceled) {
			return err
		}
		if attempt == p.attempts {
			break
		}
		if serr := p.sleep(ctx, p.delayFor(attempt)); serr != nil {
			return serr
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
