package sink

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kb-labs/analytics/config"
	"github.com/kb-labs/analytics/internal/errs"
)

// breaker wraps gobreaker with the bookkeeping the pipeline exposes:
// last failure time and half-open probe count. gobreaker's own mutex is
// the single source of truth for state, including the lazy open→half-open
// transition performed by State() and Execute().
type breaker struct {
	cb *gobreaker.CircuitBreaker

	mu               sync.Mutex
	lastFailureTime  time.Time
	halfOpenAttempts int64
}

func newBreaker(name string, cfg *config.BreakerConfig, logger *slog.Logger) *breaker {
	c := config.DefaultBreaker()
	if cfg != nil {
		c = *cfg
	}
	b := &breaker{}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one trial call in half-open
		Interval:    time.Duration(c.WindowMs) * time.Millisecond,
		Timeout:     time.Duration(c.HalfOpenEveryMs) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(c.Failures)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.mu.Lock()
			switch to {
			case gobreaker.StateOpen:
				b.lastFailureTime = time.Now()
			case gobreaker.StateHalfOpen:
				b.halfOpenAttempts++
			}
			b.mu.Unlock()
			logger.Warn("sink: circuit breaker state change",
				"sink", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

// Execute runs one transport attempt through the breaker. An open breaker
// rejects the call without invoking fn.
func (b *breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return errs.Wrap(errs.CodeCircuitBreakerOpen, err)
	}
	return err
}

// Open reports whether writes would currently be rejected. Reading the
// state also performs the pending open→half-open transition when the
// cooldown has elapsed.
func (b *breaker) Open() bool {
	return b.cb.State() == gobreaker.StateOpen
}

// State returns the state name: closed, half-open, or open.
func (b *breaker) State() string {
	return b.cb.State().String()
}

// LastFailureTime returns when the breaker last tripped open.
func (b *breaker) LastFailureTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailureTime
}

// HalfOpenAttempts returns how many trial probes have been granted.
func (b *breaker) HalfOpenAttempts() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.halfOpenAttempts
}
