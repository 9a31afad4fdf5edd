// Package backpressure derives a load level from buffer queue depth and
// decides, per event, whether the pipeline should accept more work.
package backpressure

import (
	"context"
	"math/rand/v2"
	"sync"

	"go.opentelemetry.io/otel/metric"

	"github.com/kb-labs/analytics/internal/telemetry"
)

// Level is the qualitative load state.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Config holds the depth thresholds and per-level keep rates.
type Config struct {
	High         int     // depth at which sampling kicks in
	Critical     int     // depth at which intake pauses
	HighRate     float64 // keep probability at high
	CriticalRate float64 // keep probability at critical
}

// Snapshot is a read-only view of the controller state.
type Snapshot struct {
	Level       Level
	Sampling    float64
	ShouldPause bool
	Depth       int
	DropCount   int64
}

// Controller tracks the current level. Update and ShouldAccept are called
// on the emit path and may race; one mutex guards all state.
type Controller struct {
	high         int
	critical     int
	highRate     float64
	criticalRate float64

	mu          sync.Mutex
	level       Level
	sampling    float64
	shouldPause bool
	depth       int
	dropCount   int64

	randFloat func() float64 // swapped in tests
}

// New returns a controller at normal level.
func New(cfg Config) *Controller {
	c := &Controller{
		high:         cfg.High,
		critical:     cfg.Critical,
		highRate:     cfg.HighRate,
		criticalRate: cfg.CriticalRate,
		level:        LevelNormal,
		sampling:     1.0,
		randFloat:    rand.Float64,
	}
	c.registerMetrics()
	return c
}

// Update recomputes the level from the observed queue depth.
func (c *Controller) Update(depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depth = depth
	switch {
	case depth >= c.critical:
		c.level = LevelCritical
		c.sampling = c.criticalRate
		c.shouldPause = true
	case depth >= c.high:
		c.level = LevelHigh
		c.sampling = c.highRate
		c.shouldPause = false
	default:
		c.level = LevelNormal
		c.sampling = 1.0
		c.shouldPause = false
	}
}

// ShouldAccept reports whether the next event may proceed. Paused intake
// always refuses; under sampling the event survives with the level's keep
// probability. Refusals increment the drop counter.
func (c *Controller) ShouldAccept() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldPause {
		c.dropCount++
		return false
	}
	if c.sampling >= 1.0 {
		return true
	}
	if c.randFloat() < c.sampling {
		return true
	}
	c.dropCount++
	return false
}

// State returns a snapshot of the current level and counters.
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Level:       c.level,
		Sampling:    c.sampling,
		ShouldPause: c.shouldPause,
		Depth:       c.depth,
		DropCount:   c.dropCount,
	}
}

// DropCount returns the number of events refused so far.
func (c *Controller) DropCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropCount
}

func (c *Controller) registerMetrics() {
	meter := telemetry.Meter("analytics/backpressure")

	_, _ = meter.Int64ObservableCounter("analytics.backpressure.dropped",
		metric.WithDescription("Events refused by the backpressure controller"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.DropCount())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("analytics.backpressure.level",
		metric.WithDescription("Current level: 0 normal, 1 high, 2 critical"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			switch c.State().Level {
			case LevelCritical:
				o.Observe(2)
			case LevelHigh:
				o.Observe(1)
			default:
				o.Observe(0)
			}
			return nil
		}),
	)
}
