// Package metrics collects pipeline counters and serves point-in-time
// snapshots: event throughput, batch and latency percentiles, error rate,
// queue depth, and breaker states.
package metrics

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/kb-labs/analytics/internal/telemetry"
)

const (
	// windowSeconds is the horizon for the events-per-second rate.
	windowSeconds = 60

	// ringSize caps every sample series at the most recent samples.
	ringSize = 1000
)

// Percentiles carries the three tracked quantiles of a series.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// SinkSnapshot is the per-sink slice of a snapshot.
type SinkSnapshot struct {
	SuccessCount int64       `json:"successCount"`
	ErrorCount   int64       `json:"errorCount"`
	SendLatency  Percentiles `json:"sendLatency"`
}

// Snapshot is an immutable view of pipeline health.
type Snapshot struct {
	EventsPerSecond      float64                 `json:"eventsPerSecond"`
	BatchSize            Percentiles             `json:"batchSize"`
	SendLatency          Percentiles             `json:"sendLatency"`
	ErrorRate            float64                 `json:"errorRate"`
	QueueDepth           int                     `json:"queueDepth"`
	SamplingDrops        int64                   `json:"samplingDrops"`
	CircuitBreakerStates map[string]string       `json:"circuitBreakerStates"`
	Sinks                map[string]SinkSnapshot `json:"sinks"`
}

type sinkStats struct {
	success int64
	errors  int64
	latency *ring
	breaker string
}

// Collector accumulates counters from every pipeline stage. All methods
// are safe for concurrent use.
type Collector struct {
	mu            sync.Mutex
	eventTimes    []time.Time
	batchSizes    *ring
	sendLatency   *ring
	sinks         map[string]*sinkStats
	queueDepth    int
	samplingDrops int64

	now func() time.Time // swapped in tests
}

// New returns an empty collector.
func New() *Collector {
	c := &Collector{
		batchSizes:  newRing(ringSize),
		sendLatency: newRing(ringSize),
		sinks:       make(map[string]*sinkStats),
		now:         time.Now,
	}
	c.registerMetrics()
	return c
}

// RecordEvent notes one accepted event for the throughput rate.
func (c *Collector) RecordEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventTimes = append(c.eventTimes, c.now())
	if len(c.eventTimes) > ringSize {
		c.eventTimes = append(c.eventTimes[:0:0], c.eventTimes[len(c.eventTimes)-ringSize:]...)
	}
}

// RecordSamplingDrop notes an event dropped by the sampling stage.
func (c *Collector) RecordSamplingDrop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samplingDrops++
}

// RecordBatch notes the size of a dispatched batch.
func (c *Collector) RecordBatch(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchSizes.add(float64(size))
}

// RecordSend notes the outcome and latency of one sink write.
func (c *Collector) RecordSend(sinkID string, latency time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sink(sinkID)
	ms := float64(latency.Microseconds()) / 1000.0
	s.latency.add(ms)
	c.sendLatency.add(ms)
	if err != nil {
		s.errors++
	} else {
		s.success++
	}
}

// SetBreakerState records a sink's current circuit breaker state.
func (c *Collector) SetBreakerState(sinkID, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink(sinkID).breaker = state
}

// SetQueueDepth records the last observed buffer depth.
func (c *Collector) SetQueueDepth(depth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepth = depth
}

// Snapshot derives the current health view. The result shares no state
// with the collector.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-windowSeconds * time.Second)
	recent := 0
	for _, ts := range c.eventTimes {
		if ts.After(cutoff) {
			recent++
		}
	}

	var totalSuccess, totalErrors int64
	breakers := make(map[string]string, len(c.sinks))
	sinks := make(map[string]SinkSnapshot, len(c.sinks))
	for id, s := range c.sinks {
		totalSuccess += s.success
		totalErrors += s.errors
		if s.breaker != "" {
			breakers[id] = s.breaker
		}
		sinks[id] = SinkSnapshot{
			SuccessCount: s.success,
			ErrorCount:   s.errors,
			SendLatency:  percentilesOf(s.latency.values()),
		}
	}

	errorRate := 0.0
	if totalSuccess+totalErrors > 0 {
		errorRate = float64(totalErrors) / float64(totalSuccess+totalErrors)
	}

	return Snapshot{
		EventsPerSecond:      float64(recent) / windowSeconds,
		BatchSize:            percentilesOf(c.batchSizes.values()),
		SendLatency:          percentilesOf(c.sendLatency.values()),
		ErrorRate:            errorRate,
		QueueDepth:           c.queueDepth,
		SamplingDrops:        c.samplingDrops,
		CircuitBreakerStates: breakers,
		Sinks:                sinks,
	}
}

// sink returns the stats bucket for id, creating it on first use. Caller
// holds c.mu.
func (c *Collector) sink(id string) *sinkStats {
	s, ok := c.sinks[id]
	if !ok {
		s = &sinkStats{latency: newRing(ringSize)}
		c.sinks[id] = s
	}
	return s
}

func percentilesOf(samples []float64) Percentiles {
	if len(samples) == 0 {
		return Percentiles{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return Percentiles{
		P50: percentile(sorted, 0.50),
		P95: percentile(sorted, 0.95),
		P99: percentile(sorted, 0.99),
	}
}

// percentile returns sorted[ceil(n*p)-1], clamped into bounds.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(len(sorted))*p)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// ring keeps the most recent size samples, overwriting the oldest.
type ring struct {
	samples []float64
	next    int
	count   int
}

func newRing(size int) *ring {
	return &ring{samples: make([]float64, size)}
}

func (r *ring) add(v float64) {
	r.samples[r.next] = v
	r.next = (r.next + 1) % len(r.samples)
	if r.count < len(r.samples) {
		r.count++
	}
}

// values returns the live samples. Order is not meaningful.
func (r *ring) values() []float64 {
	out := make([]float64, r.count)
	copy(out, r.samples[:r.count])
	return out
}

func (c *Collector) registerMetrics() {
	meter := telemetry.Meter("analytics/pipeline")

	_, _ = meter.Float64ObservableGauge("analytics.pipeline.events_per_second",
		metric.WithDescription("Accepted events per second over the last minute"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(c.Snapshot().EventsPerSecond)
			return nil
		}),
	)

	_, _ = meter.Float64ObservableGauge("analytics.pipeline.error_rate",
		metric.WithDescription("Sink write failures over all attempts"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(c.Snapshot().ErrorRate)
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("analytics.pipeline.queue_depth",
		metric.WithDescription("Last reported buffer depth"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.Snapshot().QueueDepth))
			return nil
		}),
	)
}
