package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kb-labs/analytics/internal/dlq"
	"github.com/kb-labs/analytics/internal/metrics"
	"github.com/kb-labs/analytics/internal/model"
	"github.com/kb-labs/analytics/internal/sink"
)

// Router owns the registered sink adapters and their batchers. It is the
// only component that sees all sinks at once; a failing sink never impairs
// the others.
type Router struct {
	logger     *slog.Logger
	collector  *metrics.Collector
	deadLetter *dlq.Queue

	mu       sync.Mutex
	sinks    map[string]sink.Sink
	batchers map[string]*Batcher
	closed   bool
}

// NewRouter builds an empty router. Failed batches go to deadLetter; both
// collector and deadLetter may be nil in tests.
func NewRouter(logger *slog.Logger, collector *metrics.Collector, deadLetter *dlq.Queue) *Router {
	return &Router{
		logger:     logger,
		collector:  collector,
		deadLetter: deadLetter,
		sinks:      make(map[string]sink.Sink),
		batchers:   make(map[string]*Batcher),
	}
}

// Register initializes a sink, wires a batcher to it, and starts the
// batcher loop.
func (r *Router) Register(ctx context.Context, s sink.Sink, cfg BatcherConfig) error {
	if err := s.Init(ctx); err != nil {
		return err
	}

	b := NewBatcher(r.logger, s.ID(), cfg, r.deliverTo(s))
	b.Start(context.Background())

	r.mu.Lock()
	r.sinks[s.ID()] = s
	r.batchers[s.ID()] = b
	r.mu.Unlock()

	r.logger.Info("dispatch: sink registered", "sink", s.ID())
	return nil
}

// SinkIDs returns the registered sink ids.
func (r *Router) SinkIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sinks))
	for id := range r.sinks {
		ids = append(ids, id)
	}
	return ids
}

// Dispatch queues one event on every batcher. Never blocks on sink I/O.
func (r *Router) Dispatch(e model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	for _, b := range r.batchers {
		b.Add(e)
	}
}

// Route delivers one batch to every sink concurrently, bypassing the
// batchers. Used by flush and DLQ replay. Per-sink failures are logged
// (and dead-lettered) without affecting the other sinks.
func (r *Router) Route(ctx context.Context, events []model.Event) {
	if len(events) == 0 {
		return
	}

	r.mu.Lock()
	targets := make([]sink.Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		targets = append(targets, s)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, s := range targets {
		deliver := r.deliverTo(s)
		g.Go(func() error {
			_ = deliver(ctx, events) // already logged and dead-lettered
			return nil
		})
	}
	_ = g.Wait()
}

// Flush forces every batcher to deliver its queued events and waits.
func (r *Router) Flush(ctx context.Context) error {
	r.mu.Lock()
	batchers := make([]*Batcher, 0, len(r.batchers))
	for _, b := range r.batchers {
		batchers = append(batchers, b)
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, b := range batchers {
		g.Go(func() error { return b.Flush(ctx) })
	}
	return g.Wait()
}

// Close stops all batchers (draining them), closes all adapters in
// parallel, and clears the registry. Safe to call twice.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sinks := r.sinks
	batchers := r.batchers
	r.sinks = make(map[string]sink.Sink)
	r.batchers = make(map[string]*Batcher)
	r.mu.Unlock()

	var g errgroup.Group
	for _, b := range batchers {
		g.Go(func() error { return b.Close(ctx) })
	}
	batcherErr := g.Wait()

	var cg errgroup.Group
	for _, s := range sinks {
		cg.Go(func() error {
			if err := s.Close(ctx); err != nil {
				r.logger.Error("dispatch: sink close failed", "sink", s.ID(), "error", err)
				return err
			}
			return nil
		})
	}
	if err := cg.Wait(); err != nil {
		return err
	}
	return batcherErr
}

// deliverTo wraps one sink write with metrics accounting and DLQ diversion.
func (r *Router) deliverTo(s sink.Sink) FlushFunc {
	return func(ctx context.Context, events []model.Event) error {
		start := time.Now()
		err := s.Write(ctx, events)

		if r.collector != nil {
			r.collector.RecordBatch(len(events))
			r.collector.RecordSend(s.ID(), time.Since(start), err)
			if bs, ok := s.(sink.BreakerStater); ok {
				r.collector.SetBreakerState(s.ID(), bs.BreakerState())
			}
		}

		if err != nil {
			r.logger.Error("dispatch: sink write failed",
				"sink", s.ID(), "batch_size", len(events), "error", err)
			if r.deadLetter != nil {
				if derr := r.deadLetter.AddBatch(events, err.Error(), 0); derr != nil {
					r.logger.Error("dispatch: dead-letter insert failed",
						"sink", s.ID(), "error", derr)
				}
			}
			return err
		}
		return nil
	}
}
