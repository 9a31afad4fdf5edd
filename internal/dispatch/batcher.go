// Package dispatch moves buffered events to their sinks: one batcher per
// sink accumulates events and releases size- or age-triggered batches, and
// the router fans batches out to every registered sink while isolating
// per-sink failures.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kb-labs/analytics/internal/model"
)

const (
	defaultMaxSize = 100
	defaultMaxAge  = 5 * time.Second

	// closeGrace bounds the final flush when Close is called without a
	// deadline on its context.
	closeGrace = 10 * time.Second
)

// FlushFunc delivers one batch to a sink. The router supplies an
// implementation that also records metrics and diverts failures to the DLQ.
type FlushFunc func(ctx context.Context, events []model.Event) error

// BatcherConfig tunes one sink-bound batcher.
type BatcherConfig struct {
	MaxSize      int           // events per batch; default 100
	MaxAge       time.Duration // oldest-event age that forces a flush; default 5s
	FlushOnClose bool
}

// Batcher accumulates events for one sink and flushes them in add-order.
// A single loop goroutine performs every flush, so batches reach the sink
// FIFO.
type Batcher struct {
	id           string
	maxSize      int
	maxAge       time.Duration
	flushOnClose bool
	flush        FlushFunc
	logger       *slog.Logger

	mu     sync.Mutex
	events []model.Event
	oldest time.Time

	flushCh chan struct{}
	reqCh   chan chan error
	done    chan struct{}
	cancel  context.CancelFunc
	closed  sync.Once
}

// NewBatcher builds a batcher for the given sink id. Call Start before Add.
func NewBatcher(logger *slog.Logger, id string, cfg BatcherConfig, flush FlushFunc) *Batcher {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaultMaxSize
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	return &Batcher{
		id:           id,
		maxSize:      cfg.MaxSize,
		maxAge:       cfg.MaxAge,
		flushOnClose: cfg.FlushOnClose,
		flush:        flush,
		logger:       logger,
		flushCh:      make(chan struct{}, 1),
		reqCh:        make(chan chan error),
		done:         make(chan struct{}),
	}
}

// Start launches the flush loop. Call Close to stop it.
func (b *Batcher) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.loop(loopCtx)
}

// Add queues one event. A full batch signals the loop; the call itself
// never performs sink I/O.
func (b *Batcher) Add(e model.Event) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.oldest = time.Now()
	}
	b.events = append(b.events, e)
	full := len(b.events) >= b.maxSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushCh <- struct{}{}:
		default:
		}
	}
}

// Len returns the number of queued events.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Flush forces an immediate flush through the loop goroutine and waits for
// its outcome.
func (b *Batcher) Flush(ctx context.Context) error {
	req := make(chan error, 1)
	select {
	case b.reqCh <- req:
	case <-b.done:
		// Loop already stopped; flush inline so late callers still drain.
		return b.doFlush(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop, draining queued events first when flushOnClose is
// set. Safe to call twice.
func (b *Batcher) Close(ctx context.Context) error {
	b.closed.Do(func() {
		if b.cancel != nil {
			b.cancel()
		}
	})
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		b.logger.Warn("dispatch: batcher close timed out", "sink", b.id)
		return ctx.Err()
	}
}

func (b *Batcher) loop(ctx context.Context) {
	// The ticker runs faster than maxAge so an age-triggered flush lands
	// close to the deadline rather than one full period late.
	interval := b.maxAge / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if b.flushOnClose {
				finalCtx, cancel := context.WithTimeout(context.Background(), closeGrace)
				if err := b.doFlush(finalCtx); err != nil {
					b.logger.Error("dispatch: final flush failed", "sink", b.id, "error", err)
				}
				cancel()
			}
			close(b.done)
			return
		case <-ticker.C:
			if b.due() {
				b.flushAndLog(ctx)
			}
		case <-b.flushCh:
			b.flushAndLog(ctx)
		case req := <-b.reqCh:
			req <- b.doFlush(ctx)
		}
	}
}

// due reports whether the oldest queued event has aged past the budget.
func (b *Batcher) due() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events) > 0 && time.Since(b.oldest) >= b.maxAge
}

func (b *Batcher) flushAndLog(ctx context.Context) {
	if err := b.doFlush(ctx); err != nil {
		b.logger.Error("dispatch: flush failed", "sink", b.id, "error", err)
	}
}

// doFlush hands the queued batch to the sink. Failed batches are not
// requeued: the FlushFunc has already diverted them to the DLQ.
func (b *Batcher) doFlush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	return b.flush(ctx, batch)
}
