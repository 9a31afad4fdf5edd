// Package sink implements the terminal event destinations: filesystem
// JSONL, HTTP, S3-compatible object storage, and embedded SQLite. All
// adapters share one contract and are idempotent against replay keyed on
// the event id.
package sink

import (
	"context"
	"log/slog"

	"github.com/kb-labs/analytics/config"
	"github.com/kb-labs/analytics/internal/errs"
	"github.com/kb-labs/analytics/internal/model"
)

// Sink is the adapter contract. Write must tolerate being handed the same
// events again; IdempotencyKey names the string a sink deduplicates on.
type Sink interface {
	ID() string
	Init(ctx context.Context) error
	Write(ctx context.Context, events []model.Event) error
	Close(ctx context.Context) error
	IdempotencyKey(e model.Event) string
}

// BreakerStater is implemented by sinks that guard writes with a circuit
// breaker. The router polls it for metrics.
type BreakerStater interface {
	BreakerState() string
}

// constructors is the single place that maps a config type tag to an
// adapter constructor.
var constructors = map[string]func(*slog.Logger, config.SinkConfig) Sink{
	config.SinkFS:     func(l *slog.Logger, c config.SinkConfig) Sink { return newFSSink(l, c) },
	config.SinkHTTP:   func(l *slog.Logger, c config.SinkConfig) Sink { return newHTTPSink(l, c) },
	config.SinkS3:     func(l *slog.Logger, c config.SinkConfig) Sink { return newS3Sink(l, c) },
	config.SinkSQLite: func(l *slog.Logger, c config.SinkConfig) Sink { return newSQLiteSink(l, c) },
}

// New builds the adapter for a validated sink config.
func New(logger *slog.Logger, cfg config.SinkConfig) (Sink, error) {
	ctor, ok := constructors[cfg.Type]
	if !ok {
		return nil, errs.Newf(errs.CodeConfigInvalid, "unknown sink type %q", cfg.Type)
	}
	return ctor(logger, cfg), nil
}
