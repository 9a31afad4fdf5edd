// Package testutil provides shared fixtures for pipeline tests.
package testutil

import (
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kb-labs/analytics/internal/model"
)

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// Event returns a valid event of the given type with a fresh UUID, ready
// to be mutated by tests.
func Event(eventType string) model.Event {
	now := time.Now().UTC()
	return model.Event{
		ID:       uuid.NewString(),
		Schema:   model.Schema,
		Type:     eventType,
		TS:       now,
		IngestTS: now,
		Source:   model.Source{Product: "kb-cli", Version: "0.0.0-test"},
		RunID:    "run_test",
	}
}

// EventWithID returns a valid event with a caller-chosen id, for dedup and
// idempotency tests.
func EventWithID(id, eventType string) model.Event {
	e := Event(eventType)
	e.ID = id
	return e
}

// Events returns n distinct valid events of the given type.
func Events(n int, eventType string) []model.Event {
	out := make([]model.Event, n)
	for i := range out {
		out[i] = Event(eventType)
	}
	return out
}
