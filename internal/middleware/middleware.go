// Package middleware implements the per-event transform chain applied
// between validation and buffering, in strict order: redact, hash PII,
// sample, enrich. Stages operate on a deep copy, so the caller's event is
// never mutated; sampling is the only stage that can drop an event.
package middleware

import (
	"log/slog"

	"github.com/kb-labs/analytics/internal/model"
)

// Config carries the resolved settings for every stage. Secret material
// (salt, pepper) and init-time lookups (workdir, CLI version) are resolved
// by the caller; the chain itself never reads the environment.
type Config struct {
	RedactKeys    []string
	Hash          HashConfig
	SampleDefault float64
	SampleByEvent map[string]float64
	Enrich        EnrichConfig
}

// HashConfig controls the PII hashing stage.
type HashConfig struct {
	Enabled         bool
	Salt            string
	Pepper          string
	SaltID          string // empty means default-YYYY-MM
	RotateAfterDays int
	Fields          []string // dotted paths: actor.id, ctx.repo, payload.user.email
}

// EnrichConfig controls which context fields the enrich stage fills in.
type EnrichConfig struct {
	Git       bool
	Host      bool
	CLI       bool
	Workspace bool

	Workdir    string // value for ctx.workspace
	CLIVersion string // value for ctx.cliVersion
	GitDir     string // directory for the one-time git lookup; empty skips it
}

// Stage transforms one event. ok=false drops the event.
type Stage interface {
	Name() string
	Process(e model.Event) (out model.Event, ok bool)
}

// Chain runs the four stages in order.
type Chain struct {
	stages []Stage
}

// NewChain builds the stage list. Init-time work (git lookup, hostname,
// salt rotation warning) happens here, not per event.
func NewChain(logger *slog.Logger, cfg Config) *Chain {
	return &Chain{
		stages: []Stage{
			newRedactor(cfg.RedactKeys),
			newHasher(logger, cfg.Hash),
			newSampler(cfg.SampleDefault, cfg.SampleByEvent),
			newEnricher(cfg.Enrich),
		},
	}
}

// Process applies every stage to a deep copy of e. The second return is
// false when a stage dropped the event.
func (c *Chain) Process(e model.Event) (model.Event, bool) {
	e = e.Clone()
	for _, s := range c.stages {
		var ok bool
		e, ok = s.Process(e)
		if !ok {
			return model.Event{}, false
		}
	}
	return e, true
}
