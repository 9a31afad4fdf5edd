package analytics

import (
	"time"

	"github.com/kb-labs/analytics/internal/buffer"
	"github.com/kb-labs/analytics/internal/dlq"
	"github.com/kb-labs/analytics/internal/metrics"
	"github.com/kb-labs/analytics/internal/model"
)

// Actor types accepted by the kb.v1 schema.
const (
	ActorUser  = "user"
	ActorAgent = "agent"
	ActorCI    = "ci"
)

// Source identifies the emitting product.
type Source struct {
	Product string `json:"product"`
	Version string `json:"version"`
}

// Actor is the optional identity attached to an event.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// HashMeta records which salt produced the hashed PII fields of an event.
type HashMeta struct {
	Algo   string `json:"algo"`
	SaltID string `json:"saltId"`
}

// Event is the kb.v1 analytics event handed to Emit. Every field is
// optional on input; the pipeline fills id, schema, timestamps, source,
// and runId when they are missing.
type Event struct {
	ID       string         `json:"id"`
	Schema   string         `json:"schema"`
	Type     string         `json:"type"`
	TS       time.Time      `json:"ts"`
	IngestTS time.Time      `json:"ingestTs"`
	Source   Source         `json:"source"`
	RunID    string         `json:"runId"`
	Actor    *Actor         `json:"actor,omitempty"`
	Ctx      map[string]any `json:"ctx,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	HashMeta *HashMeta      `json:"hashMeta,omitempty"`
}

// EmitResult reports what happened to one emitted event. Queued means the
// event reached the durable buffer; Reason explains every refusal.
type EmitResult struct {
	Queued bool   `json:"queued"`
	Reason string `json:"reason,omitempty"`
}

// SegmentInfo describes the buffer segment currently being written.
type SegmentInfo struct {
	Path       string    `json:"path"`
	Events     int       `json:"events"`
	Bytes      int64     `json:"bytes"`
	FirstEvent time.Time `json:"firstEvent"`
	LastEvent  time.Time `json:"lastEvent"`
}

// DLQEntry is one failed event with its failure context.
type DLQEntry struct {
	Event      Event  `json:"event"`
	Error      string `json:"error"`
	Timestamp  int64  `json:"timestamp"` // epoch milliseconds
	RetryCount int    `json:"retryCount"`
}

// DLQFilter narrows DLQ reads and replays. All set predicates must match.
type DLQFilter struct {
	EventID       string
	EventType     string
	RunID         string
	ErrorContains string
	FromTimestamp int64 // epoch ms, inclusive
	ToTimestamp   int64 // epoch ms, inclusive
}

// DLQStats summarizes the dead-letter queue contents.
type DLQStats struct {
	TotalFiles   int `json:"totalFiles"`
	TotalEntries int `json:"totalEntries"`
}

// Percentiles carries the tracked quantiles of a metrics series.
type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// SinkMetrics is the per-sink slice of a metrics snapshot.
type SinkMetrics struct {
	SuccessCount int64       `json:"successCount"`
	ErrorCount   int64       `json:"errorCount"`
	SendLatency  Percentiles `json:"sendLatency"`
}

// MetricsSnapshot is a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	EventsPerSecond      float64                `json:"eventsPerSecond"`
	BatchSize            Percentiles            `json:"batchSize"`
	SendLatency          Percentiles            `json:"sendLatency"`
	ErrorRate            float64                `json:"errorRate"`
	QueueDepth           int                    `json:"queueDepth"`
	SamplingDrops        int64                  `json:"samplingDrops"`
	CircuitBreakerStates map[string]string      `json:"circuitBreakerStates"`
	Sinks                map[string]SinkMetrics `json:"sinks"`
}

// --- Conversions between public and internal types ---
//
// The root package is the only place that sees both sides of the boundary;
// internal packages never import it.

func toModelEvent(e Event) model.Event {
	out := model.Event{
		ID:       e.ID,
		Schema:   e.Schema,
		Type:     e.Type,
		TS:       e.TS,
		IngestTS: e.IngestTS,
		Source:   model.Source(e.Source),
		RunID:    e.RunID,
		Ctx:      e.Ctx,
		Payload:  e.Payload,
	}
	if e.Actor != nil {
		out.Actor = &model.Actor{Type: model.ActorType(e.Actor.Type), ID: e.Actor.ID, Name: e.Actor.Name}
	}
	if e.HashMeta != nil {
		out.HashMeta = &model.HashMeta{Algo: e.HashMeta.Algo, SaltID: e.HashMeta.SaltID}
	}
	return out
}

func toPublicEvent(e model.Event) Event {
	out := Event{
		ID:       e.ID,
		Schema:   e.Schema,
		Type:     e.Type,
		TS:       e.TS,
		IngestTS: e.IngestTS,
		Source:   Source(e.Source),
		RunID:    e.RunID,
		Ctx:      e.Ctx,
		Payload:  e.Payload,
	}
	if e.Actor != nil {
		out.Actor = &Actor{Type: string(e.Actor.Type), ID: e.Actor.ID, Name: e.Actor.Name}
	}
	if e.HashMeta != nil {
		out.HashMeta = &HashMeta{Algo: e.HashMeta.Algo, SaltID: e.HashMeta.SaltID}
	}
	return out
}

func toPublicEvents(events []model.Event) []Event {
	out := make([]Event, len(events))
	for i, e := range events {
		out[i] = toPublicEvent(e)
	}
	return out
}

func toPublicSegment(info *buffer.SegmentInfo) *SegmentInfo {
	if info == nil {
		return nil
	}
	return &SegmentInfo{
		Path:       info.Path,
		Events:     info.Events,
		Bytes:      info.Bytes,
		FirstEvent: info.FirstEvent,
		LastEvent:  info.LastEvent,
	}
}

func toInternalFilter(f *DLQFilter) *dlq.Filter {
	if f == nil {
		return nil
	}
	return &dlq.Filter{
		EventID:       f.EventID,
		EventType:     f.EventType,
		RunID:         f.RunID,
		ErrorContains: f.ErrorContains,
		FromTimestamp: f.FromTimestamp,
		ToTimestamp:   f.ToTimestamp,
	}
}

func toPublicDLQEntry(e dlq.Entry) DLQEntry {
	return DLQEntry{
		Event:      toPublicEvent(e.Event),
		Error:      e.Error,
		Timestamp:  e.Timestamp,
		RetryCount: e.RetryCount,
	}
}

func toPublicSnapshot(s metrics.Snapshot) MetricsSnapshot {
	sinks := make(map[string]SinkMetrics, len(s.Sinks))
	for id, sm := range s.Sinks {
		sinks[id] = SinkMetrics{
			SuccessCount: sm.SuccessCount,
			ErrorCount:   sm.ErrorCount,
			SendLatency:  Percentiles(sm.SendLatency),
		}
	}
	return MetricsSnapshot{
		EventsPerSecond:      s.EventsPerSecond,
		BatchSize:            Percentiles(s.BatchSize),
		SendLatency:          Percentiles(s.SendLatency),
		ErrorRate:            s.ErrorRate,
		QueueDepth:           s.QueueDepth,
		SamplingDrops:        s.SamplingDrops,
		CircuitBreakerStates: s.CircuitBreakerStates,
		Sinks:                sinks,
	}
}
