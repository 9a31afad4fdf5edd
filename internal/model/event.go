package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Schema is the only event schema version this pipeline accepts.
const Schema = "kb.v1"

// HashAlgo is the only supported PII hashing algorithm.
const HashAlgo = "hmac-sha256"

// ActorType identifies who produced an event.
type ActorType string

const (
	ActorUser  ActorType = "user"
	ActorAgent ActorType = "agent"
	ActorCI    ActorType = "ci"
)

// Well-known ctx keys. Enrichment only ever writes these; callers may set
// any scalar-valued key.
const (
	CtxRepo       = "repo"
	CtxBranch     = "branch"
	CtxCommit     = "commit"
	CtxWorkspace  = "workspace"
	CtxHostname   = "hostname"
	CtxCLIVersion = "cliVersion"
)

// Source identifies the emitting product.
type Source struct {
	Product string `json:"product"`
	Version string `json:"version"`
}

// Actor is the optional identity attached to an event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id,omitempty"`
	Name string    `json:"name,omitempty"`
}

// HashMeta records which salt produced the hashed PII fields of an event.
// Present iff the hash stage replaced at least one field.
type HashMeta struct {
	Algo   string `json:"algo"`
	SaltID string `json:"saltId"`
}

// Event is one analytics event in the kb.v1 shape.
// Events are append-only: once buffered they are never mutated.
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

// Clone returns a deep copy of the event. The middleware chain operates on
// clones so the caller's value is never aliased or mutated.
func (e Event) Clone() Event {
	out := e
	if e.Actor != nil {
		a := *e.Actor
		out.Actor = &a
	}
	if e.HashMeta != nil {
		h := *e.HashMeta
		out.HashMeta = &h
	}
	if e.Ctx != nil {
		ctx := make(map[string]any, len(e.Ctx))
		for k, v := range e.Ctx {
			ctx[k] = CloneValue(v)
		}
		out.Ctx = ctx
	}
	out.Payload = CloneValue(e.Payload)
	return out
}

// CloneValue deep-copies JSON-shaped values (maps, slices, scalars).
// Values of other types pass through by reference; they are treated as
// opaque by every stage that walks payloads.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = CloneValue(val)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, val := range t {
			s[i] = CloneValue(val)
		}
		return s
	default:
		return v
	}
}

// Encode serializes an event as a single JSON document without a trailing
// newline. The buffer and sinks append their own line terminators.
func Encode(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("model: encode event: %w", err)
	}
	return b, nil
}

// Decode parses a serialized event strictly: unknown fields are rejected
// and every present field must have its declared type.
func Decode(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var e Event
	if err := dec.Decode(&e); err != nil {
		return Event{}, fmt.Errorf("model: decode event: %w", err)
	}
	return e, nil
}
