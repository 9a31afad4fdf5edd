package middleware

import (
	"strings"

	"github.com/kb-labs/analytics/internal/model"
)

// redactedValue replaces any value whose key is in the redaction set.
const redactedValue = "****"

// redactor masks values under sensitive keys in payload, ctx, and actor.
// Key matching is case-insensitive; the walk does not descend into a
// subtree it just redacted.
type redactor struct {
	keys map[string]struct{}
}

func newRedactor(keys []string) *redactor {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[strings.ToLower(k)] = struct{}{}
	}
	return &redactor{keys: set}
}

func (r *redactor) Name() string { return "redact" }

func (r *redactor) Process(e model.Event) (model.Event, bool) {
	e.Payload = r.walk(e.Payload)
	for k, v := range e.Ctx {
		if r.match(k) {
			e.Ctx[k] = redactedValue
		} else {
			e.Ctx[k] = r.walk(v)
		}
	}
	if e.Actor != nil {
		if r.match("id") && e.Actor.ID != "" {
			e.Actor.ID = redactedValue
		}
		if r.match("name") && e.Actor.Name != "" {
			e.Actor.Name = redactedValue
		}
	}
	return e, true
}

func (r *redactor) match(key string) bool {
	_, ok := r.keys[strings.ToLower(key)]
	return ok
}

func (r *redactor) walk(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if r.match(k) {
				t[k] = redactedValue
				continue
			}
			t[k] = r.walk(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = r.walk(val)
		}
		return t
	default:
		return v
	}
}
