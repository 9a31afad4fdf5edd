package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kb-labs/analytics/internal/model"
)

// hasher replaces configured fields with keyed hashes so aggregate queries
// still work without storing raw identifiers. Without a salt the stage is
// a no-op.
type hasher struct {
	enabled bool
	salt    string
	pepper  string
	saltID  string
	fields  []string
}

func newHasher(logger *slog.Logger, cfg HashConfig) *hasher {
	h := &hasher{
		enabled: cfg.Enabled && cfg.Salt != "",
		salt:    cfg.Salt,
		pepper:  cfg.Pepper,
		saltID:  cfg.SaltID,
		fields:  cfg.Fields,
	}
	if h.saltID == "" {
		h.saltID = fmt.Sprintf("default-%s", time.Now().UTC().Format("2006-01"))
	}
	if cfg.Enabled && cfg.Salt == "" {
		logger.Warn("middleware: pii hashing enabled but no salt material found; stage disabled")
	}
	if h.enabled && saltRotationDue(h.saltID, cfg.RotateAfterDays) {
		logger.Warn("middleware: pii salt rotation due", "salt_id", h.saltID,
			"rotate_after_days", cfg.RotateAfterDays)
	}
	return h
}

func (h *hasher) Name() string { return "hash" }

func (h *hasher) Process(e model.Event) (model.Event, bool) {
	if !h.enabled {
		return e, true
	}
	replaced := false
	for _, path := range h.fields {
		if h.applyPath(&e, path) {
			replaced = true
		}
	}
	if replaced {
		e.HashMeta = &model.HashMeta{Algo: model.HashAlgo, SaltID: h.saltID}
	}
	return e, true
}

// applyPath hashes the value at a dotted path when it is a non-empty
// string. Supported roots: actor, ctx, payload.
func (h *hasher) applyPath(e *model.Event, path string) bool {
	root, rest, _ := strings.Cut(path, ".")
	switch root {
	case "actor":
		if e.Actor == nil {
			return false
		}
		switch rest {
		case "id":
			if e.Actor.ID != "" {
				e.Actor.ID = h.hashValue(e.Actor.ID)
				return true
			}
		case "name":
			if e.Actor.Name != "" {
				e.Actor.Name = h.hashValue(e.Actor.Name)
				return true
			}
		}
	case "ctx":
		if s, ok := e.Ctx[rest].(string); ok && s != "" {
			e.Ctx[rest] = h.hashValue(s)
			return true
		}
	case "payload":
		return h.applyPayload(e.Payload, rest)
	}
	return false
}

func (h *hasher) applyPayload(v any, path string) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	key, rest, nested := strings.Cut(path, ".")
	if nested {
		return h.applyPayload(m[key], rest)
	}
	if s, ok := m[key].(string); ok && s != "" {
		m[key] = h.hashValue(s)
		return true
	}
	return false
}

// hashValue computes HMAC-SHA256(key=salt, message=salt:(pepper:)?value)
// as lowercase hex.
func (h *hasher) hashValue(v string) string {
	msg := h.salt + ":"
	if h.pepper != "" {
		msg += h.pepper + ":"
	}
	msg += v
	mac := hmac.New(sha256.New, []byte(h.salt))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// saltRotationDue reports whether the YYYY-MM embedded at the end of a
// salt id is older than the rotation horizon. Ids without an embedded
// month are never due.
func saltRotationDue(saltID string, rotateAfterDays int) bool {
	if rotateAfterDays <= 0 || len(saltID) < 7 {
		return false
	}
	month, err := time.Parse("2006-01", saltID[len(saltID)-7:])
	if err != nil {
		return false
	}
	return time.Since(month) > time.Duration(rotateAfterDays)*24*time.Hour
}
