package model

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Validation issue codes. Stable strings; consumers match on these, not on
// messages.
const (
	CodeRequired      = "required"
	CodeInvalidFormat = "invalid_format"
	CodeInvalidValue  = "invalid_value"
)

// FieldError describes one validation violation.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (f FieldError) String() string {
	return f.Path + ": " + f.Message
}

// JoinFieldErrors renders a violation list as a single human-facing string,
// used verbatim in EmitResult reasons.
func JoinFieldErrors(errs []FieldError) string {
	parts := make([]string, len(errs))
	for i, fe := range errs {
		parts[i] = fe.String()
	}
	return strings.Join(parts, "; ")
}

// Validate checks a fully-populated event against the kb.v1 constraints and
// returns every violation found. A nil result means the event is valid.
// Structural typing (field types, unknown fields) is enforced by Decode;
// Validate covers the value-level constraints.
func Validate(e Event) []FieldError {
	var errs []FieldError

	if e.ID == "" {
		errs = append(errs, FieldError{Path: "id", Message: "is required", Code: CodeRequired})
	} else if _, err := uuid.Parse(e.ID); err != nil {
		errs = append(errs, FieldError{Path: "id", Message: "must be a UUID string", Code: CodeInvalidFormat})
	}

	if e.Schema != Schema {
		errs = append(errs, FieldError{
			Path:    "schema",
			Message: fmt.Sprintf("must be %q", Schema),
			Code:    CodeInvalidValue,
		})
	}

	if e.Type == "" {
		errs = append(errs, FieldError{Path: "type", Message: "is required", Code: CodeRequired})
	}

	if e.TS.IsZero() {
		errs = append(errs, FieldError{Path: "ts", Message: "is required", Code: CodeRequired})
	}
	if e.IngestTS.IsZero() {
		errs = append(errs, FieldError{Path: "ingestTs", Message: "is required", Code: CodeRequired})
	}

	if e.Source.Product == "" {
		errs = append(errs, FieldError{Path: "source.product", Message: "is required", Code: CodeRequired})
	}
	if e.Source.Version == "" {
		errs = append(errs, FieldError{Path: "source.version", Message: "is required", Code: CodeRequired})
	}

	if e.RunID == "" {
		errs = append(errs, FieldError{Path: "runId", Message: "is required", Code: CodeRequired})
	}

	if e.Actor != nil {
		switch e.Actor.Type {
		case ActorUser, ActorAgent, ActorCI:
		default:
			errs = append(errs, FieldError{
				Path:    "actor.type",
				Message: "must be one of user, agent, ci",
				Code:    CodeInvalidValue,
			})
		}
	}

	for k, v := range e.Ctx {
		if !isScalar(v) {
			errs = append(errs, FieldError{
				Path:    "ctx." + k,
				Message: "must be a scalar (string, number, bool, or null)",
				Code:    CodeInvalidValue,
			})
		}
	}

	if e.HashMeta != nil {
		if e.HashMeta.Algo != HashAlgo {
			errs = append(errs, FieldError{
				Path:    "hashMeta.algo",
				Message: fmt.Sprintf("must be %q", HashAlgo),
				Code:    CodeInvalidValue,
			})
		}
		if e.HashMeta.SaltID == "" {
			errs = append(errs, FieldError{Path: "hashMeta.saltId", Message: "is required", Code: CodeRequired})
		}
	}

	return errs
}

// isScalar reports whether a ctx value is one of the permitted scalar kinds.
// Integer and float kinds both appear when events are built in-process;
// decoded events only carry float64.
func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}
