package model_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/analytics/internal/model"
)

// sampleEvent builds a fully-populated valid event for reuse across tests.
func sampleEvent() model.Event {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	return model.Event{
		ID:       "01902e8e-5a3d-7cde-9f00-0123456789ab",
		Schema:   model.Schema,
		Type:     "cli.command",
		TS:       ts,
		IngestTS: ts.Add(5 * time.Millisecond),
		Source:   model.Source{Product: "kb-cli", Version: "1.4.0"},
		RunID:    "run_1771061213000",
		Actor:    &model.Actor{Type: model.ActorUser, ID: "u_123", Name: "dev"},
		Ctx: map[string]any{
			"repo":   "kb-labs/analytics",
			"branch": "main",
		},
		Payload: map[string]any{
			"command": "build",
			"flags":   []any{"--verbose", "--cache"},
			"timing":  map[string]any{"totalMs": 412.0},
		},
		HashMeta: &model.HashMeta{Algo: model.HashAlgo, SaltID: "default-2026-03"},
	}
}

// ---- Clone -----------------------------------------------------------------

func TestClone_MutatingCloneLeavesOriginalUntouched(t *testing.T) {
	orig := sampleEvent()
	clone := orig.Clone()

	clone.Actor.ID = "someone-else"
	clone.Ctx["branch"] = "feature/x"
	clone.Payload.(map[string]any)["command"] = "test"
	clone.Payload.(map[string]any)["timing"].(map[string]any)["totalMs"] = 1.0
	clone.Payload.(map[string]any)["flags"].([]any)[0] = "--quiet"
	clone.HashMeta.SaltID = "other"

	assert.Equal(t, "u_123", orig.Actor.ID)
	assert.Equal(t, "main", orig.Ctx["branch"])
	assert.Equal(t, "build", orig.Payload.(map[string]any)["command"])
	assert.Equal(t, 412.0, orig.Payload.(map[string]any)["timing"].(map[string]any)["totalMs"])
	assert.Equal(t, "--verbose", orig.Payload.(map[string]any)["flags"].([]any)[0])
	assert.Equal(t, "default-2026-03", orig.HashMeta.SaltID)
}

func TestClone_NilOptionalFieldsStayNil(t *testing.T) {
	e := model.Event{ID: "x", Type: "t"}
	clone := e.Clone()
	assert.Nil(t, clone.Actor)
	assert.Nil(t, clone.Ctx)
	assert.Nil(t, clone.Payload)
	assert.Nil(t, clone.HashMeta)
}

func TestCloneValue_DeepCopiesNestedContainers(t *testing.T) {
	src := map[string]any{
		"list": []any{map[string]any{"k": "v"}},
	}
	dst := model.CloneValue(src).(map[string]any)
	dst["list"].([]any)[0].(map[string]any)["k"] = "changed"
	assert.Equal(t, "v", src["list"].([]any)[0].(map[string]any)["k"])
}

func TestCloneValue_ScalarsPassThrough(t *testing.T) {
	assert.Equal(t, "s", model.CloneValue("s"))
	assert.Equal(t, 42, model.CloneValue(42))
	assert.Equal(t, true, model.CloneValue(true))
	assert.Nil(t, model.CloneValue(nil))
}

// ---- Encode / Decode -------------------------------------------------------

func TestEncodeDecode_RoundTrip(t *testing.T) {
	orig := sampleEvent()

	b, err := model.Encode(orig)
	require.NoError(t, err)

	got, err := model.Decode(b)
	require.NoError(t, err)

	assert.Equal(t, orig.ID, got.ID)
	assert.Equal(t, orig.Schema, got.Schema)
	assert.Equal(t, orig.Type, got.Type)
	assert.True(t, orig.TS.Equal(got.TS))
	assert.True(t, orig.IngestTS.Equal(got.IngestTS))
	assert.Equal(t, orig.Source, got.Source)
	assert.Equal(t, orig.RunID, got.RunID)
	require.NotNil(t, got.Actor)
	assert.Equal(t, *orig.Actor, *got.Actor)
	assert.Equal(t, "main", got.Ctx["branch"])
	require.NotNil(t, got.HashMeta)
	assert.Equal(t, *orig.HashMeta, *got.HashMeta)
}

func TestEncode_UsesWireFieldNames(t *testing.T) {
	b, err := model.Encode(sampleEvent())
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &raw))

	for _, key := range []string{"id", "schema", "type", "ts", "ingestTs", "source", "runId", "actor", "ctx", "payload", "hashMeta"} {
		assert.Contains(t, raw, key)
	}
	var hm map[string]string
	require.NoError(t, json.Unmarshal(raw["hashMeta"], &hm))
	assert.Contains(t, hm, "saltId")
}

func TestEncode_OmitsUnsetOptionalFields(t *testing.T) {
	e := model.Event{
		ID:       "01902e8e-5a3d-7cde-9f00-0123456789ab",
		Schema:   model.Schema,
		Type:     "cli.command",
		TS:       time.Now().UTC(),
		IngestTS: time.Now().UTC(),
		Source:   model.Source{Product: "kb-cli", Version: "1.4.0"},
		RunID:    "run_1",
	}
	b, err := model.Encode(e)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.NotContains(t, raw, "actor")
	assert.NotContains(t, raw, "ctx")
	assert.NotContains(t, raw, "payload")
	assert.NotContains(t, raw, "hashMeta")
}

func TestEncode_NoTrailingNewline(t *testing.T) {
	b, err := model.Encode(sampleEvent())
	require.NoError(t, err)
	assert.NotEqual(t, byte('\n'), b[len(b)-1])
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	_, err := model.Decode([]byte(`{"id":"x","schema":"kb.v1","bogus":1}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestDecode_RejectsWrongFieldType(t *testing.T) {
	_, err := model.Decode([]byte(`{"id":123}`))
	require.Error(t, err)
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	_, err := model.Decode([]byte(`{"id":`))
	require.Error(t, err)
}
