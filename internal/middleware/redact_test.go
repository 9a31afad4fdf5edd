package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/analytics/internal/model"
	"github.com/kb-labs/analytics/internal/testutil"
)

var defaultRedactKeys = []string{
	"token", "apiKey", "authorization", "password",
	"secret", "privateKey", "accessToken", "refreshToken",
}

func TestRedact_MasksDefaultKeysAtAnyDepth(t *testing.T) {
	r := newRedactor(defaultRedactKeys)
	e := testutil.Event("cli.command")
	e.Payload = map[string]any{
		"command": "push",
		"token":   "tok-123",
		"nested": map[string]any{
			"password": "hunter2",
			"keep":     "visible",
		},
	}

	out, ok := r.Process(e)
	require.True(t, ok)
	p := out.Payload.(map[string]any)
	assert.Equal(t, "****", p["token"])
	assert.Equal(t, "push", p["command"])
	nested := p["nested"].(map[string]any)
	assert.Equal(t, "****", nested["password"])
	assert.Equal(t, "visible", nested["keep"])
}

func TestRedact_CaseInsensitiveKeyMatch(t *testing.T) {
	r := newRedactor(defaultRedactKeys)
	e := testutil.Event("cli.command")
	e.Payload = map[string]any{"APIKEY": "k", "ApiKey": "k", "apikey": "k"}

	out, _ := r.Process(e)
	p := out.Payload.(map[string]any)
	for k := range p {
		assert.Equal(t, "****", p[k], "key %s", k)
	}
}

func TestRedact_DoesNotDescendIntoRedactedSubtree(t *testing.T) {
	r := newRedactor(defaultRedactKeys)
	e := testutil.Event("cli.command")
	e.Payload = map[string]any{
		"secret": map[string]any{"inner": "stays-hidden-wholesale"},
	}

	out, _ := r.Process(e)
	p := out.Payload.(map[string]any)
	assert.Equal(t, "****", p["secret"], "whole subtree replaced by the mask")
}

func TestRedact_TraversesArrays(t *testing.T) {
	r := newRedactor(defaultRedactKeys)
	e := testutil.Event("cli.command")
	e.Payload = map[string]any{
		"attempts": []any{
			map[string]any{"token": "a"},
			map[string]any{"token": "b", "n": 2},
		},
	}

	out, _ := r.Process(e)
	attempts := out.Payload.(map[string]any)["attempts"].([]any)
	assert.Equal(t, "****", attempts[0].(map[string]any)["token"])
	assert.Equal(t, "****", attempts[1].(map[string]any)["token"])
	assert.Equal(t, 2, attempts[1].(map[string]any)["n"])
}

func TestRedact_CtxKeys(t *testing.T) {
	r := newRedactor(defaultRedactKeys)
	e := testutil.Event("cli.command")
	e.Ctx = map[string]any{"authorization": "Bearer x", "branch": "main"}

	out, _ := r.Process(e)
	assert.Equal(t, "****", out.Ctx["authorization"])
	assert.Equal(t, "main", out.Ctx["branch"])
}

func TestRedact_ActorFieldsWhenConfigured(t *testing.T) {
	r := newRedactor([]string{"name"})
	e := testutil.Event("cli.command")
	e.Actor = &model.Actor{Type: model.ActorUser, ID: "u_1", Name: "dev"}

	out, _ := r.Process(e)
	assert.Equal(t, "****", out.Actor.Name)
	assert.Equal(t, "u_1", out.Actor.ID)
}

func TestRedact_ScalarPayloadPassesThrough(t *testing.T) {
	r := newRedactor(defaultRedactKeys)
	e := testutil.Event("cli.command")
	e.Payload = "just a string"

	out, ok := r.Process(e)
	require.True(t, ok)
	assert.Equal(t, "just a string", out.Payload)
}
