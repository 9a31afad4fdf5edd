package middleware

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/analytics/internal/model"
	"github.com/kb-labs/analytics/internal/testutil"
)

func testChainConfig() Config {
	return Config{
		RedactKeys: defaultRedactKeys,
		Hash: HashConfig{
			Enabled: true,
			Salt:    "test-salt-123",
			Fields:  []string{"actor.id"},
		},
		SampleDefault: 1.0,
		Enrich: EnrichConfig{
			Workspace: true,
			Workdir:   "/work/repo",
		},
	}
}

func TestChain_AppliesStagesInOrder(t *testing.T) {
	c := NewChain(testutil.TestLogger(), testChainConfig())

	e := testutil.Event("cli.command")
	e.Actor = &model.Actor{Type: model.ActorUser, ID: "u_123"}
	e.Payload = map[string]any{"token": "tok-123", "command": "build"}

	out, ok := c.Process(e)
	require.True(t, ok)

	// Redacted before anything else.
	assert.Equal(t, "****", out.Payload.(map[string]any)["token"])
	// Hashed after redact.
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{64}$`), out.Actor.ID)
	require.NotNil(t, out.HashMeta)
	// Enriched last.
	assert.Equal(t, "/work/repo", out.Ctx[model.CtxWorkspace])
}

func TestChain_RedactRunsBeforeHash(t *testing.T) {
	// actor.id is both redacted and listed for hashing: the hash stage must
	// see the masked value, so the digest equals hash("****"), not
	// hash(original).
	cfg := testChainConfig()
	cfg.RedactKeys = []string{"id"}
	c := NewChain(testutil.TestLogger(), cfg)

	e := testutil.Event("cli.command")
	e.Actor = &model.Actor{Type: model.ActorUser, ID: "u_123"}
	out, ok := c.Process(e)
	require.True(t, ok)

	h := newHasher(testutil.TestLogger(), cfg.Hash)
	masked := testutil.Event("cli.command")
	masked.Actor = &model.Actor{Type: model.ActorUser, ID: "****"}
	want, _ := h.Process(masked)
	assert.Equal(t, want.Actor.ID, out.Actor.ID)
}

func TestChain_DoesNotMutateCallerEvent(t *testing.T) {
	c := NewChain(testutil.TestLogger(), testChainConfig())

	e := testutil.Event("cli.command")
	e.Actor = &model.Actor{Type: model.ActorUser, ID: "u_123"}
	e.Payload = map[string]any{"token": "tok-123", "nested": map[string]any{"password": "pw"}}

	_, ok := c.Process(e)
	require.True(t, ok)

	assert.Equal(t, "u_123", e.Actor.ID, "caller's actor untouched")
	assert.Equal(t, "tok-123", e.Payload.(map[string]any)["token"], "caller's payload untouched")
	assert.Equal(t, "pw", e.Payload.(map[string]any)["nested"].(map[string]any)["password"])
	assert.Nil(t, e.Ctx, "enrichment does not leak into the caller's event")
}

func TestChain_SamplingDropsEvent(t *testing.T) {
	cfg := testChainConfig()
	cfg.SampleByEvent = map[string]float64{"noisy.tick": 0}
	c := NewChain(testutil.TestLogger(), cfg)

	_, ok := c.Process(testutil.Event("noisy.tick"))
	assert.False(t, ok)

	_, ok = c.Process(testutil.Event("cli.command"))
	assert.True(t, ok)
}
