package middleware

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kb-labs/analytics/internal/model"
	"github.com/kb-labs/analytics/internal/testutil"
)

func TestEnrich_FillsConfiguredFields(t *testing.T) {
	en := newEnricher(EnrichConfig{
		Host:       true,
		Workspace:  true,
		CLI:        true,
		Workdir:    "/work/repo",
		CLIVersion: "1.4.0",
	})

	out, ok := en.Process(testutil.Event("cli.command"))
	require.True(t, ok)
	require.NotNil(t, out.Ctx)

	hostname, err := os.Hostname()
	require.NoError(t, err)
	assert.Equal(t, hostname, out.Ctx[model.CtxHostname])
	assert.Equal(t, "/work/repo", out.Ctx[model.CtxWorkspace])
	assert.Equal(t, "1.4.0", out.Ctx[model.CtxCLIVersion])
}

func TestEnrich_NeverOverwritesCallerValues(t *testing.T) {
	en := newEnricher(EnrichConfig{Workspace: true, Workdir: "/detected"})

	e := testutil.Event("cli.command")
	e.Ctx = map[string]any{model.CtxWorkspace: "/caller-set"}

	out, _ := en.Process(e)
	assert.Equal(t, "/caller-set", out.Ctx[model.CtxWorkspace])
}

func TestEnrich_DisabledTogglesLeaveCtxAlone(t *testing.T) {
	en := newEnricher(EnrichConfig{})

	out, ok := en.Process(testutil.Event("cli.command"))
	require.True(t, ok)
	assert.Nil(t, out.Ctx, "nothing to enrich, ctx stays unset")
}

func TestLookupGitInfo_NonRepoYieldsEmptyFields(t *testing.T) {
	info := lookupGitInfo(t.TempDir())
	assert.Empty(t, info.Branch)
	assert.Empty(t, info.Commit)
	assert.Empty(t, info.Repo)
}
