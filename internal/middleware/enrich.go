package middleware

import (
	"os"

	"github.com/kb-labs/analytics/internal/model"
)

// enricher fills well-known ctx fields from values captured once at init.
// Fields the caller already set are never overwritten.
type enricher struct {
	values map[string]string
}

func newEnricher(cfg EnrichConfig) *enricher {
	values := make(map[string]string)
	if cfg.Host {
		if hostname, err := os.Hostname(); err == nil {
			values[model.CtxHostname] = hostname
		}
	}
	if cfg.Workspace && cfg.Workdir != "" {
		values[model.CtxWorkspace] = cfg.Workdir
	}
	if cfg.CLI && cfg.CLIVersion != "" {
		values[model.CtxCLIVersion] = cfg.CLIVersion
	}
	if cfg.Git && cfg.GitDir != "" {
		info := lookupGitInfo(cfg.GitDir)
		if info.Branch != "" {
			values[model.CtxBranch] = info.Branch
		}
		if info.Commit != "" {
			values[model.CtxCommit] = info.Commit
		}
		if info.Repo != "" {
			values[model.CtxRepo] = info.Repo
		}
	}
	return &enricher{values: values}
}

func (en *enricher) Name() string { return "enrich" }

func (en *enricher) Process(e model.Event) (model.Event, bool) {
	if len(en.values) == 0 {
		return e, true
	}
	if e.Ctx == nil {
		e.Ctx = make(map[string]any, len(en.values))
	}
	for k, v := range en.values {
		if _, exists := e.Ctx[k]; !exists {
			e.Ctx[k] = v
		}
	}
	return e, true
}
