package middleware

import (
	"os/exec"
	"path/filepath"
	"strings"
)

// gitInfo holds the repository facts captured at init.
type gitInfo struct {
	Branch string
	Commit string
	Repo   string
}

// lookupGitInfo shells out to git once. Missing git or a non-repository
// directory yields empty fields; enrichment simply skips them.
func lookupGitInfo(dir string) gitInfo {
	info := gitInfo{
		Branch: gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD"),
		Commit: gitOutput(dir, "rev-parse", "HEAD"),
		Repo:   gitOutput(dir, "config", "--get", "remote.origin.url"),
	}
	if info.Repo == "" {
		if top := gitOutput(dir, "rev-parse", "--show-toplevel"); top != "" {
			info.Repo = filepath.Base(top)
		}
	}
	return info
}

func gitOutput(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
