package sandbox

import (
	"path/filepath"
	"strings"
)

// WriteGuard enforces write-path isolation for stage commands. Each tool
// call that writes to the filesystem should be checked with AllowWrite(path)
// before execution. The daemon can write anywhere under the stagehand home;
// a stage command can only write under its run directory and any registered
// workspace checkout.
type WriteGuard struct {
	Role     string   // "daemon" or "stage"
	Home     string   // e.g. ~/.stagehand/
	RunDir   string   // runs/<run-id>/ under Home (stage only)
	RepoDirs []string // workspace checkouts the Implement and Git stages edit
}

// AllowWrite returns true if the guard allows writing to the given path.
// Paths are normalized (cleaned and absolutized when possible). The daemon
// may write anywhere under Home. A stage may write only to:
//   - Any path under RunDir (its evidence and work directory)
//   - Any path under an entry in RepoDirs (workspace checkouts)
//
// A stage can therefore never touch the store database, contracts.yaml, or
// policies.yaml, which live under Home outside any run directory.
func (g *WriteGuard) AllowWrite(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	abs, err := filepath.Abs(clean)
	if err != nil {
		abs = clean
	}
	if g.Role == "daemon" {
		home := g.normalizeDir(g.Home)
		return home != "" && (abs == home || strings.HasPrefix(abs, home+string(filepath.Separator)))
	}
	runDir := g.normalizeDir(g.RunDir)
	if runDir != "" && (abs == runDir || strings.HasPrefix(abs, runDir+string(filepath.Separator))) {
		return true
	}
	for _, rd := range g.RepoDirs {
		d := g.normalizeDir(rd)
		if d != "" && (abs == d || strings.HasPrefix(abs, d+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

func (g *WriteGuard) normalizeDir(dir string) string {
	if dir == "" {
		return ""
	}
	clean := filepath.Clean(dir)
	abs, err := filepath.Abs(clean)
	if err != nil {
		return clean
	}
	return abs
}
