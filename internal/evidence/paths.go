// Package evidence manages the per-run evidence directory under the
// stagehand home: an append-only journal of stage attempts, raw stage
// output artifacts per iteration, and a rendered run report.
package evidence

import (
	"fmt"
	"path/filepath"
)

// RunDir returns the evidence directory for a run: <home>/runs/<run-id>/.
func RunDir(home, runID string) string {
	return filepath.Join(home, "runs", runID)
}

// ArtifactsDir returns the artifacts directory under a run dir.
func ArtifactsDir(runDir string) string {
	return filepath.Join(runDir, "artifacts")
}

// ArtifactPath returns the artifact file for one stage attempt:
// <runDir>/artifacts/<stage>-<iteration>.json.
func ArtifactPath(runDir, stage string, iteration int) string {
	return filepath.Join(ArtifactsDir(runDir), fmt.Sprintf("%s-%d.json", stage, iteration))
}

// JournalPath returns the run journal: <runDir>/journal.md.
func JournalPath(runDir string) string {
	return filepath.Join(runDir, "journal.md")
}

// ReportPath returns the rendered run report: <runDir>/report.md.
func ReportPath(runDir string) string {
	return filepath.Join(runDir, "report.md")
}

// WorkDir returns the stage work directory under a run dir, the only
// writable directory for sandboxed stage commands.
func WorkDir(runDir string) string {
	return filepath.Join(runDir, "work")
}
