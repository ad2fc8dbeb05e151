package sandbox

import (
	"path/filepath"
	"testing"
)

func TestWriteGuard_Daemon(t *testing.T) {
	home := filepath.Join(t.TempDir(), "stagehand")
	guard := &WriteGuard{Role: "daemon", Home: home}
	// Daemon can write anywhere under home
	if !guard.AllowWrite(home) {
		t.Error("daemon should allow home")
	}
	if !guard.AllowWrite(filepath.Join(home, "runs", "r1", "journal.md")) {
		t.Error("daemon should allow any path under home")
	}
	if !guard.AllowWrite(filepath.Join(home, "contracts.yaml")) {
		t.Error("daemon should allow config files")
	}
	// Path outside home is denied
	if guard.AllowWrite(filepath.Join(filepath.Dir(home), "elsewhere", "x")) {
		t.Error("daemon should not allow path outside home")
	}
}

func TestWriteGuard_Stage(t *testing.T) {
	base := t.TempDir()
	home := filepath.Join(base, "stagehand")
	runDir := filepath.Join(home, "runs", "r1")
	repo := filepath.Join(base, "workspace", "checkout")
	guard := &WriteGuard{
		Role:     "stage",
		Home:     home,
		RunDir:   runDir,
		RepoDirs: []string{repo},
	}
	// Own run dir
	if !guard.AllowWrite(filepath.Join(runDir, "journal.md")) {
		t.Error("stage should allow own run dir")
	}
	if !guard.AllowWrite(filepath.Join(runDir, "artifacts", "Plan-1.json")) {
		t.Error("stage should allow artifacts")
	}
	// Workspace checkout (outside home)
	if !guard.AllowWrite(filepath.Join(repo, "src", "main.go")) {
		t.Error("stage should allow workspace checkout")
	}
	// Denied: another run's dir
	if guard.AllowWrite(filepath.Join(home, "runs", "r2", "journal.md")) {
		t.Error("stage should not allow other run dir")
	}
	// Denied: the store and config under home
	if guard.AllowWrite(filepath.Join(home, "stagehand.db")) {
		t.Error("stage should not allow store database")
	}
	if guard.AllowWrite(filepath.Join(home, "policies.yaml")) {
		t.Error("stage should not allow policy config")
	}
}
