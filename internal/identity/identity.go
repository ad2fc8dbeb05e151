// Package identity resolves the operator recorded on approvals and resumes.
package identity

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Operator holds an operator identity (name, email) for approval and resume
// attribution.
type Operator struct {
	Name   string `yaml:"name"`
	Email  string `yaml:"email"`
	Source string `yaml:"source,omitempty"` // e.g. "git"
}

// DetectFromGit runs `git config user.name` and `git config user.email` (in
// repoDir, or global if repoDir is empty) and returns an Operator. If either
// command fails, that field stays empty.
func DetectFromGit(repoDir string) (Operator, error) {
	var op Operator
	op.Source = "git"
	name, err := gitConfig(repoDir, "user.name")
	if err == nil {
		op.Name = strings.TrimSpace(name)
	}
	email, err := gitConfig(repoDir, "user.email")
	if err == nil {
		op.Email = strings.TrimSpace(email)
	}
	return op, nil
}

func gitConfig(repoDir, key string) (string, error) {
	cmd := exec.Command("git", "config", "--get", key)
	if repoDir != "" {
		cmd.Dir = repoDir
	}
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// OperatorsDir returns the path to the operators directory: <home>/operators/.
func OperatorsDir(home string) string {
	return filepath.Join(home, "operators")
}

// OperatorPath returns the path to an operator file:
// <home>/operators/<username>.yaml. Username is sanitized for the filesystem
// (spaces -> _, lowercased).
func OperatorPath(home, username string) string {
	safe := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(username), " ", "_"))
	if safe == "" {
		safe = "default"
	}
	return filepath.Join(OperatorsDir(home), safe+".yaml")
}

// Load reads an operator from <home>/operators/<username>.yaml. A missing
// file returns (nil, nil).
func Load(home, username string) (*Operator, error) {
	path := OperatorPath(home, username)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var op Operator
	if err := yaml.Unmarshal(data, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// Save writes the operator to <home>/operators/<username>.yaml.
func Save(home, username string, op *Operator) error {
	dir := OperatorsDir(home)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(op)
	if err != nil {
		return err
	}
	return os.WriteFile(OperatorPath(home, username), data, 0o644)
}

// DetectAndSave runs DetectFromGit and saves to operators/<username>.yaml.
// Username is derived from op.Name or op.Email (part before @).
func DetectAndSave(home, repoDir string) (*Operator, error) {
	op, err := DetectFromGit(repoDir)
	if err != nil {
		return nil, err
	}
	username := op.Name
	if username == "" {
		if idx := strings.Index(op.Email, "@"); idx > 0 {
			username = op.Email[:idx]
		}
	}
	if username == "" {
		username = "default"
	}
	if err := Save(home, username, &op); err != nil {
		return nil, err
	}
	return &op, nil
}

// DefaultApprover picks the approver for CLI commands that did not pass
// --approver: the single saved operator if exactly one exists, else the
// detected git user.name, else "operator".
func DefaultApprover(home string) string {
	if entries, err := os.ReadDir(OperatorsDir(home)); err == nil {
		var names []string
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
				continue
			}
			names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
		}
		if len(names) == 1 {
			if op, err := Load(home, names[0]); err == nil && op != nil && op.Name != "" {
				return op.Name
			}
			return names[0]
		}
	}
	if op, err := DetectFromGit(""); err == nil && op.Name != "" {
		return op.Name
	}
	return "operator"
}
