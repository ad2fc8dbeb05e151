package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// BranchName returns the branch a run's Git stage commits to: stagehand/<run-id>.
func BranchName(runID string) string {
	return "stagehand/" + runID
}

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(ctx context.Context, dir string) bool {
	if dir == "" {
		return false
	}
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// EnsureBranch checks out branch in dir, creating or resetting it at HEAD.
func EnsureBranch(ctx context.Context, dir, branch string) error {
	if dir == "" || branch == "" {
		return fmt.Errorf("repo dir and branch required")
	}
	cmd := exec.CommandContext(ctx, "git", "checkout", "-B", branch)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git checkout -B %s: %w: %s", branch, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CommitAll stages everything in dir and commits with message, returning the
// new HEAD SHA. The commit is created even when the tree is unchanged so the
// stage always has a commit to report.
func CommitAll(ctx context.Context, dir, message string) (string, error) {
	if dir == "" || message == "" {
		return "", fmt.Errorf("repo dir and message required")
	}
	add := exec.CommandContext(ctx, "git", "add", "-A")
	add.Dir = dir
	if out, err := add.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git add -A: %w: %s", err, strings.TrimSpace(string(out)))
	}
	commit := exec.CommandContext(ctx, "git", "commit", "--allow-empty", "-m", message)
	commit.Dir = dir
	if out, err := commit.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git commit: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return Head(ctx, dir)
}

// Head returns the SHA of HEAD in dir.
func Head(ctx context.Context, dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("repo dir required")
	}
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Push pushes branch to origin, setting upstream. No-op if branch is empty.
func Push(ctx context.Context, dir, branch string) error {
	if dir == "" || branch == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "push", "-u", "origin", branch)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git push origin %s: %w: %s", branch, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Diff returns git diff baseSHA..headRef in dir. Empty dir yields an empty
// diff; headRef defaults to HEAD.
func Diff(ctx context.Context, dir, baseSHA, headRef string) (string, error) {
	if dir == "" {
		return "", nil
	}
	if headRef == "" {
		headRef = "HEAD"
	}
	if baseSHA == "" {
		baseSHA = "HEAD~1"
	}
	cmd := exec.CommandContext(ctx, "git", "diff", baseSHA+".."+headRef)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	return string(out), nil
}
