package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CloneFunc clones repo at branch into dir and returns the checked-out
// commit SHA. Injectable so tests can substitute a fake.
type CloneFunc func(ctx context.Context, dir, repo, branch string) (string, error)

// PullFunc fast-forwards the checkout in dir and returns the new HEAD.
type PullFunc func(ctx context.Context, dir string) (string, error)

func gitClone(ctx context.Context, dir, repo, branch string) (string, error) {
	args := []string{"clone", "--depth", "1"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, repo, ".")

	if out, err := runGit(ctx, dir, args...); err != nil {
		return "", fmt.Errorf("git clone failed: %s", strings.TrimSpace(out))
	}
	return headCommit(ctx, dir)
}

func gitPull(ctx context.Context, dir string) (string, error) {
	if out, err := runGit(ctx, dir, "pull", "--ff-only"); err != nil {
		return "", fmt.Errorf("git pull failed: %s", strings.TrimSpace(out))
	}
	return headCommit(ctx, dir)
}

func headCommit(ctx context.Context, dir string) (string, error) {
	out, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %s", strings.TrimSpace(out))
	}
	return strings.TrimSpace(out), nil
}

// runGit executes git with the given args in dir. Prompting is disabled so
// a missing credential fails instead of hanging the background clone.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	return string(out), err
}
