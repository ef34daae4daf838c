// Package git resolves commit provenance for indexed project roots.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const commandTimeout = 5 * time.Second

// HeadCommit returns the full SHA of HEAD for the repository containing path.
// Returns an error if git is not installed, path is not inside a repository,
// or the repository has no commits yet.
func HeadCommit(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", path, "rev-parse", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git rev-parse HEAD failed: %w (stderr: %s)", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("failed to execute git (is git installed?): %w", err)
	}

	sha := strings.TrimSpace(string(output))
	if sha == "" {
		return "", fmt.Errorf("git rev-parse HEAD returned empty output")
	}
	return sha, nil
}

// IsRepository returns true if the given path is within a git repository.
// Returns false on any error (git not installed, not a repo, etc.).
func IsRepository(path string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", "-C", path, "rev-parse", "--git-dir")
	return cmd.Run() == nil
}
