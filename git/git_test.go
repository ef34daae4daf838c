package git

import (
	"context"
	"os/exec"
	"regexp"
	"testing"
)

// setupRepo initializes a git repo in the given directory with one empty commit.
func setupRepo(t *testing.T, path string) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	steps := [][]string{
		{"init", path},
		{"-C", path, "config", "user.email", "test@test.com"},
		{"-C", path, "config", "user.name", "Test"},
		{"-C", path, "commit", "--allow-empty", "-m", "initial"},
	}
	for _, args := range steps {
		if err := exec.Command("git", args...).Run(); err != nil {
			t.Fatalf("git %v failed: %v", args, err)
		}
	}
}

func TestHeadCommit(t *testing.T) {
	dir := t.TempDir()
	setupRepo(t, dir)

	sha, err := HeadCommit(context.Background(), dir)
	if err != nil {
		t.Fatalf("HeadCommit failed: %v", err)
	}
	if !regexp.MustCompile(`^[0-9a-f]{40}$`).MatchString(sha) {
		t.Errorf("expected a full commit SHA, got %q", sha)
	}
}

func TestHeadCommit_NotARepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	if _, err := HeadCommit(context.Background(), t.TempDir()); err == nil {
		t.Error("expected error outside a repository")
	}
}

func TestIsRepository(t *testing.T) {
	repo := t.TempDir()
	setupRepo(t, repo)

	if !IsRepository(repo) {
		t.Error("expected true inside a repository")
	}
	if IsRepository(t.TempDir()) {
		t.Error("expected false outside a repository")
	}
}
