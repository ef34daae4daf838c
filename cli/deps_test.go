package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCanonicalRoot_ResolvesSymlinks(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "real")
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	link := filepath.Join(base, "alias")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks not supported here: %v", err)
	}

	viaLink, err := canonicalRoot(link)
	if err != nil {
		t.Fatalf("canonicalRoot(link) failed: %v", err)
	}
	viaTarget, err := canonicalRoot(target)
	if err != nil {
		t.Fatalf("canonicalRoot(target) failed: %v", err)
	}
	if viaLink != viaTarget {
		t.Errorf("symlinked spellings resolved to different roots: %q vs %q", viaLink, viaTarget)
	}
}

func TestCanonicalRoot_MissingPathKeepsAbsolute(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "does-not-exist")

	got, err := canonicalRoot(missing)
	if err != nil {
		t.Fatalf("canonicalRoot failed: %v", err)
	}
	if got != missing {
		t.Errorf("expected the absolute path back unchanged, got %q", got)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("expected an absolute path, got %q", got)
	}
}
