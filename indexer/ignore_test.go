package indexer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestIgnoreMatcher_GitignoreAndExtraDirs(t *testing.T) {
	root := t.TempDir()

	gitignore := `dist/
*.log
secret.txt
`
	if err := os.WriteFile(filepath.Join(root, ".gitignore"), []byte(gitignore), 0644); err != nil {
		t.Fatalf("failed to write .gitignore: %v", err)
	}

	m, err := NewIgnoreMatcher(root, []string{".git", "node_modules"})
	if err != nil {
		t.Fatalf("failed to create matcher: %v", err)
	}

	tests := []struct {
		path     string
		expected bool
		desc     string
	}{
		{"main.go", false, "regular file"},
		{"src/app.go", false, "nested regular file"},
		{"dist", true, "ignored directory"},
		{"dist/bundle.js", true, "file inside ignored directory"},
		{"server.log", true, "wildcard pattern"},
		{"logs/server.log", true, "wildcard pattern in subdir"},
		{"secret.txt", true, "exact file pattern"},
		{".git/HEAD", true, "extra dir segment"},
		{"node_modules/pkg/index.js", true, "extra dir anywhere in path"},
		{"deep/node_modules/x", true, "nested extra dir"},
	}

	for _, tt := range tests {
		if got := m.ShouldIgnore(tt.path); got != tt.expected {
			t.Errorf("%s: ShouldIgnore(%q) = %v, expected %v", tt.desc, tt.path, got, tt.expected)
		}
	}
}

func TestIgnoreMatcher_NestedIgnoreFile(t *testing.T) {
	root := t.TempDir()
	subDir := filepath.Join(root, "sub")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatalf("failed to create subdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(subDir, IgnoreFileName), []byte("generated/\n"), 0644); err != nil {
		t.Fatalf("failed to write nested ignore file: %v", err)
	}

	m, err := NewIgnoreMatcher(root, nil)
	if err != nil {
		t.Fatalf("failed to create matcher: %v", err)
	}

	if !m.ShouldIgnore("sub/generated/out.txt") {
		t.Error("nested ignore rule was not applied within its directory")
	}
	if m.ShouldIgnore("generated/out.txt") {
		t.Error("nested ignore rule leaked outside its directory")
	}
}
