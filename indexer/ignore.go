package indexer

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is quarry's own ignore file, layered over .gitignore.
const IgnoreFileName = ".quarryignore"

// nestedMatcher holds a compiled ignore file and the directory it governs.
type nestedMatcher struct {
	matcher *ignore.GitIgnore
	baseDir string // relative to project root, empty for root-level files
}

// IgnoreMatcher answers whether a path is excluded from indexing. It layers
// config-supplied directory names, every .gitignore in the tree, and every
// .quarryignore in the tree.
type IgnoreMatcher struct {
	projectRoot string
	extraDirs   []string
	matchers    []nestedMatcher
}

// NewIgnoreMatcher walks projectRoot and compiles all ignore files found.
func NewIgnoreMatcher(projectRoot string, extraDirs []string) (*IgnoreMatcher, error) {
	m := &IgnoreMatcher{
		projectRoot: projectRoot,
		extraDirs:   extraDirs,
	}

	err := filepath.Walk(projectRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip inaccessible paths
		}

		if info.IsDir() {
			base := filepath.Base(path)
			for _, dir := range extraDirs {
				if base == dir {
					return filepath.SkipDir
				}
			}
			return nil
		}

		base := filepath.Base(path)
		if base != ".gitignore" && base != IgnoreFileName {
			return nil
		}

		gi, err := ignore.CompileIgnoreFile(path)
		if err != nil {
			return nil // skip unparsable ignore files
		}

		relDir, err := filepath.Rel(projectRoot, filepath.Dir(path))
		if err != nil {
			return nil
		}
		if relDir == "." {
			relDir = ""
		}

		m.matchers = append(m.matchers, nestedMatcher{matcher: gi, baseDir: relDir})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(extraDirs) > 0 {
		m.matchers = append(m.matchers, nestedMatcher{
			matcher: ignore.CompileIgnoreLines(extraDirs...),
			baseDir: "",
		})
	}

	return m, nil
}

// ShouldIgnore reports whether the project-relative path is excluded.
func (m *IgnoreMatcher) ShouldIgnore(relPath string) bool {
	normalized := filepath.ToSlash(relPath)

	for _, segment := range strings.Split(normalized, "/") {
		for _, dir := range m.extraDirs {
			if segment == dir {
				return true
			}
		}
	}

	for _, nm := range m.matchers {
		scoped := matcherRelPath(normalized, nm.baseDir)
		if scoped == "" && nm.baseDir != "" {
			continue
		}
		if nm.matcher.MatchesPath(scoped) || nm.matcher.MatchesPath(scoped+"/") {
			return true
		}
	}
	return false
}

// ShouldSkipDir reports whether a directory subtree can be pruned outright.
func (m *IgnoreMatcher) ShouldSkipDir(relPath string) bool {
	return m.ShouldIgnore(relPath)
}

// matcherRelPath rescopes a project-relative path to a matcher's base
// directory; empty means the path is outside that matcher's scope.
func matcherRelPath(normalizedPath, baseDir string) string {
	if baseDir == "" {
		return normalizedPath
	}
	base := filepath.ToSlash(baseDir)
	if normalizedPath == base {
		return "."
	}
	if strings.HasPrefix(normalizedPath, base+"/") {
		return strings.TrimPrefix(normalizedPath, base+"/")
	}
	return ""
}
