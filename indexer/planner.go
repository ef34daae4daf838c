package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/quarrydev/quarry/store"
)

// FileInfo is one on-disk file as seen by a scan.
type FileInfo struct {
	RelPath string
	AbsPath string
	Size    int64
	ModTime int64 // unix nanoseconds
	Hash    string
}

// Plan is the classification result of one differential scan. It is consumed
// once by the orchestrator and never persisted.
type Plan struct {
	New            []FileInfo
	Changed        []FileInfo
	MetadataOnly   []FileInfo
	Unchanged      []FileInfo
	Deleted        []string
	EstimatedSaved time.Duration
}

// TotalWork is the number of files that require content processing.
func (p *Plan) TotalWork() int {
	return len(p.New) + len(p.Changed) + len(p.MetadataOnly) + len(p.Deleted)
}

// hashThroughput is the nominal rate used to estimate time saved by the
// metadata fast path.
const hashThroughput = 100 * 1024 * 1024 // bytes/sec

// Planner compares disk state against the manifest to find what changed.
// Pure read: no side effects on any store.
type Planner struct {
	manifests store.ManifestStore
	ignore    *IgnoreMatcher
}

func NewPlanner(manifests store.ManifestStore, ignore *IgnoreMatcher) *Planner {
	return &Planner{manifests: manifests, ignore: ignore}
}

// BuildPlan scans the whole project root and classifies every file.
func (p *Planner) BuildPlan(ctx context.Context, projectID, root string) (*Plan, error) {
	files, err := p.scan(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	return p.classify(ctx, projectID, files, nil, true)
}

// BuildPlanForPaths classifies only the given project-relative paths, used by
// incremental re-indexing. Paths missing from disk are classified deleted.
func (p *Planner) BuildPlanForPaths(ctx context.Context, projectID, root string, relPaths []string) (*Plan, error) {
	var files []FileInfo
	var missing []string
	for _, rel := range relPaths {
		abs := filepath.Join(root, rel)
		info, err := os.Stat(abs)
		if err != nil {
			if os.IsNotExist(err) {
				missing = append(missing, rel)
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", abs, err)
		}
		if info.IsDir() {
			continue
		}
		files = append(files, FileInfo{
			RelPath: rel,
			AbsPath: abs,
			Size:    info.Size(),
			ModTime: info.ModTime().UnixNano(),
		})
	}
	return p.classify(ctx, projectID, files, missing, false)
}

// scan walks the project tree, honoring ignore rules.
func (p *Planner) scan(ctx context.Context, root string) ([]FileInfo, error) {
	var files []FileInfo

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip inaccessible paths
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil
		}

		if info.IsDir() {
			if p.ignore != nil && p.ignore.ShouldSkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		if p.ignore != nil && p.ignore.ShouldIgnore(rel) {
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		files = append(files, FileInfo{
			RelPath: rel,
			AbsPath: path,
			Size:    info.Size(),
			ModTime: info.ModTime().UnixNano(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// classify applies the differential rules:
//   - no manifest entry: new
//   - size and mtime match: unchanged, no hash computed
//   - hash matches despite metadata drift: metadata-only
//   - hash differs: changed
//   - manifest path absent on disk: deleted
//
// The deleted sweep over the manifest only runs for full scans: a targeted
// plan sees just the requested paths, so every untouched sibling would look
// deleted. Targeted plans report deletions through forcedDeleted instead,
// which lists requested paths known to the manifest but missing on disk.
func (p *Planner) classify(ctx context.Context, projectID string, files []FileInfo, forcedDeleted []string, fullSweep bool) (*Plan, error) {
	entries, err := p.manifests.ListManifest(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifest: %w", err)
	}

	manifest := make(map[string]store.ManifestEntry, len(entries))
	for _, e := range entries {
		manifest[e.RelPath] = e
	}

	plan := &Plan{}
	var savedBytes int64
	seen := make(map[string]bool, len(files))

	for _, f := range files {
		seen[f.RelPath] = true

		entry, known := manifest[f.RelPath]
		if !known {
			plan.New = append(plan.New, f)
			continue
		}

		if entry.Size == f.Size && entry.ModTime == f.ModTime {
			plan.Unchanged = append(plan.Unchanged, f)
			savedBytes += f.Size
			continue
		}

		hash, err := HashFile(f.AbsPath)
		if err != nil {
			// unreadable now, let the orchestrator surface the error
			f.Hash = ""
			plan.Changed = append(plan.Changed, f)
			continue
		}
		f.Hash = hash

		if hash == entry.Hash {
			plan.MetadataOnly = append(plan.MetadataOnly, f)
		} else {
			plan.Changed = append(plan.Changed, f)
		}
	}

	if fullSweep {
		for rel := range manifest {
			if !seen[rel] {
				plan.Deleted = append(plan.Deleted, rel)
			}
		}
	}
	for _, rel := range forcedDeleted {
		if _, known := manifest[rel]; known {
			plan.Deleted = append(plan.Deleted, rel)
		}
	}

	plan.EstimatedSaved = time.Duration(float64(savedBytes) / hashThroughput * float64(time.Second))
	return plan, nil
}

// HashFile computes the content hash used for change detection.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
