package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/quarrydev/quarry/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedProject(t *testing.T, db *store.SQLiteStore, root string) string {
	t.Helper()
	p, err := db.Resolve(context.Background(), root)
	if err != nil {
		t.Fatalf("failed to resolve project: %v", err)
	}
	return p.ID
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", rel, err)
	}
	return path
}

func TestPlanner_NewFiles(t *testing.T) {
	db := newTestStore(t)
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello\n")
	writeFile(t, root, "sub/b.txt", "world\n")

	planner := NewPlanner(db, nil)
	plan, err := planner.BuildPlan(context.Background(), "p1", root)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	if len(plan.New) != 2 {
		t.Errorf("expected 2 new files, got %d", len(plan.New))
	}
	if len(plan.Changed)+len(plan.MetadataOnly)+len(plan.Unchanged)+len(plan.Deleted) != 0 {
		t.Errorf("expected no other classifications, got %+v", plan)
	}
}

func TestPlanner_UnchangedFastPathSkipsHashing(t *testing.T) {
	db := newTestStore(t)
	root := t.TempDir()
	path := writeFile(t, root, "a.txt", "hello\n")
	pid := seedProject(t, db, root)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}

	// Deliberately wrong hash: if the planner hashed the file it would see a
	// mismatch and classify it changed. The metadata fast path must win.
	entry := store.ManifestEntry{
		ProjectID: pid,
		RelPath:   "a.txt",
		Hash:      "not-the-real-hash",
		ModTime:   info.ModTime().UnixNano(),
		Size:      info.Size(),
	}
	if err := db.UpsertManifest(context.Background(), entry); err != nil {
		t.Fatalf("UpsertManifest failed: %v", err)
	}

	planner := NewPlanner(db, nil)
	plan, err := planner.BuildPlan(context.Background(), pid, root)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	if len(plan.Unchanged) != 1 {
		t.Fatalf("expected file classified unchanged, got %+v", plan)
	}
	if plan.EstimatedSaved <= 0 {
		t.Errorf("expected a positive hashing-time estimate, got %v", plan.EstimatedSaved)
	}
}

func TestPlanner_MetadataOnlyAndChanged(t *testing.T) {
	db := newTestStore(t)
	root := t.TempDir()
	samePath := writeFile(t, root, "same.txt", "identical content\n")
	writeFile(t, root, "edited.txt", "fresh content\n")

	sameHash, err := HashFile(samePath)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	pid := seedProject(t, db, root)

	ctx := context.Background()
	// same.txt: hash matches but mtime is stale in the manifest
	if err := db.UpsertManifest(ctx, store.ManifestEntry{
		ProjectID: pid, RelPath: "same.txt", Hash: sameHash, ModTime: 1, Size: 18,
	}); err != nil {
		t.Fatalf("UpsertManifest failed: %v", err)
	}
	// edited.txt: both metadata and hash differ
	if err := db.UpsertManifest(ctx, store.ManifestEntry{
		ProjectID: pid, RelPath: "edited.txt", Hash: "old-hash", ModTime: 1, Size: 1,
	}); err != nil {
		t.Fatalf("UpsertManifest failed: %v", err)
	}
	// gone.txt: manifest entry with no file on disk
	if err := db.UpsertManifest(ctx, store.ManifestEntry{
		ProjectID: pid, RelPath: "gone.txt", Hash: "whatever", ModTime: 1, Size: 1,
	}); err != nil {
		t.Fatalf("UpsertManifest failed: %v", err)
	}

	planner := NewPlanner(db, nil)
	plan, err := planner.BuildPlan(ctx, pid, root)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}

	if len(plan.MetadataOnly) != 1 || plan.MetadataOnly[0].RelPath != "same.txt" {
		t.Errorf("expected same.txt classified metadata-only, got %+v", plan.MetadataOnly)
	}
	if len(plan.Changed) != 1 || plan.Changed[0].RelPath != "edited.txt" {
		t.Errorf("expected edited.txt classified changed, got %+v", plan.Changed)
	}
	if len(plan.Deleted) != 1 || plan.Deleted[0] != "gone.txt" {
		t.Errorf("expected gone.txt classified deleted, got %+v", plan.Deleted)
	}
	if plan.MetadataOnly[0].Hash != sameHash {
		t.Errorf("expected metadata-only entry to carry its computed hash")
	}
}

func TestPlanner_BuildPlanForPaths(t *testing.T) {
	db := newTestStore(t)
	root := t.TempDir()
	writeFile(t, root, "a.txt", "hello\n")

	pid := seedProject(t, db, root)

	ctx := context.Background()
	if err := db.UpsertManifest(ctx, store.ManifestEntry{
		ProjectID: pid, RelPath: "missing.txt", Hash: "h", ModTime: 1, Size: 1,
	}); err != nil {
		t.Fatalf("UpsertManifest failed: %v", err)
	}

	planner := NewPlanner(db, nil)
	plan, err := planner.BuildPlanForPaths(ctx, pid, root, []string{"a.txt", "missing.txt"})
	if err != nil {
		t.Fatalf("BuildPlanForPaths failed: %v", err)
	}

	if len(plan.New) != 1 || plan.New[0].RelPath != "a.txt" {
		t.Errorf("expected a.txt classified new, got %+v", plan.New)
	}
	if len(plan.Deleted) != 1 || plan.Deleted[0] != "missing.txt" {
		t.Errorf("expected missing.txt classified deleted, got %+v", plan.Deleted)
	}
}

func TestPlanner_BuildPlanForPathsLeavesSiblingsAlone(t *testing.T) {
	db := newTestStore(t)
	root := t.TempDir()
	writeFile(t, root, "a.txt", "edited\n")
	siblingPath := writeFile(t, root, "b.txt", "untouched\n")
	pid := seedProject(t, db, root)

	siblingInfo, err := os.Stat(siblingPath)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}

	ctx := context.Background()
	if err := db.UpsertManifest(ctx, store.ManifestEntry{
		ProjectID: pid, RelPath: "a.txt", Hash: "stale", ModTime: 1, Size: 1,
	}); err != nil {
		t.Fatalf("UpsertManifest failed: %v", err)
	}
	if err := db.UpsertManifest(ctx, store.ManifestEntry{
		ProjectID: pid, RelPath: "b.txt", Hash: "whatever",
		ModTime: siblingInfo.ModTime().UnixNano(), Size: siblingInfo.Size(),
	}); err != nil {
		t.Fatalf("UpsertManifest failed: %v", err)
	}

	planner := NewPlanner(db, nil)
	plan, err := planner.BuildPlanForPaths(ctx, pid, root, []string{"a.txt"})
	if err != nil {
		t.Fatalf("BuildPlanForPaths failed: %v", err)
	}

	if len(plan.Deleted) != 0 {
		t.Fatalf("files outside a targeted plan must never be classified deleted, got %+v", plan.Deleted)
	}
	if len(plan.Changed) != 1 || plan.Changed[0].RelPath != "a.txt" {
		t.Errorf("expected only a.txt classified changed, got %+v", plan.Changed)
	}
}

func TestPlanner_BuildPlanForPathsIgnoresUnknownMissing(t *testing.T) {
	db := newTestStore(t)
	root := t.TempDir()

	planner := NewPlanner(db, nil)
	plan, err := planner.BuildPlanForPaths(context.Background(), "p1", root, []string{"never-indexed.txt"})
	if err != nil {
		t.Fatalf("BuildPlanForPaths failed: %v", err)
	}
	if plan.TotalWork() != 0 {
		t.Errorf("a vanished file that was never indexed should be no work, got %+v", plan)
	}
}
