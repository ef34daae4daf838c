package watcher

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestMonitor(t *testing.T, debounce time.Duration) *Monitor {
	t.Helper()
	m, err := NewMonitor(debounce, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create monitor: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func collectBatch(t *testing.T, m *Monitor, timeout time.Duration) Batch {
	t.Helper()
	select {
	case batch := <-m.Batches():
		return batch
	case <-time.After(timeout):
		t.Fatal("timed out waiting for batch")
		return Batch{}
	}
}

func TestMonitor_DebounceCoalescesPerPath(t *testing.T) {
	m := newTestMonitor(t, 20*time.Millisecond)

	// An editor save burst: create then several writes to the same path.
	m.record("p1", FileChange{ProjectID: "p1", RelPath: "a.txt", Type: ChangeCreate})
	m.record("p1", FileChange{ProjectID: "p1", RelPath: "a.txt", Type: ChangeModify})
	m.record("p1", FileChange{ProjectID: "p1", RelPath: "a.txt", Type: ChangeModify})
	m.record("p1", FileChange{ProjectID: "p1", RelPath: "b.txt", Type: ChangeModify})

	batch := collectBatch(t, m, time.Second)
	if batch.ProjectID != "p1" {
		t.Errorf("unexpected project: %s", batch.ProjectID)
	}
	if len(batch.Changes) != 2 {
		t.Fatalf("expected burst coalesced to 2 changes, got %d", len(batch.Changes))
	}
}

func TestMonitor_DeleteIsNotDowngraded(t *testing.T) {
	m := newTestMonitor(t, 20*time.Millisecond)

	m.record("p1", FileChange{ProjectID: "p1", RelPath: "a.txt", Type: ChangeDelete})
	m.record("p1", FileChange{ProjectID: "p1", RelPath: "a.txt", Type: ChangeCreate})

	batch := collectBatch(t, m, time.Second)
	if len(batch.Changes) != 1 {
		t.Fatalf("expected 1 coalesced change, got %d", len(batch.Changes))
	}
	if batch.Changes[0].Type != ChangeDelete {
		t.Errorf("a pending delete was downgraded to %s", batch.Changes[0].Type)
	}
}

func TestMonitor_SuspendDropsPendingChanges(t *testing.T) {
	m := newTestMonitor(t, 20*time.Millisecond)

	m.record("p1", FileChange{ProjectID: "p1", RelPath: "a.txt", Type: ChangeModify})
	m.Suspend("p1")

	select {
	case batch := <-m.Batches():
		t.Fatalf("suspended project flushed a batch: %+v", batch)
	case <-time.After(100 * time.Millisecond):
	}

	// Resume reopens delivery for fresh changes.
	m.Resume("p1")
	m.record("p1", FileChange{ProjectID: "p1", RelPath: "b.txt", Type: ChangeModify})
	batch := collectBatch(t, m, time.Second)
	if len(batch.Changes) != 1 || batch.Changes[0].RelPath != "b.txt" {
		t.Errorf("unexpected batch after resume: %+v", batch)
	}
}

func TestMonitor_ProjectsDebounceIndependently(t *testing.T) {
	m := newTestMonitor(t, 20*time.Millisecond)

	m.record("p1", FileChange{ProjectID: "p1", RelPath: "a.txt", Type: ChangeModify})
	m.record("p2", FileChange{ProjectID: "p2", RelPath: "z.txt", Type: ChangeModify})

	got := map[string]int{}
	for i := 0; i < 2; i++ {
		batch := collectBatch(t, m, time.Second)
		got[batch.ProjectID] = len(batch.Changes)
	}
	if got["p1"] != 1 || got["p2"] != 1 {
		t.Errorf("expected one batch per project, got %+v", got)
	}
}

func TestIsNoise(t *testing.T) {
	tests := []struct {
		base     string
		expected bool
	}{
		{"main.go", false},
		{"notes.txt", false},
		{"main.go~", true},
		{".main.go.swp", true},
		{"upload.part", true},
		{"build.tmp", true},
		{".#lockfile", true},
		{"#autosave#", true},
		{"4913", true},
		{".DS_Store", true},
		{"49131", false},
		{"partial", false},
	}
	for _, tt := range tests {
		if got := isNoise(tt.base); got != tt.expected {
			t.Errorf("isNoise(%q) = %v, expected %v", tt.base, got, tt.expected)
		}
	}
}
