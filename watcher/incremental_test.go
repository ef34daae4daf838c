package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarrydev/quarry/indexer"
	"github.com/quarrydev/quarry/store"
)

// stubIndexer counts incremental passes and can refuse the first one as if
// another run held the project.
type stubIndexer struct {
	mu        sync.Mutex
	calls     int
	busyFirst bool
}

func (s *stubIndexer) IndexPaths(ctx context.Context, project *store.Project, relPaths []string) (*indexer.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.busyFirst && s.calls == 1 {
		return nil, &indexer.ErrAlreadyIndexing{ProjectID: project.ID, ExistingJobID: "other"}
	}
	return &indexer.Result{JobID: "job"}, nil
}

func (s *stubIndexer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubProjects serves one fixed project for any ID.
type stubProjects struct {
	project store.Project
}

func (s *stubProjects) Resolve(ctx context.Context, rootPath string) (*store.Project, error) {
	p := s.project
	return &p, nil
}

func (s *stubProjects) Get(ctx context.Context, id string) (*store.Project, error) {
	p := s.project
	return &p, nil
}

func (s *stubProjects) List(ctx context.Context) ([]store.Project, error) {
	return []store.Project{s.project}, nil
}

func (s *stubProjects) ListWatched(ctx context.Context) ([]store.Project, error) {
	return []store.Project{s.project}, nil
}

func (s *stubProjects) UpdateStatus(ctx context.Context, id string, status store.ProjectStatus) error {
	return nil
}

func (s *stubProjects) UpdateCounters(ctx context.Context, id string, files, chunks, bytes int64) error {
	return nil
}

func (s *stubProjects) SetLastIndexed(ctx context.Context, id string, at time.Time) error {
	return nil
}

func (s *stubProjects) SetWatch(ctx context.Context, id string, watch bool) error {
	return nil
}

func TestReindexer_RunsIncrementalPass(t *testing.T) {
	m := newTestMonitor(t, 20*time.Millisecond)
	idx := &stubIndexer{}
	projects := &stubProjects{project: store.Project{ID: "p1", RootPath: "/tmp/p1"}}

	r := NewReindexer(m, idx, projects, 2, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	m.record("p1", FileChange{ProjectID: "p1", RelPath: "a.txt", Type: ChangeModify})

	deadline := time.After(2 * time.Second)
	for idx.callCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("incremental pass never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestReindexer_BusyBatchIsRetried(t *testing.T) {
	m := newTestMonitor(t, 20*time.Millisecond)
	idx := &stubIndexer{busyFirst: true}
	projects := &stubProjects{project: store.Project{ID: "p1", RootPath: "/tmp/p1"}}

	r := NewReindexer(m, idx, projects, 2, zerolog.Nop())
	r.retryDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	m.record("p1", FileChange{ProjectID: "p1", RelPath: "a.txt", Type: ChangeModify})

	deadline := time.After(2 * time.Second)
	for idx.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatal("deferred batch was never retried")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
