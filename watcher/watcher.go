package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/quarrydev/quarry/indexer"
)

type ChangeType int

const (
	ChangeCreate ChangeType = iota
	ChangeModify
	ChangeDelete
)

func (t ChangeType) String() string {
	switch t {
	case ChangeCreate:
		return "CREATE"
	case ChangeModify:
		return "MODIFY"
	case ChangeDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// FileChange is one coalesced filesystem change scoped to a project.
type FileChange struct {
	ProjectID string
	RelPath   string
	Type      ChangeType
}

// Batch is one debounce window's worth of changes for a single project.
type Batch struct {
	ProjectID string
	Changes   []FileChange
}

// noisePatterns are editor and tooling artifacts that never reach the index.
// 4913 is vim's permission-probe file.
var noisePatterns = []string{
	"*~", "*.swp", "*.swx", "*.tmp", "*.part", ".#*", "#*#", "4913", ".DS_Store",
}

type watchedProject struct {
	id     string
	root   string
	ignore *indexer.IgnoreMatcher
}

// Monitor watches the roots of multiple projects and emits debounced change
// batches. Events for suspended projects are dropped at the door, which lets
// an indexing run churn files without feeding back into itself.
type Monitor struct {
	fsw          *fsnotify.Watcher
	debounce     time.Duration
	restartDelay time.Duration
	batches      chan Batch
	log          zerolog.Logger

	mu        sync.Mutex
	projects  map[string]*watchedProject
	suspended map[string]bool
	pending   map[string]map[string]FileChange // project id -> rel path -> change
	timers    map[string]*time.Timer
	closed    bool
}

func NewMonitor(debounce, restartDelay time.Duration, log zerolog.Logger) (*Monitor, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Monitor{
		fsw:          fsw,
		debounce:     debounce,
		restartDelay: restartDelay,
		batches:      make(chan Batch, 16),
		log:          log.With().Str("component", "watcher").Logger(),
		projects:     make(map[string]*watchedProject),
		suspended:    make(map[string]bool),
		pending:      make(map[string]map[string]FileChange),
		timers:       make(map[string]*time.Timer),
	}, nil
}

// Batches is the channel incremental re-indexing consumes.
func (m *Monitor) Batches() <-chan Batch {
	return m.batches
}

// AddProject registers a project root and watches its whole tree.
func (m *Monitor) AddProject(projectID, root string, ignore *indexer.IgnoreMatcher) error {
	m.mu.Lock()
	m.projects[projectID] = &watchedProject{id: projectID, root: root, ignore: ignore}
	m.mu.Unlock()

	return m.addRecursive(root, ignore)
}

// RemoveProject stops watching a project. Pending changes are discarded.
func (m *Monitor) RemoveProject(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[projectID]
	if !ok {
		return
	}
	delete(m.projects, projectID)
	delete(m.suspended, projectID)
	delete(m.pending, projectID)
	if t, ok := m.timers[projectID]; ok {
		t.Stop()
		delete(m.timers, projectID)
	}

	// fsnotify has no recursive remove; drop every watch under the root.
	for _, watched := range m.fsw.WatchList() {
		if watched == p.root || strings.HasPrefix(watched, p.root+string(filepath.Separator)) {
			_ = m.fsw.Remove(watched)
		}
	}
}

// Suspend discards events for the project until Resume. Pending changes are
// cleared so a suspended run's own writes cannot leak into a later batch.
func (m *Monitor) Suspend(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suspended[projectID] = true
	delete(m.pending, projectID)
	if t, ok := m.timers[projectID]; ok {
		t.Stop()
		delete(m.timers, projectID)
	}
}

// Resume re-enables event delivery for the project.
func (m *Monitor) Resume(projectID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.suspended, projectID)
}

// Run processes events until ctx is done. A broken fsnotify watcher is
// rebuilt after restartDelay with all projects re-added.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		err := m.loop(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}

		m.log.Error().Err(err).Dur("restart_in", m.restartDelay).Msg("watcher failed, restarting")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(m.restartDelay):
		}
		if err := m.rebuild(); err != nil {
			m.log.Error().Err(err).Msg("watcher rebuild failed")
			return err
		}
	}
}

func (m *Monitor) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case event, ok := <-m.fsw.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			m.handleEvent(event)
		case err, ok := <-m.fsw.Errors:
			if !ok {
				return errors.New("error channel closed")
			}
			return err
		}
	}
}

// rebuild replaces the underlying fsnotify watcher and re-adds every project.
func (m *Monitor) rebuild() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	m.mu.Lock()
	old := m.fsw
	m.fsw = fsw
	projects := make([]*watchedProject, 0, len(m.projects))
	for _, p := range m.projects {
		projects = append(projects, p)
	}
	m.mu.Unlock()

	_ = old.Close()
	for _, p := range projects {
		if err := m.addRecursive(p.root, p.ignore); err != nil {
			m.log.Warn().Err(err).Str("root", p.root).Msg("failed to re-watch project root")
		}
	}
	return nil
}

func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, t := range m.timers {
		t.Stop()
	}
	m.mu.Unlock()
	return m.fsw.Close()
}

func (m *Monitor) addRecursive(root string, ignore *indexer.IgnoreMatcher) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip inaccessible paths
		}
		if !info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if rel != "." && ignore != nil && ignore.ShouldSkipDir(rel) {
			return filepath.SkipDir
		}

		if err := m.fsw.Add(path); err != nil {
			m.log.Warn().Err(err).Str("dir", path).Msg("failed to watch directory")
		}
		return nil
	})
}

func (m *Monitor) handleEvent(event fsnotify.Event) {
	project := m.projectFor(event.Name)
	if project == nil {
		return
	}

	m.mu.Lock()
	suspended := m.suspended[project.id]
	m.mu.Unlock()
	if suspended {
		return
	}

	rel, err := filepath.Rel(project.root, event.Name)
	if err != nil || rel == "." {
		return
	}

	if isNoise(filepath.Base(rel)) {
		return
	}
	if project.ignore != nil && project.ignore.ShouldIgnore(rel) {
		return
	}

	// A created directory needs its own watch before anything inside it
	// can be seen.
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := m.addRecursive(event.Name, project.ignore); err != nil {
				m.log.Warn().Err(err).Str("dir", event.Name).Msg("failed to watch new directory")
			}
			return
		}
	}

	var ct ChangeType
	switch {
	case event.Has(fsnotify.Create):
		ct = ChangeCreate
	case event.Has(fsnotify.Write):
		ct = ChangeModify
	case event.Has(fsnotify.Remove):
		ct = ChangeDelete
	case event.Has(fsnotify.Rename):
		// The old name vanishes; the new name shows up as a create.
		ct = ChangeDelete
	default:
		return
	}

	m.record(project.id, FileChange{ProjectID: project.id, RelPath: rel, Type: ct})
}

// record coalesces the change into the project's debounce window. A pending
// delete is never downgraded: the re-index plan stats the disk anyway, so a
// recreated file is still picked up correctly.
func (m *Monitor) record(projectID string, change FileChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	bucket, ok := m.pending[projectID]
	if !ok {
		bucket = make(map[string]FileChange)
		m.pending[projectID] = bucket
	}
	if existing, ok := bucket[change.RelPath]; !ok || existing.Type != ChangeDelete {
		bucket[change.RelPath] = change
	}

	if t, ok := m.timers[projectID]; ok {
		t.Stop()
	}
	m.timers[projectID] = time.AfterFunc(m.debounce, func() {
		m.flush(projectID)
	})
}

func (m *Monitor) flush(projectID string) {
	m.mu.Lock()
	bucket := m.pending[projectID]
	delete(m.pending, projectID)
	delete(m.timers, projectID)
	closed := m.closed
	m.mu.Unlock()

	if closed || len(bucket) == 0 {
		return
	}

	batch := Batch{ProjectID: projectID, Changes: make([]FileChange, 0, len(bucket))}
	for _, c := range bucket {
		batch.Changes = append(batch.Changes, c)
	}

	select {
	case m.batches <- batch:
	default:
		m.log.Warn().Str("project", projectID).Int("changes", len(batch.Changes)).Msg("batch channel full, dropping batch")
	}
}

// projectFor resolves an absolute event path to its registered project by
// longest root prefix.
func (m *Monitor) projectFor(path string) *watchedProject {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *watchedProject
	for _, p := range m.projects {
		if path == p.root || strings.HasPrefix(path, p.root+string(filepath.Separator)) {
			if best == nil || len(p.root) > len(best.root) {
				best = p
			}
		}
	}
	return best
}

func isNoise(base string) bool {
	for _, pattern := range noisePatterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}
