package indexer

import (
	"context"
	"fmt"
	"sync"
)

// ErrAlreadyIndexing is returned when a project already has an active run.
type ErrAlreadyIndexing struct {
	ProjectID     string
	ExistingJobID string
}

func (e *ErrAlreadyIndexing) Error() string {
	return fmt.Sprintf("project %s is already being indexed by job %s", e.ProjectID, e.ExistingJobID)
}

// run is one active indexing run's registry entry.
type run struct {
	jobID  string
	cancel context.CancelFunc
}

// Coordinator serializes indexing runs per project. At most one run is
// active per project; force-acquire cancels the incumbent.
type Coordinator struct {
	runs sync.Map // project id -> *run
}

func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Acquire claims the project for jobID and returns the run context the
// orchestrator must poll for cancellation. With force set, the incumbent
// run's context is cancelled and the entry replaced.
func (c *Coordinator) Acquire(ctx context.Context, projectID, jobID string, force bool) (context.Context, context.CancelFunc, error) {
	runCtx, cancel := context.WithCancel(ctx)
	newRun := &run{jobID: jobID, cancel: cancel}

	for {
		existing, loaded := c.runs.LoadOrStore(projectID, newRun)
		if !loaded {
			return runCtx, cancel, nil
		}

		current := existing.(*run)
		if !force {
			cancel()
			return nil, nil, &ErrAlreadyIndexing{ProjectID: projectID, ExistingJobID: current.jobID}
		}

		current.cancel()
		if c.runs.CompareAndSwap(projectID, existing, newRun) {
			return runCtx, cancel, nil
		}
		// lost the swap race, re-read and try again
	}
}

// Release drops the registry entry, but only if jobID still owns it. A stale
// release from a force-replaced run is a no-op.
func (c *Coordinator) Release(projectID, jobID string) {
	existing, ok := c.runs.Load(projectID)
	if !ok {
		return
	}
	current := existing.(*run)
	if current.jobID != jobID {
		return
	}
	c.runs.CompareAndDelete(projectID, existing)
}

// Active returns the job currently holding the project, if any.
func (c *Coordinator) Active(projectID string) (string, bool) {
	existing, ok := c.runs.Load(projectID)
	if !ok {
		return "", false
	}
	return existing.(*run).jobID, true
}
