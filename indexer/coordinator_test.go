package indexer

import (
	"context"
	"errors"
	"testing"
)

func TestCoordinator_AcquireConflict(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()

	runCtx1, cancel1, err := c.Acquire(ctx, "p1", "job1", false)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer cancel1()

	_, _, err = c.Acquire(ctx, "p1", "job2", false)
	var busy *ErrAlreadyIndexing
	if !errors.As(err, &busy) {
		t.Fatalf("expected ErrAlreadyIndexing, got %v", err)
	}
	if busy.ExistingJobID != "job1" {
		t.Errorf("expected existing job job1, got %s", busy.ExistingJobID)
	}

	// The losing acquire must not disturb the incumbent.
	select {
	case <-runCtx1.Done():
		t.Error("job1's context was cancelled by a non-force acquire")
	default:
	}
}

func TestCoordinator_ForceAcquireCancelsIncumbent(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()

	runCtx1, cancel1, err := c.Acquire(ctx, "p1", "job1", false)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer cancel1()

	_, cancel2, err := c.Acquire(ctx, "p1", "job2", true)
	if err != nil {
		t.Fatalf("force acquire failed: %v", err)
	}
	defer cancel2()

	select {
	case <-runCtx1.Done():
	default:
		t.Error("force acquire did not cancel job1's context")
	}

	if holder, ok := c.Active("p1"); !ok || holder != "job2" {
		t.Errorf("expected job2 to hold the project, got %q (active=%v)", holder, ok)
	}
}

func TestCoordinator_StaleReleaseIsNoOp(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()

	_, cancel1, err := c.Acquire(ctx, "p1", "job1", false)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	defer cancel1()

	_, cancel2, err := c.Acquire(ctx, "p1", "job2", true)
	if err != nil {
		t.Fatalf("force acquire failed: %v", err)
	}
	defer cancel2()

	// job1 was replaced; its release must not free job2's lock.
	c.Release("p1", "job1")
	if holder, ok := c.Active("p1"); !ok || holder != "job2" {
		t.Errorf("stale release removed job2's lock, holder=%q active=%v", holder, ok)
	}

	c.Release("p1", "job2")
	if _, ok := c.Active("p1"); ok {
		t.Error("release by the owner did not free the lock")
	}
}

func TestCoordinator_DifferentProjectsIndependent(t *testing.T) {
	c := NewCoordinator()
	ctx := context.Background()

	_, cancel1, err := c.Acquire(ctx, "p1", "job1", false)
	if err != nil {
		t.Fatalf("acquire p1 failed: %v", err)
	}
	defer cancel1()

	_, cancel2, err := c.Acquire(ctx, "p2", "job2", false)
	if err != nil {
		t.Fatalf("acquire p2 failed: %v", err)
	}
	defer cancel2()
}
