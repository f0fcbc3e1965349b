package jobs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeRemover struct {
	mu      sync.Mutex
	removed []string
}

func (r *fakeRemover) Remove(_ context.Context, locator string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, locator)
	return nil
}

func (r *fakeRemover) locators() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

func TestJanitorSweepEvictsExpiredTerminalJobs(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewStore(clock, zap.NewNop())
	remover := &fakeRemover{}
	janitor := NewJanitor(store, remover, clock, time.Hour, time.Minute, zap.NewNop())

	scratch := filepath.Join(t.TempDir(), "job-old")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		t.Fatalf("mkdir scratch: %v", err)
	}
	for _, id := range []string{"old", "fresh", "active"} {
		if _, err := store.Create(id); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}
	if err := store.MarkCompleted("old", "memory://old.zip", "old.zip", scratch); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}

	// "fresh" finishes later, inside the retention window.
	clock.Advance(50 * time.Minute)
	if err := store.MarkFailed("fresh", "boom"); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	clock.Advance(30 * time.Minute)

	if n := janitor.Sweep(context.Background()); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if _, err := store.Get("old"); err == nil {
		t.Fatal("expected old job to be evicted")
	}
	if _, err := store.Get("fresh"); err != nil {
		t.Fatalf("fresh job evicted early: %v", err)
	}
	if _, err := store.Get("active"); err != nil {
		t.Fatalf("running job must never be evicted: %v", err)
	}
	if got := remover.locators(); len(got) != 1 || got[0] != "memory://old.zip" {
		t.Fatalf("removed locators = %v, want [memory://old.zip]", got)
	}
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Fatalf("scratch dir still present: %v", err)
	}
}

func TestJanitorSkipsPinnedRecords(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewStore(clock, zap.NewNop())
	remover := &fakeRemover{}
	janitor := NewJanitor(store, remover, clock, time.Hour, time.Minute, zap.NewNop())

	if _, err := store.Create("pinned"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.MarkCompleted("pinned", "memory://p.zip", "p.zip", ""); err != nil {
		t.Fatalf("MarkCompleted() error = %v", err)
	}
	if _, err := store.AcquireResult("pinned"); err != nil {
		t.Fatalf("AcquireResult() error = %v", err)
	}

	clock.Advance(3 * time.Hour)
	if n := janitor.Sweep(context.Background()); n != 0 {
		t.Fatalf("Sweep() = %d during active download, want 0", n)
	}
	if len(remover.locators()) != 0 {
		t.Fatal("artifact removed while a download was in flight")
	}

	store.ReleaseResult("pinned")
	if n := janitor.Sweep(context.Background()); n != 1 {
		t.Fatalf("Sweep() after release = %d, want 1", n)
	}
	if got := remover.locators(); len(got) != 1 || got[0] != "memory://p.zip" {
		t.Fatalf("removed locators = %v, want [memory://p.zip]", got)
	}
}

func TestJanitorRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	store := NewStore(clock, zap.NewNop())
	janitor := NewJanitor(store, nil, clock, time.Hour, time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		janitor.Run(ctx)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
