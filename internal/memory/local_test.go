package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLocalPutGet(t *testing.T) {
	s := NewLocal()
	ctx := context.Background()

	if err := s.Put(ctx, "results", "task-1", []byte(`{"ok":true}`), 0, "run-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.Get(ctx, "results", "task-1", "run-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != `{"ok":true}` {
		t.Errorf("got %q, want %q", got, `{"ok":true}`)
	}
}

func TestLocalGetMissing(t *testing.T) {
	s := NewLocal()

	_, err := s.Get(context.Background(), "results", "nope", "run-a")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalPartitionIsolation(t *testing.T) {
	s := NewLocal()
	ctx := context.Background()

	if err := s.Put(ctx, "results", "task-1", []byte("a"), 0, "run-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Put(ctx, "results", "task-1", []byte("b"), 0, "run-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gotA, err := s.Get(ctx, "results", "task-1", "run-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	gotB, err := s.Get(ctx, "results", "task-1", "run-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if string(gotA) != "a" || string(gotB) != "b" {
		t.Errorf("partitions collided: got %q and %q", gotA, gotB)
	}
}

func TestLocalTTLExpiry(t *testing.T) {
	s := NewLocal()
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	if err := s.Put(ctx, "results", "task-1", []byte("v"), time.Minute, "run-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Retrievable before the TTL elapses.
	if _, err := s.Get(ctx, "results", "task-1", "run-a"); err != nil {
		t.Fatalf("expected entry before expiry, got %v", err)
	}

	// Not found after.
	now = now.Add(time.Minute + time.Second)
	if _, err := s.Get(ctx, "results", "task-1", "run-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after TTL, got %v", err)
	}
}

func TestLocalOverwriteResetsTTL(t *testing.T) {
	s := NewLocal()
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	if err := s.Put(ctx, "ns", "k", []byte("old"), time.Minute, "p"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now = now.Add(50 * time.Second)
	if err := s.Put(ctx, "ns", "k", []byte("new"), time.Minute, "p"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The replacement write carries a fresh timestamp.
	now = now.Add(50 * time.Second)
	got, err := s.Get(ctx, "ns", "k", "p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "new" {
		t.Errorf("got %q, want %q", got, "new")
	}
}

func TestLocalConcurrentPutsLastWriterWins(t *testing.T) {
	s := NewLocal()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Put(ctx, "ns", "k", []byte("x"), 0, "p")
		}()
	}
	wg.Wait()

	// A final write must win over everything before it.
	if err := s.Put(ctx, "ns", "k", []byte("final"), 0, "p"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := s.Get(ctx, "ns", "k", "p")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "final" {
		t.Errorf("got %q, want %q", got, "final")
	}
}

func TestLocalLockExclusive(t *testing.T) {
	s := NewLocal()
	ctx := context.Background()

	ok, err := s.TryAcquireLock(ctx, "fp-1", "holder-a", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	ok, err = s.TryAcquireLock(ctx, "fp-1", "holder-b", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second acquire to fail while lease held")
	}

	// A different fingerprint is unaffected.
	ok, err = s.TryAcquireLock(ctx, "fp-2", "holder-b", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected acquire on different fingerprint to succeed")
	}
}

func TestLocalLockLeaseExpiry(t *testing.T) {
	s := NewLocal()
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	if ok, _ := s.TryAcquireLock(ctx, "fp-1", "crashed", time.Minute); !ok {
		t.Fatal("expected acquire to succeed")
	}

	// Lost-holder recovery: after the lease elapses anyone may re-acquire.
	now = now.Add(time.Minute + time.Second)
	ok, err := s.TryAcquireLock(ctx, "fp-1", "recovered", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected acquire after lease expiry to succeed")
	}
}

func TestLocalReleaseLockHolderChecked(t *testing.T) {
	s := NewLocal()
	ctx := context.Background()

	if ok, _ := s.TryAcquireLock(ctx, "fp-1", "holder-a", time.Minute); !ok {
		t.Fatal("expected acquire to succeed")
	}

	// Release by a non-holder is a no-op.
	if err := s.ReleaseLock(ctx, "fp-1", "holder-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := s.TryAcquireLock(ctx, "fp-1", "holder-b", time.Minute); ok {
		t.Error("lock should still be held after foreign release")
	}

	// Release by the holder frees it.
	if err := s.ReleaseLock(ctx, "fp-1", "holder-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := s.TryAcquireLock(ctx, "fp-1", "holder-b", time.Minute); !ok {
		t.Error("expected acquire after release to succeed")
	}
}

func TestLocalSnapshotRestore(t *testing.T) {
	s := NewLocal()
	ctx := context.Background()

	if err := s.Put(ctx, "results", "t1", []byte("one"), 0, "run-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Put(ctx, "results", "t2", []byte("two"), 0, "run-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries in snapshot, got %d", len(snap))
	}

	restored := NewLocal()
	restored.Restore(snap)

	got, err := restored.Get(ctx, "results", "t1", "run-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "one" {
		t.Errorf("got %q, want %q", got, "one")
	}
	if restored.Len() != 2 {
		t.Errorf("expected 2 restored entries, got %d", restored.Len())
	}
}
