package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisFromClient(client, "qefleet-test"), mr
}

func TestRedisPutGet(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	if err := s.Put(ctx, "results", "task-1", []byte("payload"), 0, "run-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := s.Get(ctx, "results", "task-1", "run-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("got %q, want %q", got, "payload")
	}
}

func TestRedisGetMissing(t *testing.T) {
	s, _ := newTestRedis(t)

	_, err := s.Get(context.Background(), "results", "nope", "run-a")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRedisPartitionIsolation(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	if err := s.Put(ctx, "results", "k", []byte("a"), 0, "run-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Put(ctx, "results", "k", []byte("b"), 0, "run-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gotA, _ := s.Get(ctx, "results", "k", "run-a")
	gotB, _ := s.Get(ctx, "results", "k", "run-b")
	if string(gotA) != "a" || string(gotB) != "b" {
		t.Errorf("partitions collided: got %q and %q", gotA, gotB)
	}
}

func TestRedisTTLExpiry(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	if err := s.Put(ctx, "results", "task-1", []byte("v"), time.Minute, "run-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := s.Get(ctx, "results", "task-1", "run-a"); err != nil {
		t.Fatalf("expected entry before expiry, got %v", err)
	}

	mr.FastForward(time.Minute + time.Second)

	if _, err := s.Get(ctx, "results", "task-1", "run-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after TTL, got %v", err)
	}
}

func TestRedisLockExclusive(t *testing.T) {
	s, _ := newTestRedis(t)
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
}

func TestRedisLockLeaseExpiry(t *testing.T) {
	s, mr := newTestRedis(t)
	ctx := context.Background()

	if ok, _ := s.TryAcquireLock(ctx, "fp-1", "crashed", time.Minute); !ok {
		t.Fatal("expected acquire to succeed")
	}

	mr.FastForward(time.Minute + time.Second)

	ok, err := s.TryAcquireLock(ctx, "fp-1", "recovered", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected acquire after lease expiry to succeed")
	}
}

func TestRedisReleaseLockHolderChecked(t *testing.T) {
	s, _ := newTestRedis(t)
	ctx := context.Background()

	if ok, _ := s.TryAcquireLock(ctx, "fp-1", "holder-a", time.Minute); !ok {
		t.Fatal("expected acquire to succeed")
	}

	if err := s.ReleaseLock(ctx, "fp-1", "holder-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := s.TryAcquireLock(ctx, "fp-1", "holder-b", time.Minute); ok {
		t.Error("lock should still be held after foreign release")
	}

	if err := s.ReleaseLock(ctx, "fp-1", "holder-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok, _ := s.TryAcquireLock(ctx, "fp-1", "holder-b", time.Minute); !ok {
		t.Error("expected acquire after release to succeed")
	}
}

func TestRedisUnavailable(t *testing.T) {
	s, mr := newTestRedis(t)
	mr.Close()

	err := s.Put(context.Background(), "ns", "k", []byte("v"), 0, "p")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}
