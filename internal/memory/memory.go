// Package memory provides the shared coordination store: namespaced
// key-value state with TTL expiry, partition isolation, and lease-based
// dedup locks. It is the only shared mutable substrate between concurrent
// workflow runs; all cross-run state goes through its Put/Get/lock
// primitives.
package memory

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is missing or its TTL elapsed.
var ErrNotFound = errors.New("memory: entry not found")

// ErrUnavailable indicates the backing store could not be reached.
// Callers retry with bounded backoff; the store itself never retries.
var ErrUnavailable = errors.New("memory: store unavailable")

// Entry is a stored value with its metadata.
type Entry struct {
	// Namespace and Key identify the entry; keys are unique per namespace.
	Namespace string
	Key       string
	// Partition isolates unrelated workflow runs from key collisions.
	Partition string
	// Value is the stored payload. Writes are full replacements.
	Value []byte
	// CreatedAt is when the current value was written.
	CreatedAt time.Time
	// TTL is the logical lifetime; zero means no expiry.
	TTL time.Duration
}

// Expired reports whether the entry's TTL has elapsed at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return e.TTL > 0 && now.After(e.CreatedAt.Add(e.TTL))
}

// Store is the coordination store contract. Implementations must provide
// atomic lock acquisition (compare-and-set semantics) and last-writer-wins
// overwrite ordering for concurrent puts.
type Store interface {
	// Put stores value under (namespace, key) within the partition,
	// replacing any previous value. A zero ttl means no expiry.
	Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration, partition string) error

	// Get returns the value for (namespace, key) within the partition.
	// Returns ErrNotFound for missing or expired entries.
	Get(ctx context.Context, namespace, key, partition string) ([]byte, error)

	// TryAcquireLock atomically acquires the lock for fingerprint on
	// behalf of holder. Returns false if another holder owns an unexpired
	// lease. The lease expires on its own so crashed holders cannot block
	// equivalent work forever.
	TryAcquireLock(ctx context.Context, fingerprint, holder string, lease time.Duration) (bool, error)

	// ReleaseLock releases the lock if holder still owns it. Releasing a
	// lock held by someone else (or already expired) is a no-op.
	ReleaseLock(ctx context.Context, fingerprint, holder string) error
}
