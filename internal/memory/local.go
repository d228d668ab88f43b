package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// writeStamp orders concurrent writes without relying on wall-clock time.
// Tick comes from a process-wide monotonic counter; Seq is the writer's
// own sequence number and breaks ties.
type writeStamp struct {
	Tick uint64
	Seq  uint64
}

// after reports whether s is a strictly later write than other.
func (s writeStamp) after(other writeStamp) bool {
	if s.Tick != other.Tick {
		return s.Tick > other.Tick
	}
	return s.Seq > other.Seq
}

type localEntry struct {
	Entry
	stamp writeStamp
}

type localLock struct {
	holder    string
	expiresAt time.Time
}

// Local is an in-process Store backed by maps. It is safe for concurrent
// use by all workflow runs within one process. Expired entries are
// reclaimed lazily on read.
type Local struct {
	mu      sync.RWMutex
	entries map[string]*localEntry
	locks   map[string]*localLock
	// tick is the process-wide monotonic write counter.
	tick atomic.Uint64
	// seq is this store's per-writer sequence number.
	seq atomic.Uint64
	// now is replaceable for TTL tests.
	now func() time.Time
}

// NewLocal creates an empty in-process store.
func NewLocal() *Local {
	return &Local{
		entries: make(map[string]*localEntry),
		locks:   make(map[string]*localLock),
		now:     time.Now,
	}
}

// SetClock replaces the store's clock. Intended for tests.
func (l *Local) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// entryKey builds the composite map key. Partition comes first so a
// partition's keys cluster together in debugging dumps.
func entryKey(namespace, key, partition string) string {
	return partition + "\x00" + namespace + "\x00" + key
}

// Put stores value, replacing any previous entry for the key.
// Concurrent puts resolve last-writer-wins by monotonic write stamp.
func (l *Local) Put(ctx context.Context, namespace, key string, value []byte, ttl time.Duration, partition string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stamp := writeStamp{Tick: l.tick.Add(1), Seq: l.seq.Add(1)}

	l.mu.Lock()
	defer l.mu.Unlock()

	k := entryKey(namespace, key, partition)
	if existing, ok := l.entries[k]; ok && !stamp.after(existing.stamp) {
		// A later write already landed; keep it.
		return nil
	}

	l.entries[k] = &localEntry{
		Entry: Entry{
			Namespace: namespace,
			Key:       key,
			Partition: partition,
			Value:     append([]byte(nil), value...),
			CreatedAt: l.now(),
			TTL:       ttl,
		},
		stamp: stamp,
	}
	return nil
}

// Get returns the stored value, or ErrNotFound for missing or expired keys.
func (l *Local) Get(ctx context.Context, namespace, key, partition string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	k := entryKey(namespace, key, partition)

	l.mu.RLock()
	entry, ok := l.entries[k]
	now := l.now()
	l.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if entry.Expired(now) {
		// Lazy reclamation.
		l.mu.Lock()
		if cur, ok := l.entries[k]; ok && cur == entry {
			delete(l.entries, k)
		}
		l.mu.Unlock()
		return nil, ErrNotFound
	}

	return append([]byte(nil), entry.Value...), nil
}

// TryAcquireLock acquires the fingerprint lock if it is free or its lease
// has expired.
func (l *Local) TryAcquireLock(ctx context.Context, fingerprint, holder string, lease time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if lock, ok := l.locks[fingerprint]; ok && now.Before(lock.expiresAt) {
		return false, nil
	}

	l.locks[fingerprint] = &localLock{
		holder:    holder,
		expiresAt: now.Add(lease),
	}
	return true, nil
}

// ReleaseLock releases the lock if holder still owns it.
func (l *Local) ReleaseLock(ctx context.Context, fingerprint, holder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if lock, ok := l.locks[fingerprint]; ok && lock.holder == holder {
		delete(l.locks, fingerprint)
	}
	return nil
}

// Snapshot returns a copy of all live entries, keyed by partition,
// namespace, then key. Used for state export.
func (l *Local) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	entries := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Expired(now) {
			continue
		}
		entry := e.Entry
		entry.Value = append([]byte(nil), e.Value...)
		entries = append(entries, entry)
	}
	return entries
}

// Restore loads entries from a snapshot, overwriting current contents
// for matching keys. Expired entries in the snapshot are skipped.
func (l *Local) Restore(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		k := entryKey(e.Namespace, e.Key, e.Partition)
		stored := e
		stored.Value = append([]byte(nil), e.Value...)
		l.entries[k] = &localEntry{
			Entry: stored,
			stamp: writeStamp{Tick: l.tick.Add(1), Seq: l.seq.Add(1)},
		}
	}
}

// Len returns the number of live entries.
func (l *Local) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	now := l.now()
	n := 0
	for _, e := range l.entries {
		if !e.Expired(now) {
			n++
		}
	}
	return n
}

var _ Store = (*Local)(nil)
