package rate_limiter

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/patrickmn/go-cache"
	"go.uber.org/atomic"
)

// ensure that MemoryStore satisfies an interface Store
var _ Store = &MemoryStore{}

const (
	lockStripes = 64
	expiryGrace = 10 * time.Minute
)

type counterEntry struct {
	count     atomic.Int64
	expiresAt time.Time
}

type lockEntry struct {
	expiresAt time.Time
}

// MemoryStore keeps counters and locks in a process-local TTL cache.
//
// Expiry is judged against the injected clock; the cache's own TTL and
// janitor only reclaim memory. Create-or-increment is serialized per derived
// key, so concurrent increments are never lost and a counter's expiry is
// assigned once. The read in Policy.Check and the increment that follows are
// still separate steps: concurrent Checks on one key may both pass before
// either increments, letting the counter overshoot Count.
type MemoryStore struct {
	cache    *cache.Cache
	now      func() time.Time
	identity []string
	locks    [lockStripes]sync.Mutex
}

func NewMemoryStore(opts ...StoreOption) *MemoryStore {
	o := newStoreOptions(opts)
	return &MemoryStore{
		cache:    cache.New(cache.NoExpiration, o.cleanupInterval),
		now:      o.now,
		identity: o.identity,
	}
}

func (s *MemoryStore) CounterKey(key Key, limiter *Limiter) string {
	return CounterKey(s.identity, key, limiter, s.now())
}

func (s *MemoryStore) LockKey(key Key, limiter *Limiter) string {
	return LockKey(s.identity, key, limiter)
}

func (s *MemoryStore) Count(_ context.Context, key Key, limiter *Limiter) (int64, bool, error) {
	entry, ok := s.counter(s.CounterKey(key, limiter), s.now())
	if !ok {
		return 0, false, nil
	}
	return entry.count.Load(), true, nil
}

func (s *MemoryStore) Increment(_ context.Context, key Key, limiter *Limiter) error {
	now := s.now()
	id := CounterKey(s.identity, key, limiter, now)

	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if entry, ok := s.counter(id, now); ok {
		entry.count.Inc()
		return nil
	}

	entry := &counterEntry{expiresAt: now.Add(limiter.Period)}
	entry.count.Store(1)
	s.cache.Set(id, entry, ttl(now, entry.expiresAt))
	return nil
}

func (s *MemoryStore) RemoveCounter(_ context.Context, key Key, limiter *Limiter) error {
	s.cache.Delete(s.CounterKey(key, limiter))
	return nil
}

func (s *MemoryStore) LockExists(_ context.Context, key Key, limiter *Limiter) (bool, error) {
	v, ok := s.cache.Get(s.LockKey(key, limiter))
	if !ok {
		return false, nil
	}
	entry, ok := v.(*lockEntry)
	return ok && s.now().Before(entry.expiresAt), nil
}

func (s *MemoryStore) SetLock(_ context.Context, key Key, limiter *Limiter) error {
	now := s.now()
	entry := &lockEntry{expiresAt: now.Add(limiter.LockDuration)}
	s.cache.Set(s.LockKey(key, limiter), entry, ttl(now, entry.expiresAt))
	return nil
}

// counter returns the live entry stored under id, if any.
func (s *MemoryStore) counter(id string, now time.Time) (*counterEntry, bool) {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, false
	}
	entry, ok := v.(*counterEntry)
	if !ok || !now.Before(entry.expiresAt) {
		return nil, false
	}
	return entry, true
}

func (s *MemoryStore) lockFor(id string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(id)%lockStripes]
}

// ttl converts an absolute expiry into a cache TTL. The cache measures TTLs
// on the wall clock, which can run ahead of the injected one, so entries are
// kept for expiryGrace past their logical expiry before the janitor may drop
// them.
func ttl(now, expiresAt time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d < 0 {
		d = 0
	}
	return d + expiryGrace
}
