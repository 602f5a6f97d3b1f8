package rate_limiter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Store is the counter and lock storage a Policy evaluates against.
//
// Increment must create the counter at 1 with an expiry of limiter.Period
// when absent and leave the expiry untouched when present. Concurrent
// callers must not lose increments nor assign the expiry twice.
type Store interface {
	// CounterKey derives the storage key of the limiter's counter.
	CounterKey(key Key, limiter *Limiter) string
	// LockKey derives the storage key of the limiter's lock.
	LockKey(key Key, limiter *Limiter) string

	// Count returns the current counter value. ok is false when the counter
	// does not exist, has expired or holds something that is not a number.
	Count(ctx context.Context, key Key, limiter *Limiter) (count int64, ok bool, err error)
	Increment(ctx context.Context, key Key, limiter *Limiter) error
	RemoveCounter(ctx context.Context, key Key, limiter *Limiter) error

	LockExists(ctx context.Context, key Key, limiter *Limiter) (bool, error)
	// SetLock marks the lock present, expiring after limiter.LockDuration.
	SetLock(ctx context.Context, key Key, limiter *Limiter) error
}

const keyDelimiter = ":"

// FriendlyDuration renders the non-zero day, hour, minute and second
// components of d with no separator: 90*time.Minute is "1h30m". Sub-second
// precision is dropped and a zero duration renders as "".
func FriendlyDuration(d time.Duration) string {
	days := int64(d / (24 * time.Hour))
	hours := int64(d/time.Hour) % 24
	minutes := int64(d/time.Minute) % 60
	seconds := int64(d/time.Second) % 60

	var b strings.Builder
	appendNonZero := func(v int64, unit string) {
		if v != 0 {
			b.WriteString(strconv.FormatInt(v, 10))
			b.WriteString(unit)
		}
	}
	appendNonZero(days, "d")
	appendNonZero(hours, "h")
	appendNonZero(minutes, "m")
	appendNonZero(seconds, "s")
	return b.String()
}

// CounterKey builds identity ++ key ++ [period], colon delimited. One second
// limiters get the unix second of now appended so every second has its own
// counter. Segments are not escaped: a value containing ":" can collide
// with a different key.
func CounterKey(identity []string, key Key, limiter *Limiter, now time.Time) string {
	values := baseKeyValues(identity, key)
	values = append(values, FriendlyDuration(limiter.Period))
	if limiter.Period == time.Second {
		values = append(values, strconv.FormatInt(now.Unix(), 10))
	}
	return strings.Join(values, keyDelimiter)
}

// LockKey builds identity ++ key ++ ["lock", lockDuration], colon delimited.
func LockKey(identity []string, key Key, limiter *Limiter) string {
	values := baseKeyValues(identity, key)
	values = append(values, "lock", FriendlyDuration(limiter.LockDuration))
	return strings.Join(values, keyDelimiter)
}

func baseKeyValues(identity []string, key Key) []string {
	values := make([]string, 0, len(identity)+len(key.values)+2)
	values = append(values, identity...)
	return append(values, key.values...)
}

type storeOptions struct {
	identity        []string
	now             func() time.Time
	cleanupInterval time.Duration
}

// StoreOption configures MemoryStore and RedisStore.
type StoreOption func(*storeOptions)

// WithPolicyIdentityValues prefixes every derived key with values, so that
// independent policies can share one backend.
func WithPolicyIdentityValues(values ...interface{}) StoreOption {
	return func(o *storeOptions) {
		o.identity = make([]string, len(values))
		for i, v := range values {
			o.identity[i] = fmt.Sprint(v)
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithCleanupInterval sets how often MemoryStore purges expired entries.
func WithCleanupInterval(d time.Duration) StoreOption {
	return func(o *storeOptions) { o.cleanupInterval = d }
}

func newStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{
		now:             time.Now,
		cleanupInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
