package rate_limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lowc1012/throttle-policy-go/internal/log"
	"go.uber.org/zap"
)

const day = 24 * time.Hour

// Policy evaluates an ordered list of limiters against a Store.
//
// A Policy is safe for concurrent use as long as its Store is. Limiter edits
// are applied to the list atomically, but a *Limiter must not be mutated
// once handed to the policy.
type Policy struct {
	name  string
	store Store

	mu       sync.RWMutex
	limiters []*Limiter
}

type PolicyOption func(*Policy)

// WithStore sets the counter store. The default is a fresh MemoryStore.
func WithStore(s Store) PolicyOption {
	return func(p *Policy) { p.store = s }
}

// WithLimiters appends limiters in evaluation order.
func WithLimiters(limiters ...*Limiter) PolicyOption {
	return func(p *Policy) { p.limiters = append(p.limiters, limiters...) }
}

func WithName(name string) PolicyOption {
	return func(p *Policy) { p.name = name }
}

// NewPolicy builds a policy. Without limiters it never throttles.
func NewPolicy(opts ...PolicyOption) *Policy {
	p := &Policy{}
	for _, opt := range opts {
		opt(p)
	}
	if p.store == nil {
		p.store = NewMemoryStore()
	}
	return p
}

func (p *Policy) Name() string {
	return p.name
}

func (p *Policy) Store() Store {
	return p.store
}

// Check runs key through every limiter in order and stops at the first one
// that is locked or breached. Limiters evaluated before that one are
// incremented when increment is true, so they still count the action.
//
// With increment false Check only reads: a breached limiter reports
// Throttled but its lock is not set and its counter is kept.
//
// Store failures are returned as-is; the policy never decides to fail open
// or closed on the caller's behalf.
func (p *Policy) Check(ctx context.Context, key Key, increment bool) (Decision, error) {
	if !key.valid() {
		return Decision{}, ErrNilKeyValues
	}

	for _, limiter := range p.Limiters() {
		result := Decision{
			Limiter:     limiter,
			ThrottleKey: p.store.CounterKey(key, limiter),
		}

		if limiter.HasLock() {
			result.LockKey = p.store.LockKey(key, limiter)
			locked, err := p.store.LockExists(ctx, key, limiter)
			if err != nil {
				return Decision{}, fmt.Errorf("check lock %s: %w", result.LockKey, err)
			}
			if locked {
				result.Locked = true
				log.Logger().Debug("Key is locked",
					zap.String("policy", p.name), zap.String("lockKey", result.LockKey))
				return result, nil
			}
		}

		// zero or negative counts disable the limiter
		if limiter.Count <= 0 {
			continue
		}

		count, ok, err := p.store.Count(ctx, key, limiter)
		if err != nil {
			return Decision{}, fmt.Errorf("read counter %s: %w", result.ThrottleKey, err)
		}

		if ok && count >= limiter.Count {
			if increment && limiter.HasLock() {
				if err := p.store.SetLock(ctx, key, limiter); err != nil {
					return Decision{}, fmt.Errorf("set lock %s: %w", result.LockKey, err)
				}
				if err := p.store.RemoveCounter(ctx, key, limiter); err != nil {
					return Decision{}, fmt.Errorf("remove counter %s: %w", result.ThrottleKey, err)
				}
				log.Logger().Info("Limiter breached, key locked",
					zap.String("policy", p.name),
					zap.String("lockKey", result.LockKey),
					zap.String("lockDuration", limiter.LockDuration.String()))
			}

			result.Throttled = true
			log.Logger().Debug("Key is throttled",
				zap.String("policy", p.name),
				zap.String("throttleKey", result.ThrottleKey),
				zap.Int64("count", count),
				zap.Int64("limit", limiter.Count))
			return result, nil
		}

		if increment {
			if err := p.store.Increment(ctx, key, limiter); err != nil {
				return Decision{}, fmt.Errorf("increment counter %s: %w", result.ThrottleKey, err)
			}
		}
	}

	return NotThrottled(), nil
}

// IsThrottled runs a full Check and reports whether it throttled.
func (p *Policy) IsThrottled(ctx context.Context, key Key, increment bool) (bool, Decision, error) {
	d, err := p.Check(ctx, key, increment)
	if err != nil {
		return false, Decision{}, err
	}
	return d.Throttled, d, nil
}

// IsLocked runs a full Check and reports whether the key is locked out.
func (p *Policy) IsLocked(ctx context.Context, key Key, increment bool) (bool, Decision, error) {
	d, err := p.Check(ctx, key, increment)
	if err != nil {
		return false, Decision{}, err
	}
	return d.Locked, d, nil
}

// Limiters returns a snapshot of the limiters in evaluation order.
func (p *Policy) Limiters() []*Limiter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Limiter, len(p.limiters))
	copy(out, p.limiters)
	return out
}

func (p *Policy) SetLimiters(limiters ...*Limiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiters = append([]*Limiter(nil), limiters...)
}

func (p *Policy) AddLimiter(l *Limiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiters = append(p.limiters, l)
}

func (p *Policy) PerSecond() (int64, bool) { return p.periodCount(time.Second) }
func (p *Policy) PerMinute() (int64, bool) { return p.periodCount(time.Minute) }
func (p *Policy) PerHour() (int64, bool)   { return p.periodCount(time.Hour) }
func (p *Policy) PerDay() (int64, bool)    { return p.periodCount(day) }

func (p *Policy) SetPerSecond(count int64) { p.setPeriod(time.Second, &count) }
func (p *Policy) SetPerMinute(count int64) { p.setPeriod(time.Minute, &count) }
func (p *Policy) SetPerHour(count int64)   { p.setPeriod(time.Hour, &count) }
func (p *Policy) SetPerDay(count int64)    { p.setPeriod(day, &count) }

func (p *Policy) ClearPerSecond() { p.setPeriod(time.Second, nil) }
func (p *Policy) ClearPerMinute() { p.setPeriod(time.Minute, nil) }
func (p *Policy) ClearPerHour()   { p.setPeriod(time.Hour, nil) }
func (p *Policy) ClearPerDay()    { p.setPeriod(day, nil) }

func (p *Policy) periodCount(period time.Duration) (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i := p.indexOfPeriod(period); i >= 0 {
		return p.limiters[i].Count, true
	}
	return 0, false
}

// setPeriod drops the first limiter with the given period and, when count is
// non-nil, appends a replacement at the end of the list.
func (p *Policy) setPeriod(period time.Duration, count *int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i := p.indexOfPeriod(period); i >= 0 {
		limiters := make([]*Limiter, 0, len(p.limiters))
		limiters = append(limiters, p.limiters[:i]...)
		p.limiters = append(limiters, p.limiters[i+1:]...)
	}
	if count == nil {
		return
	}
	p.limiters = append(p.limiters, NewLimiter().Limit(*count).Over(period))
}

func (p *Policy) indexOfPeriod(period time.Duration) int {
	for i, l := range p.limiters {
		if l.Period == period {
			return i
		}
	}
	return -1
}
