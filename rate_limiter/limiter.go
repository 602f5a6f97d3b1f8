package rate_limiter

import (
	"fmt"
	"time"
)

// Limiter is one fixed-window rule: at most Count actions per Period.
// When LockDuration is non-zero, breaching the rule locks the key out for
// that long instead of just throttling the current window.
type Limiter struct {
	Count        int64
	Period       time.Duration
	LockDuration time.Duration
}

// NewLimiter returns an empty limiter to be filled in with the builder methods:
//
//	NewLimiter().Limit(5).Over(time.Minute).LockFor(time.Hour)
func NewLimiter() *Limiter {
	return &Limiter{}
}

// Limit sets the number of allowed actions per period.
func (l *Limiter) Limit(count int64) *Limiter {
	l.Count = count
	return l
}

// Over sets the window length.
func (l *Limiter) Over(period time.Duration) *Limiter {
	l.Period = period
	return l
}

func (l *Limiter) OverSeconds(seconds int64) *Limiter {
	return l.Over(time.Duration(seconds) * time.Second)
}

// LockFor sets the lockout applied once the limiter is breached.
func (l *Limiter) LockFor(d time.Duration) *Limiter {
	l.LockDuration = d
	return l
}

func (l *Limiter) LockForSeconds(seconds int64) *Limiter {
	return l.LockFor(time.Duration(seconds) * time.Second)
}

func (l *Limiter) PerSecond(count int64) *Limiter {
	return l.Limit(count).Over(time.Second)
}

func (l *Limiter) PerMinute(count int64) *Limiter {
	return l.Limit(count).Over(time.Minute)
}

func (l *Limiter) PerHour(count int64) *Limiter {
	return l.Limit(count).Over(time.Hour)
}

func (l *Limiter) PerDay(count int64) *Limiter {
	return l.Limit(count).Over(24 * time.Hour)
}

// HasLock reports whether breaching the limiter escalates to a lockout.
func (l *Limiter) HasLock() bool {
	return l.LockDuration > 0
}

func (l *Limiter) String() string {
	if l.HasLock() {
		return fmt.Sprintf("%d per %s, lock for %s", l.Count, l.Period, l.LockDuration)
	}
	return fmt.Sprintf("%d per %s", l.Count, l.Period)
}
