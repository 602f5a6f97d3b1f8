package rate_limiter

import "time"

// Decision is the outcome of one Policy.Check.
type Decision struct {
	Throttled bool
	Locked    bool

	// Limiter is the rule that produced the decision, nil when nothing fired.
	Limiter *Limiter

	ThrottleKey string
	LockKey     string
}

// NotThrottled is the decision returned when no limiter fires.
func NotThrottled() Decision {
	return Decision{}
}

// Blocked reports whether the caller should reject the action.
func (d Decision) Blocked() bool {
	return d.Throttled || d.Locked
}

// RetryAfter is the lock duration for a locked decision, the limiter period
// for a throttled one and zero otherwise.
func (d Decision) RetryAfter() time.Duration {
	if d.Limiter == nil {
		return 0
	}
	switch {
	case d.Locked:
		return d.Limiter.LockDuration
	case d.Throttled:
		return d.Limiter.Period
	}
	return 0
}
