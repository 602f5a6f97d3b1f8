package rate_limiter

import (
	"errors"
	"fmt"
)

// ErrNilKeyValues is returned by Policy.Check for the zero Key, which was
// never built with NewKey.
var ErrNilKeyValues = errors.New("throttle key values must not be nil")

// Key is the ordered identity a limiter counts under, e.g. ("login", "10.0.0.1").
// Order is significant: ("a", "b") and ("b", "a") are different keys.
type Key struct {
	values []string
}

// NewKey builds a Key from opaque identity values, rendered with fmt.Sprint.
// NewKey() yields an empty key that counts only under the store's policy
// identity values.
func NewKey(values ...interface{}) Key {
	k := Key{values: make([]string, len(values))}
	for i, v := range values {
		k.values[i] = fmt.Sprint(v)
	}
	return k
}

// Values returns a copy of the key's segments.
func (k Key) Values() []string {
	if k.values == nil {
		return nil
	}
	out := make([]string, len(k.values))
	copy(out, k.values)
	return out
}

func (k Key) valid() bool {
	return k.values != nil
}
