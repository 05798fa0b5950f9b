// Package clock provides an injectable wall-clock source for RRSIG
// inception/expiration checks, so tests can pin a fixed instant instead of
// depending on time.Now.
package clock

import "time"

// Clock returns the current time. The zero value is not usable; use Real()
// or a fixed function literal in tests.
type Clock func() time.Time

// Real is the production clock.
func Real() Clock {
	return time.Now
}

// Fixed returns a Clock that always reports t, for deterministic tests of
// RRSIG validity-period checks.
func Fixed(t time.Time) Clock {
	return func() time.Time {
		return t
	}
}
