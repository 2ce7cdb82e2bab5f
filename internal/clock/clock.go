// Package clock provides the time and identity primitives the rest of the
// module builds on: wall-clock reads, monotonic-safe durations, and fresh
// random identifiers for sensors, sessions, and observers.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock time so tests can inject a fake. Production
// code uses Real.
type Clock interface {
	// Now returns the current time. The returned time.Time carries Go's
	// built-in monotonic reading, so Sub/Since on two Now() results is
	// immune to wall-clock adjustments — no separate monotonic source is
	// needed.
	Now() time.Time
}

// Real is the production Clock backed by time.Now.
type Real struct{}

// Now implements Clock.
func (Real) Now() time.Time { return time.Now() }

// NowWallMS returns the current wall-clock time in epoch milliseconds,
// the unit Measurement.timestamp_ms is expressed in.
func NowWallMS(c Clock) int64 {
	return c.Now().UnixMilli()
}

// FreshID returns a fresh 128-bit identifier rendered as a URL-safe
// string (UUID v4's canonical hyphenated form, which contains only
// [0-9a-f-] and is already URL-safe).
func FreshID() string {
	return uuid.New().String()
}
