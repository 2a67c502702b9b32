package reconcile

import (
	"time"

	"github.com/okian/geopresence/pkg/logger"
)

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithGraceWindow sets how long a sample-driven change waits for a
// contradicting OS callback. Zero disables debouncing.
func WithGraceWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.grace = d
		}
	}
}

// WithMaxAccuracy sets the worst accepted sample accuracy in meters.
func WithMaxAccuracy(meters float64) Option {
	return func(e *Engine) {
		e.maxAccuracy = meters
	}
}

// WithIdleTTL sets how long an actor for a user in no region may stay idle
// before it is evicted.
func WithIdleTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.idleTTL = d
		}
	}
}

// WithMailboxSize bounds the number of queued inputs per user.
func WithMailboxSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.mailboxSize = n
		}
	}
}

// WithClock overrides the time source handed to state machines.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger sets a custom logger for the engine.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}
