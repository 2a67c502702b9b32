package reconcile

import "errors"

// Sentinel error kinds for this package. These allow errors.Is/As from callers.
var (
	ErrRejected     = errors.New("input rejected")
	ErrBackpressure = errors.New("user mailbox full")
	ErrStopped      = errors.New("reconciler stopped")
)
