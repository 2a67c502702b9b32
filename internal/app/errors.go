package service

import "errors"

// Sentinel errors returned by the service.
var (
	ErrNoRegionSource = errors.New("no region source configured")
	ErrNotStarted     = errors.New("service not started")
)
