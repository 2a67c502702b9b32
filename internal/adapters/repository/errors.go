package repository

import "errors"

// Sentinel kinds for presence store errors.
var (
	ErrNotFound      = errors.New("user not in any region")
	ErrInvalidRegion = errors.New("invalid region id")
)
