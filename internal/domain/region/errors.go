package region

import "errors"

// Sentinel error kinds for this package.
var (
	ErrInvalidRegion   = errors.New("invalid region")
	ErrDuplicateRegion = errors.New("duplicate region id")
	ErrSource          = errors.New("region source failed")
)
