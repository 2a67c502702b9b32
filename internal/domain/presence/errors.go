package presence

import "errors"

// ErrGroupNotFound is returned by GroupDirectory implementations for unknown groups.
var ErrGroupNotFound = errors.New("group not found")
