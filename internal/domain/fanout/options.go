package fanout

import (
	"github.com/okian/geopresence/pkg/logger"
)

// Option applies a configuration option to the Fanout.
type Option func(*Fanout)

// WithLogger sets a custom logger for the fan-out.
func WithLogger(l logger.Logger) Option {
	return func(f *Fanout) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithDisplayNames resolves user ids to names used in peer notifications.
func WithDisplayNames(fn func(userID string) string) Option {
	return func(f *Fanout) {
		if fn != nil {
			f.displayName = fn
		}
	}
}
