package presence

import (
	"time"

	"github.com/okian/geopresence/pkg/logger"
)

// Option applies a configuration option to the Directory.
type Option func(*Directory)

// WithTTL sets how long fetched memberships are served from cache.
func WithTTL(d time.Duration) Option {
	return func(dir *Directory) {
		if d > 0 {
			dir.ttl = d
		}
	}
}

// WithTimeout bounds each fetch from the group directory.
func WithTimeout(d time.Duration) Option {
	return func(dir *Directory) {
		if d > 0 {
			dir.timeout = d
		}
	}
}

// WithClock overrides the cache clock.
func WithClock(now func() time.Time) Option {
	return func(dir *Directory) {
		if now != nil {
			dir.now = now
		}
	}
}

// WithLogger sets a custom logger for the directory.
func WithLogger(l logger.Logger) Option {
	return func(dir *Directory) {
		if l != nil {
			dir.logger = l
		}
	}
}
