package service

import (
	"time"

	"github.com/okian/geopresence/internal/adapters/sink"
	"github.com/okian/geopresence/internal/domain/fanout"
	"github.com/okian/geopresence/internal/domain/presence"
	"github.com/okian/geopresence/internal/domain/region"
	"github.com/okian/geopresence/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithRegionSource sets where the region set is loaded from.
func WithRegionSource(src region.Source) Option {
	return func(s *Service) {
		s.regionSource = src
	}
}

// WithGroupDirectory sets the group membership authority.
func WithGroupDirectory(g presence.GroupDirectory) Option {
	return func(s *Service) {
		if g != nil {
			s.groups = g
		}
	}
}

// WithNotifier sets the notification sink used by the fan-out.
func WithNotifier(n fanout.NotificationSink) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithPublisher sets the transition publisher.
func WithPublisher(p sink.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithAreaLookup sets where presence is read from for users the running
// process has not seen, such as after a restart.
func WithAreaLookup(l AreaLookup) Option {
	return func(s *Service) {
		s.areas = l
	}
}

// WithDisplayNames sets how user ids are rendered in peer notifications.
func WithDisplayNames(fn func(userID string) string) Option {
	return func(s *Service) {
		s.displayName = fn
	}
}

// WithGraceWindow sets the debounce window for sample-driven changes.
func WithGraceWindow(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.graceWindow = d
		}
	}
}

// WithMaxAccuracy sets the worst sample accuracy still accepted, in meters.
func WithMaxAccuracy(meters float64) Option {
	return func(s *Service) {
		if meters > 0 {
			s.maxAccuracy = meters
		}
	}
}

// WithUserIdleTTL sets how long an idle user's reconciler is kept.
func WithUserIdleTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.userIdleTTL = d
		}
	}
}

// WithMailboxSize sets the per-user input queue capacity.
func WithMailboxSize(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.mailboxSize = n
		}
	}
}

// WithWorkerCount sets the number of fan-out workers.
func WithWorkerCount(count int) Option {
	return func(s *Service) {
		if count > 0 {
			s.workerCount = count
		}
	}
}

// WithQueueSize sets the per-worker queue capacity.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets the size of the callback id cache.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithDirectoryCache sets the membership cache ttl and the per-lookup timeout.
func WithDirectoryCache(ttl, timeout time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.directoryTTL = ttl
		}
		if timeout > 0 {
			s.directoryTimeout = timeout
		}
	}
}

// WithRegionReloadInterval sets how often the region source is polled.
// Zero disables periodic reloads.
func WithRegionReloadInterval(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.reloadInterval = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}
