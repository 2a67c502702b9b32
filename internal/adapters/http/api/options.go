package api

import (
	"time"

	"github.com/okian/geopresence/pkg/logger"
)

// Option configures a Server.
type Option func(*Server)

// WithRateLimit sets the per-user ingestion rate in requests per second and
// the burst allowed on top of it. A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.ratePerSecond = perSecond
		if burst > 0 {
			s.rateBurst = burst
		}
	}
}

// WithLimiterIdleTTL sets how long an unused per-user limiter is kept.
func WithLimiterIdleTTL(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.limiterTTL = d
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}
