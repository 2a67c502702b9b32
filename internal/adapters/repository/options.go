// Package repository holds the read model of who is currently in which region.
package repository

import "time"

// Option applies a configuration option to the PresenceStore.
type Option func(*PresenceStore)

// WithMetricsUpdateInterval sets the interval for background metrics updates.
func WithMetricsUpdateInterval(interval time.Duration) Option {
	return func(s *PresenceStore) {
		if interval > 0 {
			s.metricsUpdateInterval = interval
		}
	}
}

// WithShards sets the number of lock shards. It is rounded up to a power of two.
func WithShards(n int) Option {
	return func(s *PresenceStore) {
		if n > 0 {
			s.shardCount = n
		}
	}
}
