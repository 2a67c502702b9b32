package repository

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/geopresence/pkg/metrics"
)

const (
	defaultShardCount            = 64
	defaultMetricsUpdateInterval = 5 * time.Second
)

type shard struct {
	mu       sync.RWMutex
	byUser   map[string]Occupancy
	byRegion map[string]map[string]time.Time
}

// removeFromRegion must be called with mu held.
func (sh *shard) removeFromRegion(regionID, userID string) {
	users := sh.byRegion[regionID]
	delete(users, userID)
	if len(users) == 0 {
		delete(sh.byRegion, regionID)
	}
}

// PresenceStore is a sharded in-memory Store. Each shard indexes its users
// both by id and by region, so writes only ever lock the mover's shard.
type PresenceStore struct {
	shards     []*shard
	shardCount int
	mask       uint32

	count atomic.Int64

	metricsUpdateInterval time.Duration
	stop                  chan struct{}
	stopOnce              sync.Once
}

// NewPresenceStore creates an empty store and starts its metrics updater.
func NewPresenceStore(ctx context.Context, opts ...Option) *PresenceStore {
	s := &PresenceStore{
		shardCount:            defaultShardCount,
		metricsUpdateInterval: defaultMetricsUpdateInterval,
		stop:                  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	n := 1
	for n < s.shardCount {
		n <<= 1
	}
	s.shardCount = n
	s.mask = uint32(n - 1) //nolint:gosec // n is a small power of two
	s.shards = make([]*shard, n)
	for i := range s.shards {
		s.shards[i] = &shard{
			byUser:   make(map[string]Occupancy),
			byRegion: make(map[string]map[string]time.Time),
		}
	}

	go s.metricsLoop(ctx)
	return s
}

// Close stops the background metrics updater.
func (s *PresenceStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *PresenceStore) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return s.shards[h.Sum32()&s.mask]
}

// Enter implements Store.
func (s *PresenceStore) Enter(_ context.Context, userID, regionID string, at time.Time) error {
	if regionID == "" {
		return ErrInvalidRegion
	}
	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev, had := sh.byUser[userID]
	sh.byUser[userID] = Occupancy{UserID: userID, RegionID: regionID, EnteredAt: at}
	if had {
		sh.removeFromRegion(prev.RegionID, userID)
	}
	users := sh.byRegion[regionID]
	if users == nil {
		users = make(map[string]time.Time)
		sh.byRegion[regionID] = users
	}
	users[userID] = at

	if !had {
		s.count.Add(1)
	}
	return nil
}

// Exit implements Store.
func (s *PresenceStore) Exit(_ context.Context, userID, regionID string) bool {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	prev, ok := sh.byUser[userID]
	if !ok || prev.RegionID != regionID {
		return false
	}
	delete(sh.byUser, userID)
	sh.removeFromRegion(regionID, userID)

	s.count.Add(-1)
	return true
}

// Current implements Store.
func (s *PresenceStore) Current(_ context.Context, userID string) (Occupancy, error) {
	sh := s.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	occ, ok := sh.byUser[userID]
	if !ok {
		return Occupancy{}, ErrNotFound
	}
	return occ, nil
}

// RegionOf returns the user's committed region id.
func (s *PresenceStore) RegionOf(_ context.Context, userID string) (string, bool) {
	sh := s.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	occ, ok := sh.byUser[userID]
	return occ.RegionID, ok
}

// Occupants implements Store.
func (s *PresenceStore) Occupants(_ context.Context, regionID string) []Occupancy {
	var out []Occupancy
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id, at := range sh.byRegion[regionID] {
			out = append(out, Occupancy{UserID: id, RegionID: regionID, EnteredAt: at})
		}
		sh.mu.RUnlock()
	}
	if out == nil {
		return []Occupancy{}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// RegionCounts returns the number of occupants per occupied region.
func (s *PresenceStore) RegionCounts(_ context.Context) map[string]int {
	out := make(map[string]int)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for id, users := range sh.byRegion {
			out[id] += len(users)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Count implements Store.
func (s *PresenceStore) Count(_ context.Context) int {
	return int(s.count.Load())
}

func (s *PresenceStore) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(s.metricsUpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			metrics.UpdateOccupiedUsers(s.Count(ctx))
		}
	}
}
