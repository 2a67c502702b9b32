package api

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	sweepEvery        = 1024
	limiterShardCount = 32
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterShard struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
}

// userLimiter hands out one token bucket per user id. Buckets are sharded by
// user so unrelated users never wait on the same lock.
type userLimiter struct {
	limit  rate.Limit
	burst  int
	ttl    time.Duration
	now    func() time.Time
	shards [limiterShardCount]limiterShard
	calls  atomic.Uint64
}

func newUserLimiter(perSecond float64, burst int, ttl time.Duration) *userLimiter {
	l := &userLimiter{
		limit: rate.Limit(perSecond),
		burst: burst,
		ttl:   ttl,
		now:   time.Now,
	}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*limiterEntry)
	}
	return l
}

func (l *userLimiter) shardFor(userID string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &l.shards[h.Sum32()%limiterShardCount]
}

// Allow reports whether userID may make one more request now.
func (l *userLimiter) Allow(userID string) bool {
	now := l.now()
	if l.calls.Add(1)%sweepEvery == 0 {
		l.sweep(now)
	}

	sh := l.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.entries[userID]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		sh.entries[userID] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// sweep drops buckets idle for longer than the ttl, one shard at a time.
func (l *userLimiter) sweep(now time.Time) {
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for id, e := range sh.entries {
			if now.Sub(e.lastSeen) > l.ttl {
				delete(sh.entries, id)
			}
		}
		sh.mu.Unlock()
	}
}

func (l *userLimiter) size() int {
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
