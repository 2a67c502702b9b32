// Package presence answers "who else should hear that this user arrived".
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/pkg/logger"
	"github.com/okian/geopresence/pkg/metrics"
	"github.com/okian/geopresence/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTTL     = 30 * time.Second
	defaultTimeout = 500 * time.Millisecond
)

// GroupDirectory is the membership authority.
type GroupDirectory interface {
	GetGroup(ctx context.Context, groupID string) (model.Group, error)
	GetGroupsForUser(ctx context.Context, userID string) ([]string, error)
}

// Locator reports a user's committed region.
type Locator interface {
	RegionOf(ctx context.Context, userID string) (string, bool)
}

type entry struct {
	ids     []string
	expires time.Time
}

// ttlCache maps a key to a list of ids.
type ttlCache struct {
	mu sync.RWMutex
	m  map[string]entry
}

func (c *ttlCache) get(key string) (entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.m[key]
	return e, ok
}

func (c *ttlCache) put(key string, e entry) {
	c.mu.Lock()
	c.m[key] = e
	c.mu.Unlock()
}

func (c *ttlCache) drop(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

// Directory is a read-through cache over a GroupDirectory. Lookups never
// fail: on error or timeout the last cached value is served, or nothing.
type Directory struct {
	groups  GroupDirectory
	locator Locator

	userGroups   ttlCache
	groupMembers ttlCache
	flight       singleflight.Group

	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time

	tracer trace.Tracer
	logger logger.Logger
}

// NewDirectory creates a Directory.
func NewDirectory(groups GroupDirectory, locator Locator, opts ...Option) *Directory {
	d := &Directory{
		groups:       groups,
		locator:      locator,
		userGroups:   ttlCache{m: make(map[string]entry)},
		groupMembers: ttlCache{m: make(map[string]entry)},
		ttl:          defaultTTL,
		timeout:      defaultTimeout,
		now:          time.Now,
		tracer:       tracing.Tracer("presence"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = logger.Get().Named("presence")
	}
	return d
}

// GroupsOf returns the ids of the groups userID belongs to.
func (d *Directory) GroupsOf(ctx context.Context, userID string) []string {
	return d.lookup(ctx, "user_groups", &d.userGroups, userID, func(ctx context.Context) ([]string, error) {
		return d.groups.GetGroupsForUser(ctx, userID)
	})
}

// MembersOf returns the member ids of groupID.
func (d *Directory) MembersOf(ctx context.Context, groupID string) []string {
	return d.lookup(ctx, "group_members", &d.groupMembers, groupID, func(ctx context.Context) ([]string, error) {
		g, err := d.groups.GetGroup(ctx, groupID)
		if err != nil {
			return nil, err
		}
		return g.MemberIDs, nil
	})
}

// Invalidate drops the cached groups of userID.
func (d *Directory) Invalidate(userID string) {
	d.userGroups.drop(userID)
}

// InvalidateGroup drops the cached members of groupID.
func (d *Directory) InvalidateGroup(groupID string) {
	d.groupMembers.drop(groupID)
}

// RecipientsFor returns the users who share a group with ev.UserID and are
// already in ev.RegionID, sorted by id. Exit transitions have no recipients.
func (d *Directory) RecipientsFor(ctx context.Context, ev model.TransitionEvent) []string {
	if ev.Kind != model.Enter || ev.RegionID == "" {
		return nil
	}
	ctx, span := d.tracer.Start(ctx, "presence.RecipientsFor", trace.WithAttributes(
		attribute.String("user_id", ev.UserID),
		attribute.String("region_id", ev.RegionID),
	))
	defer span.End()

	seen := map[string]struct{}{ev.UserID: {}}
	var out []string
	for _, gid := range d.GroupsOf(ctx, ev.UserID) {
		for _, member := range d.MembersOf(ctx, gid) {
			if _, dup := seen[member]; dup {
				continue
			}
			seen[member] = struct{}{}
			if region, ok := d.locator.RegionOf(ctx, member); ok && region == ev.RegionID {
				out = append(out, member)
			}
		}
	}
	sort.Strings(out)
	span.SetAttributes(attribute.Int("recipients", len(out)))
	return out
}

func (d *Directory) lookup(ctx context.Context, kind string, c *ttlCache, key string, fetch func(context.Context) ([]string, error)) []string {
	cached, ok := c.get(key)
	if ok && d.now().Before(cached.expires) {
		metrics.RecordDirectoryLookup(kind, "hit")
		return cached.ids
	}

	v, err, _ := d.flight.Do(kind+"/"+key, func() (any, error) {
		// Shared by every waiter, so it must not inherit one caller's cancellation.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		start := time.Now()
		ids, err := fetch(fctx)
		metrics.RecordDirectoryLatency(float64(time.Since(start).Microseconds()) / 1000)
		if err != nil {
			return nil, err
		}
		ids = append([]string(nil), ids...)
		c.put(key, entry{ids: ids, expires: d.now().Add(d.ttl)})
		return ids, nil
	})
	if err == nil {
		metrics.RecordDirectoryLookup(kind, "miss")
		return v.([]string)
	}

	if ok {
		metrics.RecordDirectoryLookup(kind, "stale")
		d.logger.Warn(ctx, "group directory lookup failed; serving stale entry",
			logger.String("kind", kind), logger.String("key", key), logger.Error(err))
		return cached.ids
	}
	metrics.RecordDirectoryLookup(kind, "error")
	d.logger.Warn(ctx, "group directory lookup failed",
		logger.String("kind", kind), logger.String("key", key), logger.Error(err))
	return nil
}
