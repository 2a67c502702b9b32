// Package region holds the registry of monitored geofences.
//
// The region set is an immutable Snapshot published through an atomic
// pointer. Readers never lock and never observe a half-applied reload.
package region

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/geopresence/internal/domain/geo"
	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/pkg/logger"
	"github.com/okian/geopresence/pkg/metrics"
)

// Source supplies the full region list, e.g. from a bundled file.
type Source interface {
	GetRegions(ctx context.Context) ([]model.Region, error)
}

// Diff describes what a Replace changed, by region id.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether the replace was a no-op.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Snapshot is an immutable view of the region set.
type Snapshot struct {
	version  uint64
	loadedAt time.Time
	regions  []model.Region // sorted by id
	byID     map[string]int
}

// Resolution is the outcome of testing a point against every region.
type Resolution struct {
	// Inside lists containing region ids ordered by distance to centre, closest first.
	Inside []string
	// Closest is Inside[0], or empty when the point is in no region.
	Closest string
}

// Contains reports whether id is one of the containing regions.
func (r Resolution) Contains(id string) bool {
	for _, in := range r.Inside {
		if in == id {
			return true
		}
	}
	return false
}

// Version is incremented on every effective replace.
func (s *Snapshot) Version() uint64 { return s.version }

// LoadedAt is when the snapshot was published.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Len returns the number of regions.
func (s *Snapshot) Len() int { return len(s.regions) }

// Get returns the region with the given id.
func (s *Snapshot) Get(id string) (model.Region, bool) {
	i, ok := s.byID[id]
	if !ok {
		return model.Region{}, false
	}
	return s.regions[i], true
}

// Has reports whether id is present.
func (s *Snapshot) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// List returns a copy of the regions ordered by id.
func (s *Snapshot) List() []model.Region {
	out := make([]model.Region, len(s.regions))
	copy(out, s.regions)
	return out
}

// Resolve tests p against every region. Overlaps resolve to the region whose
// centre is closest; equal distances fall back to the lower id.
func (s *Snapshot) Resolve(p geo.Point) Resolution {
	type hit struct {
		id   string
		dist float64
	}
	var hits []hit
	for _, r := range s.regions {
		d := geo.DistanceMeters(r.Center, p)
		if d <= r.RadiusMeters {
			hits = append(hits, hit{id: r.ID, dist: d})
		}
	}
	if len(hits) == 0 {
		return Resolution{}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].id < hits[j].id
	})
	res := Resolution{Inside: make([]string, len(hits))}
	for i, h := range hits {
		res.Inside[i] = h.id
	}
	res.Closest = res.Inside[0]
	return res
}

// Store owns the current region snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]
	writeMu sync.Mutex // serialises writers only

	now    func() time.Time
	logger logger.Logger
}

// New creates a Store holding an empty snapshot.
func New(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("regions")
	}
	s.current.Store(&Snapshot{byID: map[string]int{}, loadedAt: s.now()})
	return s
}

// Snapshot returns the current immutable snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Replace validates regions and atomically swaps them in.
func (s *Store) Replace(ctx context.Context, regions []model.Region) (Diff, error) {
	next, err := build(regions)
	if err != nil {
		metrics.RecordRegionReload("invalid")
		return Diff{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.current.Load()
	diff := diffSnapshots(prev, next)
	if diff.Empty() && prev.version > 0 {
		metrics.RecordRegionReload("unchanged")
		return diff, nil
	}

	next.version = prev.version + 1
	next.loadedAt = s.now()
	s.current.Store(next)

	metrics.UpdateRegionCount(next.Len())
	metrics.RecordRegionReload("ok")
	s.logger.Info(ctx, "region set replaced",
		logger.Int("regions", next.Len()),
		logger.Int("added", len(diff.Added)),
		logger.Int("removed", len(diff.Removed)),
		logger.Int("changed", len(diff.Changed)),
		logger.Any("version", next.version),
	)
	return diff, nil
}

// Reload fetches the region list from src and replaces the current set.
// On failure the current snapshot is kept.
func (s *Store) Reload(ctx context.Context, src Source) (Diff, error) {
	regions, err := src.GetRegions(ctx)
	if err != nil {
		metrics.RecordRegionReload("source_error")
		s.logger.Warn(ctx, "region source failed; keeping current set", logger.Error(err))
		return Diff{}, fmt.Errorf("%w: %w", ErrSource, err)
	}
	return s.Replace(ctx, regions)
}

func build(regions []model.Region) (*Snapshot, error) {
	sorted := make([]model.Region, len(regions))
	copy(sorted, regions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	byID := make(map[string]int, len(sorted))
	for i, r := range sorted {
		if err := validate(r); err != nil {
			return nil, err
		}
		if _, dup := byID[r.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRegion, r.ID)
		}
		byID[r.ID] = i
	}
	return &Snapshot{regions: sorted, byID: byID}, nil
}

func validate(r model.Region) error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return fmt.Errorf("%w: missing id", ErrInvalidRegion)
	case !r.Center.Valid():
		return fmt.Errorf("%w: %q has invalid center", ErrInvalidRegion, r.ID)
	case !(r.RadiusMeters > 0):
		return fmt.Errorf("%w: %q radius must be positive", ErrInvalidRegion, r.ID)
	}
	return nil
}

func diffSnapshots(prev, next *Snapshot) Diff {
	var d Diff
	for _, r := range next.regions {
		old, ok := prev.Get(r.ID)
		switch {
		case !ok:
			d.Added = append(d.Added, r.ID)
		case old != r:
			d.Changed = append(d.Changed, r.ID)
		}
	}
	for _, r := range prev.regions {
		if !next.Has(r.ID) {
			d.Removed = append(d.Removed, r.ID)
		}
	}
	return d
}
