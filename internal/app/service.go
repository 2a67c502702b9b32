// Package service wires the reconciler, the presence read model and the
// fan-out pipeline, and implements the dependencies required by the HTTP API.
package service

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/okian/geopresence/internal/adapters/mq/worker"
	"github.com/okian/geopresence/internal/adapters/repository"
	"github.com/okian/geopresence/internal/adapters/sink"
	"github.com/okian/geopresence/internal/domain/dedupe"
	"github.com/okian/geopresence/internal/domain/fanout"
	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/internal/domain/presence"
	"github.com/okian/geopresence/internal/domain/reconcile"
	"github.com/okian/geopresence/internal/domain/region"
	"github.com/okian/geopresence/internal/domain/types"
	"github.com/okian/geopresence/pkg/logger"
	"github.com/okian/geopresence/pkg/metrics"
)

const (
	shutdownTimeout      = 10 * time.Second
	inlineProcessTimeout = 5 * time.Second
)

// noGroups is the directory used when none is configured.
type noGroups struct{}

func (noGroups) GetGroup(context.Context, string) (model.Group, error) {
	return model.Group{}, presence.ErrGroupNotFound
}

func (noGroups) GetGroupsForUser(context.Context, string) ([]string, error) {
	return nil, nil
}

// AreaLookup reads the last known area recorded by a durable transition sink.
type AreaLookup interface {
	LastKnownArea(ctx context.Context, userID string) (model.Area, bool, error)
}

// Service implements the API dependencies for the presence system.
type Service struct {
	mu sync.RWMutex

	// Collaborators
	regionSource region.Source
	groups       presence.GroupDirectory
	notifier     fanout.NotificationSink
	publisher    sink.Publisher
	areas        AreaLookup
	displayName  func(userID string) string

	// Core components
	regions   *region.Store
	engine    *reconcile.Engine
	occupancy *repository.PresenceStore
	directory *presence.Directory
	fanout    *fanout.Fanout
	pool      *worker.Pool
	deduper   dedupe.Deduper

	// Configuration
	graceWindow      time.Duration
	maxAccuracy      float64
	userIdleTTL      time.Duration
	mailboxSize      int
	workerCount      int
	queueSize        int
	dedupeSize       int
	directoryTTL     time.Duration
	directoryTimeout time.Duration
	reloadInterval   time.Duration
	now              func() time.Time

	// State
	started bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup

	logger logger.Logger
}

// New constructs a new Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		groups:           noGroups{},
		graceWindow:      5 * time.Second,
		maxAccuracy:      100,
		userIdleTTL:      10 * time.Minute,
		mailboxSize:      256,
		workerCount:      runtime.NumCPU() * 2,
		queueSize:        4096,
		dedupeSize:       100000,
		directoryTTL:     30 * time.Second,
		directoryTimeout: 500 * time.Millisecond,
		reloadInterval:   time.Minute,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start loads the region set and starts every component. The context bounds
// the lifetime of background loops.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.regionSource == nil {
		return ErrNoRegionSource
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	if s.notifier == nil {
		s.notifier = sink.NewLogNotifier(nil)
	}
	if s.publisher == nil {
		s.publisher = sink.NewLogPublisher(nil)
	}

	s.logger.Info(ctx, "starting presence service...")

	s.regions = region.New(region.WithLogger(s.logger.Named("regions")), region.WithClock(s.now))
	if _, err := s.regions.Reload(ctx, s.regionSource); err != nil {
		return fmt.Errorf("initial region load: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.occupancy = repository.NewPresenceStore(runCtx)
	s.directory = presence.NewDirectory(s.groups, s.occupancy,
		presence.WithTTL(s.directoryTTL),
		presence.WithTimeout(s.directoryTimeout),
		presence.WithClock(s.now),
		presence.WithLogger(s.logger.Named("presence")),
	)
	fanoutOpts := []fanout.Option{fanout.WithLogger(s.logger.Named("fanout"))}
	if s.displayName != nil {
		fanoutOpts = append(fanoutOpts, fanout.WithDisplayNames(s.displayName))
	}
	s.fanout = fanout.New(s.notifier, s.regions, fanoutOpts...)

	s.pool = worker.NewPool(s.workerCount, s.queueSize, worker.ProcessorFunc(s.process),
		worker.WithPoolLogger(s.logger.Named("workers")))
	s.pool.Start(runCtx)

	s.engine = reconcile.NewEngine(s.regions, reconcile.HandlerFunc(s.onTransition),
		reconcile.WithGraceWindow(s.graceWindow),
		reconcile.WithMaxAccuracy(s.maxAccuracy),
		reconcile.WithIdleTTL(s.userIdleTTL),
		reconcile.WithMailboxSize(s.mailboxSize),
		reconcile.WithClock(s.now),
		reconcile.WithLogger(s.logger.Named("reconciler")),
	)
	s.engine.Start(runCtx)

	if s.reloadInterval > 0 {
		s.loops.Add(1)
		go s.reloadLoop(runCtx)
	}

	s.started = true
	s.logger.Info(ctx, "presence service started",
		logger.Int("regions", s.regions.Snapshot().Len()),
		logger.Int("workers", s.workerCount),
		logger.Int("queueSize", s.queueSize),
		logger.Duration("graceWindow", s.graceWindow),
	)
	return nil
}

// Stop drains the reconciler, then the fan-out workers.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	ctx := context.Background()
	s.logger.Info(ctx, "stopping presence service...")

	s.engine.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.pool.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn(ctx, "worker pool did not drain", logger.Error(err))
	}

	s.cancel()
	s.loops.Wait()
	s.occupancy.Close()

	s.started = false
	s.logger.Info(ctx, "presence service stopped")
}

// onTransition runs on the user's reconciler goroutine. The read model is
// updated before the event is queued so fan-out sees it.
func (s *Service) onTransition(ctx context.Context, ev model.TransitionEvent) {
	switch ev.Kind {
	case model.Enter:
		if err := s.occupancy.Enter(ctx, ev.UserID, ev.RegionID, ev.OccurredAt); err != nil {
			s.logger.Error(ctx, "presence store rejected enter",
				logger.String("user_id", ev.UserID), logger.Error(err))
		}
	case model.Exit:
		s.occupancy.Exit(ctx, ev.UserID, ev.RegionID)
	}

	// Waiting here pushes backpressure onto the user's mailbox.
	err := s.pool.SubmitWait(ctx, ev)
	if err == nil {
		return
	}
	s.logger.Warn(ctx, "worker pool unavailable; processing transition inline",
		logger.String("transition_id", ev.ID),
		logger.String("user_id", ev.UserID),
		logger.Error(err),
	)
	inlineCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inlineProcessTimeout)
	defer cancel()
	if err := s.process(inlineCtx, ev); err != nil {
		s.logger.Error(ctx, "error processing transition",
			logger.String("transition_id", ev.ID),
			logger.Error(err),
		)
	}
}

// process publishes a transition and notifies the mover and their peers.
func (s *Service) process(ctx context.Context, ev model.TransitionEvent) error {
	pubErr := s.publisher.Publish(ctx, ev)

	recipients := s.directory.RecipientsFor(ctx, ev)
	report := s.fanout.Dispatch(ctx, ev, recipients)
	if len(report.Failed) > 0 {
		s.logger.Debug(ctx, "some notifications failed",
			logger.String("transition_id", ev.ID),
			logger.Any("failed", report.Failed),
		)
	}
	return pubErr
}

func (s *Service) reloadLoop(ctx context.Context) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.reloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.reload(ctx)
		}
	}
}

func (s *Service) reload(ctx context.Context) (region.Diff, error) {
	diff, err := s.regions.Reload(ctx, s.regionSource)
	if err != nil {
		return diff, err
	}
	if !diff.Empty() {
		s.engine.RegionsChanged()
	}
	return diff, nil
}

func (s *Service) running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// SeenAndRecord atomically checks if a callback id was seen and records it if not.
func (s *Service) SeenAndRecord(ctx context.Context, id string) bool {
	if !s.running() {
		return false
	}
	seen := s.deduper.SeenAndRecord(ctx, id)
	if seen {
		s.logger.Debug(ctx, "duplicate region callback", logger.String("event_id", id))
	}
	return seen
}

// Unrecord removes a callback id so the client can redeliver it.
func (s *Service) Unrecord(ctx context.Context, id string) {
	if s.running() {
		s.deduper.Unrecord(ctx, id)
	}
}

// Size returns the current number of entries in the deduper.
func (s *Service) Size() int64 {
	if !s.running() {
		return 0
	}
	return s.deduper.Size()
}

// SubmitSample forwards a location sample to the reconciler.
func (s *Service) SubmitSample(ctx context.Context, sample model.LocationSample) error {
	if !s.running() {
		return reconcile.ErrStopped
	}
	return s.engine.SubmitSample(ctx, sample)
}

// SubmitEvent forwards an OS region callback to the reconciler.
func (s *Service) SubmitEvent(ctx context.Context, ev model.RegionEvent) error {
	if !s.running() {
		return reconcile.ErrStopped
	}
	return s.engine.SubmitEvent(ctx, ev)
}

// EndSession discards queued input and the pending candidate for userID.
func (s *Service) EndSession(ctx context.Context, userID string) bool {
	if !s.running() {
		return false
	}
	return s.engine.EndSession(ctx, userID)
}

// Presence returns the reconciled presence of userID. Users with no live
// reconciler are answered from the read model.
func (s *Service) Presence(ctx context.Context, userID string) (types.Presence, bool) {
	if !s.running() {
		return types.Presence{}, false
	}
	snap := s.regions.Snapshot()
	if st, ok := s.engine.State(userID); ok {
		return types.NewPresence(st, snap), true
	}
	occ, err := s.occupancy.Current(ctx, userID)
	if err == nil {
		return types.NewPresence(model.UserPresenceState{
			UserID:          occ.UserID,
			CurrentRegionID: occ.RegionID,
			LastConfirmedAt: occ.EnteredAt,
		}, snap), true
	}
	return s.lastKnown(ctx, userID, snap)
}

func (s *Service) lastKnown(ctx context.Context, userID string, snap *region.Snapshot) (types.Presence, bool) {
	if s.areas == nil {
		return types.Presence{}, false
	}
	area, ok, err := s.areas.LastKnownArea(ctx, userID)
	if err != nil {
		s.logger.Warn(ctx, "last known area lookup failed",
			logger.String("user_id", userID), logger.Error(err))
		return types.Presence{}, false
	}
	if !ok {
		return types.Presence{}, false
	}
	// A region removed since the area was recorded no longer places the user.
	if area.RegionID != "" && !snap.Has(area.RegionID) {
		area.RegionID = ""
	}
	p := types.NewPresence(model.UserPresenceState{
		UserID:          userID,
		CurrentRegionID: area.RegionID,
		LastConfirmedAt: area.UpdatedAt,
	}, snap)
	p.LastKnown = true
	return p, true
}

// GroupsChanged drops cached membership for the given groups and their
// members so the next lookup reads the directory again.
func (s *Service) GroupsChanged(groups ...model.Group) {
	if !s.running() {
		return
	}
	for _, g := range groups {
		s.directory.InvalidateGroup(g.ID)
		for _, m := range g.MemberIDs {
			s.directory.Invalidate(m)
		}
	}
}

// Regions lists the monitored regions with occupant counts.
func (s *Service) Regions(ctx context.Context) []types.Region {
	if !s.running() {
		return []types.Region{}
	}
	return types.NewRegions(s.regions.Snapshot(), s.occupancy.RegionCounts(ctx))
}

// Occupants lists the users inside regionID.
func (s *Service) Occupants(ctx context.Context, regionID string) ([]types.Occupant, bool) {
	if !s.running() || !s.regions.Snapshot().Has(regionID) {
		return nil, false
	}
	occ := s.occupancy.Occupants(ctx, regionID)
	out := make([]types.Occupant, 0, len(occ))
	for _, o := range occ {
		out = append(out, types.Occupant{UserID: o.UserID, Since: o.EnteredAt})
	}
	return out, true
}

// ReloadRegions reloads the region set now.
func (s *Service) ReloadRegions(ctx context.Context) (region.Diff, error) {
	if !s.running() {
		return region.Diff{}, ErrNotStarted
	}
	return s.reload(ctx)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]any{
		"started":     s.started,
		"workerCount": s.workerCount,
		"queueSize":   s.queueSize,
		"dedupeSize":  s.dedupeSize,
		"graceWindow": s.graceWindow.String(),
	}

	if s.started {
		snap := s.regions.Snapshot()
		stats["regions"] = snap.Len()
		stats["regionVersion"] = snap.Version()
		stats["activeUsers"] = s.engine.ActiveUsers()
		stats["occupiedUsers"] = s.occupancy.Count(ctx)
		stats["queueLength"] = s.pool.QueueLen()
		stats["dedupeEntries"] = s.deduper.Size()

		metrics.UpdateWorkerQueueSize(s.pool.QueueLen())
		metrics.UpdateWorkerCount(s.pool.Workers())
	}
	return stats
}
