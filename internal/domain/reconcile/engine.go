package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/geopresence/internal/adapters/mq/queue"
	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/internal/domain/region"
	"github.com/okian/geopresence/pkg/logger"
	"github.com/okian/geopresence/pkg/metrics"
)

// Default engine configuration constants.
const (
	defaultGraceWindow = 5 * time.Second
	defaultMaxAccuracy = 100.0
	defaultIdleTTL     = 10 * time.Minute
	defaultMailboxSize = 256
)

var errActorClosed = errors.New("actor closed")

// Regions provides the current region snapshot.
type Regions interface {
	Snapshot() *region.Snapshot
}

// Handler receives committed transitions. Calls for one user are made from a
// single goroutine in commit order; implementations must not block for long.
type Handler interface {
	OnTransition(ctx context.Context, ev model.TransitionEvent)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ev model.TransitionEvent)

// OnTransition calls f.
func (f HandlerFunc) OnTransition(ctx context.Context, ev model.TransitionEvent) { f(ctx, ev) }

type inputKind int

const (
	sampleInput inputKind = iota + 1
	eventInput
)

type input struct {
	kind   inputKind
	epoch  uint64
	sample model.LocationSample
	event  model.RegionEvent
}

// actor is the single writer for one user's Machine.
type actor struct {
	userID  string
	mailbox *queue.InMemoryQueue[input]
	wake    chan struct{}
	state   atomic.Pointer[model.UserPresenceState]
	epoch   atomic.Uint64

	mu     sync.Mutex // guards closed against concurrent offers
	closed bool
}

func (a *actor) offer(ctx context.Context, in input) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errActorClosed
	}
	in.epoch = a.epoch.Load()
	if !a.mailbox.Enqueue(ctx, in) {
		return ErrBackpressure
	}
	return nil
}

func (a *actor) nudge() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Engine runs one actor goroutine per active user. Inputs for a user are
// applied in arrival order; different users never share a lock.
type Engine struct {
	regions Regions
	handler Handler

	grace       time.Duration
	maxAccuracy float64
	idleTTL     time.Duration
	mailboxSize int
	now         func() time.Time

	actors sync.Map // userID -> *actor
	active atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool

	logger logger.Logger
}

// NewEngine creates an Engine. Start must be called before submitting input.
func NewEngine(regions Regions, handler Handler, opts ...Option) *Engine {
	e := &Engine{
		regions:     regions,
		handler:     handler,
		grace:       defaultGraceWindow,
		maxAccuracy: defaultMaxAccuracy,
		idleTTL:     defaultIdleTTL,
		mailboxSize: defaultMailboxSize,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.Get().Named("reconciler")
	}
	if e.handler == nil {
		e.handler = HandlerFunc(func(context.Context, model.TransitionEvent) {})
	}
	return e
}

// Start enables the engine. Actors inherit ctx.
func (e *Engine) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.logger.Info(ctx, "reconciler started",
		logger.Duration("grace_window", e.grace),
		logger.Float64("max_accuracy_m", e.maxAccuracy),
		logger.Duration("idle_ttl", e.idleTTL),
	)
}

// Stop cancels every actor and waits for them to exit.
func (e *Engine) Stop() {
	if !e.started.Load() || !e.stopped.CompareAndSwap(false, true) {
		return
	}
	e.cancel()
	e.wg.Wait()
	e.logger.Info(context.Background(), "reconciler stopped")
}

// SubmitSample queues a location sample for its user. Malformed samples are
// rejected synchronously with ErrRejected.
func (e *Engine) SubmitSample(ctx context.Context, s model.LocationSample) error {
	if err := ValidateSample(s, e.maxAccuracy); err != nil {
		metrics.RecordSample("rejected")
		e.logger.Debug(ctx, "sample rejected", logger.String("user_id", s.UserID), logger.Error(err))
		return err
	}
	if err := e.submit(ctx, s.UserID, input{kind: sampleInput, sample: s}); err != nil {
		metrics.RecordSample("backpressure")
		return err
	}
	return nil
}

// SubmitEvent queues an OS region callback for its user. Callbacks naming a
// region outside the current set are rejected with ErrRejected.
func (e *Engine) SubmitEvent(ctx context.Context, ev model.RegionEvent) error {
	err := ValidateEvent(ev)
	if err == nil && !e.regions.Snapshot().Has(ev.RegionID) {
		err = fmt.Errorf("%w: unknown region %q", ErrRejected, ev.RegionID)
	}
	if err != nil {
		metrics.RecordRegionEvent(ev.Kind.String(), "rejected")
		e.logger.Debug(ctx, "region event rejected", logger.String("user_id", ev.UserID), logger.Error(err))
		return err
	}
	if err := e.submit(ctx, ev.UserID, input{kind: eventInput, event: ev}); err != nil {
		metrics.RecordRegionEvent(ev.Kind.String(), "backpressure")
		return err
	}
	return nil
}

func (e *Engine) submit(ctx context.Context, userID string, in input) error {
	if !e.started.Load() || e.stopped.Load() {
		return ErrStopped
	}
	for {
		a := e.actorFor(userID)
		err := a.offer(ctx, in)
		if errors.Is(err, errActorClosed) {
			// Lost a race with idle eviction; a fresh actor will be created.
			continue
		}
		if errors.Is(err, ErrBackpressure) {
			metrics.RecordMailboxRejection("full")
		}
		return err
	}
}

// EndSession drops queued input and any pending candidate for the user. The
// committed region is kept.
func (e *Engine) EndSession(ctx context.Context, userID string) bool {
	v, ok := e.actors.Load(userID)
	if !ok {
		return false
	}
	a := v.(*actor)
	a.mu.Lock()
	a.epoch.Add(1)
	a.mu.Unlock()
	a.nudge()
	metrics.RecordSessionEnd()
	e.logger.Debug(ctx, "session ended", logger.String("user_id", userID))
	return true
}

// RegionsChanged wakes every actor so users referencing removed regions are
// exited without waiting for new input.
func (e *Engine) RegionsChanged() {
	e.actors.Range(func(_, v any) bool {
		v.(*actor).nudge()
		return true
	})
}

// State returns the last published state for the user.
func (e *Engine) State(userID string) (model.UserPresenceState, bool) {
	v, ok := e.actors.Load(userID)
	if !ok {
		return model.UserPresenceState{UserID: userID}, false
	}
	st := v.(*actor).state.Load()
	if st == nil {
		return model.UserPresenceState{UserID: userID}, true
	}
	return *st, true
}

// ActiveUsers returns the number of live actors.
func (e *Engine) ActiveUsers() int {
	return int(e.active.Load())
}

func (e *Engine) actorFor(userID string) *actor {
	if v, ok := e.actors.Load(userID); ok {
		return v.(*actor)
	}
	a := &actor{
		userID: userID,
		mailbox: queue.NewInMemoryQueue[input](
			queue.WithCapacity(e.mailboxSize),
			queue.WithName("mailbox"),
		),
		wake: make(chan struct{}, 1),
	}
	v, loaded := e.actors.LoadOrStore(userID, a)
	if loaded {
		return v.(*actor)
	}
	metrics.UpdateActiveUsers(int(e.active.Add(1)))
	e.wg.Add(1)
	go e.run(a)
	return a
}

// run is the actor loop for one user.
func (e *Engine) run(a *actor) {
	defer e.wg.Done()
	ctx := e.ctx
	log := e.logger

	m := NewMachine(a.userID, e.grace, e.maxAccuracy)
	snap := e.regions.Snapshot()
	seenVersion := snap.Version()
	seenEpoch := a.epoch.Load()
	publish := func() {
		st := m.State()
		a.state.Store(&st)
	}
	publish()

	grace := time.NewTimer(time.Hour)
	grace.Stop()
	idle := time.NewTimer(e.idleTTL)
	defer grace.Stop()
	defer idle.Stop()

	emit := func(evs []model.TransitionEvent) {
		for _, ev := range evs {
			log.Info(ctx, "presence transition",
				logger.String("user_id", ev.UserID),
				logger.String("kind", ev.Kind.String()),
				logger.String("region_id", ev.RegionID),
			)
			e.handler.OnTransition(ctx, ev)
		}
	}

	// catchUp applies session ends and region reloads observed since the last step.
	catchUp := func(now time.Time) {
		if ep := a.epoch.Load(); ep != seenEpoch {
			seenEpoch = ep
			m.Reset()
		}
		if cur := e.regions.Snapshot(); cur.Version() != seenVersion {
			snap = cur
			seenVersion = cur.Version()
			emit(m.Forget(snap, now))
		}
	}

	rearm := func() {
		grace.Stop()
		if dl, ok := m.Deadline(); ok {
			d := dl.Sub(e.now())
			if d < 0 {
				d = 0
			}
			grace.Reset(d)
		}
		idle.Reset(e.idleTTL)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case in, ok := <-a.mailbox.Dequeue():
			if !ok {
				return
			}
			start := time.Now()
			now := e.now()
			catchUp(now)
			if in.epoch != seenEpoch {
				// Queued before the session ended.
				rearm()
				continue
			}
			e.apply(ctx, m, snap, in, now, emit)
			metrics.RecordReconcileLatency(float64(time.Since(start).Microseconds()) / 1000)
			publish()
			rearm()

		case <-a.wake:
			catchUp(e.now())
			publish()
			rearm()

		case <-grace.C:
			now := e.now()
			catchUp(now)
			emit(m.Tick(now))
			publish()
			rearm()

		case <-idle.C:
			if e.tryEvict(a, m) {
				log.Debug(ctx, "idle user evicted", logger.String("user_id", a.userID))
				return
			}
			idle.Reset(e.idleTTL)
		}
	}
}

func (e *Engine) apply(ctx context.Context, m *Machine, snap *region.Snapshot, in input, now time.Time, emit func([]model.TransitionEvent)) {
	var res Result
	switch in.kind {
	case sampleInput:
		res = m.ObserveSample(in.sample, snap, now)
		metrics.RecordSample(res.Outcome.String())
	case eventInput:
		res = m.ObserveEvent(in.event, snap, now)
		metrics.RecordRegionEvent(in.event.Kind.String(), res.Outcome.String())
	}
	switch res.Outcome {
	case Rejected:
		e.logger.Warn(ctx, "input rejected",
			logger.String("user_id", m.userID),
			logger.Error(res.Err),
		)
	case Stale:
		e.logger.Debug(ctx, "stale region event discarded",
			logger.String("user_id", m.userID),
			logger.String("region_id", in.event.RegionID),
		)
	}
	emit(res.Transitions)
}

// tryEvict removes an idle actor. It holds the actor lock so no offer can
// slip in between the emptiness check and the removal.
func (e *Engine) tryEvict(a *actor, m *Machine) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !m.Idle() || a.mailbox.Len() > 0 {
		return false
	}
	a.closed = true
	e.actors.CompareAndDelete(a.userID, a)
	metrics.UpdateActiveUsers(int(e.active.Add(-1)))
	metrics.RecordUserEviction()
	return true
}
