// Package reconcile turns location samples and OS region callbacks into a
// single, debounced stream of presence transitions per user.
package reconcile

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/internal/domain/region"
	"github.com/okian/geopresence/pkg/metrics"
)

// Outcome classifies what a machine did with one input.
type Outcome int

// Input outcomes.
const (
	Accepted Outcome = iota + 1
	Rejected
	Stale
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Stale:
		return "stale"
	}
	return "unknown"
}

// Result is returned by every Machine operation.
type Result struct {
	Outcome Outcome
	Err     error // set for Rejected
	// Transitions committed while handling the input, in emission order.
	Transitions []model.TransitionEvent
}

type origin int

const (
	fromSample origin = iota + 1
	fromEvent
)

// pending is a candidate state awaiting corroboration. An empty target means
// "in no region".
type pending struct {
	target   string
	origin   origin
	deadline time.Time
}

// Machine is the state machine for a single user. It is not safe for
// concurrent use; the Engine gives each user a single writer.
type Machine struct {
	userID string
	grace  time.Duration
	maxAcc float64
	newID  func() string

	current     string
	confirmedAt time.Time

	lastSampleAt   time.Time // sample timestamp
	lastSampleSeen time.Time // local clock when that sample was applied
	lastInside     []string
	hasSample      bool

	pending *pending
}

// NewMachine creates a machine in the Unknown state.
func NewMachine(userID string, grace time.Duration, maxAccuracyMeters float64) *Machine {
	return &Machine{
		userID: userID,
		grace:  grace,
		maxAcc: maxAccuracyMeters,
		newID:  uuid.NewString,
	}
}

// ValidateSample checks the intrinsic fields of a sample. A non-positive
// maxAccuracyMeters disables the accuracy check.
func ValidateSample(s model.LocationSample, maxAccuracyMeters float64) error {
	switch {
	case strings.TrimSpace(s.UserID) == "":
		return fmt.Errorf("%w: missing user id", ErrRejected)
	case !s.Point().Valid():
		return fmt.Errorf("%w: invalid coordinates (%v, %v)", ErrRejected, s.Lat, s.Lon)
	case math.IsNaN(s.AccuracyMeters) || math.IsInf(s.AccuracyMeters, 0) || s.AccuracyMeters < 0:
		return fmt.Errorf("%w: invalid accuracy %v", ErrRejected, s.AccuracyMeters)
	case maxAccuracyMeters > 0 && s.AccuracyMeters > maxAccuracyMeters:
		return fmt.Errorf("%w: accuracy %.0fm worse than %.0fm", ErrRejected, s.AccuracyMeters, maxAccuracyMeters)
	}
	return nil
}

// ValidateEvent checks the intrinsic fields of an OS callback.
func ValidateEvent(ev model.RegionEvent) error {
	switch {
	case strings.TrimSpace(ev.UserID) == "":
		return fmt.Errorf("%w: missing user id", ErrRejected)
	case strings.TrimSpace(ev.RegionID) == "":
		return fmt.Errorf("%w: missing region id", ErrRejected)
	case ev.Kind != model.Enter && ev.Kind != model.Exit:
		return fmt.Errorf("%w: unknown event kind", ErrRejected)
	}
	return nil
}

// ObserveSample applies one location sample.
func (m *Machine) ObserveSample(s model.LocationSample, snap *region.Snapshot, now time.Time) Result {
	if err := ValidateSample(s, m.maxAcc); err != nil {
		return Result{Outcome: Rejected, Err: err}
	}
	ts := s.Timestamp
	if ts.IsZero() {
		ts = now
	}
	if m.hasSample && ts.Before(m.lastSampleAt) {
		return Result{Outcome: Rejected, Err: fmt.Errorf("%w: sample older than last accepted sample", ErrRejected)}
	}

	out := m.expire(now)

	res := snap.Resolve(s.Point())
	m.lastSampleAt = ts
	m.lastSampleSeen = now
	m.lastInside = res.Inside
	m.hasSample = true

	candidate := res.Closest
	if p := m.pending; p != nil {
		switch {
		case candidate == p.target:
			if p.origin == fromEvent {
				// OS callback and sample now agree.
				metrics.RecordDebounce("confirmed")
				out = append(out, m.commit(candidate, now)...)
			}
			// A sample-driven candidate keeps waiting out its grace window.
		case candidate == m.current:
			metrics.RecordDebounce("withdrawn")
			m.pending = nil
		default:
			metrics.RecordDebounce("replaced")
			out = append(out, m.propose(candidate, fromSample, now)...)
		}
		return Result{Outcome: Accepted, Transitions: out}
	}

	if candidate != m.current {
		out = append(out, m.propose(candidate, fromSample, now)...)
	}
	return Result{Outcome: Accepted, Transitions: out}
}

// ObserveEvent applies one OS region callback.
func (m *Machine) ObserveEvent(ev model.RegionEvent, snap *region.Snapshot, now time.Time) Result {
	if err := ValidateEvent(ev); err != nil {
		return Result{Outcome: Rejected, Err: err}
	}

	out := m.expire(now)
	r := ev.RegionID
	if !snap.Has(r) {
		return Result{Outcome: Rejected, Err: fmt.Errorf("%w: unknown region %q", ErrRejected, r), Transitions: out}
	}

	if ev.Kind == model.Enter {
		switch {
		case m.pending != nil && m.pending.target == r:
			metrics.RecordDebounce("confirmed")
			out = append(out, m.commit(r, now)...)
		case m.current == r:
			// Re-observation of the believed state. It also contradicts any
			// pending move elsewhere.
			if m.pending != nil {
				metrics.RecordDebounce("contradicted")
				m.pending = nil
			}
		case m.freshSample(now) && !contains(m.lastInside, r):
			// The latest sample places the user elsewhere; wait for the next one.
			out = append(out, m.propose(r, fromEvent, now)...)
		default:
			out = append(out, m.commit(r, now)...)
		}
		return Result{Outcome: Accepted, Transitions: out}
	}

	switch {
	case m.pending != nil && m.pending.target == r:
		// Exit for the region a sample just put us in: treat the sample as jitter.
		metrics.RecordDebounce("contradicted")
		m.pending = nil
	case m.current != r:
		return Result{Outcome: Stale, Transitions: out}
	case m.pending != nil:
		// Samples already show the user leaving r; the callback corroborates.
		metrics.RecordDebounce("confirmed")
		out = append(out, m.commit(m.pending.target, now)...)
	case m.freshSample(now) && contains(m.lastInside, r):
		out = append(out, m.propose("", fromEvent, now)...)
	default:
		out = append(out, m.commit("", now)...)
	}
	return Result{Outcome: Accepted, Transitions: out}
}

// Tick commits a pending candidate whose grace window has elapsed.
func (m *Machine) Tick(now time.Time) []model.TransitionEvent {
	return m.expire(now)
}

// Forget drops every reference to regions missing from snap. A user whose
// current region vanished is exited.
func (m *Machine) Forget(snap *region.Snapshot, now time.Time) []model.TransitionEvent {
	if m.pending != nil && m.pending.target != "" && !snap.Has(m.pending.target) {
		m.pending = nil
	}
	if len(m.lastInside) > 0 {
		kept := m.lastInside[:0:0]
		for _, id := range m.lastInside {
			if snap.Has(id) {
				kept = append(kept, id)
			}
		}
		m.lastInside = kept
	}
	if m.current == "" || snap.Has(m.current) {
		return nil
	}
	metrics.RecordForcedExit()
	ev := m.transition(model.Exit, m.current, now)
	m.current = ""
	m.confirmedAt = now
	if m.pending != nil && m.pending.target == "" {
		m.pending = nil
	}
	return []model.TransitionEvent{ev}
}

// Reset discards the pending candidate and sample evidence. Committed state
// is kept.
func (m *Machine) Reset() {
	m.pending = nil
	m.hasSample = false
	m.lastInside = nil
}

// Deadline returns when the pending candidate commits, if there is one.
func (m *Machine) Deadline() (time.Time, bool) {
	if m.pending == nil {
		return time.Time{}, false
	}
	return m.pending.deadline, true
}

// Idle reports whether the machine carries no state worth keeping.
func (m *Machine) Idle() bool {
	return m.current == "" && m.pending == nil
}

// Current returns the committed region id, empty when in no region.
func (m *Machine) Current() string { return m.current }

// State returns a snapshot of the user's presence state.
func (m *Machine) State() model.UserPresenceState {
	st := model.UserPresenceState{
		UserID:          m.userID,
		CurrentRegionID: m.current,
		LastConfirmedAt: m.confirmedAt,
		LastSampleAt:    m.lastSampleAt,
	}
	if m.pending != nil {
		st.Pending = true
		st.PendingRegionID = m.pending.target
	}
	return st
}

func (m *Machine) freshSample(now time.Time) bool {
	return m.hasSample && now.Sub(m.lastSampleSeen) <= m.grace
}

func (m *Machine) expire(now time.Time) []model.TransitionEvent {
	if m.pending == nil || now.Before(m.pending.deadline) {
		return nil
	}
	metrics.RecordDebounce("expired")
	return m.commit(m.pending.target, now)
}

// propose records a candidate, committing at once when debouncing is off.
func (m *Machine) propose(target string, o origin, now time.Time) []model.TransitionEvent {
	if m.grace <= 0 {
		return m.commit(target, now)
	}
	m.pending = &pending{target: target, origin: o, deadline: now.Add(m.grace)}
	return nil
}

// commit moves the machine to target. A move between two regions is emitted
// as Exit followed by Enter so the per-user sequence always alternates.
func (m *Machine) commit(target string, now time.Time) []model.TransitionEvent {
	m.pending = nil
	if target == m.current {
		return nil
	}
	var out []model.TransitionEvent
	if m.current != "" {
		out = append(out, m.transition(model.Exit, m.current, now))
	}
	if target != "" {
		out = append(out, m.transition(model.Enter, target, now))
	}
	m.current = target
	m.confirmedAt = now
	return out
}

func (m *Machine) transition(kind model.Kind, regionID string, now time.Time) model.TransitionEvent {
	metrics.RecordTransition(kind.String())
	return model.TransitionEvent{
		ID:         m.newID(),
		UserID:     m.userID,
		RegionID:   regionID,
		Kind:       kind,
		OccurredAt: now,
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
