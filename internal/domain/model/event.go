// Package model contains domain models passed between layers.
package model

import (
	"time"

	"github.com/okian/geopresence/internal/domain/geo"
)

// Kind is the direction of a region transition or OS callback.
type Kind int

// Transition kinds.
const (
	Enter Kind = iota + 1
	Exit
)

// String returns the lowercase wire name of the kind.
func (k Kind) String() string {
	switch k {
	case Enter:
		return "enter"
	case Exit:
		return "exit"
	default:
		return "unknown"
	}
}

// ParseKind maps "enter"/"exit" to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "enter", "ENTER", "Enter":
		return Enter, true
	case "exit", "EXIT", "Exit":
		return Exit, true
	}
	return 0, false
}

// Region is a monitored circular geofence. Regions are immutable once loaded.
type Region struct {
	ID           string
	Center       geo.Point
	RadiusMeters float64
	DisplayName  string
}

// Name returns the display name, falling back to the id.
func (r Region) Name() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return r.ID
}

// LocationSample is one polled location fix for a user.
type LocationSample struct {
	UserID         string
	Lat            float64
	Lon            float64
	Timestamp      time.Time
	AccuracyMeters float64
}

// Point returns the sample coordinates.
func (s LocationSample) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lon: s.Lon}
}

// RegionEvent is an OS region-monitoring callback. It is a hint, not ground truth.
type RegionEvent struct {
	ID        string // optional client id used for duplicate suppression
	UserID    string
	RegionID  string
	Kind      Kind
	Timestamp time.Time
}

// TransitionEvent is emitted exactly once per committed state change.
type TransitionEvent struct {
	ID         string
	UserID     string
	RegionID   string
	Kind       Kind
	OccurredAt time.Time
}

// UserPresenceState is the reconciled state for one user.
type UserPresenceState struct {
	UserID          string
	CurrentRegionID string // empty when the user is in no region
	LastConfirmedAt time.Time
	LastSampleAt    time.Time
	// PendingRegionID is the debounced candidate, if any. Empty target means "nowhere".
	Pending         bool
	PendingRegionID string
}

// Area is a user's last known region as recorded by a durable sink.
type Area struct {
	UserID    string
	RegionID  string // empty when the user left every region
	UpdatedAt time.Time
}

// Group is a social group whose members learn about each other's arrivals.
type Group struct {
	ID          string
	Name        string
	Emoji       string
	AdminUserID string
	MemberIDs   []string
}
