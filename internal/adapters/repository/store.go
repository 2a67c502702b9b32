// Package repository holds the read model of who is currently in which region.
package repository

import (
	"context"
	"time"
)

// Occupancy is a user's committed region.
type Occupancy struct {
	UserID    string
	RegionID  string
	EnteredAt time.Time
}

// Store provides read/write access to committed presence.
type Store interface {
	// Enter records that the user now occupies regionID, replacing any
	// previous region.
	Enter(ctx context.Context, userID, regionID string, at time.Time) error
	// Exit clears the user's region if it is still regionID. It reports
	// whether anything changed.
	Exit(ctx context.Context, userID, regionID string) bool

	// Current returns the user's committed region.
	// Returns ErrNotFound when the user is in no region.
	Current(ctx context.Context, userID string) (Occupancy, error)

	// Occupants returns everyone in regionID ordered by user id.
	Occupants(ctx context.Context, regionID string) []Occupancy

	// Count returns the number of users in some region.
	Count(ctx context.Context) int
}
