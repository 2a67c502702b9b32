// Package types contains the read models returned by the HTTP API.
package types

import (
	"time"

	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/internal/domain/region"
)

// Presence is a user's reconciled presence.
type Presence struct {
	UserID          string     `json:"user_id"`
	RegionID        string     `json:"region_id,omitempty"`
	RegionName      string     `json:"region_name,omitempty"`
	Since           *time.Time `json:"since,omitempty"`
	LastSampleAt    *time.Time `json:"last_sample_at,omitempty"`
	Pending         bool       `json:"pending"`
	PendingRegionID string     `json:"pending_region_id,omitempty"`
	// LastKnown marks presence restored from storage rather than reconciled
	// by this process.
	LastKnown bool `json:"last_known,omitempty"`
}

// Region is a monitored region as exposed to clients.
type Region struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	RadiusMeters float64 `json:"radius_m"`
	Occupants    int     `json:"occupants"`
}

// Occupant is one user currently inside a region.
type Occupant struct {
	UserID string    `json:"user_id"`
	Since  time.Time `json:"since"`
}

// NewPresence builds the presence view of st, resolving the region name from snap.
func NewPresence(st model.UserPresenceState, snap *region.Snapshot) Presence {
	p := Presence{
		UserID:          st.UserID,
		RegionID:        st.CurrentRegionID,
		Pending:         st.Pending,
		PendingRegionID: st.PendingRegionID,
	}
	if st.CurrentRegionID != "" {
		p.RegionName = st.CurrentRegionID
		if r, ok := snap.Get(st.CurrentRegionID); ok {
			p.RegionName = r.Name()
		}
	}
	if !st.LastConfirmedAt.IsZero() {
		t := st.LastConfirmedAt
		p.Since = &t
	}
	if !st.LastSampleAt.IsZero() {
		t := st.LastSampleAt
		p.LastSampleAt = &t
	}
	return p
}

// NewRegions lists every region in snap with its occupant count.
func NewRegions(snap *region.Snapshot, counts map[string]int) []Region {
	regions := snap.List()
	out := make([]Region, 0, len(regions))
	for _, r := range regions {
		out = append(out, Region{
			ID:           r.ID,
			Name:         r.Name(),
			Lat:          r.Center.Lat,
			Lon:          r.Center.Lon,
			RadiusMeters: r.RadiusMeters,
			Occupants:    counts[r.ID],
		})
	}
	return out
}
