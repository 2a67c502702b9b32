// Package walker drives a running geopresence server with synthetic users
// that walk between its regions, then checks the reconciled presence.
package walker

import "time"

// Config holds configuration for a walk.
type Config struct {
	BaseURL string        // Base URL of the service
	Users   int           // Number of synthetic users
	Steps   int           // Regions visited per user
	Workers int           // Number of concurrent walkers
	Timeout time.Duration // HTTP request timeout
	// Settle is how long to wait after the last step before verifying, so
	// pending candidates can commit.
	Settle time.Duration
	// DuplicateRate is the fraction of OS callbacks that are redelivered.
	DuplicateRate float64
	Seed          uint64
	Verbose       bool
}

// Region is one monitored region as listed by the service.
type Region struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	RadiusMeters float64 `json:"radius_m"`
	Occupants    int     `json:"occupants"`
}

// Presence is the reconciled presence of one user.
type Presence struct {
	UserID   string `json:"user_id"`
	RegionID string `json:"region_id"`
	Pending  bool   `json:"pending"`
}

type sampleBody struct {
	UserID         string  `json:"user_id"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	AccuracyMeters float64 `json:"accuracy_m"`
	TS             string  `json:"ts"`
}

type regionEventBody struct {
	EventID  string `json:"event_id,omitempty"`
	UserID   string `json:"user_id"`
	RegionID string `json:"region_id"`
	Kind     string `json:"kind"`
	TS       string `json:"ts"`
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// Stats holds walk statistics.
type Stats struct {
	Users            int
	StepsPlanned     int
	SamplesAccepted  int64
	EventsAccepted   int64
	EventsDuplicate  int64
	RequestsFailed   int64
	PresenceVerified int
	PresenceMismatch int
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
}
