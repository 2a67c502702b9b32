package walker

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

const sampleAccuracyMeters = 10

// step is one arrival: an OS callback followed by an agreeing sample.
type step struct {
	RegionID  string
	Lat, Lon  float64
	EventID   string
	Duplicate bool
	At        time.Time
}

// walk is the full route of one synthetic user.
type walk struct {
	UserID string
	Steps  []step
}

// Final returns the region the user should end up in.
func (w walk) Final() string {
	if len(w.Steps) == 0 {
		return ""
	}
	return w.Steps[len(w.Steps)-1].RegionID
}

// planWalks builds one route per user. Consecutive steps never repeat a
// region, so every step is a real move. Timestamps strictly increase.
func planWalks(cfg *Config, regions []Region, start time.Time) []walk {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	walks := make([]walk, cfg.Users)
	for u := range walks {
		w := walk{UserID: fmt.Sprintf("walker-%04d", u), Steps: make([]step, 0, cfg.Steps)}
		prev := -1
		at := start
		for i := 0; i < cfg.Steps; i++ {
			idx := rng.IntN(len(regions))
			if len(regions) > 1 {
				for idx == prev {
					idx = rng.IntN(len(regions))
				}
			}
			prev = idx
			at = at.Add(time.Second)
			r := regions[idx]
			w.Steps = append(w.Steps, step{
				RegionID:  r.ID,
				Lat:       r.Lat,
				Lon:       r.Lon,
				EventID:   uuid.New().String(),
				Duplicate: rng.Float64() < cfg.DuplicateRate,
				At:        at,
			})
		}
		walks[u] = w
	}
	return walks
}
