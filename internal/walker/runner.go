package walker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/geopresence/pkg/logger"
)

const percentageMultiplier = 100

// ErrVerification is returned when reconciled presence differs from the walk.
var ErrVerification = errors.New("presence verification failed")

type counters struct {
	samples    atomic.Int64
	events     atomic.Int64
	duplicates atomic.Int64
	failed     atomic.Int64
}

// Run executes a complete walk against cfg.BaseURL and verifies the result.
func Run(ctx context.Context, cfg *Config, log logger.Logger) (*Stats, error) {
	stats := &Stats{StartTime: time.Now(), Users: cfg.Users}
	client := newHTTPClient(cfg.BaseURL, cfg.Timeout)

	log.Info(ctx, "starting geopresence walk",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("users", cfg.Users),
		logger.Int("steps", cfg.Steps),
		logger.Int("workers", cfg.Workers),
		logger.Duration("settle", cfg.Settle),
	)

	if err := checkServiceHealth(ctx, client); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	var regions []Region
	if code, err := client.getJSON(ctx, "/v1/regions", &regions); err != nil || code != http.StatusOK {
		return stats, fmt.Errorf("list regions: status %d: %w", code, err)
	}
	if len(regions) == 0 {
		return stats, errors.New("service has no regions")
	}

	walks := planWalks(cfg, regions, time.Now())
	stats.StepsPlanned = cfg.Users * cfg.Steps

	var c counters
	walkAll(ctx, cfg, client, walks, &c, log)
	stats.SamplesAccepted = c.samples.Load()
	stats.EventsAccepted = c.events.Load()
	stats.EventsDuplicate = c.duplicates.Load()
	stats.RequestsFailed = c.failed.Load()

	log.Info(ctx, "waiting for pending moves to settle")
	select {
	case <-ctx.Done():
		return stats, ctx.Err()
	case <-time.After(cfg.Settle):
	}

	verr := verify(ctx, client, walks, stats, log)

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(log, stats)
	return stats, verr
}

func checkServiceHealth(ctx context.Context, client *HTTPClient) error {
	code, err := client.getJSON(ctx, "/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to service: %w", err)
	}
	if code != http.StatusOK {
		return fmt.Errorf("service health check failed with status: %d", code)
	}
	return nil
}

// walkAll distributes users over cfg.Workers goroutines. One user's steps
// always run sequentially on one goroutine.
func walkAll(ctx context.Context, cfg *Config, client *HTTPClient, walks []walk, c *counters, log logger.Logger) {
	ch := make(chan walk, cfg.Workers*2)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range ch {
				walkOne(ctx, client, w, c, cfg.Verbose, log)
			}
		}()
	}

	go func() {
		defer close(ch)
		for _, w := range walks {
			select {
			case <-ctx.Done():
				return
			case ch <- w:
			}
		}
	}()
	wg.Wait()
}

func walkOne(ctx context.Context, client *HTTPClient, w walk, c *counters, verbose bool, log logger.Logger) {
	for _, s := range w.Steps {
		if ctx.Err() != nil {
			return
		}
		ts := s.At.UTC().Format(time.RFC3339Nano)
		ev := regionEventBody{EventID: s.EventID, UserID: w.UserID, RegionID: s.RegionID, Kind: "enter", TS: ts}
		postEvent(ctx, client, ev, c)
		if s.Duplicate {
			postEvent(ctx, client, ev, c)
		}

		var ack ackResponse
		code, err := client.postJSON(ctx, "/v1/samples", sampleBody{
			UserID:         w.UserID,
			Lat:            s.Lat,
			Lon:            s.Lon,
			AccuracyMeters: sampleAccuracyMeters,
			TS:             ts,
		}, &ack)
		if err != nil || code != http.StatusAccepted {
			c.failed.Add(1)
			if verbose {
				log.Warn(ctx, "sample refused", logger.String("user_id", w.UserID), logger.Int("status", code), logger.Error(err))
			}
			continue
		}
		c.samples.Add(1)
	}
}

func postEvent(ctx context.Context, client *HTTPClient, ev regionEventBody, c *counters) {
	var ack ackResponse
	code, err := client.postJSON(ctx, "/v1/region-events", ev, &ack)
	switch {
	case err != nil:
		c.failed.Add(1)
	case code == http.StatusOK && ack.Duplicate:
		c.duplicates.Add(1)
	case code == http.StatusAccepted:
		c.events.Add(1)
	default:
		c.failed.Add(1)
	}
}

// verify compares each user's reconciled region with the last step of its walk.
func verify(ctx context.Context, client *HTTPClient, walks []walk, stats *Stats, log logger.Logger) error {
	for _, w := range walks {
		var p Presence
		code, err := client.getJSON(ctx, "/v1/users/"+w.UserID+"/presence", &p)
		if err != nil || code != http.StatusOK {
			stats.PresenceMismatch++
			log.Warn(ctx, "presence unavailable", logger.String("user_id", w.UserID), logger.Int("status", code), logger.Error(err))
			continue
		}
		if p.RegionID != w.Final() {
			stats.PresenceMismatch++
			log.Warn(ctx, "presence mismatch",
				logger.String("user_id", w.UserID),
				logger.String("expected", w.Final()),
				logger.String("actual", p.RegionID),
				logger.Bool("pending", p.Pending),
			)
			continue
		}
		stats.PresenceVerified++
	}
	if stats.PresenceMismatch > 0 {
		return fmt.Errorf("%w: %d of %d users", ErrVerification, stats.PresenceMismatch, len(walks))
	}
	return nil
}

func displayFinalStats(log logger.Logger, stats *Stats) {
	var verifiedRate float64
	if stats.Users > 0 {
		verifiedRate = float64(stats.PresenceVerified) / float64(stats.Users) * percentageMultiplier
	}
	log.Info(context.Background(), "final statistics",
		logger.Int("users", stats.Users),
		logger.Int("stepsPlanned", stats.StepsPlanned),
		logger.Any("samplesAccepted", stats.SamplesAccepted),
		logger.Any("eventsAccepted", stats.EventsAccepted),
		logger.Any("eventsDuplicate", stats.EventsDuplicate),
		logger.Any("requestsFailed", stats.RequestsFailed),
		logger.Int("presenceVerified", stats.PresenceVerified),
		logger.Int("presenceMismatch", stats.PresenceMismatch),
		logger.Float64("verifiedRate", verifiedRate),
		logger.String("duration", stats.Duration.String()),
	)
}
