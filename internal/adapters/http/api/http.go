// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/okian/geopresence/internal/domain/dedupe"
	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/internal/domain/region"
	"github.com/okian/geopresence/internal/domain/types"
	"github.com/okian/geopresence/pkg/logger"
)

const (
	defaultRateBurst  = 20
	defaultLimiterTTL = 10 * time.Minute
	maxBodyBytes      = 64 << 10
)

// Ingestor accepts location input on behalf of the reconciler.
type Ingestor interface {
	dedupe.Deduper

	SubmitSample(ctx context.Context, s model.LocationSample) error
	SubmitEvent(ctx context.Context, ev model.RegionEvent) error
	EndSession(ctx context.Context, userID string) bool
}

// Reader exposes reconciled presence and the monitored region set.
type Reader interface {
	Presence(ctx context.Context, userID string) (types.Presence, bool)
	Regions(ctx context.Context) []types.Region
	// Occupants returns false when regionID is not a monitored region.
	Occupants(ctx context.Context, regionID string) ([]types.Occupant, bool)
	ReloadRegions(ctx context.Context) (region.Diff, error)
}

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	Ingestor
	Reader
	StatsProvider
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler   *HealthHandler
	statsHandler    *StatsHandler
	ingestHandler   *IngestHandler
	presenceHandler *PresenceHandler

	logger        logger.Logger
	ratePerSecond float64
	rateBurst     int
	limiterTTL    time.Duration
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{
		rateBurst:  defaultRateBurst,
		limiterTTL: defaultLimiterTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("api")
	}

	var limiter *userLimiter
	if s.ratePerSecond > 0 {
		limiter = newUserLimiter(s.ratePerSecond, s.rateBurst, s.limiterTTL)
	}

	s.healthHandler = NewHealthHandler()
	s.statsHandler = NewStatsHandler(deps)
	s.ingestHandler = NewIngestHandler(deps, limiter, s.logger)
	s.presenceHandler = NewPresenceHandler(deps, s.logger)
	return s
}

// Routes builds the chi router for the service.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
	})

	r.Get("/healthz", s.healthHandler.HandleHealth)
	r.Get("/metrics", s.healthHandler.HandleMetrics)
	r.Get("/stats", s.statsHandler.HandleStats)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/samples", s.ingestHandler.HandlePostSample)
		r.Post("/region-events", s.ingestHandler.HandlePostRegionEvent)
		r.Post("/users/{userID}/session/end", s.ingestHandler.HandleEndSession)
		r.Get("/users/{userID}/presence", s.presenceHandler.HandleGetPresence)
		r.Get("/regions", s.presenceHandler.HandleListRegions)
		r.Get("/regions/{regionID}/occupants", s.presenceHandler.HandleListOccupants)
		r.Post("/admin/regions/reload", s.presenceHandler.HandleReloadRegions)
	})
	return r
}

// sampleRequest mirrors the OpenAPI schema for POST /v1/samples.
type sampleRequest struct {
	UserID         string   `json:"user_id"`
	Lat            *float64 `json:"lat"`
	Lon            *float64 `json:"lon"`
	AccuracyMeters float64  `json:"accuracy_m"`
	TS             string   `json:"ts"`
}

func (s sampleRequest) toSample() (model.LocationSample, error) {
	switch {
	case strings.TrimSpace(s.UserID) == "":
		return model.LocationSample{}, errors.New("missing user_id")
	case s.Lat == nil || s.Lon == nil:
		return model.LocationSample{}, errors.New("missing lat/lon")
	}
	ts, err := parseTS(s.TS)
	if err != nil {
		return model.LocationSample{}, err
	}
	return model.LocationSample{
		UserID:         s.UserID,
		Lat:            *s.Lat,
		Lon:            *s.Lon,
		Timestamp:      ts,
		AccuracyMeters: s.AccuracyMeters,
	}, nil
}

// regionEventRequest mirrors the OpenAPI schema for POST /v1/region-events.
type regionEventRequest struct {
	EventID  string `json:"event_id"`
	UserID   string `json:"user_id"`
	RegionID string `json:"region_id"`
	Kind     string `json:"kind"`
	TS       string `json:"ts"`
}

func (e regionEventRequest) toEvent() (model.RegionEvent, error) {
	switch {
	case strings.TrimSpace(e.UserID) == "":
		return model.RegionEvent{}, errors.New("missing user_id")
	case strings.TrimSpace(e.RegionID) == "":
		return model.RegionEvent{}, errors.New("missing region_id")
	}
	kind, ok := model.ParseKind(e.Kind)
	if !ok {
		return model.RegionEvent{}, errors.New("invalid kind; must be enter or exit")
	}
	ts, err := parseTS(e.TS)
	if err != nil {
		return model.RegionEvent{}, err
	}
	return model.RegionEvent{
		ID:        strings.TrimSpace(e.EventID),
		UserID:    e.UserID,
		RegionID:  e.RegionID,
		Kind:      kind,
		Timestamp: ts,
	}, nil
}

func parseTS(ts string) (time.Time, error) {
	if strings.TrimSpace(ts) == "" {
		return time.Time{}, errors.New("missing ts")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, errors.New("invalid ts; must be RFC3339")
	}
	return t, nil
}

type ackResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

type reloadResponse struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
