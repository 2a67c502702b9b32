package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/okian/geopresence/internal/domain/reconcile"
	"github.com/okian/geopresence/pkg/logger"
	"github.com/okian/geopresence/pkg/metrics"
)

// IngestHandler accepts location samples, OS region callbacks and session ends.
type IngestHandler struct {
	deps    Ingestor
	limiter *userLimiter
	logger  logger.Logger
}

// NewIngestHandler creates a new ingest handler. A nil limiter disables
// per-user rate limiting.
func NewIngestHandler(deps Ingestor, limiter *userLimiter, l logger.Logger) *IngestHandler {
	return &IngestHandler{deps: deps, limiter: limiter, logger: l}
}

// HandlePostSample handles POST /v1/samples requests.
func (h *IngestHandler) HandlePostSample(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_sample"
	var req sampleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%s: %w: %w", op, ErrBadRequest, err))
		return
	}
	sample, err := req.toSample()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%s: %w: %w", op, ErrBadRequest, err))
		return
	}
	if !h.allow(sample.UserID) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", fmt.Errorf("%s: %w", op, ErrRateLimited))
		return
	}
	if err := h.deps.SubmitSample(r.Context(), sample); err != nil {
		h.writeSubmitError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted"})
}

// HandlePostRegionEvent handles POST /v1/region-events requests. Callbacks
// carrying an event_id are applied at most once.
func (h *IngestHandler) HandlePostRegionEvent(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_region_event"
	var req regionEventRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%s: %w: %w", op, ErrBadRequest, err))
		return
	}
	ev, err := req.toEvent()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%s: %w: %w", op, ErrBadRequest, err))
		return
	}
	if !h.allow(ev.UserID) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", fmt.Errorf("%s: %w", op, ErrRateLimited))
		return
	}

	if ev.ID != "" && h.deps.SeenAndRecord(r.Context(), ev.ID) {
		writeJSON(w, http.StatusOK, ackResponse{Status: "duplicate", Duplicate: true})
		return
	}
	if err := h.deps.SubmitEvent(r.Context(), ev); err != nil {
		// Forget the id so the client can redeliver.
		if ev.ID != "" {
			h.deps.Unrecord(r.Context(), ev.ID)
		}
		h.writeSubmitError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted"})
}

// HandleEndSession handles POST /v1/users/{userID}/session/end requests.
func (h *IngestHandler) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
		return
	}
	if !h.deps.EndSession(r.Context(), userID) {
		writeJSON(w, http.StatusOK, ackResponse{Status: "inactive"})
		return
	}
	writeJSON(w, http.StatusOK, ackResponse{Status: "ended"})
}

func (h *IngestHandler) allow(userID string) bool {
	if h.limiter == nil || h.limiter.Allow(userID) {
		return true
	}
	metrics.RecordRateLimited()
	return false
}

func (h *IngestHandler) writeSubmitError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, reconcile.ErrRejected):
		writeError(w, http.StatusBadRequest, "rejected", fmt.Errorf("%s: %w", op, err))
	case errors.Is(err, reconcile.ErrBackpressure):
		writeError(w, http.StatusTooManyRequests, "backpressure", fmt.Errorf("%s: %w: %w", op, ErrBackpressure, err))
	case errors.Is(err, reconcile.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "unavailable", fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err))
	default:
		h.logger.Error(r.Context(), "submit failed", logger.String("op", op), logger.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err)
	}
}
