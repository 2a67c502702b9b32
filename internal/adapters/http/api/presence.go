package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/okian/geopresence/pkg/logger"
)

// PresenceHandler serves reconciled presence and the region set.
type PresenceHandler struct {
	deps   Reader
	logger logger.Logger
}

// NewPresenceHandler creates a new presence handler.
func NewPresenceHandler(deps Reader, l logger.Logger) *PresenceHandler {
	return &PresenceHandler{deps: deps, logger: l}
}

// HandleGetPresence handles GET /v1/users/{userID}/presence requests.
func (h *PresenceHandler) HandleGetPresence(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
		return
	}
	p, ok := h.deps.Presence(r.Context(), userID)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleListRegions handles GET /v1/regions requests.
func (h *PresenceHandler) HandleListRegions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Regions(r.Context()))
}

// HandleListOccupants handles GET /v1/regions/{regionID}/occupants requests.
func (h *PresenceHandler) HandleListOccupants(w http.ResponseWriter, r *http.Request) {
	occupants, ok := h.deps.Occupants(r.Context(), chi.URLParam(r, "regionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, occupants)
}

// HandleReloadRegions handles POST /v1/admin/regions/reload requests.
func (h *PresenceHandler) HandleReloadRegions(w http.ResponseWriter, r *http.Request) {
	diff, err := h.deps.ReloadRegions(r.Context())
	if err != nil {
		h.logger.Warn(r.Context(), "region reload failed", logger.Error(err))
		writeError(w, http.StatusBadGateway, "reload_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, reloadResponse{
		Added:   nonNil(diff.Added),
		Removed: nonNil(diff.Removed),
		Changed: nonNil(diff.Changed),
	})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
