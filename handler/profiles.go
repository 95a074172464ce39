package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Connektn/pulseboard/pipeline"
)

// maxProfileListing caps the snapshot listing at the top N profiles by
// lastSeen descending.
const maxProfileListing = 20

// ProfilesHandler serves read-only profile snapshots.
type ProfilesHandler struct {
	logger zerolog.Logger
	pipe   *pipeline.Pipeline
}

// NewProfilesHandler creates a profiles handler.
func NewProfilesHandler(logger zerolog.Logger, pipe *pipeline.Pipeline) *ProfilesHandler {
	return &ProfilesHandler{
		logger: logger.With().Str("component", "profiles").Logger(),
		pipe:   pipe,
	}
}

// List handles GET /v1/profiles.
func (h *ProfilesHandler) List(w http.ResponseWriter, r *http.Request) {
	snaps := h.pipe.Snapshots()
	if len(snaps) > maxProfileListing {
		snaps = snaps[:maxProfileListing]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles": snaps,
		"count":    len(snaps),
	})
}

// Get handles GET /v1/profiles/{id}.
func (h *ProfilesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := h.pipe.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "profile_not_found", "No profile with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Stats handles GET /v1/pipeline/stats.
func (h *ProfilesHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipe.Stats())
}
