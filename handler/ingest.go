package handler

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Connektn/pulseboard/event"
	"github.com/Connektn/pulseboard/observability"
	"github.com/Connektn/pulseboard/pipeline"
)

// IngestHandler accepts customer activity events and places them on the
// pipeline's inbound stream. Invalid events are rejected at this boundary
// and never enter the core.
type IngestHandler struct {
	logger  zerolog.Logger
	pipe    *pipeline.Pipeline
	metrics *observability.Metrics
}

// NewIngestHandler creates an ingest handler. metrics may be nil.
func NewIngestHandler(logger zerolog.Logger, pipe *pipeline.Pipeline, metrics *observability.Metrics) *IngestHandler {
	return &IngestHandler{
		logger:  logger.With().Str("component", "ingest").Logger(),
		pipe:    pipe,
		metrics: metrics,
	}
}

// Ingest handles POST /v1/events.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	e, err := event.Decode(r.Body)
	if err != nil {
		h.logger.Debug().Err(err).Msg("event rejected")
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		if h.metrics != nil {
			h.metrics.TrackIngest(http.StatusBadRequest, float64(time.Since(start).Milliseconds()))
		}
		return
	}

	h.pipe.Publish(e)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "eventId": e.EventID})
	if h.metrics != nil {
		h.metrics.TrackIngest(http.StatusAccepted, float64(time.Since(start).Milliseconds()))
	}
}
