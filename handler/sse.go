package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Connektn/pulseboard/pipeline"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// StreamHandler fans segment transitions and profile snapshots out to SSE
// subscribers. Subscribers are read-only and must tolerate gaps: the
// underlying broadcast drops the oldest buffered value when a subscriber
// falls behind.
type StreamHandler struct {
	logger zerolog.Logger
	pipe   *pipeline.Pipeline
}

// NewStreamHandler creates an SSE stream handler.
func NewStreamHandler(logger zerolog.Logger, pipe *pipeline.Pipeline) *StreamHandler {
	return &StreamHandler{
		logger: logger.With().Str("component", "sse").Logger(),
		pipe:   pipe,
	}
}

// Segments handles GET /v1/stream/segments.
func (h *StreamHandler) Segments(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported by server")
		return
	}

	events, cancel := h.pipe.SubscribeSegments()
	defer cancel()

	setSSEHeaders(w)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug().Msg("segment stream client disconnected")
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				h.logger.Debug().Err(err).Msg("segment stream write failed")
				return
			}
			flusher.Flush()
		}
	}
}

// Profiles handles GET /v1/stream/profiles.
func (h *StreamHandler) Profiles(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming not supported by server")
		return
	}

	snapshots, cancel := h.pipe.SubscribeProfiles()
	defer cancel()

	setSSEHeaders(w)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug().Msg("profile stream client disconnected")
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case snap, open := <-snapshots:
			if !open {
				return
			}
			if err := writeSSE(w, snap); err != nil {
				h.logger.Debug().Err(err).Msg("profile stream write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeSSE(w http.ResponseWriter, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
