package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Connektn/pulseboard/config"
	"github.com/Connektn/pulseboard/handler"
	pbmw "github.com/Connektn/pulseboard/middleware"
	"github.com/Connektn/pulseboard/observability"
	"github.com/Connektn/pulseboard/pipeline"
)

// NewRouter returns a configured chi Router with the middleware chain and
// all API routes mounted. metrics may be nil.
func NewRouter(cfg *config.Config, appLogger zerolog.Logger, pipe *pipeline.Pipeline, metrics *observability.Metrics) http.Handler {
	r := chi.NewRouter()

	// --- Middleware Chain (order matters) ---
	// CORS first so preflight responses succeed.
	r.Use(pbmw.CORSMiddleware([]string{"*"}))
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(mwRequestLogger(appLogger))
	r.Use(mwMaxBodySize(cfg.MaxBodyBytes))

	// --- Health endpoints ---
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"pulseboard"}`))
	})

	if metrics != nil {
		r.Get("/metrics", metrics.Handler())
	}

	// --- API Routes ---
	ingestHandler := handler.NewIngestHandler(appLogger, pipe, metrics)
	profilesHandler := handler.NewProfilesHandler(appLogger, pipe)
	streamHandler := handler.NewStreamHandler(appLogger, pipe)
	rateLimiter := pbmw.NewRateLimiter(appLogger, cfg.RateLimitEnabled, cfg.RateLimitRPM)

	r.Route("/v1", func(r chi.Router) {
		r.Use(rateLimiter.Handler)

		r.Post("/events", ingestHandler.Ingest)

		r.Get("/profiles", profilesHandler.List)
		r.Get("/profiles/{id}", profilesHandler.Get)
		r.Get("/pipeline/stats", profilesHandler.Stats)

		r.Get("/stream/segments", streamHandler.Segments)
		r.Get("/stream/profiles", streamHandler.Profiles)
	})

	return r
}

// mwMaxBodySize returns middleware that limits the request body size.
func mwMaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 1 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func mwRequestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			dur := time.Since(start)
			reqID := chimw.GetReqID(r.Context())
			appLogger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", reqID).
				Int("status", rw.Status()).
				Dur("duration", dur).
				Msg("request completed")
		})
	}
}
