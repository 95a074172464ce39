package router

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Connektn/pulseboard/clock"
	"github.com/Connektn/pulseboard/config"
	"github.com/Connektn/pulseboard/observability"
	"github.com/Connektn/pulseboard/pipeline"
)

func testSetup() (http.Handler, *pipeline.Pipeline) {
	cfg := &config.Config{
		Addr:             ":0",
		Env:              "test",
		RateLimitEnabled: false,
		MaxBodyBytes:     1 << 20,
	}
	log := zerolog.New(io.Discard).With().Timestamp().Logger()
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	pipe := pipeline.New(log, pipeline.DefaultConfig(), clk, nil)
	metrics := observability.NewMetrics(log)
	return NewRouter(cfg, log, pipe, metrics), pipe
}

func TestHealthEndpoint(t *testing.T) {
	r, _ := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for /healthz, got %d", rw.Result().StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for /metrics, got %d", rw.Result().StatusCode)
	}
}

func TestIngestAcceptsValidEvent(t *testing.T) {
	r, _ := testSetup()

	body := `{"eventId":"e1","ts":"2024-06-01T11:59:00Z","type":"TRACK","userId":"u1","name":"Feature Used"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rw.Result().StatusCode, rw.Body.String())
	}
	if !strings.Contains(rw.Body.String(), "e1") {
		t.Fatalf("expected accepted event id in body, got %s", rw.Body.String())
	}
}

func TestIngestRejectsInvalidEvent(t *testing.T) {
	r, _ := testSetup()

	tests := []struct {
		name string
		body string
	}{
		{"missing eventId", `{"ts":"2024-06-01T11:59:00Z","type":"TRACK","userId":"u1","name":"X"}`},
		{"missing identifiers", `{"eventId":"e1","ts":"2024-06-01T11:59:00Z","type":"IDENTIFY"}`},
		{"track without name", `{"eventId":"e1","ts":"2024-06-01T11:59:00Z","type":"TRACK","userId":"u1"}`},
		{"unknown type", `{"eventId":"e1","ts":"2024-06-01T11:59:00Z","type":"PURCHASE","userId":"u1"}`},
		{"malformed json", `{"eventId":`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(tc.body))
			rw := httptest.NewRecorder()
			r.ServeHTTP(rw, req)
			if rw.Result().StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rw.Result().StatusCode)
			}
		})
	}
}

func TestProfilesListEmpty(t *testing.T) {
	r, _ := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/v1/profiles", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Result().StatusCode)
	}
}

func TestProfileNotFound(t *testing.T) {
	r, _ := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/v1/profiles/user:missing", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rw.Result().StatusCode)
	}
}

func TestPipelineStats(t *testing.T) {
	r, _ := testSetup()

	req := httptest.NewRequest(http.MethodGet, "/v1/pipeline/stats", nil)
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Result().StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Result().StatusCode)
	}
	if !strings.Contains(rw.Body.String(), "processor") {
		t.Fatalf("expected processor stats in body, got %s", rw.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	r, _ := testSetup()

	req := httptest.NewRequest(http.MethodOptions, "/v1/events", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("expected CORS Allow-Origin header on preflight response")
	}
}

func TestRateLimitHeaders(t *testing.T) {
	cfg := &config.Config{
		Addr:             ":0",
		Env:              "test",
		RateLimitEnabled: true,
		RateLimitRPM:     600,
		MaxBodyBytes:     1 << 20,
	}
	log := zerolog.New(io.Discard)
	clk := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	pipe := pipeline.New(log, pipeline.DefaultConfig(), clk, nil)
	r := NewRouter(cfg, log, pipe, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/profiles", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	rw := httptest.NewRecorder()
	r.ServeHTTP(rw, req)

	if rw.Header().Get("X-RateLimit-Limit") != "600" {
		t.Fatalf("expected rate limit headers, got %q", rw.Header().Get("X-RateLimit-Limit"))
	}
}
