package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Connektn/pulseboard/clock"
	"github.com/Connektn/pulseboard/config"
	"github.com/Connektn/pulseboard/counter"
	"github.com/Connektn/pulseboard/generator"
	"github.com/Connektn/pulseboard/logger"
	"github.com/Connektn/pulseboard/observability"
	"github.com/Connektn/pulseboard/pipeline"
	"github.com/Connektn/pulseboard/processor"
	"github.com/Connektn/pulseboard/redisclient"
	"github.com/Connektn/pulseboard/router"
	"github.com/Connektn/pulseboard/segment"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().Str("env", cfg.Env).Msg("pulseboard starting")

	metrics := observability.NewMetrics(log)

	pipe := pipeline.New(log, pipelineConfig(cfg), clock.System{}, metrics)
	pipe.Start(context.Background())

	// Optional Redis mirror of segment transitions.
	var rc *redisclient.Client
	var stopMirror func()
	if cfg.RedisURL != "" {
		var err error
		rc, err = redisclient.New(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("redis init failed — continuing without Redis")
		} else if err := rc.Ping(); err != nil {
			log.Warn().Err(err).Msg("redis ping failed — continuing without Redis")
			rc = nil
		} else {
			log.Info().Msg("redis connected — mirroring segment transitions")
			stopMirror = startSegmentMirror(log, pipe, rc)
		}
	}

	// Optional synthetic traffic.
	var gen *generator.Generator
	if cfg.GeneratorEnabled {
		genCfg := generator.DefaultConfig()
		genCfg.RPS = cfg.GeneratorRPS
		gen = generator.New(log, genCfg, pipe, cfg.GracePeriod)
		gen.Start(context.Background())
	}

	r := router.NewRouter(cfg, log, pipe, metrics)

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// SSE connections are long-lived; no write timeout.
		IdleTimeout: 120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("pulseboard listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	if gen != nil {
		gen.Stop()
	}
	if stopMirror != nil {
		stopMirror()
	}
	pipe.Stop()
	if rc != nil {
		_ = rc.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("pulseboard stopped gracefully")
	}
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Processor: processor.Config{
			ProcessingWindow: cfg.ProcessingWindow,
			GracePeriod:      cfg.GracePeriod,
			DedupTTL:         cfg.DedupTTL,
			DedupCacheSize:   cfg.DedupCacheSize,
			TickerInterval:   cfg.TickerInterval,
		},
		Counter: counter.Config{
			BucketSize: cfg.BucketSize,
			Window:     cfg.RollingWindow,
		},
		Segment: segment.Config{
			PowerUserThreshold: int64(cfg.PowerUserThreshold),
			PowerUserWindow:    cfg.PowerUserWindow,
			ReengageThreshold:  cfg.ReengageThreshold,
			Buffer:             cfg.SegmentBuffer,
		},
		SnapshotInterval: cfg.SnapshotInterval,
	}
}

// startSegmentMirror forwards segment transitions to Redis pub/sub. The
// SSE stream remains authoritative; publish errors are logged and skipped.
func startSegmentMirror(log zerolog.Logger, pipe *pipeline.Pipeline, rc *redisclient.Client) func() {
	events, cancel := pipe.SubscribeSegments()
	done := make(chan struct{})

	go func() {
		defer close(done)
		mirrorLog := log.With().Str("component", "segment-mirror").Logger()
		for ev := range events {
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			ctx, cancelPub := context.WithTimeout(context.Background(), 2*time.Second)
			if err := rc.Publish(ctx, redisclient.SegmentChannel, payload); err != nil {
				mirrorLog.Warn().Err(err).Msg("segment publish failed")
			}
			cancelPub()
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
