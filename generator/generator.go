package generator

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Connektn/pulseboard/event"
	"github.com/Connektn/pulseboard/pipeline"
)

// Config controls the synthetic traffic shape.
type Config struct {
	// RPS is the target events per second.
	RPS int
	// Users is the size of the simulated user pool.
	Users int
	// DuplicateRatio is the fraction of events resubmitted with the same
	// event ID.
	DuplicateRatio float64
	// StragglerRatio is the fraction of events stamped beyond the grace
	// period, exercising the too-late drop path.
	StragglerRatio float64
	// MaxLateness is the jitter applied to event timestamps.
	MaxLateness time.Duration
}

// DefaultConfig returns traffic defaults.
func DefaultConfig() Config {
	return Config{
		RPS:            20,
		Users:          50,
		DuplicateRatio: 0.05,
		StragglerRatio: 0.01,
		MaxLateness:    30 * time.Second,
	}
}

// Generator emits synthetic IDENTIFY/TRACK/ALIAS traffic with out-of-order
// timestamps, duplicates, and occasional beyond-grace stragglers so the
// whole pipeline is exercised without a real event source.
type Generator struct {
	logger zerolog.Logger
	cfg    Config
	pipe   *pipeline.Pipeline
	rng    *rand.Rand

	mu     sync.Mutex
	recent []event.Event

	cancel context.CancelFunc
	done   chan struct{}
	grace  time.Duration
}

// New creates a generator publishing into pipe. grace is the pipeline's
// grace period, used to stamp stragglers just beyond it.
func New(logger zerolog.Logger, cfg Config, pipe *pipeline.Pipeline, grace time.Duration) *Generator {
	if cfg.RPS <= 0 {
		cfg.RPS = 20
	}
	if cfg.Users <= 0 {
		cfg.Users = 50
	}
	if cfg.MaxLateness <= 0 {
		cfg.MaxLateness = 30 * time.Second
	}
	return &Generator{
		logger: logger.With().Str("component", "generator").Logger(),
		cfg:    cfg,
		pipe:   pipe,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		grace:  grace,
	}
}

// Start begins emitting traffic. Call Stop to shut it down.
func (g *Generator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})

	interval := time.Second / time.Duration(g.cfg.RPS)
	g.logger.Info().Int("rps", g.cfg.RPS).Int("users", g.cfg.Users).Msg("traffic generator started")

	go func() {
		defer close(g.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.emit()
			}
		}
	}()
}

// Stop shuts the generator down and waits for it to finish.
func (g *Generator) Stop() {
	if g.cancel != nil {
		g.cancel()
		<-g.done
	}
	g.logger.Info().Msg("traffic generator stopped")
}

func (g *Generator) emit() {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Resubmit a recent event unchanged to exercise deduplication.
	if len(g.recent) > 0 && g.rng.Float64() < g.cfg.DuplicateRatio {
		g.pipe.Publish(g.recent[g.rng.Intn(len(g.recent))])
		return
	}

	e := g.nextEvent()
	g.recent = append(g.recent, e)
	if len(g.recent) > 256 {
		g.recent = g.recent[1:]
	}
	g.pipe.Publish(e)
}

func (g *Generator) nextEvent() event.Event {
	userN := g.rng.Intn(g.cfg.Users)
	userID := fmt.Sprintf("u%d", userN)
	anonID := fmt.Sprintf("anon-%d", userN)

	e := event.Event{
		EventID: uuid.NewString(),
		TS:      g.timestamp(),
	}

	switch roll := g.rng.Float64(); {
	case roll < 0.60:
		e.Kind = event.KindTrack
		e.UserID = userID
		e.Name = g.trackName()
		e.Properties = map[string]interface{}{"source": "generator"}
	case roll < 0.80:
		e.Kind = event.KindIdentify
		e.UserID = userID
		e.Email = fmt.Sprintf("%s@example.com", userID)
		e.Traits = map[string]interface{}{
			"plan":    g.plan(),
			"country": g.country(),
		}
	case roll < 0.90:
		e.Kind = event.KindAlias
		e.UserID = userID
		e.AnonymousID = anonID
	default:
		// Pre-identification anonymous activity.
		e.Kind = event.KindTrack
		e.AnonymousID = anonID
		e.Name = g.trackName()
	}
	return e
}

// timestamp applies random lateness; a small fraction lands beyond the
// grace period to exercise the drop path.
func (g *Generator) timestamp() time.Time {
	now := time.Now().UTC()
	if g.rng.Float64() < g.cfg.StragglerRatio {
		return now.Add(-g.grace - time.Minute)
	}
	lateness := time.Duration(g.rng.Int63n(int64(g.cfg.MaxLateness)))
	return now.Add(-lateness)
}

func (g *Generator) trackName() string {
	names := []string{event.FeatureUsed, event.FeatureUsed, "Page Viewed", "Button Clicked"}
	return names[g.rng.Intn(len(names))]
}

func (g *Generator) plan() string {
	plans := []string{"pro", "basic", "free"}
	return plans[g.rng.Intn(len(plans))]
}

func (g *Generator) country() string {
	countries := []string{"US", "DE", "NL", "GB", "FR"}
	return countries[g.rng.Intn(len(countries))]
}
