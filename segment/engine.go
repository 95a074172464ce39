package segment

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Connektn/pulseboard/clock"
	"github.com/Connektn/pulseboard/counter"
	"github.com/Connektn/pulseboard/event"
	"github.com/Connektn/pulseboard/profile"
	"github.com/Connektn/pulseboard/stream"
)

// Segment catalog. The catalog is fixed; membership predicates live in
// Evaluate.
const (
	PowerUser = "power_user"
	ProPlan   = "pro_plan"
	Reengage  = "reengage"
)

// Action is a membership transition direction.
type Action string

const (
	ActionEnter Action = "ENTER"
	ActionExit  Action = "EXIT"
)

// Event is an emitted segment transition.
type Event struct {
	ProfileID string    `json:"profileId"`
	Segment   string    `json:"segment"`
	Action    Action    `json:"action"`
	TS        time.Time `json:"ts"`
}

// Config holds the segment thresholds.
type Config struct {
	// PowerUserThreshold is the minimum rolling "Feature Used" count.
	PowerUserThreshold int64
	// PowerUserWindow is the rolling window for the power_user count.
	PowerUserWindow time.Duration
	// ReengageThreshold is the inactivity duration after which a profile
	// enters reengage (strict comparison).
	ReengageThreshold time.Duration
	// Buffer is the outbound broadcast capacity.
	Buffer int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PowerUserThreshold: 5,
		PowerUserWindow:    24 * time.Hour,
		ReengageThreshold:  10 * time.Minute,
		Buffer:             1000,
	}
}

// Engine computes segment membership for profiles and diff-emits ENTER/EXIT
// transitions on a bounded broadcast stream. Evaluate is pure; state lives
// only in the last-emitted set per profile.
type Engine struct {
	logger   zerolog.Logger
	cfg      Config
	clk      clock.Clock
	counters *counter.RollingCounter

	mu   sync.Mutex
	prev map[string]map[string]struct{}

	out     *stream.Broadcast[Event]
	emitted int64
}

// NewEngine creates a segment engine reading rolling counts from counters.
func NewEngine(logger zerolog.Logger, cfg Config, clk clock.Clock, counters *counter.RollingCounter) *Engine {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1000
	}
	return &Engine{
		logger:   logger.With().Str("component", "segment-engine").Logger(),
		cfg:      cfg,
		clk:      clk,
		counters: counters,
		prev:     make(map[string]map[string]struct{}),
		out:      stream.NewBroadcast[Event](cfg.Buffer),
	}
}

// Evaluate returns the sorted set of segments p belongs to at the current
// clock reading. It mutates nothing.
func (e *Engine) Evaluate(p profile.Profile) []string {
	now := e.clk.Now()
	var segments []string

	if e.counters.Count(p.ProfileID, event.FeatureUsed, e.cfg.PowerUserWindow) >= e.cfg.PowerUserThreshold {
		segments = append(segments, PowerUser)
	}
	if plan, ok := p.Traits["plan"].(string); ok && plan == "pro" {
		segments = append(segments, ProPlan)
	}
	if now.Sub(p.LastSeen) > e.cfg.ReengageThreshold {
		segments = append(segments, Reengage)
	}

	sort.Strings(segments)
	return segments
}

// EvaluateAndEmit computes the current set, emits ENTER for additions and
// EXIT for removals relative to the last evaluation, and records the new
// set. The first evaluation diffs against the empty set.
func (e *Engine) EvaluateAndEmit(p profile.Profile) []string {
	current := e.Evaluate(p)
	now := e.clk.Now()

	currentSet := make(map[string]struct{}, len(current))
	for _, s := range current {
		currentSet[s] = struct{}{}
	}

	e.mu.Lock()
	prev := e.prev[p.ProfileID]
	e.prev[p.ProfileID] = currentSet
	e.mu.Unlock()

	for _, s := range current {
		if _, ok := prev[s]; !ok {
			e.emit(Event{ProfileID: p.ProfileID, Segment: s, Action: ActionEnter, TS: now})
		}
	}
	for s := range prev {
		if _, ok := currentSet[s]; !ok {
			e.emit(Event{ProfileID: p.ProfileID, Segment: s, Action: ActionExit, TS: now})
		}
	}
	return current
}

func (e *Engine) emit(ev Event) {
	atomic.AddInt64(&e.emitted, 1)
	e.logger.Debug().
		Str("profile_id", ev.ProfileID).
		Str("segment", ev.Segment).
		Str("action", string(ev.Action)).
		Msg("segment transition")
	e.out.Publish(ev)
}

// Subscribe registers a consumer of segment transitions.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.out.Subscribe()
}

// Emitted returns the total number of transitions emitted.
func (e *Engine) Emitted() int64 {
	return atomic.LoadInt64(&e.emitted)
}

// Dropped returns transitions evicted due to slow subscribers.
func (e *Engine) Dropped() int64 {
	return e.out.Dropped()
}

// Close shuts down the outbound stream.
func (e *Engine) Close() {
	e.out.Close()
}
