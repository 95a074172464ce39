package pipeline

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Connektn/pulseboard/clock"
	"github.com/Connektn/pulseboard/counter"
	"github.com/Connektn/pulseboard/event"
	"github.com/Connektn/pulseboard/identity"
	"github.com/Connektn/pulseboard/observability"
	"github.com/Connektn/pulseboard/processor"
	"github.com/Connektn/pulseboard/profile"
	"github.com/Connektn/pulseboard/segment"
	"github.com/Connektn/pulseboard/stream"
)

// Config aggregates the subsystem configurations plus the pipeline's own
// knobs.
type Config struct {
	Processor processor.Config
	Counter   counter.Config
	Segment   segment.Config

	// SnapshotInterval throttles outbound profile snapshots: at most one
	// per profile per interval.
	SnapshotInterval time.Duration
	// InboundBuffer is the inbound broadcast capacity.
	InboundBuffer int
	// ProfileBuffer is the outbound profile snapshot broadcast capacity.
	ProfileBuffer int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Processor:        processor.DefaultConfig(),
		Counter:          counter.DefaultConfig(),
		Segment:          segment.DefaultConfig(),
		SnapshotInterval: 2 * time.Second,
		InboundBuffer:    10000,
		ProfileBuffer:    1000,
	}
}

// ProfileSnapshot is the outbound profile view for streaming and listing.
type ProfileSnapshot struct {
	ProfileID        string              `json:"profileId"`
	Plan             *string             `json:"plan"`
	Country          *string             `json:"country"`
	LastSeen         time.Time           `json:"lastSeen"`
	Identifiers      profile.Identifiers `json:"identifiers"`
	FeatureUsedCount int64               `json:"featureUsedCount"`
}

// Stats aggregates pipeline-wide counters.
type Stats struct {
	Processor        processor.Stats `json:"processor"`
	Profiles         int             `json:"profiles"`
	Identifiers      int             `json:"identifiers"`
	SegmentsEmitted  int64           `json:"segments_emitted"`
	SegmentsDropped  int64           `json:"segments_dropped"`
	SnapshotsDropped int64           `json:"snapshots_dropped"`
	InboundDropped   int64           `json:"inbound_dropped"`
}

// Pipeline owns the CDP core: it consumes inbound events, resolves
// identity, reorders and deduplicates via the processor, applies profile
// and counter updates, and drives segment evaluation. The processor's
// drain handler is the sole mutator of per-profile state.
type Pipeline struct {
	logger  zerolog.Logger
	cfg     Config
	clk     clock.Clock
	metrics *observability.Metrics

	graph    *identity.Graph
	store    *profile.Store
	counters *counter.RollingCounter
	engine   *segment.Engine
	proc     *processor.Processor

	inbound     *stream.Broadcast[event.Event]
	profilesOut *stream.Broadcast[ProfileSnapshot]

	snapMu   sync.Mutex
	lastSnap map[string]time.Time

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a pipeline and its subsystems. metrics may be nil.
func New(logger zerolog.Logger, cfg Config, clk clock.Clock, metrics *observability.Metrics) *Pipeline {
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 2 * time.Second
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = 10000
	}
	if cfg.ProfileBuffer <= 0 {
		cfg.ProfileBuffer = 1000
	}

	counters := counter.New(cfg.Counter, clk)
	p := &Pipeline{
		logger:      logger.With().Str("component", "pipeline").Logger(),
		cfg:         cfg,
		clk:         clk,
		metrics:     metrics,
		graph:       identity.NewGraph(),
		store:       profile.NewStore(),
		counters:    counters,
		engine:      segment.NewEngine(logger, cfg.Segment, clk, counters),
		proc:        processor.New(logger, cfg.Processor, clk, metrics),
		inbound:     stream.NewBroadcast[event.Event](cfg.InboundBuffer),
		profilesOut: stream.NewBroadcast[ProfileSnapshot](cfg.ProfileBuffer),
		lastSnap:    make(map[string]time.Time),
	}
	p.proc.OnDrain(p.handleEvent)
	return p
}

// Accessors for external collaborators and tests.

func (p *Pipeline) Graph() *identity.Graph          { return p.graph }
func (p *Pipeline) Store() *profile.Store           { return p.store }
func (p *Pipeline) Counters() *counter.RollingCounter { return p.counters }
func (p *Pipeline) Engine() *segment.Engine         { return p.engine }
func (p *Pipeline) Processor() *processor.Processor { return p.proc }

// Publish places an event on the inbound stream. Non-blocking.
func (p *Pipeline) Publish(e event.Event) {
	p.inbound.Publish(e)
}

// Submit resolves the event's identity and admits it into the reordering
// buffer. The inbound consumer calls this for every published event.
func (p *Pipeline) Submit(e event.Event) error {
	ids := namespacedIdentifiers(e)
	canonicalID, err := p.graph.CanonicalIDFor(ids)
	if err != nil {
		return err
	}
	p.proc.Submit(canonicalID, e)
	return nil
}

// SubscribeSegments registers a consumer of segment transitions.
func (p *Pipeline) SubscribeSegments() (<-chan segment.Event, func()) {
	return p.engine.Subscribe()
}

// SubscribeProfiles registers a consumer of throttled profile snapshots.
func (p *Pipeline) SubscribeProfiles() (<-chan ProfileSnapshot, func()) {
	return p.profilesOut.Subscribe()
}

// Start launches the processor ticker, the inbound consumer, and the
// counter eviction sweep.
func (p *Pipeline) Start(ctx context.Context) {
	p.runMu.Lock()
	if p.running {
		p.runMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	done := p.done
	p.runMu.Unlock()

	p.proc.Start(ctx)

	events, cancelSub := p.inbound.Subscribe()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if err := p.Submit(e); err != nil {
					p.logger.Warn().Err(err).Str("event_id", e.EventID).Msg("event rejected")
				}
			}
		}
	}()

	// Counter bucket eviction runs outside the handler path.
	sweepInterval := p.cfg.Counter.BucketSize
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if evicted := p.counters.EvictOldBuckets(); evicted > 0 {
					p.logger.Debug().Int("buckets", evicted).Msg("evicted rolling counter buckets")
				}
			}
		}
	}()

	go func() {
		wg.Wait()
		cancelSub()
		close(done)
	}()

	p.logger.Info().Msg("pipeline started")
}

// Stop shuts down the consumer, sweep, and processor, then closes the
// outbound streams. Idempotent.
func (p *Pipeline) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.runMu.Unlock()

	cancel()
	<-done
	p.proc.Stop()
	p.engine.Close()
	p.profilesOut.Close()
	p.inbound.Close()
	p.logger.Info().Msg("pipeline stopped")
}

// handleEvent applies one drained event. It runs on the processor's ticker
// goroutine, which serializes all per-profile mutations.
func (p *Pipeline) handleEvent(profileID string, e event.Event) {
	p.store.MergeIdentifiers(profileID, rawIdentifiers(e))
	if len(e.Traits) > 0 {
		p.store.MergeTraits(profileID, e.Traits, e.TS)
	}
	p.store.UpdateLastSeen(profileID, e.TS)
	if e.Kind == event.KindTrack {
		p.counters.Append(profileID, e.Name, e.TS)
	}
	p.store.UpdateCounters(profileID, p.counters.Snapshot(profileID))

	prof, ok := p.store.Get(profileID)
	if !ok {
		return
	}
	current := p.engine.EvaluateAndEmit(prof)
	p.store.UpdateSegments(profileID, current)

	p.publishSnapshot(profileID)
}

// publishSnapshot emits the profile's outbound snapshot, throttled to one
// per profile per SnapshotInterval.
func (p *Pipeline) publishSnapshot(profileID string) {
	now := p.clk.Now()
	p.snapMu.Lock()
	if last, ok := p.lastSnap[profileID]; ok && now.Sub(last) < p.cfg.SnapshotInterval {
		p.snapMu.Unlock()
		return
	}
	p.lastSnap[profileID] = now
	p.snapMu.Unlock()

	if snap, ok := p.Snapshot(profileID); ok {
		p.profilesOut.Publish(snap)
	}
}

// Snapshot builds the outbound view of one profile.
func (p *Pipeline) Snapshot(profileID string) (ProfileSnapshot, bool) {
	prof, ok := p.store.Get(profileID)
	if !ok {
		return ProfileSnapshot{}, false
	}
	return p.snapshotOf(prof), true
}

// Snapshots returns all profiles as outbound snapshots, most recently seen
// first.
func (p *Pipeline) Snapshots() []ProfileSnapshot {
	profiles := p.store.All()
	out := make([]ProfileSnapshot, 0, len(profiles))
	for _, prof := range profiles {
		out = append(out, p.snapshotOf(prof))
	}
	sortSnapshots(out)
	return out
}

func (p *Pipeline) snapshotOf(prof profile.Profile) ProfileSnapshot {
	snap := ProfileSnapshot{
		ProfileID:        prof.ProfileID,
		LastSeen:         prof.LastSeen,
		Identifiers:      prof.Identifiers,
		FeatureUsedCount: p.counters.Count(prof.ProfileID, event.FeatureUsed, p.cfg.Segment.PowerUserWindow),
	}
	if plan, ok := prof.Traits["plan"].(string); ok {
		snap.Plan = &plan
	}
	if country, ok := prof.Traits["country"].(string); ok {
		snap.Country = &country
	}
	return snap
}

func sortSnapshots(snaps []ProfileSnapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].LastSeen.After(snaps[j].LastSeen)
	})
}

// Stats returns pipeline-wide counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Processor:        p.proc.Stats(),
		Profiles:         p.store.Len(),
		Identifiers:      p.graph.Size(),
		SegmentsEmitted:  p.engine.Emitted(),
		SegmentsDropped:  p.engine.Dropped(),
		SnapshotsDropped: p.profilesOut.Dropped(),
		InboundDropped:   p.inbound.Dropped(),
	}
}

// namespacedIdentifiers returns the event's identifiers in namespaced form
// for the identity graph: user ID, then email, then anonymous ID. The
// canonical root does not depend on this order. All present identifiers are passed, so an
// ALIAS linking an anonymous ID to a user ID merges the two profiles.
func namespacedIdentifiers(e event.Event) []string {
	var ids []string
	if v := strings.TrimSpace(e.UserID); v != "" {
		ids = append(ids, identity.NamespaceUser+":"+v)
	}
	if v := strings.TrimSpace(e.Email); v != "" {
		ids = append(ids, identity.NamespaceEmail+":"+strings.ToLower(v))
	}
	if v := strings.TrimSpace(e.AnonymousID); v != "" {
		ids = append(ids, identity.NamespaceAnon+":"+v)
	}
	return ids
}

// rawIdentifiers returns the event's identifiers without namespace
// prefixes, the form stored on the profile.
func rawIdentifiers(e event.Event) profile.Identifiers {
	var ids profile.Identifiers
	if v := strings.TrimSpace(e.UserID); v != "" {
		ids.UserIDs = append(ids.UserIDs, v)
	}
	if v := strings.TrimSpace(e.Email); v != "" {
		ids.Emails = append(ids.Emails, strings.ToLower(v))
	}
	if v := strings.TrimSpace(e.AnonymousID); v != "" {
		ids.AnonymousIDs = append(ids.AnonymousIDs, v)
	}
	return ids
}
