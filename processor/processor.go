package processor

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/Connektn/pulseboard/clock"
	"github.com/Connektn/pulseboard/event"
	"github.com/Connektn/pulseboard/observability"
)

// Handler consumes events drained from the reordering buffer. It runs on
// the ticker goroutine and must not block indefinitely.
type Handler func(profileID string, e event.Event)

// Config controls watermarks, deduplication, and the drain ticker.
type Config struct {
	// ProcessingWindow delays delivery so late arrivals can be merged into
	// order. The drain watermark is now - ProcessingWindow.
	ProcessingWindow time.Duration
	// GracePeriod is the admission threshold; events older than
	// now - GracePeriod are discarded.
	GracePeriod time.Duration
	// DedupTTL is the per-profile seen-event expiry.
	DedupTTL time.Duration
	// DedupCacheSize bounds each profile's dedup cache.
	DedupCacheSize int
	// TickerInterval is the drain cadence.
	TickerInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ProcessingWindow: 5 * time.Second,
		GracePeriod:      120 * time.Second,
		DedupTTL:         10 * time.Minute,
		DedupCacheSize:   4096,
		TickerInterval:   time.Second,
	}
}

// Stats is a snapshot of the processor counters.
type Stats struct {
	Buffered       int64 `json:"buffered"`
	Processed      int64 `json:"processed"`
	DedupHits      int64 `json:"dedup_hits"`
	LateAccepted   int64 `json:"late_accepted"`
	DroppedTooLate int64 `json:"dropped_too_late"`
	HandlerPanics  int64 `json:"handler_panics"`
	WatermarkLagMs int64 `json:"watermark_lag_ms"`
}

// eventHeap is a min-heap of events keyed by timestamp. Pop order is the
// delivery order; ties on equal timestamps are unspecified but stable
// within a single drain pass.
type eventHeap []event.Event

func (h eventHeap) Len() int            { return len(h) }
func (h eventHeap) Less(i, j int) bool  { return h[i].TS.Before(h[j].TS) }
func (h eventHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x interface{}) { *h = append(*h, x.(event.Event)) }
func (h *eventHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// profileBuffer is the per-profile reordering state: a timestamp min-heap
// plus the dedup cache. Duplicates are scoped to the profile.
type profileBuffer struct {
	mu   sync.Mutex
	heap eventHeap
	seen *expirable.LRU[string, struct{}]
}

// Processor buffers out-of-order events per profile and delivers them to
// the registered handler in non-decreasing timestamp order once they age
// past the processing watermark. Submit never blocks and never fails;
// drops are counted, not signaled.
type Processor struct {
	logger  zerolog.Logger
	cfg     Config
	clk     clock.Clock
	metrics *observability.Metrics

	handlerMu sync.RWMutex
	handler   Handler

	mu       sync.Mutex
	profiles map[string]*profileBuffer
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}

	buffered       int64
	processed      int64
	dedupHits      int64
	lateAccepted   int64
	droppedTooLate int64
	handlerPanics  int64
	watermarkLagMs int64
}

// New creates a processor. metrics may be nil.
func New(logger zerolog.Logger, cfg Config, clk clock.Clock, metrics *observability.Metrics) *Processor {
	if cfg.ProcessingWindow <= 0 {
		cfg.ProcessingWindow = 5 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 120 * time.Second
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = 4096
	}
	if cfg.TickerInterval <= 0 {
		cfg.TickerInterval = time.Second
	}
	return &Processor{
		logger:   logger.With().Str("component", "event-processor").Logger(),
		cfg:      cfg,
		clk:      clk,
		metrics:  metrics,
		profiles: make(map[string]*profileBuffer),
	}
}

// OnDrain registers the downstream handler.
func (p *Processor) OnDrain(h Handler) {
	p.handlerMu.Lock()
	p.handler = h
	p.handlerMu.Unlock()
}

func (p *Processor) buffer(profileID string) *profileBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.profiles[profileID]
	if !ok {
		b = &profileBuffer{
			seen: expirable.NewLRU[string, struct{}](p.cfg.DedupCacheSize, nil, p.cfg.DedupTTL),
		}
		p.profiles[profileID] = b
	}
	return b
}

// Submit admits an event into the profile's reordering buffer. Duplicates
// (by event ID, within the dedup TTL) and events older than the grace
// cutoff are dropped silently. Safe for concurrent producers.
func (p *Processor) Submit(profileID string, e event.Event) {
	b := p.buffer(profileID)
	now := p.clk.Now()

	b.mu.Lock()
	if b.seen.Contains(e.EventID) {
		b.mu.Unlock()
		atomic.AddInt64(&p.dedupHits, 1)
		if p.metrics != nil {
			p.metrics.IncDedupHit()
		}
		return
	}
	if e.TS.Before(now.Add(-p.cfg.GracePeriod)) {
		b.mu.Unlock()
		atomic.AddInt64(&p.droppedTooLate, 1)
		if p.metrics != nil {
			p.metrics.IncDroppedTooLate()
		}
		p.logger.Warn().
			Str("event_id", e.EventID).
			Str("profile_id", profileID).
			Time("ts", e.TS).
			Dur("grace_period", p.cfg.GracePeriod).
			Msg("event dropped: beyond grace period")
		return
	}
	if e.TS.Before(now.Add(-p.cfg.ProcessingWindow)) {
		atomic.AddInt64(&p.lateAccepted, 1)
		if p.metrics != nil {
			p.metrics.IncLateAccepted()
		}
	}
	b.seen.Add(e.EventID, struct{}{})
	heap.Push(&b.heap, e)
	b.mu.Unlock()

	buffered := atomic.AddInt64(&p.buffered, 1)
	if p.metrics != nil {
		p.metrics.SetBufferedEvents(buffered)
	}
}

// Tick recomputes the processing watermark and drains every profile buffer
// in timestamp order, invoking the handler on the caller's goroutine. The
// background ticker calls it every TickerInterval; tests call it directly.
func (p *Processor) Tick() {
	now := p.clk.Now()
	wproc := now.Add(-p.cfg.ProcessingWindow)

	p.mu.Lock()
	ids := make([]string, 0, len(p.profiles))
	bufs := make([]*profileBuffer, 0, len(p.profiles))
	for id, b := range p.profiles {
		ids = append(ids, id)
		bufs = append(bufs, b)
	}
	p.mu.Unlock()

	var drainedTotal int64
	var oldest time.Time

	for i, b := range bufs {
		b.mu.Lock()
		var drained []event.Event
		for b.heap.Len() > 0 && !b.heap[0].TS.After(wproc) {
			drained = append(drained, heap.Pop(&b.heap).(event.Event))
		}
		if b.heap.Len() > 0 {
			min := b.heap[0].TS
			if oldest.IsZero() || min.Before(oldest) {
				oldest = min
			}
		}
		b.mu.Unlock()

		for _, e := range drained {
			p.deliver(ids[i], e)
		}
		drainedTotal += int64(len(drained))
	}

	if drainedTotal > 0 {
		atomic.AddInt64(&p.processed, drainedTotal)
		buffered := atomic.AddInt64(&p.buffered, -drainedTotal)
		if p.metrics != nil {
			p.metrics.AddProcessedEvents(drainedTotal)
			p.metrics.SetBufferedEvents(buffered)
		}
	}

	var lagMs int64
	if !oldest.IsZero() {
		if lag := now.Sub(oldest); lag > 0 {
			lagMs = lag.Milliseconds()
		}
	}
	atomic.StoreInt64(&p.watermarkLagMs, lagMs)
	if p.metrics != nil {
		p.metrics.SetWatermarkLagMs(lagMs)
	}
}

// deliver invokes the handler with panic recovery. A panicking handler
// consumes the event: at-most-once from the processor's view.
func (p *Processor) deliver(profileID string, e event.Event) {
	p.handlerMu.RLock()
	h := p.handler
	p.handlerMu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.handlerPanics, 1)
			p.logger.Error().
				Interface("panic", r).
				Str("event_id", e.EventID).
				Str("profile_id", profileID).
				Msg("handler panicked; event consumed")
		}
	}()
	h(profileID, e)
}

// Start launches the background drain ticker. Call Stop to shut it down.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	done := p.done
	p.mu.Unlock()

	p.logger.Info().
		Dur("ticker_interval", p.cfg.TickerInterval).
		Dur("processing_window", p.cfg.ProcessingWindow).
		Dur("grace_period", p.cfg.GracePeriod).
		Msg("event processor started")

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.TickerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Tick()
			}
		}
	}()
}

// Stop cancels the ticker and waits for it to finish. Idempotent.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info().Msg("event processor stopped")
}

// Clear stops the processor and wipes all buffered state. Test-only.
func (p *Processor) Clear() {
	p.Stop()
	p.mu.Lock()
	p.profiles = make(map[string]*profileBuffer)
	p.mu.Unlock()
	atomic.StoreInt64(&p.buffered, 0)
	if p.metrics != nil {
		p.metrics.SetBufferedEvents(0)
	}
}

// Stats returns a snapshot of the processor counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Buffered:       atomic.LoadInt64(&p.buffered),
		Processed:      atomic.LoadInt64(&p.processed),
		DedupHits:      atomic.LoadInt64(&p.dedupHits),
		LateAccepted:   atomic.LoadInt64(&p.lateAccepted),
		DroppedTooLate: atomic.LoadInt64(&p.droppedTooLate),
		HandlerPanics:  atomic.LoadInt64(&p.handlerPanics),
		WatermarkLagMs: atomic.LoadInt64(&p.watermarkLagMs),
	}
}
