package counter

import (
	"sync"
	"time"

	"github.com/Connektn/pulseboard/clock"
)

// Config controls bucketing and retention.
type Config struct {
	// BucketSize is the width of a time bucket.
	BucketSize time.Duration
	// Window is the retention; buckets older than now-Window are evictable
	// and ignored by queries.
	Window time.Duration
}

// DefaultConfig returns production defaults: 1-minute buckets, 24-hour window.
func DefaultConfig() Config {
	return Config{
		BucketSize: time.Minute,
		Window:     24 * time.Hour,
	}
}

type seriesKey struct {
	profileID string
	name      string
}

// RollingCounter maintains per-(profile, event name) time-bucketed counts
// and answers windowed queries. Appends and queries may run concurrently.
type RollingCounter struct {
	mu      sync.RWMutex
	cfg     Config
	clk     clock.Clock
	buckets map[seriesKey]map[int64]int64 // bucket start (unix sec) -> count
}

// New creates a rolling counter using the given clock.
func New(cfg Config, clk clock.Clock) *RollingCounter {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	return &RollingCounter{
		cfg:     cfg,
		clk:     clk,
		buckets: make(map[seriesKey]map[int64]int64),
	}
}

// alignTS floors ts to its bucket boundary.
func (c *RollingCounter) alignTS(ts time.Time) int64 {
	return ts.Truncate(c.cfg.BucketSize).Unix()
}

// Append increments the bucket containing ts for (profileID, name).
func (c *RollingCounter) Append(profileID, name string, ts time.Time) {
	key := seriesKey{profileID: profileID, name: name}
	start := c.alignTS(ts)

	c.mu.Lock()
	defer c.mu.Unlock()
	series, ok := c.buckets[key]
	if !ok {
		series = make(map[int64]int64)
		c.buckets[key] = series
	}
	series[start]++
}

// Count sums the buckets whose start lies in [now-window, now]. The window
// is clamped to the configured retention; buckets outside retention are
// ignored even if still present.
func (c *RollingCounter) Count(profileID, name string, window time.Duration) int64 {
	if window > c.cfg.Window {
		window = c.cfg.Window
	}
	now := c.clk.Now()
	from := now.Add(-window).Unix()
	to := now.Unix()

	c.mu.RLock()
	defer c.mu.RUnlock()
	series, ok := c.buckets[seriesKey{profileID: profileID, name: name}]
	if !ok {
		return 0
	}
	var total int64
	for start, n := range series {
		if start >= from && start <= to {
			total += n
		}
	}
	return total
}

// Snapshot returns the per-name counts for a profile over the full
// retention window.
func (c *RollingCounter) Snapshot(profileID string) map[string]int64 {
	now := c.clk.Now()
	from := now.Add(-c.cfg.Window).Unix()
	to := now.Unix()

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int64)
	for key, series := range c.buckets {
		if key.profileID != profileID {
			continue
		}
		var total int64
		for start, n := range series {
			if start >= from && start <= to {
				total += n
			}
		}
		if total > 0 {
			out[key.name] = total
		}
	}
	return out
}

// EvictOldBuckets drops buckets strictly older than now-Window. Eviction is
// not required for query correctness; it bounds memory. The pipeline runs
// it on a periodic sweep outside the handler path.
func (c *RollingCounter) EvictOldBuckets() int {
	cutoff := c.clk.Now().Add(-c.cfg.Window).Unix()

	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, series := range c.buckets {
		for start := range series {
			if start < cutoff {
				delete(series, start)
				evicted++
			}
		}
		if len(series) == 0 {
			delete(c.buckets, key)
		}
	}
	return evicted
}
