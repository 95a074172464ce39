package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all pulseboard configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration
	MaxBodyBytes    int64

	// Redis (optional segment transition mirror)
	RedisURL string

	// Rate limiting on the ingest surface
	RateLimitEnabled bool
	RateLimitRPM     int

	// Event processor
	ProcessingWindow time.Duration
	GracePeriod      time.Duration
	DedupTTL         time.Duration
	DedupCacheSize   int
	TickerInterval   time.Duration

	// Rolling counter
	RollingWindow time.Duration
	BucketSize    time.Duration

	// Segments
	ReengageThreshold  time.Duration
	PowerUserThreshold int
	PowerUserWindow    time.Duration
	SegmentBuffer      int

	// Outbound snapshots
	SnapshotInterval time.Duration

	// Synthetic traffic generator
	GeneratorEnabled bool
	GeneratorRPS     int

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Addr:            getEnv("PULSEBOARD_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(getEnvInt("GRACEFUL_TIMEOUT_SEC", 15)) * time.Second,
		MaxBodyBytes:    int64(getEnvInt("MAX_BODY_BYTES", 1*1024*1024)),

		RedisURL: getEnv("REDIS_URL", ""),

		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:     getEnvInt("RATE_LIMIT_RPM", 600),

		ProcessingWindow: getEnvDur("PROCESSING_WINDOW", 5*time.Second),
		GracePeriod:      getEnvDur("GRACE_PERIOD", 120*time.Second),
		DedupTTL:         getEnvDur("DEDUP_TTL", 10*time.Minute),
		DedupCacheSize:   getEnvInt("DEDUP_CACHE_SIZE", 4096),
		TickerInterval:   getEnvDur("TICKER_INTERVAL", time.Second),

		RollingWindow: getEnvDur("ROLLING_WINDOW", 24*time.Hour),
		BucketSize:    getEnvDur("BUCKET_SIZE", time.Minute),

		ReengageThreshold:  getEnvDur("REENGAGE_THRESHOLD", 10*time.Minute),
		PowerUserThreshold: getEnvInt("POWER_USER_THRESHOLD", 5),
		PowerUserWindow:    getEnvDur("POWER_USER_WINDOW", 24*time.Hour),
		SegmentBuffer:      getEnvInt("SEGMENT_BUFFER", 1000),

		SnapshotInterval: getEnvDur("SNAPSHOT_INTERVAL", 2*time.Second),

		GeneratorEnabled: getEnvBool("GENERATOR_ENABLED", false),
		GeneratorRPS:     getEnvInt("GENERATOR_RPS", 20),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// Validate rejects misconfiguration eagerly at startup.
func (c *Config) Validate() error {
	if c.ProcessingWindow <= 0 {
		return fmt.Errorf("PROCESSING_WINDOW must be positive, got %s", c.ProcessingWindow)
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("GRACE_PERIOD must be positive, got %s", c.GracePeriod)
	}
	if c.ProcessingWindow > c.GracePeriod {
		return fmt.Errorf("PROCESSING_WINDOW (%s) must not exceed GRACE_PERIOD (%s)", c.ProcessingWindow, c.GracePeriod)
	}
	if c.TickerInterval <= 0 {
		return fmt.Errorf("TICKER_INTERVAL must be positive, got %s", c.TickerInterval)
	}
	if c.DedupTTL <= 0 {
		return fmt.Errorf("DEDUP_TTL must be positive, got %s", c.DedupTTL)
	}
	if c.BucketSize <= 0 || c.RollingWindow <= 0 {
		return fmt.Errorf("BUCKET_SIZE and ROLLING_WINDOW must be positive")
	}
	if c.BucketSize > c.RollingWindow {
		return fmt.Errorf("BUCKET_SIZE (%s) must not exceed ROLLING_WINDOW (%s)", c.BucketSize, c.RollingWindow)
	}
	if c.PowerUserWindow > c.RollingWindow {
		return fmt.Errorf("POWER_USER_WINDOW (%s) must not exceed ROLLING_WINDOW (%s)", c.PowerUserWindow, c.RollingWindow)
	}
	if c.PowerUserThreshold <= 0 {
		return fmt.Errorf("POWER_USER_THRESHOLD must be positive, got %d", c.PowerUserThreshold)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDur(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
