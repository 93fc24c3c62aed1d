package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds intake pipeline and source fan-out configuration.
type Config struct {
	// Database
	PostgresDSN string
	PGSchema    string
	PGMaxConns  int
	PGBatchSize int
	DBTimeout   time.Duration // ceiling for one prefetch or apply round-trip

	// Pipeline
	DestCountry    string  // destination country for landed-price rules
	MatchThreshold float64 // minimum matcher confidence for auto-linking
	NotifyAbove    float64 // confidence that triggers a notification on link
	SnapshotDir    string  // raw batch audit snapshots (empty disables)

	// Sentinel thresholds (fractions of the reference band mean)
	PriceBandAbove  float64
	PriceBandBelow  float64
	FingerprintDist int

	// Sources
	SourceParallelism int
	SourceTimeout     time.Duration
	RatePerSecond     float64
	RateBurst         int
	BreakerThreshold  int
	BreakerCooldown   time.Duration

	// Notifications
	NotifyURL      string
	NotifyTimeout  time.Duration
	NotifyThrottle time.Duration

	// Runtime
	MetricsAddr  string
	Daemon       bool
	DaemonMinSec int
	DaemonMaxSec int
	Verbose      bool
}

// DefaultConfig returns conservative defaults. The DSN has no default; the
// binary refuses to start without one.
func DefaultConfig() *Config {
	return &Config{
		PGSchema:          "public",
		PGMaxConns:        4,
		PGBatchSize:       200,
		DBTimeout:         30 * time.Second,
		DestCountry:       "ES",
		MatchThreshold:    0.75,
		NotifyAbove:       0.90,
		SnapshotDir:       "data/snapshots",
		PriceBandAbove:    0.40,
		PriceBandBelow:    0.10,
		FingerprintDist:   10,
		SourceParallelism: 4,
		SourceTimeout:     45 * time.Second,
		RatePerSecond:     2,
		RateBurst:         4,
		BreakerThreshold:  3,
		BreakerCooldown:   60 * time.Second,
		NotifyTimeout:     10 * time.Second,
		NotifyThrottle:    2 * time.Hour,
		DaemonMinSec:      20,
		DaemonMaxSec:      180,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres DSN cannot be empty")
	}
	if c.PGSchema == "" {
		return fmt.Errorf("postgres schema cannot be empty")
	}
	if c.PGMaxConns <= 0 {
		return fmt.Errorf("postgres max conns must be positive")
	}
	if c.PGBatchSize <= 0 {
		return fmt.Errorf("postgres batch size must be positive")
	}
	if c.DBTimeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if len(c.DestCountry) != 2 {
		return fmt.Errorf("destination country must be a 2-letter code")
	}
	if c.MatchThreshold <= 0 || c.MatchThreshold > 1 {
		return fmt.Errorf("match threshold must be in (0, 1]")
	}
	if c.NotifyAbove < c.MatchThreshold || c.NotifyAbove > 1 {
		return fmt.Errorf("notify threshold must be in [match threshold, 1]")
	}
	if c.PriceBandAbove <= 0 {
		return fmt.Errorf("price band above must be positive")
	}
	if c.PriceBandBelow <= 0 || c.PriceBandBelow >= 1 {
		return fmt.Errorf("price band below must be in (0, 1)")
	}
	if c.FingerprintDist < 0 {
		return fmt.Errorf("fingerprint distance cannot be negative")
	}
	if c.SourceParallelism <= 0 {
		return fmt.Errorf("source parallelism must be positive")
	}
	if c.SourceTimeout <= 0 {
		return fmt.Errorf("source timeout must be positive")
	}
	if c.RatePerSecond < 0 {
		return fmt.Errorf("rate per second cannot be negative")
	}
	if c.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive")
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be positive")
	}
	if c.NotifyURL != "" {
		parsed, err := url.Parse(c.NotifyURL)
		if err != nil {
			return fmt.Errorf("invalid notify URL: %w", err)
		}
		if parsed.Host == "" {
			return fmt.Errorf("notify URL must include a host")
		}
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("notify timeout must be positive")
	}
	if c.DaemonMaxSec < c.DaemonMinSec {
		return fmt.Errorf("daemon max sleep (%d) cannot be below min sleep (%d)", c.DaemonMaxSec, c.DaemonMinSec)
	}
	return nil
}

// EnvString reads a non-empty string environment variable.
func EnvString(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", false
	}
	return v, true
}

// EnvInt reads an integer environment variable.
func EnvInt(key string) (int, bool, error) {
	v, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return i, true, nil
}

// EnvFloat reads a float environment variable.
func EnvFloat(key string) (float64, bool, error) {
	v, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return f, true, nil
}

// EnvBool reads a boolean environment variable. Accepts 1/0, true/false,
// yes/no, on/off.
func EnvBool(key string) (bool, bool) {
	v, ok := EnvString(key)
	if !ok {
		return false, false
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true, true
	case "0", "false", "f", "no", "n", "off":
		return false, true
	default:
		return false, false
	}
}
