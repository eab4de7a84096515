package memory

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSamplerUnavailable marks a failed memory reading. The manager
	// degrades to its previous or placeholder sample instead of returning it.
	ErrSamplerUnavailable = errors.New("memory sampler unavailable")
	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid memory manager config")
)

// Config controls history bounds, pressure thresholds and eviction tiers.
type Config struct {
	MaxMessageHistory        int
	MaxClientHistory         int
	CleanupThresholdPercent  float64
	MaxUsagePercent          float64 // the High threshold
	CriticalThresholdPercent float64
	MonitorInterval          time.Duration
	EnableAutoCleanup        bool
	CacheTTL                 time.Duration
	CacheSweepEvery          int
	TimeBucket               time.Duration

	// Age limits applied by cleanup at each pressure level
	CriticalMaxAge time.Duration
	HighMaxAge     time.Duration
	DefaultMaxAge  time.Duration
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		MaxMessageHistory:        1000,
		MaxClientHistory:         100,
		CleanupThresholdPercent:  70,
		MaxUsagePercent:          80,
		CriticalThresholdPercent: 90,
		MonitorInterval:          30 * time.Second,
		EnableAutoCleanup:        true,
		CacheTTL:                 time.Hour,
		CacheSweepEvery:          100,
		TimeBucket:               time.Minute,
		CriticalMaxAge:           6 * time.Hour,
		HighMaxAge:               12 * time.Hour,
		DefaultMaxAge:            24 * time.Hour,
	}
}

// Thresholds returns the pressure thresholds.
func (c Config) Thresholds() Thresholds {
	return Thresholds{
		Cleanup:  c.CleanupThresholdPercent,
		High:     c.MaxUsagePercent,
		Critical: c.CriticalThresholdPercent,
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.MaxMessageHistory <= 0 || c.MaxClientHistory <= 0 {
		return fmt.Errorf("%w: history limits must be positive", ErrInvalidConfig)
	}
	if err := c.Thresholds().Validate(); err != nil {
		return err
	}
	if c.EnableAutoCleanup && c.MonitorInterval <= 0 {
		return fmt.Errorf("%w: monitor interval must be positive", ErrInvalidConfig)
	}
	if c.CacheTTL < 0 || c.CacheSweepEvery < 0 {
		return fmt.Errorf("%w: cache ttl and sweep interval must not be negative", ErrInvalidConfig)
	}
	if c.CriticalMaxAge <= 0 || c.CriticalMaxAge > c.HighMaxAge || c.HighMaxAge > c.DefaultMaxAge {
		return fmt.Errorf("%w: cleanup ages must satisfy 0 < critical <= high <= default", ErrInvalidConfig)
	}
	return nil
}

// maxAge maps a pressure level to the history age limit used by cleanup.
func (c Config) maxAge(level PressureLevel) time.Duration {
	switch level {
	case Critical:
		return c.CriticalMaxAge
	case High:
		return c.HighMaxAge
	default:
		return c.DefaultMaxAge
	}
}
