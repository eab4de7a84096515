package workerpool

import (
	"fmt"
	"time"
)

// DefaultShutdownTimeout bounds Close.
const DefaultShutdownTimeout = 10 * time.Second

// Config controls pool sizing and the scaling control loop.
type Config struct {
	Name               string
	MinWorkers         int           // Lower bound for the worker count, > 0
	MaxWorkers         int           // Upper bound for the worker count
	ScaleUpThreshold   float64       // Grow when active/total exceeds this
	ScaleDownThreshold float64       // Shrink when active/total falls below this
	ScaleUpStep        int           // Workers added per scale-up
	ScaleDownStep      int           // Workers removed per scale-down
	MonitorInterval    time.Duration // Period of the auto-resize loop
	TaskTimeout        time.Duration // Default per-task timeout, 0 disables
	EnableMonitoring   bool          // Run the auto-resize loop
	DurationSamples    int           // Rolling window for mean task duration
}

// DefaultConfig returns the stock pool configuration.
func DefaultConfig() Config {
	return Config{
		Name:               "workers",
		MinWorkers:         5,
		MaxWorkers:         50,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		ScaleUpStep:        5,
		ScaleDownStep:      2,
		MonitorInterval:    10 * time.Second,
		TaskTimeout:        30 * time.Second,
		EnableMonitoring:   true,
		DurationSamples:    1000,
	}
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.MinWorkers <= 0 {
		return fmt.Errorf("%w: min workers must be positive, got %d", ErrInvalidConfig, c.MinWorkers)
	}
	if c.MinWorkers > c.MaxWorkers {
		return fmt.Errorf("%w: min workers %d exceeds max workers %d", ErrInvalidConfig, c.MinWorkers, c.MaxWorkers)
	}
	if c.ScaleDownThreshold < 0 || c.ScaleUpThreshold > 1 || c.ScaleDownThreshold >= c.ScaleUpThreshold {
		return fmt.Errorf("%w: scale thresholds must satisfy 0 <= down < up <= 1, got down=%.2f up=%.2f",
			ErrInvalidConfig, c.ScaleDownThreshold, c.ScaleUpThreshold)
	}
	if c.ScaleUpStep <= 0 || c.ScaleDownStep <= 0 {
		return fmt.Errorf("%w: scale steps must be positive", ErrInvalidConfig)
	}
	if c.EnableMonitoring && c.MonitorInterval <= 0 {
		return fmt.Errorf("%w: monitor interval must be positive", ErrInvalidConfig)
	}
	if c.TaskTimeout < 0 {
		return fmt.Errorf("%w: task timeout must not be negative", ErrInvalidConfig)
	}
	if c.DurationSamples <= 0 {
		return fmt.Errorf("%w: duration samples must be positive", ErrInvalidConfig)
	}
	return nil
}

func (c Config) clamp(n int) int {
	if n < c.MinWorkers {
		return c.MinWorkers
	}
	if n > c.MaxWorkers {
		return c.MaxWorkers
	}
	return n
}
