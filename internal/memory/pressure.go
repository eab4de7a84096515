package memory

import (
	"fmt"
	"strings"
)

// PressureLevel is an ordered classification of memory usage.
type PressureLevel int

const (
	Low PressureLevel = iota
	Medium
	High
	Critical
)

func (p PressureLevel) String() string {
	switch p {
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return fmt.Sprintf("PressureLevel(%d)", int(p))
	}
}

// MarshalText renders the level by name in JSON output.
func (p PressureLevel) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText parses a level name.
func (p *PressureLevel) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "low":
		*p = Low
	case "medium":
		*p = Medium
	case "high":
		*p = High
	case "critical":
		*p = Critical
	default:
		return fmt.Errorf("unknown pressure level %q", text)
	}
	return nil
}

// Thresholds are memory usage percentages at which pressure rises to
// Medium, High and Critical.
type Thresholds struct {
	Cleanup  float64
	High     float64
	Critical float64
}

// Level classifies percent. It is monotonic in percent.
func (t Thresholds) Level(percent float64) PressureLevel {
	switch {
	case percent >= t.Critical:
		return Critical
	case percent >= t.High:
		return High
	case percent >= t.Cleanup:
		return Medium
	default:
		return Low
	}
}

// Validate requires 0 < cleanup <= high <= critical <= 100.
func (t Thresholds) Validate() error {
	if t.Cleanup <= 0 || t.Critical > 100 {
		return fmt.Errorf("%w: thresholds must lie in (0, 100], got cleanup=%.1f critical=%.1f",
			ErrInvalidConfig, t.Cleanup, t.Critical)
	}
	if t.Cleanup > t.High || t.High > t.Critical {
		return fmt.Errorf("%w: thresholds must be ordered cleanup <= high <= critical, got %.1f/%.1f/%.1f",
			ErrInvalidConfig, t.Cleanup, t.High, t.Critical)
	}
	return nil
}
