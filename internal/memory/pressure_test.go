package memory

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThresholdLevels(t *testing.T) {
	th := Thresholds{Cleanup: 70, High: 80, Critical: 90}

	tests := []struct {
		percent float64
		want    PressureLevel
	}{
		{0, Low},
		{69, Low},
		{69.99, Low},
		{70, Medium},
		{75, Medium},
		{80, High},
		{85, High},
		{90, Critical},
		{95, Critical},
		{100, Critical},
	}
	for _, tt := range tests {
		if got := th.Level(tt.percent); got != tt.want {
			t.Errorf("Level(%.2f) = %s, want %s", tt.percent, got, tt.want)
		}
	}
}

func TestThresholdLevelIsMonotonic(t *testing.T) {
	th := Thresholds{Cleanup: 70, High: 80, Critical: 90}
	prev := Low
	for p := 0.0; p <= 100; p += 0.5 {
		level := th.Level(p)
		if level < prev {
			t.Fatalf("level dropped from %s to %s at %.1f%%", prev, level, p)
		}
		prev = level
	}
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, Thresholds{70, 80, 90}.Validate())
	assert.NoError(t, Thresholds{80, 80, 80}.Validate())
	assert.ErrorIs(t, Thresholds{0, 80, 90}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Thresholds{85, 80, 90}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Thresholds{70, 95, 90}.Validate(), ErrInvalidConfig)
	assert.ErrorIs(t, Thresholds{70, 80, 101}.Validate(), ErrInvalidConfig)
}

func TestPressureLevelText(t *testing.T) {
	data, err := json.Marshal(map[string]PressureLevel{"p": Critical})
	require.NoError(t, err)
	assert.JSONEq(t, `{"p":"critical"}`, string(data))

	var p PressureLevel
	require.NoError(t, p.UnmarshalText([]byte("High")))
	assert.Equal(t, High, p)
	assert.Error(t, p.UnmarshalText([]byte("extreme")))
	assert.Equal(t, "PressureLevel(9)", PressureLevel(9).String())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := map[string]func(*Config){
		"zero history":       func(c *Config) { c.MaxMessageHistory = 0 },
		"zero client":        func(c *Config) { c.MaxClientHistory = 0 },
		"unordered":          func(c *Config) { c.MaxUsagePercent = 95 },
		"zero interval":      func(c *Config) { c.MonitorInterval = 0 },
		"negative ttl":       func(c *Config) { c.CacheTTL = -time.Second },
		"ages out of order":  func(c *Config) { c.CriticalMaxAge = 48 * time.Hour },
		"zero critical age":  func(c *Config) { c.CriticalMaxAge = 0 },
		"negative sweep":     func(c *Config) { c.CacheSweepEvery = -1 },
		"high above default": func(c *Config) { c.HighMaxAge = 30 * time.Hour },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := DefaultConfig()
	cfg.EnableAutoCleanup = false
	cfg.MonitorInterval = 0
	assert.NoError(t, cfg.Validate())
}

func TestMaxAgeTiers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 6*time.Hour, cfg.maxAge(Critical))
	assert.Equal(t, 12*time.Hour, cfg.maxAge(High))
	assert.Equal(t, 24*time.Hour, cfg.maxAge(Medium))
	assert.Equal(t, 24*time.Hour, cfg.maxAge(Low))
}

func TestFixedSampler(t *testing.T) {
	mem, err := Fixed(1000, 25).Sample()
	require.NoError(t, err)
	assert.EqualValues(t, 250, mem.Used)
	assert.EqualValues(t, 750, mem.Available)
	assert.Equal(t, 25.0, mem.Percent)
}
