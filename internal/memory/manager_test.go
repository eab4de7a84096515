package memory_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"chathub/internal/chat"
	"chathub/internal/memory"
	"chathub/internal/memory/mocks"
)

const gib = 1 << 30

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func reading(percent float64) memory.SystemMemory {
	used := uint64(float64(8*gib) * percent / 100)
	return memory.SystemMemory{Total: 8 * gib, Used: used, Available: 8*gib - used, Percent: percent}
}

// reclaimCounter records reclamation hints, which run asynchronously.
type reclaimCounter struct {
	calls chan struct{}
}

func newReclaimCounter() *reclaimCounter {
	return &reclaimCounter{calls: make(chan struct{}, 16)}
}

func (r *reclaimCounter) fn() { r.calls <- struct{}{} }

func (r *reclaimCounter) count() int { return len(r.calls) }

func newManager(t *testing.T, sampler memory.Sampler, opts ...memory.Option) (*memory.Manager, *fakeClock, *reclaimCounter) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	reclaim := newReclaimCounter()

	cfg := memory.DefaultConfig()
	cfg.EnableAutoCleanup = false
	base := []memory.Option{
		memory.WithSampler(sampler),
		memory.WithNowFunc(clock.Now),
		memory.WithReclaimFunc(reclaim.fn),
	}
	m, err := memory.New(cfg, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(m.Shutdown)
	return m, clock, reclaim
}

func addAged(m *memory.Manager, now time.Time, sender string, age time.Duration) {
	m.History().AddMessage(&chat.Message{
		Sender:    sender,
		Content:   age.String(),
		Timestamp: now.Add(-age),
		Type:      chat.TypeChat,
	}, sender)
}

func TestStatsReportsSampleAndFootprint(t *testing.T) {
	ctrl := gomock.NewController(t)
	sampler := mocks.NewMockSampler(ctrl)
	sampler.EXPECT().Sample().Return(reading(75), nil).AnyTimes()

	m, clock, _ := newManager(t, sampler)
	addAged(m, clock.Now(), "alice", time.Minute)
	m.AddToCache("ulist", "alice")

	st := m.Stats()
	assert.True(t, st.SampleOK)
	assert.Equal(t, 75.0, st.Percent)
	assert.Equal(t, 75.0, st.PeakPercent)
	assert.Equal(t, memory.Medium, st.Pressure)
	assert.EqualValues(t, 8*gib, st.TotalBytes)
	assert.Equal(t, 1, st.HistoryMessages)
	assert.Equal(t, 1, st.ClientHistories)
	assert.Equal(t, 1, st.CacheEntries)
	assert.Positive(t, st.EstimatedBytes())
	assert.Equal(t, clock.Now(), st.LastCheck)
	assert.Contains(t, st.String(), "pressure=medium")
}

func TestSamplerFailureFallsBackToPlaceholder(t *testing.T) {
	ctrl := gomock.NewController(t)
	sampler := mocks.NewMockSampler(ctrl)
	sampler.EXPECT().Sample().Return(memory.SystemMemory{}, errors.New("no /proc")).AnyTimes()

	m, _, _ := newManager(t, sampler)

	st := m.Stats()
	assert.False(t, st.SampleOK)
	assert.Equal(t, memory.Low, st.Pressure)
	assert.Zero(t, st.Percent)
	assert.Equal(t, memory.Low, m.PressureLevel())
	assert.False(t, m.CleanupIfNeeded(false))
}

func TestSamplerFailureKeepsPreviousReading(t *testing.T) {
	ctrl := gomock.NewController(t)
	sampler := mocks.NewMockSampler(ctrl)
	gomock.InOrder(
		sampler.EXPECT().Sample().Return(reading(92), nil),
		sampler.EXPECT().Sample().Return(memory.SystemMemory{}, errors.New("transient")).AnyTimes(),
	)

	m, _, _ := newManager(t, sampler)

	assert.Equal(t, memory.Critical, m.PressureLevel())
	st := m.Stats()
	assert.False(t, st.SampleOK)
	assert.Equal(t, 92.0, st.Percent)
	assert.Equal(t, memory.Critical, st.Pressure)
}

func TestSamplerPanicIsContained(t *testing.T) {
	m, _, _ := newManager(t, memory.SamplerFunc(func() (memory.SystemMemory, error) {
		panic("driver exploded")
	}))

	assert.NotPanics(t, func() {
		st := m.Stats()
		assert.False(t, st.SampleOK)
	})
}

func TestPressureLevelFollowsSampler(t *testing.T) {
	for percent, want := range map[float64]memory.PressureLevel{
		69: memory.Low,
		75: memory.Medium,
		85: memory.High,
		95: memory.Critical,
	} {
		m, _, _ := newManager(t, memory.Fixed(8*gib, percent))
		assert.Equal(t, want, m.PressureLevel(), "percent %.0f", percent)
	}
}

func TestNoCleanupUnderLowPressure(t *testing.T) {
	m, clock, reclaim := newManager(t, memory.Fixed(8*gib, 50))
	addAged(m, clock.Now(), "alice", 48*time.Hour)

	assert.False(t, m.CleanupIfNeeded(false))
	assert.Equal(t, 1, m.History().Len())
	assert.Zero(t, m.Stats().CleanupRuns)
	assert.Zero(t, reclaim.count())
}

func TestForcedCleanupUsesDefaultTier(t *testing.T) {
	m, clock, reclaim := newManager(t, memory.Fixed(8*gib, 10))
	now := clock.Now()
	addAged(m, now, "alice", 25*time.Hour)
	addAged(m, now, "bob", 23*time.Hour)

	assert.True(t, m.CleanupIfNeeded(true))
	assert.Equal(t, 1, m.History().Len())
	assert.Equal(t, "bob", m.History().RecentMessages(1)[0].Sender)
	assert.EqualValues(t, 1, m.Stats().CleanupRuns)
	require.Eventually(t, func() bool { return reclaim.count() == 1 }, time.Second, time.Millisecond)

	// Nothing left to evict: the pass still counts but reports false.
	assert.False(t, m.CleanupIfNeeded(true))
	assert.EqualValues(t, 2, m.Stats().CleanupRuns)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, reclaim.count())
}

func TestCleanupTierFollowsPressure(t *testing.T) {
	tests := []struct {
		percent float64
		kept    int // of messages aged 5h, 7h, 11h, 13h, 23h, 25h
	}{
		{75, 5}, // medium: 24h
		{85, 3}, // high: 12h
		{95, 1}, // critical: 6h
	}
	for _, tt := range tests {
		m, clock, _ := newManager(t, memory.Fixed(8*gib, tt.percent))
		now := clock.Now()
		for _, h := range []int{5, 7, 11, 13, 23, 25} {
			addAged(m, now, "alice", time.Duration(h)*time.Hour)
		}

		assert.True(t, m.CleanupIfNeeded(false), "percent %.0f", tt.percent)
		assert.Equal(t, tt.kept, m.History().Len(), "percent %.0f", tt.percent)
	}
}

func TestCacheSemantics(t *testing.T) {
	m, _, _ := newManager(t, memory.Fixed(8*gib, 10))

	m.AddToCacheTTL("gone", 1, 0)
	_, ok := m.GetFromCache("gone")
	assert.False(t, ok)

	m.AddToCache("kept", "v")
	v, ok := m.GetFromCache("kept")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok = m.GetFromCache("missing")
	assert.False(t, ok)

	// An expired entry that was never read is purged by a forced cleanup.
	m.AddToCacheTTL("stale", 1, -time.Second)
	assert.True(t, m.CleanupIfNeeded(true))
	assert.Equal(t, 1, m.Stats().CacheEntries)

	assert.Equal(t, 1, m.ClearCache())
}

func TestShutdownClearsCacheKeepsHistory(t *testing.T) {
	m, clock, _ := newManager(t, memory.Fixed(8*gib, 10))
	addAged(m, clock.Now(), "alice", time.Minute)
	m.AddToCache("k", "v")

	m.Shutdown()
	m.Shutdown()

	_, ok := m.GetFromCache("k")
	assert.False(t, ok)
	assert.Equal(t, 1, m.History().Len())
}

func TestMonitorCleansUnderPressure(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	cfg := memory.DefaultConfig()
	cfg.MonitorInterval = 5 * time.Millisecond

	m, err := memory.New(cfg,
		memory.WithSampler(memory.Fixed(8*gib, 95)),
		memory.WithNowFunc(clock.Now),
		memory.WithReclaimFunc(func() {}),
	)
	require.NoError(t, err)
	defer m.Shutdown()

	addAged(m, clock.Now(), "alice", 7*time.Hour)
	addAged(m, clock.Now(), "bob", time.Hour)

	require.Eventually(t, func() bool { return m.History().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Positive(t, m.Stats().CleanupRuns)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := memory.DefaultConfig()
	cfg.CleanupThresholdPercent = 95
	_, err := memory.New(cfg)
	assert.ErrorIs(t, err, memory.ErrInvalidConfig)
}
