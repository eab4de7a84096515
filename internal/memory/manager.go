// Package memory bounds chat history and cache growth by watching system
// memory and evicting old data in tiers that follow pressure.
package memory

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"chathub/internal/cache"
	"chathub/internal/history"
	"chathub/internal/logging"
)

const statsLogEveryCycles = 10

// Stats is a snapshot of system memory and the manager's own footprint.
type Stats struct {
	TotalBytes         uint64        `json:"total_bytes"`
	UsedBytes          uint64        `json:"used_bytes"`
	AvailableBytes     uint64        `json:"available_bytes"`
	Percent            float64       `json:"percent"`
	PeakPercent        float64       `json:"peak_percent"`
	Pressure           PressureLevel `json:"pressure"`
	SampleOK           bool          `json:"sample_ok"`
	HistoryMessages    int           `json:"history_messages"`
	ClientHistories    int           `json:"client_histories"`
	HistoryBytes       int64         `json:"history_bytes"`
	ClientHistoryBytes int64         `json:"client_history_bytes"`
	IndexBytes         int64         `json:"index_bytes"`
	CacheEntries       int           `json:"cache_entries"`
	CacheBytes         int64         `json:"cache_bytes"`
	CleanupRuns        uint64        `json:"cleanup_runs"`
	LastCheck          time.Time     `json:"last_check"`
}

// EstimatedBytes is the footprint of history and cache together.
func (s Stats) EstimatedBytes() int64 {
	return s.HistoryBytes + s.ClientHistoryBytes + s.IndexBytes + s.CacheBytes
}

func (s Stats) String() string {
	return fmt.Sprintf("memory %.1f%% (%s of %s, peak %.1f%%) pressure=%s history=%d messages held=%s cache=%d entries",
		s.Percent, humanize.IBytes(s.UsedBytes), humanize.IBytes(s.TotalBytes), s.PeakPercent, s.Pressure,
		s.HistoryMessages, humanize.Bytes(uint64(s.EstimatedBytes())), s.CacheEntries)
}

// Option configures a Manager.
type Option func(*Manager)

// WithSampler replaces the host sampler.
func WithSampler(s Sampler) Option {
	return func(m *Manager) {
		if s != nil {
			m.sampler = s
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithNowFunc replaces the clock used by the manager, its history store
// and its cache.
func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithReclaimFunc replaces the hint run after a cleanup that evicted
// something. The default returns freed memory to the OS.
func WithReclaimFunc(fn func()) Option {
	return func(m *Manager) { m.reclaim = fn }
}

// Manager owns the message history store and an expiring cache and keeps
// both within bounds as memory pressure rises.
type Manager struct {
	cfg        Config
	thresholds Thresholds
	sampler    Sampler
	history    *history.Store
	cache      *cache.ExpiringCache
	logger     *logging.Logger
	now        func() time.Time
	reclaim    func()

	mu          sync.Mutex
	last        SystemMemory
	haveSample  bool
	peak        float64
	cleanupRuns uint64
	lastCheck   time.Time

	cleanupMu sync.Mutex // one cleanup pass at a time
	cycles    uint64     // monitor goroutine only

	stop         chan struct{}
	done         chan struct{}
	shutdownOnce sync.Once
}

// New validates cfg, builds the history store and cache, and starts the
// monitor when auto cleanup is enabled.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:        cfg,
		thresholds: cfg.Thresholds(),
		sampler:    NewHostSampler(),
		now:        time.Now,
		reclaim:    debug.FreeOSMemory,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.history = history.New(history.Config{
		MaxMessages:       cfg.MaxMessageHistory,
		MaxClientMessages: cfg.MaxClientHistory,
		TimeBucket:        cfg.TimeBucket,
	}, history.WithNowFunc(m.now), history.WithLogger(m.logger))
	m.cache = cache.NewExpiringCache(cfg.CacheTTL, cache.WithNowFunc(m.now), cache.WithSweepEvery(cfg.CacheSweepEvery))

	if cfg.EnableAutoCleanup {
		go m.monitor()
	} else {
		close(m.done)
	}

	m.logger.Info(context.Background(), logging.ComponentMemory, logging.ActionStart, "Memory manager started", map[string]interface{}{
		"max_message_history": cfg.MaxMessageHistory,
		"cleanup_threshold":   cfg.CleanupThresholdPercent,
		"high_threshold":      cfg.MaxUsagePercent,
		"critical_threshold":  cfg.CriticalThresholdPercent,
		"auto_cleanup":        cfg.EnableAutoCleanup,
	})
	return m, nil
}

// History returns the message history store.
func (m *Manager) History() *history.Store { return m.history }

// Thresholds returns the configured pressure thresholds.
func (m *Manager) Thresholds() Thresholds { return m.thresholds }

// sample reads the sampler. On failure it returns the previous reading, or
// a zero placeholder if there never was one, with ok false.
func (m *Manager) sample() (SystemMemory, bool) {
	mem, err := m.safeSample()

	m.mu.Lock()
	m.lastCheck = m.now()
	if err == nil {
		m.last = mem
		m.haveSample = true
		if mem.Percent > m.peak {
			m.peak = mem.Percent
		}
		m.mu.Unlock()
		return mem, true
	}
	if m.haveSample {
		mem = m.last
	} else {
		mem = SystemMemory{}
	}
	m.mu.Unlock()

	m.logger.Warn(context.Background(), logging.ComponentMemory, logging.ActionSample, "Memory sample failed, using fallback", map[string]interface{}{
		"error":    err.Error(),
		"fallback": mem.Percent,
	})
	return mem, false
}

func (m *Manager) safeSample() (mem SystemMemory, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: sampler panicked: %v", ErrSamplerUnavailable, r)
		}
	}()
	mem, err = m.sampler.Sample()
	if err != nil {
		return SystemMemory{}, fmt.Errorf("%w: %w", ErrSamplerUnavailable, err)
	}
	return mem, nil
}

// Stats samples memory and reports it together with the history and cache
// footprint. It never fails.
func (m *Manager) Stats() Stats {
	mem, ok := m.sample()
	hs := m.history.Stats()
	cs := m.cache.Stats()
	cacheBytes := m.cache.EstimatedBytes()

	m.mu.Lock()
	peak, runs, lastCheck := m.peak, m.cleanupRuns, m.lastCheck
	m.mu.Unlock()

	return Stats{
		TotalBytes:         mem.Total,
		UsedBytes:          mem.Used,
		AvailableBytes:     mem.Available,
		Percent:            mem.Percent,
		PeakPercent:        peak,
		Pressure:           m.thresholds.Level(mem.Percent),
		SampleOK:           ok,
		HistoryMessages:    hs.GlobalMessages,
		ClientHistories:    hs.ClientHistories,
		HistoryBytes:       hs.GlobalBytes,
		ClientHistoryBytes: hs.ClientBytes,
		IndexBytes:         hs.IndexBytes,
		CacheEntries:       cs.Entries,
		CacheBytes:         cacheBytes,
		CleanupRuns:        runs,
		LastCheck:          lastCheck,
	}
}

// PressureLevel samples memory and classifies it.
func (m *Manager) PressureLevel() PressureLevel {
	mem, _ := m.sample()
	return m.thresholds.Level(mem.Percent)
}

// CleanupIfNeeded runs a cleanup pass when forced or when pressure is at
// least Medium. It reports whether anything was evicted.
func (m *Manager) CleanupIfNeeded(force bool) bool {
	mem, _ := m.sample()
	level := m.thresholds.Level(mem.Percent)
	if !force && level == Low && mem.Percent <= m.cfg.CleanupThresholdPercent {
		return false
	}
	return m.cleanup(level, mem.Percent)
}

func (m *Manager) cleanup(level PressureLevel, percent float64) bool {
	m.cleanupMu.Lock()
	defer m.cleanupMu.Unlock()

	maxAge := m.cfg.maxAge(level)
	start := m.now()
	messages := m.history.CleanupOldMessages(maxAge)
	cached := m.cache.Purge()
	performed := messages > 0 || cached > 0

	if performed && m.reclaim != nil {
		go m.reclaim()
	}

	m.mu.Lock()
	m.cleanupRuns++
	m.mu.Unlock()

	m.logger.WithDuration(context.Background(), logging.INFO, logging.ComponentMemory, logging.ActionCleanup, "Memory cleanup complete", m.now().Sub(start), map[string]interface{}{
		"pressure":         level.String(),
		"percent":          percent,
		"max_age":          maxAge.String(),
		"messages_evicted": messages,
		"cache_evicted":    cached,
	})
	return performed
}

// AddToCache stores value with the configured TTL.
func (m *Manager) AddToCache(key string, value any) {
	m.cache.Set(key, value)
}

// AddToCacheTTL stores value with an explicit TTL. A non-positive TTL
// stores an entry that is already expired.
func (m *Manager) AddToCacheTTL(key string, value any, ttl time.Duration) {
	m.cache.SetTTL(key, value, ttl)
}

// GetFromCache returns a live cached value.
func (m *Manager) GetFromCache(key string) (any, bool) {
	return m.cache.Get(key)
}

// ClearCache drops every cached entry and returns how many there were.
func (m *Manager) ClearCache() int {
	return m.cache.Clear()
}

func (m *Manager) monitor() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.monitorTick()
		}
	}
}

// monitorTick contains any panic to the current iteration.
func (m *Manager) monitorTick() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error(context.Background(), logging.ComponentMemory, logging.ActionMonitor, "Memory monitor iteration failed", fmt.Errorf("panic: %v", r))
		}
	}()

	m.cycles++
	m.CleanupIfNeeded(false)

	if m.cycles%statsLogEveryCycles == 0 {
		st := m.Stats()
		m.logger.Info(context.Background(), logging.ComponentMemory, logging.ActionStats, st.String(), map[string]interface{}{
			"percent":          st.Percent,
			"pressure":         st.Pressure.String(),
			"history_messages": st.HistoryMessages,
			"held":             logging.Bytes(uint64(st.EstimatedBytes())),
			"cache_entries":    st.CacheEntries,
			"cleanup_runs":     st.CleanupRuns,
		})
	}
}

// Shutdown stops the monitor and clears the cache. History is kept.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.stop)
		<-m.done
		cleared := m.cache.Clear()
		m.logger.Info(context.Background(), logging.ComponentMemory, logging.ActionStop, "Memory manager stopped", map[string]interface{}{
			"cache_cleared": cleared,
		})
	})
}
