// Package metrics exports worker pool, memory manager and server snapshots
// to Prometheus. Values are read from Stats() at scrape time.
package metrics

import (
	"errors"
	"fmt"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"chathub/internal/memory"
	"chathub/internal/workerpool"
)

const namespace = "chathub"

// PoolSnapshotProvider provides current pool stats snapshots.
type PoolSnapshotProvider interface {
	Stats() workerpool.PoolStats
}

// MemorySnapshotProvider provides current memory manager snapshots.
type MemorySnapshotProvider interface {
	Stats() memory.Stats
}

// ConnectionCounter reports hosting server connection counts.
type ConnectionCounter interface {
	ActiveConnections() int
	TotalConnections() uint64
}

// Collector is a prom.Collector over the chat server's components. Any
// provider may be nil.
type Collector struct {
	pool   PoolSnapshotProvider
	memory MemorySnapshotProvider
	conns  ConnectionCounter

	poolWorkers    *prom.Desc
	poolTotal      *prom.Desc
	poolPeak       *prom.Desc
	poolPending    *prom.Desc
	poolTasks      *prom.Desc
	poolAvgSeconds *prom.Desc
	poolGeneration *prom.Desc
	poolClosed     *prom.Desc

	memPercent     *prom.Desc
	memPeak        *prom.Desc
	memPressure    *prom.Desc
	memSampleOK    *prom.Desc
	memHistory     *prom.Desc
	memHeldBytes   *prom.Desc
	memCache       *prom.Desc
	memCleanupRuns *prom.Desc

	connsActive *prom.Desc
	connsTotal  *prom.Desc
}

// NewCollector builds a collector for the given providers.
func NewCollector(pool PoolSnapshotProvider, mem MemorySnapshotProvider, conns ConnectionCounter) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prom.Desc {
		return prom.NewDesc(prom.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		pool:   pool,
		memory: mem,
		conns:  conns,

		poolWorkers:    desc("pool", "workers", "Workers in the current generation by state.", "state"),
		poolTotal:      desc("pool", "workers_total", "Size of the current worker generation."),
		poolPeak:       desc("pool", "workers_peak", "Largest worker generation ever started."),
		poolPending:    desc("pool", "pending_tasks", "Tasks queued and not yet started."),
		poolTasks:      desc("pool", "tasks_total", "Finished tasks by outcome.", "outcome"),
		poolAvgSeconds: desc("pool", "task_duration_avg_seconds", "Mean task duration over the rolling sample window."),
		poolGeneration: desc("pool", "generation", "Current worker generation number."),
		poolClosed:     desc("pool", "closed", "Pool closed state (1=closed, 0=open)."),

		memPercent:     desc("memory", "usage_percent", "System memory usage percent."),
		memPeak:        desc("memory", "usage_peak_percent", "Highest system memory usage percent observed."),
		memPressure:    desc("memory", "pressure_level", "Memory pressure level (0=low, 1=medium, 2=high, 3=critical)."),
		memSampleOK:    desc("memory", "sample_ok", "Whether the last memory sample succeeded (1) or fell back (0)."),
		memHistory:     desc("memory", "history_messages", "Messages in the global history ring."),
		memHeldBytes:   desc("memory", "held_bytes", "Estimated bytes held by structure.", "structure"),
		memCache:       desc("memory", "cache_entries", "Entries in the expiring cache."),
		memCleanupRuns: desc("memory", "cleanup_runs_total", "Cleanup passes run."),

		connsActive: desc("server", "connections", "Currently connected clients."),
		connsTotal:  desc("server", "connections_total", "Connections accepted since start."),
	}
}

// Describe implements prom.Collector.
func (c *Collector) Describe(ch chan<- *prom.Desc) {
	for _, d := range []*prom.Desc{
		c.poolWorkers, c.poolTotal, c.poolPeak, c.poolPending, c.poolTasks, c.poolAvgSeconds, c.poolGeneration, c.poolClosed,
		c.memPercent, c.memPeak, c.memPressure, c.memSampleOK, c.memHistory, c.memHeldBytes, c.memCache, c.memCleanupRuns,
		c.connsActive, c.connsTotal,
	} {
		ch <- d
	}
}

// Collect implements prom.Collector.
func (c *Collector) Collect(ch chan<- prom.Metric) {
	gauge := func(d *prom.Desc, v float64, labels ...string) {
		ch <- prom.MustNewConstMetric(d, prom.GaugeValue, v, labels...)
	}
	counter := func(d *prom.Desc, v float64, labels ...string) {
		ch <- prom.MustNewConstMetric(d, prom.CounterValue, v, labels...)
	}

	if c.pool != nil {
		s := c.pool.Stats()
		gauge(c.poolWorkers, float64(s.ActiveThreads), "active")
		gauge(c.poolWorkers, float64(s.IdleThreads), "idle")
		gauge(c.poolWorkers, float64(s.DrainingThreads), "draining")
		gauge(c.poolTotal, float64(s.TotalThreads))
		gauge(c.poolPeak, float64(s.PeakThreads))
		gauge(c.poolPending, float64(s.PendingTasks))
		counter(c.poolTasks, float64(s.CompletedTasks), "completed")
		counter(c.poolTasks, float64(s.FailedTasks), "failed")
		gauge(c.poolAvgSeconds, s.AverageTaskDuration.Seconds())
		gauge(c.poolGeneration, float64(s.Generation))
		gauge(c.poolClosed, boolValue(s.Closed))
	}

	if c.memory != nil {
		s := c.memory.Stats()
		gauge(c.memPercent, s.Percent)
		gauge(c.memPeak, s.PeakPercent)
		gauge(c.memPressure, float64(s.Pressure))
		gauge(c.memSampleOK, boolValue(s.SampleOK))
		gauge(c.memHistory, float64(s.HistoryMessages))
		gauge(c.memHeldBytes, float64(s.HistoryBytes), "history")
		gauge(c.memHeldBytes, float64(s.ClientHistoryBytes), "client_history")
		gauge(c.memHeldBytes, float64(s.IndexBytes), "index")
		gauge(c.memHeldBytes, float64(s.CacheBytes), "cache")
		gauge(c.memCache, float64(s.CacheEntries))
		counter(c.memCleanupRuns, float64(s.CleanupRuns))
	}

	if c.conns != nil {
		gauge(c.connsActive, float64(c.conns.ActiveConnections()))
		counter(c.connsTotal, float64(c.conns.TotalConnections()))
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// NewRegistry returns a registry holding c plus the Go runtime and process
// collectors.
func NewRegistry(c *Collector) (*prom.Registry, error) {
	reg := prom.NewRegistry()
	for _, col := range []prom.Collector{
		c,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if _, err := registerCollector(reg, col); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// registerCollector registers collector, returning the existing one if an
// equal collector is already registered.
func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}
	return collector, err
}
