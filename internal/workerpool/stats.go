package workerpool

import (
	"fmt"
	"time"
)

// PoolStats is a point-in-time snapshot of the pool.
type PoolStats struct {
	ActiveThreads       int           `json:"active_threads"`
	IdleThreads         int           `json:"idle_threads"`
	TotalThreads        int           `json:"total_threads"`
	DrainingThreads     int           `json:"draining_threads"`
	PendingTasks        int           `json:"pending_tasks"`
	CompletedTasks      uint64        `json:"completed_tasks"`
	FailedTasks         uint64        `json:"failed_tasks"`
	AverageTaskDuration time.Duration `json:"average_task_duration"`
	PeakThreads         int           `json:"peak_threads"`
	Uptime              time.Duration `json:"uptime"`
	Generation          uint64        `json:"generation"`
	Closed              bool          `json:"closed"`
}

// LoadRatio is active over total threads.
func (s PoolStats) LoadRatio() float64 {
	if s.TotalThreads == 0 {
		return 0
	}
	return float64(s.ActiveThreads) / float64(s.TotalThreads)
}

func (s PoolStats) String() string {
	return fmt.Sprintf("active=%d idle=%d total=%d draining=%d pending=%d completed=%d failed=%d avg=%s peak=%d gen=%d",
		s.ActiveThreads, s.IdleThreads, s.TotalThreads, s.DrainingThreads, s.PendingTasks,
		s.CompletedTasks, s.FailedTasks, s.AverageTaskDuration, s.PeakThreads, s.Generation)
}

// durationWindow keeps the most recent task durations, oldest overwritten
// first, with a running sum for the mean.
type durationWindow struct {
	samples []time.Duration
	next    int
	full    bool
	sum     time.Duration
}

func newDurationWindow(size int) *durationWindow {
	return &durationWindow{samples: make([]time.Duration, size)}
}

func (w *durationWindow) add(d time.Duration) {
	if w.full {
		w.sum -= w.samples[w.next]
	}
	w.samples[w.next] = d
	w.sum += d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

func (w *durationWindow) len() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

func (w *durationWindow) mean() time.Duration {
	n := w.len()
	if n == 0 {
		return 0
	}
	return w.sum / time.Duration(n)
}
