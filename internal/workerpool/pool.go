// Package workerpool runs submitted tasks on a set of workers whose size
// follows load.
//
// Resizing never stops a running task. Each resize starts a new worker
// generation at the target size and retires the previous one; retired
// workers finish whatever they are running and exit, and a reaper drops the
// generation once all of them are gone. Concurrency across all generations
// is capped by the size of the current one.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chathub/internal/logging"
)

const statsLogEvery = 100

// workerSet is one generation of workers.
type workerSet struct {
	gen     uint64
	size    int
	busy    int // tasks running on this generation's workers
	retired bool
	wg      sync.WaitGroup
}

// Pool is an adaptive worker pool.
type Pool struct {
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*Handle
	current  *workerSet
	draining map[uint64]*workerSet
	lastGen  uint64
	closed   bool
	nextID   uint64

	// Statistics, guarded by mu
	active    int
	completed uint64
	failed    uint64
	peak      int
	durations *durationWindow
	startedAt time.Time

	live       sync.WaitGroup // every worker and reaper goroutine
	rootCtx    context.Context
	rootCancel context.CancelFunc

	stopMonitor  chan struct{}
	monitorDone  chan struct{}
	shutdownOnce sync.Once
	drained      chan struct{}
}

// New validates cfg and starts the minimum number of workers.
func New(cfg Config, logger *logging.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:         cfg,
		logger:      logger,
		draining:    make(map[uint64]*workerSet),
		durations:   newDurationWindow(cfg.DurationSamples),
		startedAt:   time.Now(),
		rootCtx:     ctx,
		rootCancel:  cancel,
		stopMonitor: make(chan struct{}),
		monitorDone: make(chan struct{}),
		drained:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.mu.Lock()
	p.current = p.spawnLocked(cfg.MinWorkers)
	p.peak = cfg.MinWorkers
	p.mu.Unlock()

	if cfg.EnableMonitoring {
		go p.monitor()
	} else {
		close(p.monitorDone)
	}

	logger.Info(context.Background(), logging.ComponentPool, logging.ActionStart, "Worker pool started", map[string]interface{}{
		"pool":        cfg.Name,
		"min_workers": cfg.MinWorkers,
		"max_workers": cfg.MaxWorkers,
		"monitoring":  cfg.EnableMonitoring,
	})
	return p, nil
}

// Config returns the configuration the pool was built with.
func (p *Pool) Config() Config { return p.cfg }

// Submit queues task for execution. The default task timeout applies unless
// overridden with WithTimeout.
func (p *Pool) Submit(task Task, opts ...SubmitOption) (*Handle, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	o := submitOptions{timeout: p.cfg.TaskTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	p.nextID++
	h := newHandle(p.rootCtx, p.nextID, task, o)
	p.queue = append(p.queue, h)
	p.cond.Signal()
	return h, nil
}

// SubmitHandler runs a connection handler with no timeout. The handler's
// context is cancelled when the handle is cancelled or the pool gives up
// on a shutdown.
func (p *Pool) SubmitHandler(fn HandlerFunc, connectionID string, opts ...SubmitOption) (*Handle, error) {
	if fn == nil {
		return nil, ErrNilTask
	}
	task := func(ctx context.Context) (any, error) {
		return nil, fn(ctx, connectionID)
	}
	base := []SubmitOption{WithTimeout(0), WithName("handler-" + connectionID), withConnection(connectionID)}
	return p.Submit(task, append(base, opts...)...)
}

// spawnLocked starts a new generation of n workers.
func (p *Pool) spawnLocked(n int) *workerSet {
	p.lastGen++
	ws := &workerSet{gen: p.lastGen, size: n}
	ws.wg.Add(n)
	p.live.Add(n)
	for i := 0; i < n; i++ {
		go p.worker(ws)
	}
	return ws
}

func (p *Pool) worker(ws *workerSet) {
	defer p.live.Done()
	defer ws.wg.Done()

	for {
		h, ok := p.next(ws)
		if !ok {
			return
		}
		p.run(ws, h)
	}
}

// next blocks until a task may start on ws, or returns false when the
// worker should exit.
func (p *Pool) next(ws *workerSet) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if ws.retired {
			return nil, false
		}
		if p.active < p.current.size {
			for len(p.queue) > 0 {
				h := p.queue[0]
				p.queue[0] = nil
				p.queue = p.queue[1:]
				if h.start() {
					p.active++
					ws.busy++
					return h, true
				}
			}
		}
		if p.closed && len(p.queue) == 0 {
			return nil, false
		}
		p.cond.Wait()
	}
}

func (p *Pool) run(ws *workerSet, h *Handle) {
	value, err := invoke(h)
	finished := time.Now()
	if err != nil {
		value = nil
	}

	p.mu.Lock()
	p.active--
	ws.busy--
	if err != nil {
		p.failed++
	} else {
		p.completed++
	}
	p.durations.add(finished.Sub(h.StartedAt()))
	total := p.completed + p.failed
	p.cond.Broadcast()
	p.mu.Unlock()

	h.complete(Result{Value: value, Err: err}, finished)

	if err != nil {
		p.logger.Warn(context.Background(), logging.ComponentPool, logging.ActionExecute, "Task failed", map[string]interface{}{
			"task":          h.name,
			"connection_id": h.connectionID,
			"error":         err.Error(),
		})
	}
	if total%statsLogEvery == 0 {
		p.logStats()
	}
}

// invoke runs the task body, converting errors and panics into
// *TaskFailedError.
func invoke(h *Handle) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = &TaskFailedError{Task: h.name, Panic: r, Cause: fmt.Errorf("panic: %v", r)}
		}
	}()

	value, err = h.task(h.ctx)
	if err != nil {
		if h.timedOut() {
			err = fmt.Errorf("%w after %s: %w", ErrTaskTimeout, h.timeout, err)
		}
		err = &TaskFailedError{Task: h.name, Cause: err}
	}
	return value, err
}

// Resize moves the pool to target workers, clamped to the configured
// bounds. It reports whether the size changed.
func (p *Pool) Resize(target int) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	from := p.current.size
	to := p.cfg.clamp(target)
	if to == from {
		p.mu.Unlock()
		return false
	}
	gen := p.resizeLocked(to)
	p.mu.Unlock()

	p.logResize(from, to, gen, "manual")
	return true
}

// AutoResize applies one step of the scaling policy based on the ratio of
// active to total workers. Tasks still running on retired generations count
// as active. It reports whether the size changed.
func (p *Pool) AutoResize() bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	from := p.current.size
	ratio := float64(p.active) / float64(from)

	to := from
	switch {
	case ratio > p.cfg.ScaleUpThreshold:
		to = p.cfg.clamp(from + p.cfg.ScaleUpStep)
	case ratio < p.cfg.ScaleDownThreshold:
		to = p.cfg.clamp(from - p.cfg.ScaleDownStep)
	}
	if to == from {
		p.mu.Unlock()
		return false
	}
	gen := p.resizeLocked(to)
	p.mu.Unlock()

	p.logResize(from, to, gen, fmt.Sprintf("load ratio %.2f", ratio))
	return true
}

// resizeLocked retires the current generation and starts a new one.
func (p *Pool) resizeLocked(n int) uint64 {
	old := p.current
	old.retired = true
	p.draining[old.gen] = old

	p.current = p.spawnLocked(n)
	if n > p.peak {
		p.peak = n
	}

	p.live.Add(1)
	go p.reap(old)

	p.cond.Broadcast()
	return p.current.gen
}

// reap forgets a retired generation once its last worker has exited.
func (p *Pool) reap(ws *workerSet) {
	defer p.live.Done()
	ws.wg.Wait()

	p.mu.Lock()
	delete(p.draining, ws.gen)
	p.mu.Unlock()

	p.logger.Debug(context.Background(), logging.ComponentPool, logging.ActionDrain, "Worker generation drained", map[string]interface{}{
		"pool":       p.cfg.Name,
		"generation": ws.gen,
		"size":       ws.size,
	})
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending := 0
	for _, h := range p.queue {
		if h.state.Load() == statePending {
			pending++
		}
	}
	draining := 0
	for _, ws := range p.draining {
		draining += ws.busy
	}
	idle := p.current.size - p.active
	if idle < 0 {
		idle = 0
	}

	return PoolStats{
		ActiveThreads:       p.active,
		IdleThreads:         idle,
		TotalThreads:        p.current.size,
		DrainingThreads:     draining,
		PendingTasks:        pending,
		CompletedTasks:      p.completed,
		FailedTasks:         p.failed,
		AverageTaskDuration: p.durations.mean(),
		PeakThreads:         p.peak,
		Uptime:              time.Since(p.startedAt),
		Generation:          p.current.gen,
		Closed:              p.closed,
	}
}

// Closed reports whether Shutdown has been called.
func (p *Pool) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Shutdown stops accepting work and cancels every queued task. With wait
// set it blocks until running tasks finish; if timeout elapses first the
// remaining tasks have their contexts cancelled and ErrShutdownTimeout is
// returned. A non-positive timeout waits without limit. Shutdown may be
// called more than once.
func (p *Pool) Shutdown(wait bool, timeout time.Duration) error {
	p.shutdownOnce.Do(p.beginShutdown)

	if !wait {
		return nil
	}
	if timeout <= 0 {
		<-p.drained
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.drained:
		return nil
	case <-timer.C:
		p.rootCancel()
		stats := p.Stats()
		p.logger.Warn(context.Background(), logging.ComponentPool, logging.ActionStop, "Shutdown timed out, cancelling running tasks", map[string]interface{}{
			"pool":    p.cfg.Name,
			"active":  stats.ActiveThreads,
			"timeout": timeout.String(),
		})
		return fmt.Errorf("%w: %d tasks still running after %s", ErrShutdownTimeout, stats.ActiveThreads, timeout)
	}
}

// Close shuts down and waits up to DefaultShutdownTimeout.
func (p *Pool) Close() error {
	return p.Shutdown(true, DefaultShutdownTimeout)
}

func (p *Pool) beginShutdown() {
	p.mu.Lock()
	p.closed = true
	pending := p.queue
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	cancelled := 0
	for _, h := range pending {
		if h.Cancel() {
			cancelled++
		}
	}

	close(p.stopMonitor)
	<-p.monitorDone

	go func() {
		p.live.Wait()
		p.rootCancel()
		close(p.drained)
	}()

	p.logger.Info(context.Background(), logging.ComponentPool, logging.ActionStop, "Worker pool shutting down", map[string]interface{}{
		"pool":            p.cfg.Name,
		"cancelled_tasks": cancelled,
	})
}

func (p *Pool) logResize(from, to int, gen uint64, reason string) {
	p.logger.Info(context.Background(), logging.ComponentPool, logging.ActionResize, "Worker pool resized", map[string]interface{}{
		"pool":       p.cfg.Name,
		"from":       from,
		"to":         to,
		"generation": gen,
		"reason":     reason,
	})
}

func (p *Pool) logStats() {
	if !p.logger.Enabled(logging.INFO) {
		return
	}
	s := p.Stats()
	p.logger.Info(context.Background(), logging.ComponentPool, logging.ActionStats, "Worker pool statistics", map[string]interface{}{
		"pool":             p.cfg.Name,
		"active":           s.ActiveThreads,
		"total":            s.TotalThreads,
		"pending":          s.PendingTasks,
		"completed":        s.CompletedTasks,
		"failed":           s.FailedTasks,
		"avg_duration_ms":  s.AverageTaskDuration.Milliseconds(),
		"peak":             s.PeakThreads,
		"draining_workers": s.DrainingThreads,
	})
}
