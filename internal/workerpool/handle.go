package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Task is a unit of work. It should return promptly once ctx is cancelled;
// the pool never interrupts a running task.
type Task func(ctx context.Context) (any, error)

// HandlerFunc serves one client connection for its whole lifetime.
type HandlerFunc func(ctx context.Context, connectionID string) error

// Result is the outcome of a task: a value or an error, never both.
type Result struct {
	Value any
	Err   error
}

const (
	statePending int32 = iota
	stateRunning
	stateDone
)

// Handle refers to one submitted task. It is completed exactly once, by
// the worker that ran the task or by cancellation before the task started.
type Handle struct {
	id           uint64
	name         string
	connectionID string
	priority     int
	timeout      time.Duration
	submitted    time.Time
	task         Task

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	cancelled atomic.Bool

	mu       sync.Mutex
	started  time.Time
	finished time.Time
	result   Result

	timer      *time.Timer
	expireOnce sync.Once
	expired    chan struct{}
	done       chan struct{}
}

func newHandle(parent context.Context, id uint64, task Task, o submitOptions) *Handle {
	ctx, cancel := context.WithCancel(parent)
	name := o.name
	if name == "" {
		name = fmt.Sprintf("task-%d", id)
	}
	return &Handle{
		id:           id,
		name:         name,
		connectionID: o.connectionID,
		priority:     o.priority,
		timeout:      o.timeout,
		submitted:    time.Now(),
		task:         task,
		ctx:          ctx,
		cancel:       cancel,
		expired:      make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// start moves the handle to running. It fails if the handle was cancelled
// while queued.
func (h *Handle) start() bool {
	if !h.state.CompareAndSwap(statePending, stateRunning) {
		return false
	}
	h.mu.Lock()
	h.started = time.Now()
	h.mu.Unlock()

	if h.timeout > 0 {
		h.timer = time.AfterFunc(h.timeout, h.expire)
	}
	return true
}

// expire ends waits on the handle and asks the task to stop.
func (h *Handle) expire() {
	h.expireOnce.Do(func() {
		close(h.expired)
		h.cancel()
	})
}

func (h *Handle) timedOut() bool {
	select {
	case <-h.expired:
		return true
	default:
		return false
	}
}

func (h *Handle) complete(res Result, at time.Time) {
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Lock()
	h.result = res
	h.finished = at
	h.mu.Unlock()

	h.state.Store(stateDone)
	h.cancel()
	close(h.done)
}

// Cancel marks the handle cancelled. A queued task never starts and its
// result becomes ErrTaskCancelled; Cancel then returns true. A running task
// only has its context cancelled and Cancel returns false.
func (h *Handle) Cancel() bool {
	h.cancelled.Store(true)
	if h.state.CompareAndSwap(statePending, stateDone) {
		h.complete(Result{Err: ErrTaskCancelled}, time.Now())
		return true
	}
	if h.state.Load() == stateRunning {
		h.cancel()
	}
	return false
}

// Wait blocks until the task completes, its own timeout expires, or the
// given timeout elapses. A non-positive timeout waits without limit.
func (h *Handle) Wait(timeout time.Duration) (any, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	select {
	case <-h.done:
		return h.value()
	case <-h.expired:
		select {
		case <-h.done:
			return h.value()
		default:
		}
		return nil, fmt.Errorf("%w: %s exceeded %s", ErrTaskTimeout, h.name, h.timeout)
	case <-deadline:
		return nil, fmt.Errorf("%w: gave up waiting for %s after %s", ErrTaskTimeout, h.name, timeout)
	}
}

func (h *Handle) value() (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result.Value, h.result.Err
}

// Result returns the outcome and true once the handle is complete.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, true
	default:
		return Result{}, false
	}
}

// Done is closed when the handle completes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// IsDone reports whether the handle has completed.
func (h *Handle) IsDone() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Running reports whether a worker is executing the task.
func (h *Handle) Running() bool { return h.state.Load() == stateRunning }

// Cancelled reports whether Cancel was called or the pool cancelled the
// task during shutdown.
func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

func (h *Handle) ID() uint64             { return h.id }
func (h *Handle) Name() string           { return h.name }
func (h *Handle) ConnectionID() string   { return h.connectionID }
func (h *Handle) Priority() int          { return h.priority }
func (h *Handle) Timeout() time.Duration { return h.timeout }
func (h *Handle) SubmittedAt() time.Time { return h.submitted }

// StartedAt is zero until a worker picks the task up.
func (h *Handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// FinishedAt is zero until the handle completes.
func (h *Handle) FinishedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}

// Duration is the execution time of a finished task, zero otherwise.
func (h *Handle) Duration() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started.IsZero() || h.finished.IsZero() {
		return 0
	}
	return h.finished.Sub(h.started)
}

// SubmitOption customizes a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	name         string
	connectionID string
	priority     int
	timeout      time.Duration
}

// WithTimeout overrides the pool's default task timeout. Zero disables it.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}

// WithPriority records an advisory priority. Tasks still run in FIFO order.
func WithPriority(p int) SubmitOption {
	return func(o *submitOptions) { o.priority = p }
}

// WithName labels the task in logs and errors.
func WithName(name string) SubmitOption {
	return func(o *submitOptions) { o.name = name }
}

func withConnection(id string) SubmitOption {
	return func(o *submitOptions) { o.connectionID = id }
}
