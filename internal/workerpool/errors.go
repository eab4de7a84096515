package workerpool

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolClosed is returned by Submit once Shutdown has started.
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrTaskFailed matches every error produced by a failing or panicking task.
	ErrTaskFailed = errors.New("task failed")
	// ErrTaskTimeout ends a wait. The task itself may still be running.
	ErrTaskTimeout = errors.New("task timed out")
	// ErrTaskCancelled is the result of a task cancelled before it started.
	ErrTaskCancelled = errors.New("task cancelled")
	// ErrShutdownTimeout is returned when tasks outlive the shutdown timeout.
	ErrShutdownTimeout = errors.New("shutdown timed out")
	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("invalid worker pool config")
	// ErrNilTask is returned when Submit is given a nil task.
	ErrNilTask = errors.New("nil task")
)

// TaskFailedError carries the cause of a failed task. It matches both
// ErrTaskFailed and the cause under errors.Is.
type TaskFailedError struct {
	Task  string
	Cause error
	Panic any // recovered value when the task panicked
}

func (e *TaskFailedError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("task %q panicked: %v", e.Task, e.Panic)
	}
	return fmt.Sprintf("task %q failed: %v", e.Task, e.Cause)
}

func (e *TaskFailedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrTaskFailed}
	}
	return []error{ErrTaskFailed, e.Cause}
}
