// Package executor provides the serialization owner used throughout the
// server: a FIFO of tasks bound to one piece of mutable state.
//
// Every mutable resource (a VM channel, a socket's send queue, the settings
// table, the guest name table, ...) is owned by exactly one Executor. Tasks
// may be dispatched from any goroutine; they run one at a time, in
// submission order per submitter, on the executor's own goroutine. The Go
// scheduler provides the M:N thread pool; the invariant here is
// serialization per resource, not per thread.
package executor

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Executor runs dispatched tasks sequentially.
type Executor struct {
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// New creates a started executor. name labels log records from recovered
// task panics.
func New(name string, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	ex := &Executor{
		logger: logger.With("owner", name),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go ex.run()
	return ex
}

// Dispatch enqueues task for exclusive execution on this owner. It never
// blocks. Dispatch after Close is a no-op.
func (ex *Executor) Dispatch(task func()) {
	ex.mu.Lock()
	if ex.closed {
		ex.mu.Unlock()
		return
	}
	ex.queue = append(ex.queue, task)
	ex.mu.Unlock()

	select {
	case ex.wake <- struct{}{}:
	default:
	}
}

// Wrap returns a continuation that re-enters this owner when invoked,
// typically from inside another owner's task.
func (ex *Executor) Wrap(task func()) func() {
	return func() {
		ex.Dispatch(task)
	}
}

// Close stops the executor after draining already queued tasks. It blocks
// until the run loop has exited.
func (ex *Executor) Close() {
	ex.mu.Lock()
	if ex.closed {
		ex.mu.Unlock()
		<-ex.done
		return
	}
	ex.closed = true
	ex.mu.Unlock()

	select {
	case ex.wake <- struct{}{}:
	default:
	}
	<-ex.done
}

func (ex *Executor) run() {
	defer close(ex.done)

	for {
		ex.mu.Lock()
		tasks := ex.queue
		ex.queue = nil
		closed := ex.closed
		ex.mu.Unlock()

		for _, task := range tasks {
			ex.exec(task)
		}

		if closed {
			ex.mu.Lock()
			remaining := ex.queue
			ex.queue = nil
			ex.mu.Unlock()
			for _, task := range remaining {
				ex.exec(task)
			}
			return
		}

		if len(tasks) == 0 {
			<-ex.wake
		}
	}
}

// exec runs one task. A panic must not take the owner down; the failure is
// contained and logged.
func (ex *Executor) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			ex.logger.Error("task panic",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	task()
}
