package dispatch

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// Executor runs handlers with panic recovery and keeps delivery counters.
type Executor struct {
	panicHandler PanicHandler

	executed    atomic.Uint64
	succeeded   atomic.Uint64
	failed      atomic.Uint64
	panicked    atomic.Uint64
	totalTimeNs atomic.Int64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithPanicHandler sets the panic handler for the executor.
func WithPanicHandler(h PanicHandler) ExecutorOption {
	return func(e *Executor) {
		e.panicHandler = h
	}
}

// NewExecutor creates a new executor with the given options.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs handler with event on the calling goroutine.
// It recovers from panics and captures timing information.
func (e *Executor) Execute(ctx context.Context, event any, handler Handler) (result Result) {
	e.executed.Add(1)
	start := time.Now()

	defer func() {
		result.Duration = time.Since(start)
		e.totalTimeNs.Add(result.Duration.Nanoseconds())

		if r := recover(); r != nil {
			stack := debug.Stack()

			result.Success = false
			result.Error = nil
			result.Panicked = true
			result.PanicValue = r
			result.PanicStack = stack
			e.panicked.Add(1)

			// A panicking panic handler must not take the emitter down with it.
			if e.panicHandler != nil {
				func() {
					defer func() {
						_ = recover()
					}()
					e.panicHandler(event, r, stack)
				}()
			}
			return
		}

		if result.Error != nil {
			e.failed.Add(1)
		} else {
			e.succeeded.Add(1)
		}
	}()

	if err := handler.Handle(ctx, event); err != nil {
		result.Error = err
		return result
	}
	result.Success = true
	return result
}

// Stats is a snapshot of executor counters.
type Stats struct {
	Executed  uint64
	Succeeded uint64
	Failed    uint64
	Panicked  uint64
	TotalTime time.Duration
}

// Stats returns the current counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Executed:  e.executed.Load(),
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
		Panicked:  e.panicked.Load(),
		TotalTime: time.Duration(e.totalTimeNs.Load()),
	}
}
