// Package dispatch invokes listener callbacks on the emitting goroutine with
// panic recovery and timing.
//
// A failing callback never prevents the next one from running: the Executor
// converts both returned errors and panics into a Result, and the caller
// decides how to aggregate them once every listener has been given the event.
//
// # Usage
//
//	exec := dispatch.NewExecutor(dispatch.WithPanicHandler(func(ev any, v any, stack []byte) {
//	    logger.Error("listener panic", zap.Any("value", v))
//	}))
//	res := exec.Execute(ctx, ev, handler)
//	if err := res.Err(); err != nil {
//	    // remember err, keep delivering
//	}
package dispatch
