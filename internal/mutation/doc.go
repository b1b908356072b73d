// Package mutation serializes every change to editable document state onto a
// single execution context.
//
// # Model
//
// Remote events arrive on arbitrary goroutines. Each is wrapped as a Request
// bound to the Buffer it targets and appended to the session's Queue. The
// first request of a burst schedules one drain on the Scheduler; requests
// arriving while that drain is pending or running are picked up by it, so a
// burst never produces a second concurrent drain.
//
// The drain pops requests in submission order and runs each exactly once
// while holding that request's buffer lock:
//
//	q := mutation.NewQueue(worker, mutation.WithLogger(log))
//	q.Enqueue(buf, func(b *mutation.Buffer) error {
//	    text := patcher.Apply(b.Doc, positions)
//	    verify(text)
//	    return nil
//	})
//
// # Scheduling
//
// Worker is the default Scheduler: one goroutine that owns an input channel
// and runs dispatched functions in order. Hosts with their own UI thread can
// supply any Scheduler whose Dispatch runs the function on that thread.
//
// # Failures
//
// Work errors and panics are logged and counted; they never stop the drain.
// Requests slower than the slow threshold are logged, never aborted. When the
// scheduler refuses a drain, the requests stay queued and the next push
// schedules again. Reset discards queued requests without running them;
// Shutdown also refuses every later request.
package mutation
