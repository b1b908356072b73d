package mutation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dshills/cosync/internal/logging"
	"github.com/dshills/cosync/internal/metrics"
)

// Default queue thresholds.
const (
	DefaultSlowThreshold = 200 * time.Millisecond
	DefaultBacklogWarn   = 5
)

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(l *logging.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// WithMetrics records queue activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithSlowThreshold sets the duration above which a request is logged as slow.
func WithSlowThreshold(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.slowThreshold = d
		}
	}
}

// WithBacklogWarn sets the queue depth above which a drain logs its backlog.
func WithBacklogWarn(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.backlogWarn = n
		}
	}
}

// WithClock replaces time.Now for request timing.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue is the session-wide FIFO of mutation requests.
type Queue struct {
	sched Scheduler

	mu       sync.Mutex
	items    []*Request
	draining bool
	closed   bool

	log           *logging.Logger
	metrics       *metrics.Metrics
	slowThreshold time.Duration
	backlogWarn   int
	now           func() time.Time
}

// NewQueue creates a queue that drains on sched.
func NewQueue(sched Scheduler, opts ...Option) *Queue {
	q := &Queue{
		sched:         sched,
		log:           logging.Null(),
		slowThreshold: DefaultSlowThreshold,
		backlogWarn:   DefaultBacklogWarn,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.WithComponent("queue")
	return q
}

// Enqueue appends work for buf. A nil buf is logged and ignored. Enqueue
// never blocks on the work itself and reports whether the request was
// accepted.
func (q *Queue) Enqueue(buf *Buffer, work Work) bool {
	req, err := NewRequest(buf, work)
	if err == nil {
		err = q.push(req)
	}
	if err != nil {
		q.log.Warn("abandoning mutation: %v", err)
		q.metrics.Dropped(1)
		return false
	}
	return true
}

// EnqueueWait enqueues work and waits until it has run, returning its error.
// It returns ctx.Err() if ctx ends first; the request still runs later.
func (q *Queue) EnqueueWait(ctx context.Context, buf *Buffer, work Work) error {
	req, err := NewRequest(buf, work)
	if err == nil {
		req.done = make(chan error, 1)
		err = q.push(req)
	}
	if err != nil {
		q.log.Warn("abandoning mutation: %v", err)
		q.metrics.Dropped(1)
		return err
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// push appends req and schedules a drain unless one is pending. When the
// scheduler refuses, req stays queued and the next push tries again.
func (q *Queue) push(req *Request) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, req)
	depth := len(q.items)
	if q.draining {
		q.mu.Unlock()
		q.metrics.Enqueued(depth)
		return nil
	}
	q.draining = true
	q.mu.Unlock()
	q.metrics.Enqueued(depth)

	if err := q.sched.Dispatch(q.drain); err != nil {
		q.log.Error("cannot schedule drain of %d mutations: %v", depth, err)
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}
	return nil
}

// drain runs queued requests until the queue is empty.
func (q *Queue) drain() {
	q.metrics.Drain()

	q.mu.Lock()
	backlog := len(q.items)
	q.mu.Unlock()
	if backlog > q.backlogWarn {
		q.log.Info("draining %d queued mutations", backlog)
	}

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			q.metrics.Depth(0)
			return
		}
		req := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		depth := len(q.items)
		q.mu.Unlock()

		q.metrics.Depth(depth)
		q.execute(req)
	}
}

func (q *Queue) execute(req *Request) {
	start := q.now()
	err := req.run()
	elapsed := q.now().Sub(start)

	slow := elapsed > q.slowThreshold
	if slow {
		q.log.WithField("buffer", req.Buffer.ID).Info("spent %s on mutation thread", elapsed)
	}

	status := metrics.StatusOK
	if err != nil {
		var pe *PanicError
		if errors.As(err, &pe) {
			status = metrics.StatusPanic
		} else {
			status = metrics.StatusError
		}
		q.log.WithFields(map[string]any{
			"request": req.ID,
			"buffer":  req.Buffer.ID,
			"path":    req.Buffer.Path,
		}).Error("mutation failed: %v", err)
	}
	q.metrics.Executed(status, elapsed, slow)
	req.finish(err)
}

// Flush waits until every request enqueued before the call has run.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}
	barrier := make(chan struct{})
	if err := q.sched.Dispatch(func() { close(barrier) }); err != nil {
		return err
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of requests waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Reset discards every queued request without running it. A request that is
// already executing is not affected.
func (q *Queue) Reset() {
	q.mu.Lock()
	discarded := q.items
	q.items = nil
	q.mu.Unlock()

	for _, req := range discarded {
		req.finish(ErrDiscarded)
	}
	if len(discarded) > 0 {
		q.log.Info("discarded %d queued mutations", len(discarded))
	}
	q.metrics.Dropped(len(discarded))
	q.metrics.Depth(0)
}

// Shutdown discards pending requests and refuses every later one.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.Reset()
}

// Closed reports whether Shutdown has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
