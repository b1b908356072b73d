package mutation

import (
	"context"
	"sync"

	"github.com/dshills/cosync/internal/logging"
)

// DefaultDispatchBuffer is the default capacity of a Worker's input channel.
const DefaultDispatchBuffer = 64

// Scheduler runs functions on the single execution context allowed to
// mutate editable state. Functions must run one at a time in dispatch order.
type Scheduler interface {
	Dispatch(fn func()) error
}

// Worker is a Scheduler backed by one goroutine that owns an input channel.
type Worker struct {
	tasks chan func()
	stop  chan struct{}
	done  chan struct{}
	log   *logging.Logger

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewWorker creates a worker whose input channel holds buffer pending
// functions. Call Start before dispatching.
func NewWorker(buffer int, log *logging.Logger) *Worker {
	if buffer <= 0 {
		buffer = DefaultDispatchBuffer
	}
	if log == nil {
		log = logging.Null()
	}
	return &Worker{
		tasks: make(chan func(), buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		log:   log.WithComponent("worker"),
	}
}

// Start launches the worker goroutine. Extra calls are no-ops.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		go w.loop()
	})
}

// Dispatch hands fn to the worker. It returns ErrWorkerStopped once Stop has
// been called.
func (w *Worker) Dispatch(fn func()) error {
	select {
	case <-w.stop:
		return ErrWorkerStopped
	default:
	}

	select {
	case w.tasks <- fn:
		return nil
	case <-w.stop:
		return ErrWorkerStopped
	}
}

// Stop ends the worker after the function it is running, if any, returns.
// Functions still in the channel are dropped. Stop waits for the goroutine to
// exit or ctx to end.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	w.Start() // a never-started worker must still close done

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		select {
		case <-w.stop:
			return
		case fn := <-w.tasks:
			w.run(fn)
		}
	}
}

func (w *Worker) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("dispatched function panicked: %v", r)
		}
	}()
	fn()
}
