package mutation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/cosync/internal/surface"
)

// Buffer identifies one synchronized document. It owns no text; the text
// lives in Doc. All requests for the same buffer are mutually exclusive.
type Buffer struct {
	ID   int
	Path string
	Doc  surface.Document

	mu sync.Mutex
}

// NewBuffer creates a buffer for doc.
func NewBuffer(id int, path string, doc surface.Document) *Buffer {
	return &Buffer{ID: id, Path: path, Doc: doc}
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buf %d (%s)", b.ID, b.Path)
}

// Work is a unit of mutation bound to a buffer.
type Work func(buf *Buffer) error

// Request binds Work to its target Buffer.
type Request struct {
	ID       uuid.UUID
	Buffer   *Buffer
	Work     Work
	Enqueued time.Time

	// done, when set, receives the outcome.
	done chan error
}

// NewRequest creates a request. It fails when buf or work is absent.
func NewRequest(buf *Buffer, work Work) (*Request, error) {
	if buf == nil {
		return nil, ErrNilBuffer
	}
	if work == nil {
		return nil, ErrNilWork
	}
	return &Request{
		ID:       uuid.New(),
		Buffer:   buf,
		Work:     work,
		Enqueued: time.Now(),
	}, nil
}

// PanicError is the error recorded for work that panicked.
type PanicError struct {
	RequestID uuid.UUID
	Value     any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in mutation %s: %v", e.RequestID, e.Value)
}

// run executes the work under the buffer lock, converting a panic to a
// *PanicError.
func (r *Request) run() (err error) {
	r.Buffer.mu.Lock()
	defer r.Buffer.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{RequestID: r.ID, Value: rec}
		}
	}()
	return r.Work(r.Buffer)
}

func (r *Request) finish(err error) {
	if r.done != nil {
		r.done <- err
	}
}
