// Package session is the synchronization core of one collaborative editing
// session.
//
// A Session owns the mutation queue and its worker, the suppression gate,
// the highlight table and the patch and highlight engines. Remote events
// arrive as method calls from any goroutine; every change to editable state
// is enqueued and runs on the worker, one request at a time, in arrival
// order.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/cosync/internal/highlight"
	"github.com/dshills/cosync/internal/logging"
	"github.com/dshills/cosync/internal/metrics"
	"github.com/dshills/cosync/internal/mutation"
	"github.com/dshills/cosync/internal/patch"
	"github.com/dshills/cosync/internal/suppress"
	"github.com/dshills/cosync/internal/surface"
)

// Errors returned by Session.
var (
	// ErrNoWorkspace indicates a session created without a workspace.
	ErrNoWorkspace = errors.New("session requires a workspace")

	// ErrUnknownBuffer indicates a buffer id that is not open.
	ErrUnknownBuffer = errors.New("unknown buffer")

	// ErrClosed indicates use of a shut down session.
	ErrClosed = errors.New("session closed")
)

// controlID is the buffer id of session-wide requests.
const controlID = -1

// Options configures a Session.
type Options struct {
	Workspace surface.Workspace
	Presenter surface.Presenter
	// Gate is shared with the documents the workspace loads. A new gate is
	// created when nil.
	Gate    *suppress.Gate
	Logger  *logging.Logger
	Metrics *metrics.Metrics

	// Scheduler runs queue drains. When nil the session starts its own
	// Worker and stops it on Shutdown.
	Scheduler      mutation.Scheduler
	DispatchBuffer int
	SlowThreshold  time.Duration
	BacklogWarn    int

	// Retention is a highlight retention policy. Defaults to
	// highlight.RetentionUntilClose.
	Retention string
}

// Session is one collaborative editing session.
type Session struct {
	workspace   surface.Workspace
	gate        *suppress.Gate
	queue       *mutation.Queue
	worker      *mutation.Worker
	patcher     *patch.Engine
	highlighter *highlight.Engine
	log         *logging.Logger
	metrics     *metrics.Metrics
	retention   string
	control     *mutation.Buffer

	mu      sync.RWMutex
	buffers map[int]*mutation.Buffer
	byPath  map[string]*mutation.Buffer
	closed  bool

	dropped uint64
}

// New creates a session.
func New(opts Options) (*Session, error) {
	if opts.Workspace == nil {
		return nil, ErrNoWorkspace
	}
	if opts.Logger == nil {
		opts.Logger = logging.Null()
	}
	if opts.Gate == nil {
		opts.Gate = suppress.NewGate()
	}
	if opts.Retention == "" {
		opts.Retention = highlight.RetentionUntilClose
	}
	if opts.Retention != highlight.RetentionUntilClose && opts.Retention != highlight.RetentionForever {
		return nil, fmt.Errorf("unknown highlight retention %q", opts.Retention)
	}
	log := opts.Logger.WithComponent("session")

	s := &Session{
		workspace: opts.Workspace,
		gate:      opts.Gate,
		log:       log,
		metrics:   opts.Metrics,
		retention: opts.Retention,
		control:   mutation.NewBuffer(controlID, "", nil),
		buffers:   make(map[int]*mutation.Buffer),
		byPath:    make(map[string]*mutation.Buffer),
	}

	sched := opts.Scheduler
	if sched == nil {
		s.worker = mutation.NewWorker(opts.DispatchBuffer, opts.Logger)
		s.worker.Start()
		sched = s.worker
	}

	qopts := []mutation.Option{
		mutation.WithLogger(opts.Logger),
		mutation.WithMetrics(opts.Metrics),
	}
	if opts.SlowThreshold > 0 {
		qopts = append(qopts, mutation.WithSlowThreshold(opts.SlowThreshold))
	}
	if opts.BacklogWarn > 0 {
		qopts = append(qopts, mutation.WithBacklogWarn(opts.BacklogWarn))
	}
	s.queue = mutation.NewQueue(sched, qopts...)

	s.patcher = patch.NewEngine(s.gate, opts.Logger, opts.Metrics)
	s.highlighter = highlight.NewEngine(highlight.Config{
		Gate:      s.gate,
		Workspace: opts.Workspace,
		Presenter: opts.Presenter,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	})
	return s, nil
}

// Gate returns the session's suppression gate.
func (s *Session) Gate() *suppress.Gate {
	return s.gate
}

// Highlights returns the session's highlight table.
func (s *Session) Highlights() *highlight.Table {
	return s.highlighter.Table()
}

// Queue returns the session's mutation queue.
func (s *Session) Queue() *mutation.Queue {
	return s.queue
}

// Open resolves path in the workspace and registers it as buffer id.
// Reopening an id with the same path returns the existing buffer.
func (s *Session) Open(id int, path string) (*mutation.Buffer, error) {
	s.mu.RLock()
	closed := s.closed
	existing := s.buffers[id]
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if existing != nil && existing.Path == path {
		return existing, nil
	}

	doc, err := s.workspace.Resolve(path)
	if err != nil {
		return nil, fmt.Errorf("open buf %d: %w", id, err)
	}
	buf := mutation.NewBuffer(id, doc.Path(), doc)

	s.mu.Lock()
	if old := s.buffers[id]; old != nil {
		delete(s.byPath, old.Path)
		s.log.Info("buf %d moved from %s to %s", id, old.Path, buf.Path)
	}
	s.buffers[id] = buf
	s.byPath[buf.Path] = buf
	s.mu.Unlock()

	s.log.Debug("opened %s", buf)
	return buf, nil
}

// Buffer returns the buffer registered as id.
func (s *Session) Buffer(id int) (*mutation.Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buffers[id]
	return b, ok
}

// BufferByPath returns the buffer open at path.
func (s *Session) BufferByPath(path string) (*mutation.Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byPath[path]
	return b, ok
}

// Buffers returns the number of open buffers.
func (s *Session) Buffers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffers)
}

func (s *Session) lookup(id int, op string) *mutation.Buffer {
	b, ok := s.Buffer(id)
	if !ok {
		s.log.WithField("buffer", id).Warn("%s: %v", op, ErrUnknownBuffer)
		return nil
	}
	return b
}

func (s *Session) docFor(path string) surface.Document {
	b, ok := s.BufferByPath(path)
	if !ok {
		return nil
	}
	return b.Doc
}

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// wait enqueues work and waits for it. After Shutdown it fails with
// ErrClosed instead of blocking on a queue that no longer drains.
func (s *Session) wait(ctx context.Context, buf *mutation.Buffer, work mutation.Work) error {
	if s.isClosed() {
		return ErrClosed
	}
	err := s.queue.EnqueueWait(ctx, buf, work)
	if errors.Is(err, mutation.ErrQueueClosed) || (errors.Is(err, mutation.ErrDiscarded) && s.isClosed()) {
		return ErrClosed
	}
	return err
}

// enqueue wraps work so suppressed edits are counted after each request.
// It refuses work once the session is shut down.
func (s *Session) enqueue(buf *mutation.Buffer, work mutation.Work) bool {
	if s.isClosed() {
		s.log.WithField("buffer", buf.ID).Debug("dropping mutation: %v", ErrClosed)
		return false
	}
	return s.queue.Enqueue(buf, func(b *mutation.Buffer) error {
		err := work(b)
		s.countSuppressed()
		return err
	})
}

// countSuppressed runs on the worker only.
func (s *Session) countSuppressed() {
	_, dropped := s.gate.Stats()
	if dropped > s.dropped {
		s.metrics.SuppressedEdits(dropped - s.dropped)
		s.dropped = dropped
	}
}

// Close unregisters buffer id. Under until-close retention the highlights of
// its path are released.
func (s *Session) Close(id int) bool {
	s.mu.Lock()
	buf, ok := s.buffers[id]
	if ok {
		delete(s.buffers, id)
		if s.byPath[buf.Path] == buf {
			delete(s.byPath, buf.Path)
		}
	}
	s.mu.Unlock()

	if !ok {
		s.log.WithField("buffer", id).Warn("close: %v", ErrUnknownBuffer)
		return false
	}
	s.log.Debug("closed %s", buf)
	if s.retention != highlight.RetentionUntilClose {
		return true
	}
	return s.enqueue(buf, func(b *mutation.Buffer) error {
		s.highlighter.Forget(b.Path, b.Doc)
		return nil
	})
}

// Patch applies positions to buffer id. done, when set, receives the
// resulting text on the worker.
func (s *Session) Patch(id int, positions []patch.Position, done func(text string)) bool {
	buf := s.lookup(id, "patch")
	if buf == nil {
		return false
	}
	return s.enqueue(buf, func(b *mutation.Buffer) error {
		text := s.patcher.Apply(b.Doc, positions)
		if done != nil {
			done(text)
		}
		return nil
	})
}

// Highlight renders req in the buffer open at req.Path.
func (s *Session) Highlight(req highlight.Request) bool {
	buf, ok := s.BufferByPath(req.Path)
	if !ok {
		s.log.WithField("path", req.Path).Warn("highlight: %v", ErrUnknownBuffer)
		return false
	}
	return s.enqueue(buf, func(b *mutation.Buffer) error {
		s.highlighter.Apply(b.Doc, req)
		return nil
	})
}

// RemoveUser releases every highlight of a collaborator who left.
func (s *Session) RemoveUser(userID int) bool {
	return s.enqueue(s.control, func(*mutation.Buffer) error {
		s.highlighter.RemoveUser(userID, s.docFor)
		return nil
	})
}

// ClearHighlights releases every collaborator highlight.
func (s *Session) ClearHighlights() bool {
	return s.enqueue(s.control, func(*mutation.Buffer) error {
		s.highlighter.Clear(s.docFor)
		return nil
	})
}

// SetText replaces the whole text of buffer id without reporting it as a
// local edit.
func (s *Session) SetText(id int, text string) bool {
	buf := s.lookup(id, "set text")
	if buf == nil {
		return false
	}
	return s.enqueue(buf, func(b *mutation.Buffer) error {
		return s.gate.Do(func() error {
			return b.Doc.SetText(patch.NormalizeNewlines(text))
		})
	})
}

// Save writes buffer id to disk. A document that is not writable is skipped.
func (s *Session) Save(id int) bool {
	buf := s.lookup(id, "save")
	if buf == nil {
		return false
	}
	return s.enqueue(buf, func(b *mutation.Buffer) error {
		if !b.Doc.Writable() {
			s.log.Info("skipping save of read-only %s", b.Path)
			return nil
		}
		b.Doc.SetReadOnly(false)
		return b.Doc.Save()
	})
}

// SetReadOnly toggles the read-only flag of buffer id.
func (s *Session) SetReadOnly(id int, readOnly bool) bool {
	buf := s.lookup(id, "set read-only")
	if buf == nil {
		return false
	}
	return s.enqueue(buf, func(b *mutation.Buffer) error {
		b.Doc.SetReadOnly(readOnly)
		return nil
	})
}

// MakeWritable clears the read-only flag of buffer id and reports whether
// the document is writable afterwards. It waits for the request to run.
func (s *Session) MakeWritable(ctx context.Context, id int) (bool, error) {
	buf := s.lookup(id, "make writable")
	if buf == nil {
		return false, ErrUnknownBuffer
	}
	var writable bool
	err := s.wait(ctx, buf, func(b *mutation.Buffer) error {
		if !b.Doc.Writable() {
			b.Doc.SetReadOnly(false)
		}
		writable = b.Doc.Writable()
		return nil
	})
	return writable, err
}

// Text returns the current text of buffer id, read on the worker.
func (s *Session) Text(ctx context.Context, id int) (string, error) {
	buf, ok := s.Buffer(id)
	if !ok {
		return "", ErrUnknownBuffer
	}
	var text string
	err := s.wait(ctx, buf, func(b *mutation.Buffer) error {
		text = b.Doc.Text()
		return nil
	})
	return text, err
}

// OnLocalEdit subscribes fn to edits made by the local user. Writes made by
// the session itself are never delivered.
func (s *Session) OnLocalEdit(fn func(suppress.LocalEdit)) (cancel func()) {
	return s.gate.Subscribe(fn)
}

// Flush waits until every request enqueued so far has run.
func (s *Session) Flush(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.queue.Flush(ctx)
}

// Shutdown discards queued requests and stops the session's own worker.
// A request already running is allowed to finish.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.queue.Shutdown()
	if s.worker != nil {
		return s.worker.Stop(ctx)
	}
	return nil
}
