// Package workspace is the disk-backed file-system collaborator.
//
// Paths are slash-separated and relative to the workspace root. Resolved
// files are loaded into memory documents; saving writes them back. Loaded
// text always uses LF line endings so offsets agree with collaborators; a
// file read with CRLF endings is written back with CRLF. When
// watching is enabled, an fsnotify watcher tracks whether each resolved
// path still exists.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/cosync/internal/logging"
	"github.com/dshills/cosync/internal/patch"
	"github.com/dshills/cosync/internal/suppress"
	"github.com/dshills/cosync/internal/surface"
	"github.com/dshills/cosync/internal/surface/memory"
)

// Errors returned by the workspace.
var (
	// ErrOutsideRoot indicates a path that escapes the workspace root.
	ErrOutsideRoot = errors.New("path outside workspace")

	// ErrNotDir indicates a root that is not a directory.
	ErrNotDir = errors.New("workspace root is not a directory")

	// ErrClosed indicates use of a closed workspace.
	ErrClosed = errors.New("workspace closed")
)

// EventKind describes a change to a tracked path.
type EventKind int

const (
	// EventCreated is sent when a tracked path reappears.
	EventCreated EventKind = iota
	// EventRemoved is sent when a tracked path is removed or renamed away.
	EventRemoved
	// EventWritten is sent when a tracked file is written by someone else.
	EventWritten
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventRemoved:
		return "removed"
	case EventWritten:
		return "written"
	default:
		return "unknown"
	}
}

// Event is a change to a tracked path.
type Event struct {
	Path string
	Kind EventKind
}

// Option configures a Workspace.
type Option func(*Workspace)

// WithLogger sets the logger.
func WithLogger(log *logging.Logger) Option {
	return func(w *Workspace) {
		if log != nil {
			w.log = log
		}
	}
}

// WithGate routes writes of loaded documents through gate.
func WithGate(gate *suppress.Gate) Option {
	return func(w *Workspace) {
		w.gate = gate
	}
}

// WithOpenFunc sets the function called when a path is brought to the
// foreground.
func WithOpenFunc(fn func(path string)) Option {
	return func(w *Workspace) {
		w.onOpen = fn
	}
}

// WithLoadFunc sets a function called with every document the workspace
// loads, before it is returned. Hosts use it to attach views.
func WithLoadFunc(fn func(doc *memory.Document)) Option {
	return func(w *Workspace) {
		w.onLoad = fn
	}
}

// Workspace is a directory of files shared with collaborators.
type Workspace struct {
	root   string
	gate   *suppress.Gate
	log    *logging.Logger
	onOpen func(string)
	onLoad func(*memory.Document)

	mu       sync.Mutex
	docs     map[string]*memory.Document
	missing  map[string]bool
	crlf     map[string]bool
	focused  string
	watcher  *fsnotify.Watcher
	watched  map[string]bool
	events   chan Event
	closeCh  chan struct{}
	closedWg sync.WaitGroup
	closed   bool
}

// New opens the workspace rooted at root.
func New(root string, opts ...Option) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: %w", abs, ErrNotDir)
	}

	w := &Workspace{
		root:    abs,
		log:     logging.Null(),
		docs:    make(map[string]*memory.Document),
		missing: make(map[string]bool),
		crlf:    make(map[string]bool),
		watched: make(map[string]bool),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.log = w.log.WithComponent("workspace")
	return w, nil
}

// Root returns the absolute root directory.
func (w *Workspace) Root() string {
	return w.root
}

// Clean validates p and returns its canonical form.
func (w *Workspace) Clean(p string) (string, error) {
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, "/")
	if p == "." || p == "" || p == ".." || strings.HasPrefix(p, "../") {
		return "", fmt.Errorf("%q: %w", p, ErrOutsideRoot)
	}
	return p, nil
}

func (w *Workspace) abs(p string) string {
	return filepath.Join(w.root, filepath.FromSlash(p))
}

// Resolve returns the document for p, loading it from disk on first use.
// A file without write permission loads read-only.
func (w *Workspace) Resolve(p string) (surface.Document, error) {
	doc, err := w.Load(p)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// Load is Resolve returning the concrete document.
func (w *Workspace) Load(p string) (*memory.Document, error) {
	clean, err := w.Clean(p)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrClosed
	}
	if doc, ok := w.docs[clean]; ok {
		return doc, nil
	}

	full := w.abs(clean)
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", clean, surface.ErrNotFound)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory: %w", clean, surface.ErrNotFound)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}

	text := string(data)
	if strings.Contains(text, "\r\n") {
		w.crlf[clean] = true
	}
	opts := []memory.Option{
		memory.WithText(patch.NormalizeNewlines(text)),
		memory.WithSave(w.save),
	}
	if w.gate != nil {
		opts = append(opts, memory.WithGate(w.gate))
	}
	if info.Mode().Perm()&0o200 == 0 {
		opts = append(opts, memory.WithReadOnly())
	}
	doc := memory.NewDocument(clean, opts...)
	if w.onLoad != nil {
		w.onLoad(doc)
	}
	w.docs[clean] = doc
	delete(w.missing, clean)

	if w.watcher != nil {
		w.watchDirLocked(filepath.Dir(full))
	}
	w.log.Debug("loaded %s (%d bytes)", clean, len(data))
	return doc, nil
}

// Loaded returns the canonical paths of every loaded document.
func (w *Workspace) Loaded() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.docs))
	for p := range w.docs {
		out = append(out, p)
	}
	return out
}

// Unload drops the cached document for p.
func (w *Workspace) Unload(p string) {
	clean, err := w.Clean(p)
	if err != nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.docs, clean)
	delete(w.crlf, clean)
}

// save writes text to p, creating parent directories as needed.
func (w *Workspace) save(p, text string) error {
	full := w.abs(p)
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(full); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	w.mu.Lock()
	crlf := w.crlf[p]
	w.mu.Unlock()
	if crlf {
		text = strings.ReplaceAll(text, "\n", "\r\n")
	}
	if err := os.WriteFile(full, []byte(text), mode); err != nil {
		return fmt.Errorf("save %s: %w", p, err)
	}

	w.mu.Lock()
	delete(w.missing, p)
	w.mu.Unlock()
	return nil
}

// Open brings p to the foreground.
func (w *Workspace) Open(p string) error {
	clean, err := w.Clean(p)
	if err != nil {
		return err
	}
	if !w.Valid(clean) {
		return fmt.Errorf("%s: %w", clean, surface.ErrNotFound)
	}

	w.mu.Lock()
	w.focused = clean
	fn := w.onOpen
	w.mu.Unlock()

	w.log.Info("focused %s", clean)
	if fn != nil {
		fn(clean)
	}
	return nil
}

// Focused returns the path most recently opened.
func (w *Workspace) Focused() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.focused
}

// Valid reports whether p exists. While watching, a loaded path reported
// removed stays invalid until it is created again.
func (w *Workspace) Valid(p string) bool {
	clean, err := w.Clean(p)
	if err != nil {
		return false
	}

	w.mu.Lock()
	missing := w.missing[clean]
	watching := w.watcher != nil
	_, loaded := w.docs[clean]
	w.mu.Unlock()

	if missing {
		return false
	}
	if watching && loaded {
		return true
	}
	info, err := os.Stat(w.abs(clean))
	return err == nil && !info.IsDir()
}
