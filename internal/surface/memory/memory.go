// Package memory is an in-memory editing surface.
//
// Documents store their text as runes so offsets are character offsets.
// Every write is reported through the session's suppress.Gate, so writes
// made inside a suppression guard never reach local-edit subscribers.
package memory

import (
	"strings"
	"sync"

	"github.com/dshills/cosync/internal/suppress"
	"github.com/dshills/cosync/internal/surface"
)

// DefaultViewHeight is the number of visible lines of a new view.
const DefaultViewHeight = 40

// SaveFunc persists a document's text.
type SaveFunc func(path, text string) error

// Option configures a Document.
type Option func(*Document)

// WithText sets the initial text.
func WithText(text string) Option {
	return func(d *Document) {
		d.text = []rune(text)
	}
}

// WithGate reports writes through gate.
func WithGate(gate *suppress.Gate) Option {
	return func(d *Document) {
		d.gate = gate
	}
}

// WithSave sets the function used by Save.
func WithSave(fn SaveFunc) Option {
	return func(d *Document) {
		d.save = fn
	}
}

// WithReadOnly creates the document read-only.
func WithReadOnly() Option {
	return func(d *Document) {
		d.readOnly = true
	}
}

// Document is an in-memory surface.Document.
type Document struct {
	mu       sync.RWMutex
	path     string
	text     []rune
	readOnly bool
	modified bool
	views    []*View
	external []surface.View

	gate *suppress.Gate
	save SaveFunc
}

// NewDocument creates a document for path.
func NewDocument(path string, opts ...Option) *Document {
	d := &Document{path: path}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Path returns the document path.
func (d *Document) Path() string {
	return d.path
}

// Text returns the full text.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return string(d.text)
}

// Len returns the length in characters.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.text)
}

// SetText replaces the whole text.
func (d *Document) SetText(text string) error {
	d.mu.Lock()
	if d.readOnly {
		d.mu.Unlock()
		return surface.ErrReadOnly
	}
	oldLen := len(d.text)
	d.text = []rune(text)
	d.modified = true
	d.mu.Unlock()

	d.report(0, oldLen, text)
	return nil
}

// Replace replaces the characters in [start, end) with text.
func (d *Document) Replace(start, end int, text string) error {
	d.mu.Lock()
	if d.readOnly {
		d.mu.Unlock()
		return surface.ErrReadOnly
	}
	if start < 0 || end < start || end > len(d.text) {
		d.mu.Unlock()
		return surface.ErrOutOfRange
	}
	ins := []rune(text)
	next := make([]rune, 0, len(d.text)-(end-start)+len(ins))
	next = append(next, d.text[:start]...)
	next = append(next, ins...)
	next = append(next, d.text[end:]...)
	d.text = next
	d.modified = true
	d.mu.Unlock()

	d.report(start, end, text)
	return nil
}

func (d *Document) report(start, end int, text string) {
	if d.gate == nil {
		return
	}
	d.gate.Report(suppress.LocalEdit{Path: d.path, Start: start, End: end, Text: text})
}

// Writable reports whether the document accepts writes.
func (d *Document) Writable() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return !d.readOnly
}

// SetReadOnly toggles the read-only flag.
func (d *Document) SetReadOnly(readOnly bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readOnly = readOnly
}

// Modified reports whether the text changed since the last save.
func (d *Document) Modified() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.modified
}

// Save persists the text with the configured SaveFunc.
func (d *Document) Save() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.save != nil {
		if err := d.save(d.path, string(d.text)); err != nil {
			return err
		}
	}
	d.modified = false
	return nil
}

// NewView attaches a new view to the document.
func (d *Document) NewView() *View {
	v := &View{doc: d, height: DefaultViewHeight}
	d.mu.Lock()
	d.views = append(d.views, v)
	d.mu.Unlock()
	return v
}

// Attach registers an externally implemented view.
func (d *Document) Attach(v surface.View) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.external = append(d.external, v)
}

// Views returns the attached views, disposed ones included.
func (d *Document) Views() []surface.View {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]surface.View, 0, len(d.views)+len(d.external))
	for _, v := range d.views {
		out = append(out, v)
	}
	out = append(out, d.external...)
	return out
}

// lineOf returns the zero-based line containing offset.
func (d *Document) lineOf(offset int) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if offset > len(d.text) {
		offset = len(d.text)
	}
	return strings.Count(string(d.text[:offset]), "\n")
}

var _ surface.Document = (*Document)(nil)
