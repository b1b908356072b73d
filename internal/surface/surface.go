// Package surface defines the capabilities the synchronization core needs
// from its host: the editing surface (documents and their views), the file
// system, and presentation.
//
// The core depends only on these interfaces. internal/surface/memory is the
// in-memory implementation used by tests and the disk workspace;
// internal/surface/term renders a view on a terminal.
package surface

import (
	"errors"

	"github.com/lucasb-eyer/go-colorful"
)

// Errors returned by surface implementations.
var (
	// ErrReadOnly indicates a write to a read-only document.
	ErrReadOnly = errors.New("document is read-only")

	// ErrOutOfRange indicates a character range outside the document.
	ErrOutOfRange = errors.New("range out of bounds")

	// ErrDisposed indicates an operation on a disposed view.
	ErrDisposed = errors.New("view is disposed")

	// ErrNotFound indicates a path the workspace cannot resolve.
	ErrNotFound = errors.New("path not found")
)

// Document is one open text document. Offsets count characters (runes).
type Document interface {
	Path() string
	Text() string
	SetText(text string) error
	Len() int
	Replace(start, end int, text string) error
	Writable() bool
	SetReadOnly(readOnly bool)
	Save() error
	// Views returns every live rendering view of the document.
	Views() []View
}

// Effect is the decoration drawn for a highlight.
type Effect int

const (
	// EffectBackground fills the range background only.
	EffectBackground Effect = iota
	// EffectSearchMatch draws a bordered match box in addition to the fill.
	EffectSearchMatch
)

// Style is how a highlight renders.
type Style struct {
	Background colorful.Color
	Foreground colorful.Color
	Effect     Effect
	// Layer orders overlapping highlights; higher draws on top.
	Layer int
}

// Handle is a rendered highlight. Handles are compared by identity.
type Handle interface {
	Range() (start, end int)
	Style() Style
}

// View is a live rendering of a document.
type View interface {
	Disposed() bool
	AddHighlight(start, end int, style Style) (Handle, error)
	RemoveHighlight(h Handle)
	// Highlights returns the handles currently rendered by the view.
	Highlights() []Handle
	MoveCursor(offset int)
	// ScrollTo scrolls just enough to make offset visible.
	ScrollTo(offset int)
	ScrollOffsets() (horizontal, vertical int)
	SetScrollOffsets(horizontal, vertical int)
}

// Workspace is the file-system collaborator.
type Workspace interface {
	// Resolve returns the document for path, loading it if needed.
	Resolve(path string) (Document, error)
	// Open brings path to the foreground.
	Open(path string) error
	// Valid reports whether path still exists.
	Valid(path string) bool
}

// Presenter maps collaborators to colors and shows status messages.
type Presenter interface {
	ColorFor(username string) colorful.Color
	ForegroundFor(background colorful.Color) colorful.Color
	Status(msg string)
}
