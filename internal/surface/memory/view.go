package memory

import (
	"sync"

	"github.com/dshills/cosync/internal/surface"
)

// Highlight is a rendered range in a View.
type Highlight struct {
	start, end int
	style      surface.Style
}

// Range returns the highlighted character range.
func (h *Highlight) Range() (int, int) {
	return h.start, h.end
}

// Style returns the highlight style.
func (h *Highlight) Style() surface.Style {
	return h.style
}

// View is an in-memory surface.View with a cursor, scroll offsets and a
// highlight set.
type View struct {
	doc *Document

	mu         sync.Mutex
	highlights []*Highlight
	cursor     int
	scrollH    int
	scrollV    int
	height     int
	disposed   bool
}

// Disposed reports whether the view was closed.
func (v *View) Disposed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.disposed
}

// Dispose closes the view. Its highlights are dropped.
func (v *View) Dispose() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.disposed = true
	v.highlights = nil
}

// SetHeight sets the number of visible lines.
func (v *View) SetHeight(lines int) {
	if lines < 1 {
		lines = 1
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.height = lines
}

// AddHighlight renders [start, end) with style.
func (v *View) AddHighlight(start, end int, style surface.Style) (surface.Handle, error) {
	length := v.doc.Len()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.disposed {
		return nil, surface.ErrDisposed
	}
	if start < 0 || end < start || end > length {
		return nil, surface.ErrOutOfRange
	}
	h := &Highlight{start: start, end: end, style: style}
	v.highlights = append(v.highlights, h)
	return h, nil
}

// RemoveHighlight removes h if the view still renders it.
func (v *View) RemoveHighlight(h surface.Handle) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, cur := range v.highlights {
		if surface.Handle(cur) == h {
			v.highlights = append(v.highlights[:i], v.highlights[i+1:]...)
			return
		}
	}
}

// Highlights returns the rendered highlights in creation order.
func (v *View) Highlights() []surface.Handle {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]surface.Handle, len(v.highlights))
	for i, h := range v.highlights {
		out[i] = h
	}
	return out
}

// MoveCursor places the primary cursor at offset.
func (v *View) MoveCursor(offset int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cursor = offset
}

// Cursor returns the primary cursor offset.
func (v *View) Cursor() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cursor
}

// ScrollTo adjusts the vertical offset so the line containing offset is
// visible.
func (v *View) ScrollTo(offset int) {
	line := v.doc.lineOf(offset)

	v.mu.Lock()
	defer v.mu.Unlock()
	if line < v.scrollV {
		v.scrollV = line
	} else if line >= v.scrollV+v.height {
		v.scrollV = line - v.height + 1
	}
}

// ScrollOffsets returns the horizontal and vertical scroll offsets.
func (v *View) ScrollOffsets() (int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scrollH, v.scrollV
}

// SetScrollOffsets sets both scroll offsets.
func (v *View) SetScrollOffsets(horizontal, vertical int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scrollH = horizontal
	v.scrollV = vertical
}

var _ surface.View = (*View)(nil)
