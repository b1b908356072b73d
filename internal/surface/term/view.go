// Package term renders a document view on a terminal screen.
//
// A View draws the document text into a rectangle of a tcell.Screen and paints
// collaborator highlights with their style colors. It implements
// surface.View, so the highlight engine and patch engine drive it exactly as
// they drive any other view.
package term

import (
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/lucasb-eyer/go-colorful"
	"github.com/rivo/uniseg"

	"github.com/dshills/cosync/internal/surface"
)

// Rect is a screen rectangle.
type Rect struct {
	X, Y          int
	Width, Height int
}

type handle struct {
	start, end int
	style      surface.Style
}

func (h *handle) Range() (int, int) {
	return h.start, h.end
}

func (h *handle) Style() surface.Style {
	return h.style
}

// View is a surface.View backed by a tcell.Screen.
type View struct {
	doc    surface.Document
	screen tcell.Screen

	mu         sync.Mutex
	rect       Rect
	highlights []*handle
	cursor     int
	scrollH    int
	scrollV    int
	disposed   bool
	base       tcell.Style
}

// New creates a view of doc drawn into rect of screen.
func New(screen tcell.Screen, doc surface.Document, rect Rect) *View {
	return &View{
		doc:    doc,
		screen: screen,
		rect:   rect,
		base:   tcell.StyleDefault,
	}
}

// SetRect moves or resizes the view.
func (v *View) SetRect(rect Rect) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rect = rect
}

// SetBaseStyle sets the style of unhighlighted text.
func (v *View) SetBaseStyle(style tcell.Style) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.base = style
}

// Disposed reports whether the view was closed.
func (v *View) Disposed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.disposed
}

// Dispose closes the view.
func (v *View) Dispose() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.disposed = true
	v.highlights = nil
}

// AddHighlight paints [start, end) with style on the next Draw.
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
	h := &handle{start: start, end: end, style: style}
	v.highlights = append(v.highlights, h)
	return h, nil
}

// RemoveHighlight stops painting h.
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

// Highlights returns the painted handles.
func (v *View) Highlights() []surface.Handle {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]surface.Handle, len(v.highlights))
	for i, h := range v.highlights {
		out[i] = h
	}
	return out
}

// MoveCursor places the cursor at offset.
func (v *View) MoveCursor(offset int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cursor = offset
}

// Cursor returns the cursor offset.
func (v *View) Cursor() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cursor
}

// ScrollTo scrolls just enough to bring offset into the rectangle.
func (v *View) ScrollTo(offset int) {
	line, col := position([]rune(v.doc.Text()), offset)

	v.mu.Lock()
	defer v.mu.Unlock()

	if line < v.scrollV {
		v.scrollV = line
	} else if line >= v.scrollV+v.rect.Height {
		v.scrollV = line - v.rect.Height + 1
	}
	if col < v.scrollH {
		v.scrollH = col
	} else if col >= v.scrollH+v.rect.Width {
		v.scrollH = col - v.rect.Width + 1
	}
}

// ScrollOffsets returns the horizontal (cells) and vertical (lines) offsets.
func (v *View) ScrollOffsets() (int, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.scrollH, v.scrollV
}

// SetScrollOffsets sets both scroll offsets.
func (v *View) SetScrollOffsets(horizontal, vertical int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scrollH = max(horizontal, 0)
	v.scrollV = max(vertical, 0)
}

// Draw renders the view and shows the screen.
func (v *View) Draw() {
	text := []rune(v.doc.Text())

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.disposed {
		return
	}
	r := v.rect
	for row := 0; row < r.Height; row++ {
		for col := 0; col < r.Width; col++ {
			v.screen.SetContent(r.X+col, r.Y+row, ' ', nil, v.base)
		}
	}

	line, col := 0, 0
	cursorShown := false
	for i := 0; i <= len(text); i++ {
		if i == v.cursor {
			row, cx := line-v.scrollV, col-v.scrollH
			if row >= 0 && row < r.Height && cx >= 0 && cx < r.Width {
				v.screen.ShowCursor(r.X+cx, r.Y+row)
				cursorShown = true
			}
		}
		if i == len(text) {
			break
		}

		ch := text[i]
		if ch == '\n' {
			line++
			col = 0
			continue
		}
		if ch == '\t' {
			ch = ' '
		}
		w := runeWidth(ch)
		if w == 0 {
			continue
		}
		row, cx := line-v.scrollV, col-v.scrollH
		if row >= 0 && row < r.Height && cx >= 0 && cx+w <= r.Width {
			v.screen.SetContent(r.X+cx, r.Y+row, ch, nil, v.styleAt(i))
		}
		col += w
	}
	if !cursorShown {
		v.screen.HideCursor()
	}
	v.screen.Show()
}

// styleAt returns the style of offset i: the topmost highlight covering it,
// the most recent one among equal layers.
func (v *View) styleAt(i int) tcell.Style {
	var top *handle
	for _, h := range v.highlights {
		if i < h.start || i >= h.end {
			continue
		}
		if top == nil || h.style.Layer >= top.style.Layer {
			top = h
		}
	}
	if top == nil {
		return v.base
	}
	return StyleOf(top.style)
}

// StyleOf converts a highlight style to a terminal style.
func StyleOf(s surface.Style) tcell.Style {
	st := tcell.StyleDefault.
		Background(Color(s.Background)).
		Foreground(Color(s.Foreground))
	if s.Effect == surface.EffectSearchMatch {
		st = st.Underline(true)
	}
	return st
}

// Color converts c to a true-color terminal color.
func Color(c colorful.Color) tcell.Color {
	r, g, b := c.Clamped().RGB255()
	return tcell.NewRGBColor(int32(r), int32(g), int32(b))
}

func runeWidth(r rune) int {
	if r < 32 || r == 0x7f {
		return 0
	}
	return uniseg.StringWidth(string(r))
}

// position returns the line and display column of offset in text.
func position(text []rune, offset int) (line, col int) {
	if offset > len(text) {
		offset = len(text)
	}
	for _, ch := range text[:max(offset, 0)] {
		if ch == '\n' {
			line++
			col = 0
			continue
		}
		if ch == '\t' {
			ch = ' '
		}
		col += runeWidth(ch)
	}
	return line, col
}

var _ surface.View = (*View)(nil)
