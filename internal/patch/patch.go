// Package patch applies remote edits to a document.
//
// A patch is an ordered list of Positions. Each position is clamped against
// the document as it stands after the previous one, its newlines are
// normalized, and it is written inside a suppression guard so the write is
// not reported as a local edit. A position that faults is logged and skipped;
// the rest of the patch still applies.
package patch

import (
	"strings"

	"github.com/dshills/cosync/internal/logging"
	"github.com/dshills/cosync/internal/metrics"
	"github.com/dshills/cosync/internal/suppress"
	"github.com/dshills/cosync/internal/surface"
)

// Position replaces the characters in [Start, End) with Text.
type Position struct {
	Start int
	End   int
	Text  string
}

// Clamp applies the range policy shared by patches and highlights to a range
// over a document of length characters. length must be positive.
//
// A negative start becomes 0 and an end before start becomes start. An empty
// range is widened by one so it stays visible. end is capped at length, and a
// start at or past length is pulled back to length-1.
func Clamp(start, end, length int) (int, int) {
	if start < 0 {
		start = 0
	}
	if end < start {
		end = start
	}
	if start == end {
		end++
	}
	if end > length {
		end = length
	}
	if start >= length {
		start = length - 1
	}
	if start < 0 {
		start = 0
	}
	return start, end
}

// NormalizeNewlines converts CRLF and lone CR sequences to LF.
func NormalizeNewlines(s string) string {
	if !strings.ContainsRune(s, '\r') {
		return s
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// Engine applies patches.
type Engine struct {
	gate    *suppress.Gate
	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewEngine creates a patch engine writing through gate.
func NewEngine(gate *suppress.Gate, log *logging.Logger, m *metrics.Metrics) *Engine {
	if log == nil {
		log = logging.Null()
	}
	return &Engine{
		gate:    gate,
		log:     log.WithComponent("patch"),
		metrics: m,
	}
}

type scrollState struct {
	view surface.View
	h, v int
}

// Apply writes positions to doc in order and returns the resulting text.
// Scroll offsets of every live view are restored afterwards. An empty
// document is left untouched.
func (e *Engine) Apply(doc surface.Document, positions []Position) string {
	if doc == nil {
		e.log.Warn("patch for absent document ignored")
		return ""
	}

	var saved []scrollState
	for _, v := range doc.Views() {
		if v.Disposed() {
			continue
		}
		h, vert := v.ScrollOffsets()
		saved = append(saved, scrollState{view: v, h: h, v: vert})
	}

	if doc.Len() == 0 {
		for range positions {
			e.metrics.Position(metrics.PositionSkipped)
		}
		e.log.Debug("%s is empty, skipping %d positions", doc.Path(), len(positions))
	} else {
		for i, p := range positions {
			e.applyOne(doc, i, p)
		}
	}

	text := doc.Text()

	for _, s := range saved {
		s.view.SetScrollOffsets(s.h, s.v)
	}
	return text
}

func (e *Engine) applyOne(doc surface.Document, index int, p Position) {
	start, end := Clamp(p.Start, p.End, doc.Len())
	contents := NormalizeNewlines(p.Text)

	err := e.gate.Do(func() error {
		return doc.Replace(start, end, contents)
	})
	if err != nil {
		e.log.WithFields(map[string]any{
			"path":     doc.Path(),
			"position": index,
			"start":    start,
			"end":      end,
		}).Warn("patch position failed: %v", err)
		e.metrics.Position(metrics.PositionFailed)
		return
	}
	e.metrics.Position(metrics.PositionApplied)
}
