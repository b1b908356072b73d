// Package highlight renders collaborators' selections in local views and
// tracks the handles so they can be released later.
//
// Every (user, path) pair holds at most one List. Applying a new highlight
// for the pair releases the previous one, so a user's selection never
// accumulates stale handles.
package highlight

import (
	"fmt"

	"github.com/dshills/cosync/internal/logging"
	"github.com/dshills/cosync/internal/metrics"
	"github.com/dshills/cosync/internal/patch"
	"github.com/dshills/cosync/internal/suppress"
	"github.com/dshills/cosync/internal/surface"
)

// Layer is the draw layer of collaborator highlights. It sits above
// diagnostics.
const Layer = 1100

// Request is one remote highlight.
type Request struct {
	Path     string
	UserID   int
	Username string
	// Force asks to bring the file and the first range into view.
	Force  bool
	Ranges []Range
}

// DocFunc looks up the open document for a path. It returns nil when the
// path is not open.
type DocFunc func(path string) surface.Document

// Engine applies and releases highlights.
type Engine struct {
	table     *Table
	gate      *suppress.Gate
	workspace surface.Workspace
	presenter surface.Presenter
	log       *logging.Logger
	metrics   *metrics.Metrics
}

// Config holds the collaborators of an Engine.
type Config struct {
	Table     *Table
	Gate      *suppress.Gate
	Workspace surface.Workspace
	Presenter surface.Presenter
	Logger    *logging.Logger
	Metrics   *metrics.Metrics
}

// NewEngine creates a highlight engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Table == nil {
		cfg.Table = NewTable()
	}
	if cfg.Gate == nil {
		cfg.Gate = suppress.NewGate()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Null()
	}
	return &Engine{
		table:     cfg.Table,
		gate:      cfg.Gate,
		workspace: cfg.Workspace,
		presenter: cfg.Presenter,
		log:       cfg.Logger.WithComponent("highlight"),
		metrics:   cfg.Metrics,
	}
}

// Table returns the engine's highlight table.
func (e *Engine) Table() *Table {
	return e.table
}

// Apply renders req in every live view of doc and stores the handles under
// (req.UserID, req.Path), releasing whatever was stored there before.
// An empty document is left alone.
func (e *Engine) Apply(doc surface.Document, req Request) *List {
	if req.Force {
		e.summon(req)
	}

	if doc == nil {
		e.log.WithField("path", req.Path).Warn("highlight for absent document ignored")
		return nil
	}
	length := doc.Len()
	if length == 0 {
		return nil
	}

	style := e.style(req.Username)
	views := doc.Views()
	list := &List{path: req.Path}
	first := true

	for _, r := range req.Ranges {
		start, end := patch.Clamp(r.Start, r.End, length)

		for _, v := range views {
			if v.Disposed() {
				continue
			}

			var h surface.Handle
			err := e.gate.Do(func() error {
				var err error
				h, err = v.AddHighlight(start, end, style)
				return err
			})
			if err != nil {
				e.log.WithFields(map[string]any{
					"path":  req.Path,
					"user":  req.UserID,
					"start": start,
					"end":   end,
				}).Warn("highlight failed: %v", err)
				continue
			}
			if h == nil {
				continue
			}
			list.add(h)

			if req.Force && first {
				v.MoveCursor(start)
				v.ScrollTo(start)
				first = false
			}
		}
	}

	e.metrics.HandlesCreated(list.Len())
	old := e.table.Swap(req.UserID, req.Path, list)
	if old != nil {
		e.Remove(doc, old)
	}
	e.metrics.ActiveLists(e.table.Lists())
	return list
}

func (e *Engine) summon(req Request) {
	if e.workspace == nil {
		return
	}
	if _, err := e.workspace.Resolve(req.Path); err != nil {
		e.log.WithField("path", req.Path).Debug("cannot resolve summoned path: %v", err)
		return
	}
	if req.Username != "" && e.presenter != nil {
		e.presenter.Status(fmt.Sprintf("%s has summoned you to %s", req.Username, req.Path))
	}
	if !e.workspace.Valid(req.Path) {
		return
	}
	if err := e.workspace.Open(req.Path); err != nil {
		e.log.WithField("path", req.Path).Warn("open summoned file: %v", err)
	}
}

func (e *Engine) style(username string) surface.Style {
	s := surface.Style{Effect: surface.EffectSearchMatch, Layer: Layer}
	if e.presenter != nil {
		s.Background = e.presenter.ColorFor(username)
		s.Foreground = e.presenter.ForegroundFor(s.Background)
	}
	return s
}

// Remove releases list from every live view of doc and empties it. Handles
// a view no longer renders are skipped, so removing twice is harmless.
func (e *Engine) Remove(doc surface.Document, list *List) {
	if list.Len() == 0 {
		return
	}
	if doc != nil {
		released := 0
		for _, v := range doc.Views() {
			if v.Disposed() {
				continue
			}
			present := make(map[surface.Handle]bool)
			for _, h := range v.Highlights() {
				present[h] = true
			}
			for _, h := range list.handles {
				if !present[h] {
					continue
				}
				v.RemoveHighlight(h)
				released++
			}
		}
		e.metrics.HandlesReleased(released)
	}
	list.Clear()
}

// RemoveUser releases every list of userID.
func (e *Engine) RemoveUser(userID int, docFor DocFunc) {
	for _, l := range e.table.Take(userID) {
		e.Remove(lookup(docFor, l.path), l)
	}
	e.metrics.ActiveLists(e.table.Lists())
}

// Clear releases every list of every user.
func (e *Engine) Clear(docFor DocFunc) {
	for _, id := range e.table.Users() {
		for _, l := range e.table.Take(id) {
			e.Remove(lookup(docFor, l.path), l)
		}
	}
	e.metrics.ActiveLists(e.table.Lists())
}

// Forget releases and drops every list for path. doc may be nil when the
// document is already gone.
func (e *Engine) Forget(path string, doc surface.Document) {
	for _, l := range e.table.Forget(path) {
		e.Remove(doc, l)
	}
	e.metrics.ActiveLists(e.table.Lists())
}

func lookup(docFor DocFunc, path string) surface.Document {
	if docFor == nil {
		return nil
	}
	return docFor(path)
}
