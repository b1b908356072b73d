package highlight

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/cosync/internal/logging"
	"github.com/dshills/cosync/internal/metrics"
	"github.com/dshills/cosync/internal/palette"
	"github.com/dshills/cosync/internal/suppress"
	"github.com/dshills/cosync/internal/surface"
	"github.com/dshills/cosync/internal/surface/memory"
)

type fakeWorkspace struct {
	docs   map[string]surface.Document
	valid  map[string]bool
	opened []string
}

func (w *fakeWorkspace) Resolve(path string) (surface.Document, error) {
	d, ok := w.docs[path]
	if !ok {
		return nil, surface.ErrNotFound
	}
	return d, nil
}

func (w *fakeWorkspace) Open(path string) error {
	w.opened = append(w.opened, path)
	return nil
}

func (w *fakeWorkspace) Valid(path string) bool {
	return w.valid[path]
}

type fixture struct {
	engine    *Engine
	gate      *suppress.Gate
	workspace *fakeWorkspace
	presenter *palette.Presenter
	logs      *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var logs bytes.Buffer
	log := logging.New(logging.Config{Level: logging.LevelDebug, Output: &logs})
	gate := suppress.NewGate()
	ws := &fakeWorkspace{docs: map[string]surface.Document{}, valid: map[string]bool{}}
	pr := palette.NewPresenter(nil, log)
	e := NewEngine(Config{
		Gate:      gate,
		Workspace: ws,
		Presenter: pr,
		Logger:    log,
		Metrics:   metrics.New(),
	})
	return &fixture{engine: e, gate: gate, workspace: ws, presenter: pr, logs: &logs}
}

func rangesOf(v *memory.View) [][2]int {
	var out [][2]int
	for _, h := range v.Highlights() {
		s, e := h.Range()
		out = append(out, [2]int{s, e})
	}
	return out
}

func TestApplyCreatesHandlePerView(t *testing.T) {
	f := newFixture(t)
	doc := memory.NewDocument("a.go", memory.WithText("package main\n"))
	v1 := doc.NewView()
	v2 := doc.NewView()

	list := f.engine.Apply(doc, Request{
		Path:     "a.go",
		UserID:   7,
		Username: "alice",
		Ranges:   []Range{{0, 7}, {8, 12}},
	})

	if list.Len() != 4 {
		t.Fatalf("expected 4 handles, got %d", list.Len())
	}
	for _, v := range []*memory.View{v1, v2} {
		got := rangesOf(v)
		if len(got) != 2 || got[0] != [2]int{0, 7} || got[1] != [2]int{8, 12} {
			t.Errorf("unexpected view ranges %v", got)
		}
	}
	if f.engine.Table().Get(7, "a.go") != list {
		t.Error("expected list stored under (7, a.go)")
	}
}

func TestApplyStyle(t *testing.T) {
	f := newFixture(t)
	doc := memory.NewDocument("a.go", memory.WithText("abc"))
	v := doc.NewView()

	f.engine.Apply(doc, Request{Path: "a.go", UserID: 1, Username: "bob", Ranges: []Range{{0, 1}}})

	hs := v.Highlights()
	if len(hs) != 1 {
		t.Fatalf("expected 1 highlight, got %d", len(hs))
	}
	style := hs[0].Style()
	if style.Background != f.presenter.ColorFor("bob") {
		t.Error("expected background to be bob's color")
	}
	if style.Effect != surface.EffectSearchMatch {
		t.Errorf("expected search match effect, got %v", style.Effect)
	}
	if style.Layer != Layer {
		t.Errorf("expected layer %d, got %d", Layer, style.Layer)
	}
}

func TestApplyClampsRanges(t *testing.T) {
	f := newFixture(t)
	doc := memory.NewDocument("a.go", memory.WithText("0123456789"))
	v := doc.NewView()

	f.engine.Apply(doc, Request{
		Path:   "a.go",
		UserID: 1,
		Ranges: []Range{{5, 5}, {8, 50}, {20, 30}},
	})

	got := rangesOf(v)
	want := [][2]int{{5, 6}, {8, 10}, {9, 10}}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestReapplyReplacesPrevious(t *testing.T) {
	f := newFixture(t)
	doc := memory.NewDocument("a.go", memory.WithText("0123456789"))
	v := doc.NewView()

	first := f.engine.Apply(doc, Request{Path: "a.go", UserID: 1, Ranges: []Range{{0, 2}, {3, 4}}})
	f.engine.Apply(doc, Request{Path: "a.go", UserID: 1, Ranges: []Range{{5, 6}}})

	got := rangesOf(v)
	if len(got) != 1 || got[0] != [2]int{5, 6} {
		t.Errorf("expected only the new highlight, got %v", got)
	}
	if first.Len() != 0 {
		t.Errorf("expected superseded list to be cleared, got %d handles", first.Len())
	}

	// A different user in the same file is independent.
	f.engine.Apply(doc, Request{Path: "a.go", UserID: 2, Ranges: []Range{{0, 1}}})
	if n := len(v.Highlights()); n != 2 {
		t.Errorf("expected 2 highlights, got %d", n)
	}
}

func TestApplyEmptyDocument(t *testing.T) {
	f := newFixture(t)
	doc := memory.NewDocument("empty.txt")
	v := doc.NewView()

	if list := f.engine.Apply(doc, Request{Path: "empty.txt", UserID: 1, Ranges: []Range{{0, 1}}}); list != nil {
		t.Errorf("expected no list, got %d handles", list.Len())
	}
	if len(v.Highlights()) != 0 {
		t.Error("expected no highlights")
	}
	if f.engine.Table().Get(1, "empty.txt") != nil {
		t.Error("expected nothing stored for an empty document")
	}
}

func TestApplySkipsDisposedViews(t *testing.T) {
	f := newFixture(t)
	doc := memory.NewDocument("a.go", memory.WithText("abcdef"))
	live := doc.NewView()
	gone := doc.NewView()
	gone.Dispose()

	list := f.engine.Apply(doc, Request{Path: "a.go", UserID: 1, Ranges: []Range{{0, 3}}})
	if list.Len() != 1 {
		t.Errorf("expected 1 handle, got %d", list.Len())
	}
	if len(live.Highlights()) != 1 {
		t.Error("expected live view to be highlighted")
	}
}

func TestForceSummons(t *testing.T) {
	f := newFixture(t)
	doc := memory.NewDocument("a.go", memory.WithText(strings.Repeat("x\n", 100)))
	f.workspace.docs["a.go"] = doc
	f.workspace.valid["a.go"] = true
	v1 := doc.NewView()
	v2 := doc.NewView()
	v1.SetHeight(10)

	f.engine.Apply(doc, Request{
		Path:     "a.go",
		UserID:   3,
		Username: "carol",
		Force:    true,
		Ranges:   []Range{{120, 121}, {2, 3}},
	})

	if got := f.presenter.LastStatus(); got != "carol has summoned you to a.go" {
		t.Errorf("unexpected status %q", got)
	}
	if len(f.workspace.opened) != 1 || f.workspace.opened[0] != "a.go" {
		t.Errorf("expected a.go opened, got %v", f.workspace.opened)
	}
	if v1.Cursor() != 120 {
		t.Errorf("expected cursor at 120, got %d", v1.Cursor())
	}
	if _, vert := v1.ScrollOffsets(); vert != 51 {
		t.Errorf("expected line 60 scrolled into view, got offset %d", vert)
	}
	if v2.Cursor() != 0 {
		t.Errorf("expected cursor moved in one view only, got %d", v2.Cursor())
	}
}

func TestForceWithoutUsernameOrValidFile(t *testing.T) {
	f := newFixture(t)
	doc := memory.NewDocument("a.go", memory.WithText("abc"))
	f.workspace.docs["a.go"] = doc
	doc.NewView()

	f.engine.Apply(doc, Request{Path: "a.go", UserID: 1, Force: true, Ranges: []Range{{0, 1}}})

	if f.presenter.LastStatus() != "" {
		t.Errorf("expected no status without a username, got %q", f.presenter.LastStatus())
	}
	if len(f.workspace.opened) != 0 {
		t.Errorf("expected invalid file not opened, got %v", f.workspace.opened)
	}
}

func TestForceUnresolvedPath(t *testing.T) {
	f := newFixture(t)
	doc := memory.NewDocument("gone.go", memory.WithText("abc"))
	doc.NewView()

	f.engine.Apply(doc, Request{Path: "gone.go", UserID: 1, Username: "dave", Force: true, Ranges: []Range{{0, 1}}})

	if f.presenter.LastStatus() != "" {
		t.Errorf("expected no status for unresolved path, got %q", f.presenter.LastStatus())
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	f := newFixture(t)
	doc := memory.NewDocument("a.go", memory.WithText("abcdef"))
	v := doc.NewView()

	list := f.engine.Apply(doc, Request{Path: "a.go", UserID: 1, Ranges: []Range{{0, 2}}})
	other := f.engine.Apply(doc, Request{Path: "a.go", UserID: 2, Ranges: []Range{{3, 4}}})

	f.engine.Remove(doc, list)
	f.engine.Remove(doc, list)
	f.engine.Remove(doc, nil)

	if n := len(v.Highlights()); n != 1 {
		t.Errorf("expected the other user's highlight to remain, got %d", n)
	}
	if other.Len() != 1 {
		t.Errorf("expected other list untouched, got %d", other.Len())
	}
}

func TestRemoveSkipsHandlesGoneFromView(t *testing.T) {
	f := newFixture(t)
	doc := memory.NewDocument("a.go", memory.WithText("abcdef"))
	v := doc.NewView()

	list := f.engine.Apply(doc, Request{Path: "a.go", UserID: 1, Ranges: []Range{{0, 2}, {2, 4}}})
	v.RemoveHighlight(list.Handles()[0])

	f.engine.Remove(doc, list)
	if len(v.Highlights()) != 0 {
		t.Errorf("expected view cleared, got %d", len(v.Highlights()))
	}
	if list.Len() != 0 {
		t.Error("expected list cleared")
	}
}

func TestRemoveUserKeepsUserEntry(t *testing.T) {
	f := newFixture(t)
	a := memory.NewDocument("a.go", memory.WithText("abcdef"))
	b := memory.NewDocument("b.go", memory.WithText("ghijkl"))
	va, vb := a.NewView(), b.NewView()
	docs := map[string]surface.Document{"a.go": a, "b.go": b}
	docFor := func(p string) surface.Document { return docs[p] }

	f.engine.Apply(a, Request{Path: "a.go", UserID: 1, Ranges: []Range{{0, 1}}})
	f.engine.Apply(b, Request{Path: "b.go", UserID: 1, Ranges: []Range{{0, 1}}})
	f.engine.Apply(a, Request{Path: "a.go", UserID: 2, Ranges: []Range{{2, 3}}})

	f.engine.RemoveUser(1, docFor)

	if len(va.Highlights()) != 1 || len(vb.Highlights()) != 0 {
		t.Errorf("expected only user 2 left, got a=%d b=%d", len(va.Highlights()), len(vb.Highlights()))
	}
	users := f.engine.Table().Users()
	if len(users) != 2 {
		t.Errorf("expected user entries kept, got %v", users)
	}
	if paths := f.engine.Table().Paths(1); len(paths) != 0 {
		t.Errorf("expected no paths for user 1, got %v", paths)
	}
}

func TestClearReleasesEverything(t *testing.T) {
	f := newFixture(t)
	a := memory.NewDocument("a.go", memory.WithText("abcdef"))
	va := a.NewView()
	docFor := func(string) surface.Document { return a }

	f.engine.Apply(a, Request{Path: "a.go", UserID: 1, Ranges: []Range{{0, 1}}})
	f.engine.Apply(a, Request{Path: "a.go", UserID: 2, Ranges: []Range{{2, 3}}})

	f.engine.Clear(docFor)

	if len(va.Highlights()) != 0 {
		t.Errorf("expected no highlights, got %d", len(va.Highlights()))
	}
	if f.engine.Table().Lists() != 0 {
		t.Errorf("expected empty table, got %d lists", f.engine.Table().Lists())
	}
}

func TestForgetPath(t *testing.T) {
	f := newFixture(t)
	a := memory.NewDocument("a.go", memory.WithText("abcdef"))
	b := memory.NewDocument("b.go", memory.WithText("abcdef"))
	va := a.NewView()
	b.NewView()

	f.engine.Apply(a, Request{Path: "a.go", UserID: 1, Ranges: []Range{{0, 1}}})
	f.engine.Apply(a, Request{Path: "a.go", UserID: 2, Ranges: []Range{{0, 1}}})
	f.engine.Apply(b, Request{Path: "b.go", UserID: 1, Ranges: []Range{{0, 1}}})

	f.engine.Forget("a.go", a)

	if len(va.Highlights()) != 0 {
		t.Error("expected a.go highlights released")
	}
	if f.engine.Table().Get(1, "b.go") == nil {
		t.Error("expected b.go list kept")
	}
	if f.engine.Table().Lists() != 1 {
		t.Errorf("expected 1 list left, got %d", f.engine.Table().Lists())
	}
}

// failingView refuses every highlight.
type failingView struct {
	*memory.View
}

func (failingView) AddHighlight(int, int, surface.Style) (surface.Handle, error) {
	return nil, errors.New("markup model unavailable")
}

func TestApplyIsolatesViewFaults(t *testing.T) {
	f := newFixture(t)
	doc := memory.NewDocument("a.go", memory.WithText("abcdef"))
	bad := memory.NewDocument("a.go", memory.WithText("abcdef")).NewView()
	doc.Attach(failingView{bad})
	good := doc.NewView()

	list := f.engine.Apply(doc, Request{Path: "a.go", UserID: 1, Ranges: []Range{{0, 1}}})

	if list.Len() != 1 || len(good.Highlights()) != 1 {
		t.Errorf("expected the healthy view highlighted, got %d handles", list.Len())
	}
	if !strings.Contains(f.logs.String(), "markup model unavailable") {
		t.Errorf("expected failure logged, got %q", f.logs.String())
	}
	if !f.gate.Listening() {
		t.Error("expected gate listening after a fault")
	}
}
