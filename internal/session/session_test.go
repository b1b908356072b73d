package session

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dshills/cosync/internal/highlight"
	"github.com/dshills/cosync/internal/logging"
	"github.com/dshills/cosync/internal/metrics"
	"github.com/dshills/cosync/internal/palette"
	"github.com/dshills/cosync/internal/patch"
	"github.com/dshills/cosync/internal/suppress"
	"github.com/dshills/cosync/internal/surface"
	"github.com/dshills/cosync/internal/surface/memory"
	"github.com/dshills/cosync/internal/workspace"
)

type memWorkspace struct {
	mu     sync.Mutex
	docs   map[string]*memory.Document
	opened []string
}

func (w *memWorkspace) Resolve(path string) (surface.Document, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.docs[path]
	if !ok {
		return nil, surface.ErrNotFound
	}
	return d, nil
}

func (w *memWorkspace) Open(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.opened = append(w.opened, path)
	return nil
}

func (w *memWorkspace) Valid(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.docs[path]
	return ok
}

type fixture struct {
	session *Session
	ws      *memWorkspace
	gate    *suppress.Gate
	logs    *syncBuffer
	docs    map[string]*memory.Document
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newFixture(t *testing.T, retention string, files map[string]string) *fixture {
	t.Helper()
	gate := suppress.NewGate()
	ws := &memWorkspace{docs: map[string]*memory.Document{}}
	for p, text := range files {
		ws.docs[p] = memory.NewDocument(p, memory.WithText(text), memory.WithGate(gate))
	}
	logs := &syncBuffer{}
	log := logging.New(logging.Config{Level: logging.LevelDebug, Output: logs})

	s, err := New(Options{
		Workspace: ws,
		Presenter: palette.NewPresenter(nil, log),
		Gate:      gate,
		Logger:    log,
		Metrics:   metrics.New(),
		Retention: retention,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return &fixture{session: s, ws: ws, gate: gate, logs: logs, docs: ws.docs}
}

func flush(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func TestNewRequiresWorkspace(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoWorkspace) {
		t.Errorf("expected ErrNoWorkspace, got %v", err)
	}
	if _, err := New(Options{Workspace: &memWorkspace{}, Retention: "never"}); err == nil {
		t.Error("expected error for unknown retention")
	}
}

func TestOpenAndLookup(t *testing.T) {
	f := newFixture(t, "", map[string]string{"a.go": "package a\n"})

	buf, err := f.session.Open(1, "a.go")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if b, ok := f.session.Buffer(1); !ok || b != buf {
		t.Error("expected buffer 1 registered")
	}
	if b, ok := f.session.BufferByPath("a.go"); !ok || b != buf {
		t.Error("expected buffer registered by path")
	}
	again, _ := f.session.Open(1, "a.go")
	if again != buf {
		t.Error("expected reopen to return the same buffer")
	}

	if _, err := f.session.Open(2, "missing.go"); !errors.Is(err, surface.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPatchReportsResultingText(t *testing.T) {
	f := newFixture(t, "", map[string]string{"a.txt": "hello world"})
	if _, err := f.session.Open(1, "a.txt"); err != nil {
		t.Fatal(err)
	}

	var got string
	ok := f.session.Patch(1, []patch.Position{{Start: 0, End: 5, Text: "howdy"}}, func(text string) {
		got = text
	})
	if !ok {
		t.Fatal("expected patch accepted")
	}
	flush(t, f.session)

	if got != "howdy world" {
		t.Errorf("expected %q, got %q", "howdy world", got)
	}
	sum := md5.Sum([]byte(got))
	want := md5.Sum([]byte(f.docs["a.txt"].Text()))
	if hex.EncodeToString(sum[:]) != hex.EncodeToString(want[:]) {
		t.Error("expected reported text to match the document")
	}
}

func TestPatchUnknownBufferSkipped(t *testing.T) {
	f := newFixture(t, "", nil)

	if f.session.Patch(9, []patch.Position{{Start: 0, End: 1, Text: "x"}}, nil) {
		t.Error("expected unknown buffer rejected")
	}
	if !strings.Contains(f.logs.String(), "unknown buffer") {
		t.Errorf("expected diagnostic, got %q", f.logs.String())
	}
}

func TestPatchesApplyInOrder(t *testing.T) {
	f := newFixture(t, "", map[string]string{"a.txt": "x"})
	if _, err := f.session.Open(1, "a.txt"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.session.Patch(1, []patch.Position{{Start: 0, End: 0, Text: "a"}}, nil)
		}()
	}
	wg.Wait()
	flush(t, f.session)

	// Each patch replaces the widened first character with "a".
	if got := f.docs["a.txt"].Text(); got != "a" {
		t.Errorf("expected %q, got %q", "a", got)
	}
}

func TestRemoteWritesNotReported(t *testing.T) {
	f := newFixture(t, "", map[string]string{"a.txt": "abc"})
	if _, err := f.session.Open(1, "a.txt"); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var edits []suppress.LocalEdit
	cancel := f.session.OnLocalEdit(func(e suppress.LocalEdit) {
		mu.Lock()
		edits = append(edits, e)
		mu.Unlock()
	})
	defer cancel()

	f.session.Patch(1, []patch.Position{{Start: 0, End: 1, Text: "z"}}, nil)
	f.session.SetText(1, "full sync")
	flush(t, f.session)

	_ = f.docs["a.txt"].Replace(0, 0, "typed ")

	mu.Lock()
	defer mu.Unlock()
	if len(edits) != 1 || edits[0].Text != "typed " {
		t.Errorf("expected only the user edit reported, got %v", edits)
	}
}

func TestHighlightAndRetentionUntilClose(t *testing.T) {
	f := newFixture(t, highlight.RetentionUntilClose, map[string]string{"a.txt": "abcdef"})
	v := f.docs["a.txt"].NewView()
	if _, err := f.session.Open(1, "a.txt"); err != nil {
		t.Fatal(err)
	}

	f.session.Highlight(highlight.Request{Path: "a.txt", UserID: 4, Username: "erin", Ranges: []highlight.Range{{Start: 1, End: 3}}})
	flush(t, f.session)
	if len(v.Highlights()) != 1 {
		t.Fatalf("expected 1 highlight, got %d", len(v.Highlights()))
	}

	f.session.Close(1)
	flush(t, f.session)
	if len(v.Highlights()) != 0 {
		t.Errorf("expected highlights released on close, got %d", len(v.Highlights()))
	}
	if f.session.Highlights().Lists() != 0 {
		t.Errorf("expected no lists retained, got %d", f.session.Highlights().Lists())
	}
	if users := f.session.Highlights().Users(); len(users) != 1 || users[0] != 4 {
		t.Errorf("expected user entry kept, got %v", users)
	}
}

func TestRetentionForeverKeepsLists(t *testing.T) {
	f := newFixture(t, highlight.RetentionForever, map[string]string{"a.txt": "abcdef"})
	v := f.docs["a.txt"].NewView()
	if _, err := f.session.Open(1, "a.txt"); err != nil {
		t.Fatal(err)
	}

	f.session.Highlight(highlight.Request{Path: "a.txt", UserID: 4, Ranges: []highlight.Range{{Start: 1, End: 3}}})
	f.session.Close(1)
	flush(t, f.session)

	if f.session.Highlights().Get(4, "a.txt").Len() != 1 {
		t.Error("expected list retained after close")
	}
	if len(v.Highlights()) != 1 {
		t.Error("expected highlight still rendered")
	}
}

func TestHighlightUnknownPath(t *testing.T) {
	f := newFixture(t, "", nil)
	if f.session.Highlight(highlight.Request{Path: "nope.txt", UserID: 1}) {
		t.Error("expected highlight for unopened path rejected")
	}
}

func TestRemoveUserAndClear(t *testing.T) {
	f := newFixture(t, "", map[string]string{"a.txt": "abcdef", "b.txt": "ghijkl"})
	va := f.docs["a.txt"].NewView()
	vb := f.docs["b.txt"].NewView()
	if _, err := f.session.Open(1, "a.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.session.Open(2, "b.txt"); err != nil {
		t.Fatal(err)
	}

	f.session.Highlight(highlight.Request{Path: "a.txt", UserID: 1, Ranges: []highlight.Range{{Start: 0, End: 1}}})
	f.session.Highlight(highlight.Request{Path: "b.txt", UserID: 1, Ranges: []highlight.Range{{Start: 0, End: 1}}})
	f.session.Highlight(highlight.Request{Path: "a.txt", UserID: 2, Ranges: []highlight.Range{{Start: 2, End: 3}}})
	f.session.RemoveUser(1)
	flush(t, f.session)

	if len(va.Highlights()) != 1 || len(vb.Highlights()) != 0 {
		t.Errorf("expected only user 2 left, got a=%d b=%d", len(va.Highlights()), len(vb.Highlights()))
	}

	f.session.ClearHighlights()
	flush(t, f.session)
	if len(va.Highlights()) != 0 {
		t.Errorf("expected everything cleared, got %d", len(va.Highlights()))
	}
}

func TestSaveSkipsReadOnly(t *testing.T) {
	f := newFixture(t, "", nil)
	saved := 0
	f.ws.docs["ro.txt"] = memory.NewDocument("ro.txt",
		memory.WithText("x"),
		memory.WithReadOnly(),
		memory.WithSave(func(string, string) error { saved++; return nil }),
	)
	if _, err := f.session.Open(1, "ro.txt"); err != nil {
		t.Fatal(err)
	}

	f.session.Save(1)
	flush(t, f.session)
	if saved != 0 {
		t.Errorf("expected read-only document not saved, got %d saves", saved)
	}
	if !strings.Contains(f.logs.String(), "skipping save of read-only ro.txt") {
		t.Errorf("expected info log, got %q", f.logs.String())
	}

	ok, err := f.session.MakeWritable(context.Background(), 1)
	if err != nil || !ok {
		t.Fatalf("expected MakeWritable to succeed, got %v, %v", ok, err)
	}
	f.session.Save(1)
	flush(t, f.session)
	if saved != 1 {
		t.Errorf("expected one save, got %d", saved)
	}
}

func TestSetReadOnlyBlocksPatch(t *testing.T) {
	f := newFixture(t, "", map[string]string{"a.txt": "abc"})
	if _, err := f.session.Open(1, "a.txt"); err != nil {
		t.Fatal(err)
	}

	f.session.SetReadOnly(1, true)
	f.session.Patch(1, []patch.Position{{Start: 0, End: 1, Text: "z"}}, nil)
	flush(t, f.session)

	text, err := f.session.Text(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if text != "abc" {
		t.Errorf("expected read-only text unchanged, got %q", text)
	}
}

func TestShutdownDiscards(t *testing.T) {
	f := newFixture(t, "", map[string]string{"a.txt": "abc"})
	if _, err := f.session.Open(1, "a.txt"); err != nil {
		t.Fatal(err)
	}
	if err := f.session.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, err := f.session.Open(2, "a.txt"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := f.session.Shutdown(context.Background()); err != nil {
		t.Errorf("expected second Shutdown to succeed, got %v", err)
	}
}

func TestShutdownRefusesWork(t *testing.T) {
	f := newFixture(t, "", map[string]string{"a.txt": "abc"})
	if _, err := f.session.Open(1, "a.txt"); err != nil {
		t.Fatal(err)
	}
	if err := f.session.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if f.session.Patch(1, []patch.Position{{Start: 0, End: 1, Text: "z"}}, nil) {
		t.Error("expected Patch refused after Shutdown")
	}
	if f.session.Highlight(highlight.Request{Path: "a.txt", UserID: 1, Ranges: []highlight.Range{{Start: 0, End: 1}}}) {
		t.Error("expected Highlight refused after Shutdown")
	}
	if f.session.ClearHighlights() {
		t.Error("expected ClearHighlights refused after Shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := f.session.Text(ctx, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Text, got %v", err)
	}
	if _, err := f.session.MakeWritable(ctx, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from MakeWritable, got %v", err)
	}
	if err := f.session.Flush(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed from Flush, got %v", err)
	}
	if ctx.Err() != nil {
		t.Error("expected calls to return without waiting for the deadline")
	}
	if n := f.session.Queue().Len(); n != 0 {
		t.Errorf("expected nothing queued, got %d", n)
	}
	if f.docs["a.txt"].Text() != "abc" {
		t.Errorf("expected text unchanged, got %q", f.docs["a.txt"].Text())
	}
}

func TestDiskWorkspaceRoundTrip(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\r\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gate := suppress.NewGate()
	ws, err := workspace.New(root, workspace.WithGate(gate))
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()

	s, err := New(Options{Workspace: ws, Gate: gate})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Shutdown(context.Background())

	if _, err := s.Open(1, "main.go"); err != nil {
		t.Fatal(err)
	}
	s.Patch(1, []patch.Position{{Start: 8, End: 12, Text: "cosync"}}, nil)
	s.Save(1)
	flush(t, s)

	data, err := os.ReadFile(filepath.Join(root, "main.go"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "package cosync\r\n" {
		t.Errorf("expected saved patch, got %q", data)
	}
}
