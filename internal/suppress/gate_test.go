package suppress

import (
	"errors"
	"sync"
	"testing"
)

func TestGateStartsListening(t *testing.T) {
	g := NewGate()
	if !g.Listening() {
		t.Error("expected new gate to be listening")
	}
}

func TestReportDeliversWhileListening(t *testing.T) {
	g := NewGate()
	var got []LocalEdit
	cancel := g.Subscribe(func(e LocalEdit) { got = append(got, e) })
	defer cancel()

	if !g.Report(LocalEdit{Path: "a.go", Start: 1, End: 2, Text: "x"}) {
		t.Fatal("expected edit to be delivered")
	}
	if len(got) != 1 || got[0].Path != "a.go" {
		t.Errorf("unexpected delivered edits: %+v", got)
	}
}

func TestReportDroppedWhileSuppressed(t *testing.T) {
	g := NewGate()
	calls := 0
	g.Subscribe(func(LocalEdit) { calls++ })

	guard := g.Suppress()
	if g.Listening() {
		t.Error("expected listening to be off inside guard")
	}
	if g.Report(LocalEdit{Path: "a.go"}) {
		t.Error("expected edit to be dropped inside guard")
	}
	if err := guard.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	if calls != 0 {
		t.Errorf("expected no deliveries, got %d", calls)
	}
	if !g.Listening() {
		t.Error("expected listening to be restored")
	}
	delivered, dropped := g.Stats()
	if delivered != 0 || dropped != 1 {
		t.Errorf("expected 0 delivered / 1 dropped, got %d / %d", delivered, dropped)
	}
}

func TestGuardDoubleRelease(t *testing.T) {
	g := NewGate()
	guard := g.Suppress()
	if err := guard.Release(); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := guard.Release(); !errors.Is(err, ErrReleased) {
		t.Errorf("expected ErrReleased, got %v", err)
	}
	// The write lock must be free again.
	g.Suppress().Release()
}

func TestDoRestoresListeningAfterPanic(t *testing.T) {
	g := NewGate()

	err := g.Do(func() error {
		panic("host fault")
	})

	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if pe.Value != "host fault" {
		t.Errorf("unexpected panic value %v", pe.Value)
	}
	if !g.Listening() {
		t.Error("expected listening to be restored after panic")
	}
}

func TestDoReturnsError(t *testing.T) {
	g := NewGate()
	want := errors.New("replace failed")
	if err := g.Do(func() error { return want }); !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
	if !g.Listening() {
		t.Error("expected listening to be restored after error")
	}
}

func TestUserEditOnOtherGoroutineDuringSuppression(t *testing.T) {
	g := NewGate()
	delivered := 0
	g.Subscribe(func(LocalEdit) { delivered++ })

	inside := make(chan struct{})
	observed := make(chan bool)
	finish := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = g.Do(func() error {
			close(inside)
			<-finish
			return nil
		})
	}()

	<-inside
	go func() {
		observed <- g.Report(LocalEdit{Path: "typed.go", Text: "k"})
	}()
	if <-observed {
		t.Error("user edit during internal mutation must not be reported")
	}
	close(finish)
	wg.Wait()

	if !g.Listening() {
		t.Error("expected listening after internal mutation")
	}
	if !g.Report(LocalEdit{Path: "typed.go", Text: "k"}) {
		t.Error("expected edit after mutation to be reported")
	}
	if delivered != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", delivered)
	}
}

func TestSubscribeCancel(t *testing.T) {
	g := NewGate()
	calls := 0
	cancel := g.Subscribe(func(LocalEdit) { calls++ })
	cancel()
	cancel()
	g.Report(LocalEdit{})
	if calls != 0 {
		t.Errorf("expected cancelled subscriber not to be called, got %d", calls)
	}
}
