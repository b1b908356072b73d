package palette

import (
	"testing"

	"github.com/lucasb-eyer/go-colorful"
)

func TestColorForIsDeterministic(t *testing.T) {
	a := Default()
	b := Default()

	for _, name := range []string{"alice", "bob", "", "ggreer", "kans"} {
		if a.ColorFor(name) != b.ColorFor(name) {
			t.Errorf("color for %q differs between palettes", name)
		}
		if a.ColorFor(name) != a.ColorFor(name) {
			t.Errorf("color for %q differs between calls", name)
		}
	}
}

func TestColorForSpreadsUsers(t *testing.T) {
	p := Default()
	seen := map[string]bool{}
	for _, name := range []string{"alice", "bob", "carol", "dave", "erin", "frank", "grace", "heidi"} {
		seen[p.ColorFor(name).Hex()] = true
	}
	if len(seen) < 3 {
		t.Errorf("expected users to spread over the palette, got %d colors", len(seen))
	}
}

func TestNewSkipsInvalidHex(t *testing.T) {
	p := New("#ff0000", "not-a-color")
	if p.Len() != 1 {
		t.Fatalf("expected 1 color, got %d", p.Len())
	}
	if p.ColorFor("anyone").Hex() != "#ff0000" {
		t.Errorf("expected #ff0000, got %s", p.ColorFor("anyone").Hex())
	}

	if New("junk").Len() != len(defaultHex) {
		t.Error("expected fallback to default palette")
	}
}

func TestForegroundContrast(t *testing.T) {
	p := Default()
	white := colorful.Color{R: 1, G: 1, B: 1}
	black := colorful.Color{}

	if p.ForegroundFor(white) != dark {
		t.Error("expected dark text on white")
	}
	if p.ForegroundFor(black) != light {
		t.Error("expected light text on black")
	}
}

func TestPresenterStatus(t *testing.T) {
	pr := NewPresenter(nil, nil)
	var got []string
	pr.SetSink(func(s string) { got = append(got, s) })

	pr.Status("alice has summoned you to main.go")

	if pr.LastStatus() != "alice has summoned you to main.go" {
		t.Errorf("unexpected last status %q", pr.LastStatus())
	}
	if len(got) != 1 {
		t.Errorf("expected sink to be called once, got %d", len(got))
	}
}
