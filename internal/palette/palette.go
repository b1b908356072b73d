// Package palette assigns collaborators their highlight colors and carries
// status messages to the user.
//
// A username always maps to the same color, in every file and every session:
// the color is picked from a fixed palette by the MD5 digest of the name.
package palette

import (
	"crypto/md5"
	"encoding/binary"
	"sync"

	"github.com/lucasb-eyer/go-colorful"

	"github.com/dshills/cosync/internal/logging"
	"github.com/dshills/cosync/internal/surface"
)

// defaultHex is the collaborator palette, chosen to stay readable on both
// light and dark backgrounds.
var defaultHex = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#fffac8", "#800000",
	"#aaffc3", "#808000", "#ffd8b1", "#000075", "#808080",
}

var (
	dark  = colorful.Color{R: 0.08, G: 0.08, B: 0.08}
	light = colorful.Color{R: 0.96, G: 0.96, B: 0.96}
)

// Palette maps usernames to colors.
type Palette struct {
	colors []colorful.Color
}

// New creates a palette from hex color strings. Invalid entries are skipped;
// an empty result falls back to the default palette.
func New(hex ...string) *Palette {
	p := &Palette{}
	for _, h := range hex {
		c, err := colorful.Hex(h)
		if err != nil {
			continue
		}
		p.colors = append(p.colors, c)
	}
	if len(p.colors) == 0 {
		for _, h := range defaultHex {
			c, _ := colorful.Hex(h)
			p.colors = append(p.colors, c)
		}
	}
	return p
}

// Default returns the built-in palette.
func Default() *Palette {
	return New()
}

// Len returns the number of colors.
func (p *Palette) Len() int {
	return len(p.colors)
}

// ColorFor returns the color of username.
func (p *Palette) ColorFor(username string) colorful.Color {
	sum := md5.Sum([]byte(username))
	idx := binary.BigEndian.Uint64(sum[:8]) % uint64(len(p.colors))
	return p.colors[idx]
}

// ForegroundFor returns a text color that contrasts with background.
func (p *Palette) ForegroundFor(background colorful.Color) colorful.Color {
	l, _, _ := background.Clamped().Lab()
	if l > 0.6 {
		return dark
	}
	return light
}

// Presenter is the surface.Presenter used by sessions. Status messages are
// logged and, when set, passed to a sink (a status bar, a CLI printer).
type Presenter struct {
	*Palette

	log *logging.Logger

	mu   sync.Mutex
	sink func(string)
	last string
}

// NewPresenter creates a presenter over p.
func NewPresenter(p *Palette, log *logging.Logger) *Presenter {
	if p == nil {
		p = Default()
	}
	if log == nil {
		log = logging.Null()
	}
	return &Presenter{Palette: p, log: log.WithComponent("presenter")}
}

// SetSink sets the function receiving status messages.
func (pr *Presenter) SetSink(fn func(string)) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.sink = fn
}

// Status shows msg to the user.
func (pr *Presenter) Status(msg string) {
	pr.mu.Lock()
	pr.last = msg
	sink := pr.sink
	pr.mu.Unlock()

	pr.log.Info("%s", msg)
	if sink != nil {
		sink(msg)
	}
}

// LastStatus returns the most recent status message.
func (pr *Presenter) LastStatus() string {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.last
}

var _ surface.Presenter = (*Presenter)(nil)
