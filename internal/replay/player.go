package replay

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/dshills/cosync/internal/highlight"
	"github.com/dshills/cosync/internal/logging"
	"github.com/dshills/cosync/internal/patch"
	"github.com/dshills/cosync/internal/session"
)

// Mismatch is a patch whose resulting text did not hash to the recorded
// digest. The collaborator would have to resync the buffer.
type Mismatch struct {
	Event    int
	Buffer   int
	Expected string
	Actual   string
}

// Result summarizes a run.
type Result struct {
	Applied    int
	Skipped    int
	Mismatches []Mismatch
}

// Player feeds scripts to a session.
type Player struct {
	session *session.Session
	log     *logging.Logger

	mu         sync.Mutex
	mismatches []Mismatch
}

// NewPlayer creates a player for s.
func NewPlayer(s *session.Session, log *logging.Logger) *Player {
	if log == nil {
		log = logging.Null()
	}
	return &Player{session: s, log: log.WithComponent("replay")}
}

// Run plays every event of script and waits for the session to drain.
// Events the session rejects are counted as skipped; a failed open stops
// the run.
func (p *Player) Run(ctx context.Context, script *Script) (*Result, error) {
	p.mu.Lock()
	p.mismatches = nil
	p.mu.Unlock()

	res := &Result{}
	for i, ev := range script.Events {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		ok, err := p.play(i, ev)
		if err != nil {
			return res, fmt.Errorf("event %d (%s): %w", i, ev.Op, err)
		}
		if ok {
			res.Applied++
		} else {
			res.Skipped++
		}
	}

	if err := p.session.Flush(ctx); err != nil {
		return res, err
	}

	p.mu.Lock()
	res.Mismatches = append([]Mismatch(nil), p.mismatches...)
	p.mu.Unlock()
	return res, nil
}

func (p *Player) play(index int, ev Event) (bool, error) {
	s := p.session
	switch ev.Op {
	case OpOpen:
		if _, err := s.Open(ev.Buffer, ev.Path); err != nil {
			return false, err
		}
		return true, nil

	case OpPatch:
		positions := make([]patch.Position, len(ev.Positions))
		for i, pos := range ev.Positions {
			positions[i] = patch.Position{Start: pos.Start, End: pos.End, Text: pos.Text}
		}
		var done func(string)
		if ev.MD5 != "" {
			done = p.verifier(index, ev.Buffer, ev.MD5)
		}
		return s.Patch(ev.Buffer, positions, done), nil

	case OpHighlight:
		req := highlight.Request{
			Path:     ev.Path,
			UserID:   ev.UserID,
			Username: ev.Username,
			Force:    ev.Force,
		}
		for _, r := range ev.Ranges {
			req.Ranges = append(req.Ranges, highlight.Range{Start: r[0], End: r[1]})
		}
		return s.Highlight(req), nil

	case OpRemoveUser:
		return s.RemoveUser(ev.UserID), nil
	case OpClearHighlights:
		return s.ClearHighlights(), nil
	case OpSave:
		return s.Save(ev.Buffer), nil
	case OpSetText:
		return s.SetText(ev.Buffer, ev.Text), nil
	case OpSetReadOnly:
		return s.SetReadOnly(ev.Buffer, ev.ReadOnly), nil
	case OpClose:
		return s.Close(ev.Buffer), nil
	}
	return false, fmt.Errorf("unknown op %q", ev.Op)
}

// verifier returns a patch callback comparing the resulting text with want.
func (p *Player) verifier(index, buffer int, want string) func(string) {
	return func(text string) {
		sum := md5.Sum([]byte(text))
		got := hex.EncodeToString(sum[:])
		if got == want {
			return
		}
		p.log.WithField("buffer", buffer).Warn("checksum mismatch after event %d: expected %s, got %s", index, want, got)
		p.mu.Lock()
		p.mismatches = append(p.mismatches, Mismatch{Event: index, Buffer: buffer, Expected: want, Actual: got})
		p.mu.Unlock()
	}
}
