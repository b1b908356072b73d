// Package suppress implements the local-edit notification channel and the
// scoped guard that silences it while the engine writes to a document.
//
// Every write performed on behalf of a remote peer runs inside a Guard:
// acquiring it disables listening, releasing it re-enables listening. Edits
// reported while listening is disabled are dropped instead of being handed to
// subscribers, which is what keeps a remote patch from being re-broadcast as a
// local change.
package suppress

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrReleased is returned by Guard.Release on a guard that was already released.
var ErrReleased = errors.New("guard already released")

// LocalEdit describes a user-originated change to a document.
type LocalEdit struct {
	Path  string
	Start int
	End   int
	Text  string
}

// PanicError wraps a panic recovered inside Gate.Do.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Gate is the session-wide notification channel.
//
// The zero value is not usable; create gates with NewGate.
type Gate struct {
	// write serializes internal writes, one guard at a time.
	write sync.Mutex

	listening atomic.Bool

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(LocalEdit)

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewGate creates a gate that starts out listening.
func NewGate() *Gate {
	g := &Gate{subs: make(map[uint64]func(LocalEdit))}
	g.listening.Store(true)
	return g
}

// Listening reports whether local edits are currently delivered.
func (g *Gate) Listening() bool {
	return g.listening.Load()
}

// SetListening toggles the channel directly. Engine code uses Suppress
// instead; this exists for hosts that need to pause reporting themselves.
func (g *Gate) SetListening(on bool) {
	g.listening.Store(on)
}

// Subscribe registers fn to receive local edits. The returned function
// removes the subscription.
func (g *Gate) Subscribe(fn func(LocalEdit)) (cancel func()) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.subs[id] = fn
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.subs, id)
			g.mu.Unlock()
		})
	}
}

// Report hands edit to subscribers when the gate is listening. It returns
// false, delivering nothing, while a guard is held.
func (g *Gate) Report(edit LocalEdit) bool {
	if !g.listening.Load() {
		g.dropped.Add(1)
		return false
	}

	g.mu.RLock()
	subs := make([]func(LocalEdit), 0, len(g.subs))
	for _, fn := range g.subs {
		subs = append(subs, fn)
	}
	g.mu.RUnlock()

	for _, fn := range subs {
		fn(edit)
	}
	g.delivered.Add(1)
	return true
}

// Stats returns how many edits were delivered and dropped.
func (g *Gate) Stats() (delivered, dropped uint64) {
	return g.delivered.Load(), g.dropped.Load()
}

// Guard is a held suppression scope. Release must be called exactly once,
// normally through defer.
type Guard struct {
	g        *Gate
	released atomic.Bool
}

// Suppress blocks until no other guard is held, then disables listening.
func (g *Gate) Suppress() *Guard {
	g.write.Lock()
	g.listening.Store(false)
	return &Guard{g: g}
}

// Release re-enables listening and lets the next guard in.
func (gd *Guard) Release() error {
	if !gd.released.CompareAndSwap(false, true) {
		return ErrReleased
	}
	gd.g.listening.Store(true)
	gd.g.write.Unlock()
	return nil
}

// Do runs fn inside a guard. A panic in fn is returned as a *PanicError; the
// guard is released on every path.
func (g *Gate) Do(fn func() error) (err error) {
	guard := g.Suppress()
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		_ = guard.Release()
	}()
	return fn()
}
