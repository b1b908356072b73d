package workspace

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/cosync/internal/surface/memory"
)

// DefaultEventBuffer is the capacity of the Events channel.
const DefaultEventBuffer = 100

// Watch starts tracking loaded paths with fsnotify. Directories of documents
// already loaded and of documents loaded later are watched.
func (w *Workspace) Watch() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = fsw.Close()
		return ErrClosed
	}
	if w.watcher != nil {
		w.mu.Unlock()
		_ = fsw.Close()
		return nil
	}
	w.watcher = fsw
	w.events = make(chan Event, DefaultEventBuffer)
	w.watchDirLocked(w.root)
	for p := range w.docs {
		w.watchDirLocked(filepath.Dir(w.abs(p)))
	}
	w.mu.Unlock()

	w.closedWg.Add(1)
	go w.processLoop(fsw)
	return nil
}

// Events returns tracked path changes. It is nil until Watch is called and
// closed by Close.
func (w *Workspace) Events() <-chan Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events
}

func (w *Workspace) watchDirLocked(dir string) {
	if w.watched[dir] {
		return
	}
	if err := w.watcher.Add(dir); err != nil {
		w.log.Warn("watch %s: %v", dir, err)
		return
	}
	w.watched[dir] = true
}

func (w *Workspace) processLoop(fsw *fsnotify.Watcher) {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watcher: %v", err)
		}
	}
}

func (w *Workspace) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	p := filepath.ToSlash(rel)

	var kind EventKind
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		kind = EventRemoved
	case ev.Has(fsnotify.Create):
		kind = EventCreated
	case ev.Has(fsnotify.Write):
		kind = EventWritten
	default:
		return
	}

	w.mu.Lock()
	_, loaded := w.docs[p]
	tracked := loaded || w.missing[p]
	if tracked {
		switch kind {
		case EventRemoved:
			w.missing[p] = true
		case EventCreated:
			delete(w.missing, p)
		}
	}
	events := w.events
	w.mu.Unlock()

	if !tracked {
		return
	}
	w.log.Debug("%s %s", p, kind)

	select {
	case events <- Event{Path: p, Kind: kind}:
	default:
		w.log.Warn("event buffer full, dropped %s %s", kind, p)
	}
}

// Close stops watching and drops loaded documents.
func (w *Workspace) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	fsw := w.watcher
	close(w.closeCh)
	w.mu.Unlock()

	var err error
	if fsw != nil {
		err = fsw.Close()
	}
	w.closedWg.Wait()

	w.mu.Lock()
	if w.events != nil {
		close(w.events)
	}
	w.docs = make(map[string]*memory.Document)
	w.crlf = make(map[string]bool)
	w.mu.Unlock()
	return err
}
