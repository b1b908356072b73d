package highlight

import (
	"sort"
	"sync"

	"github.com/dshills/cosync/internal/surface"
)

// Retention policies for the lists of a file whose buffer closed.
const (
	// RetentionUntilClose releases a file's highlights when its buffer closes.
	RetentionUntilClose = "until-close"
	// RetentionForever keeps highlight lists until they are superseded or
	// their user leaves.
	RetentionForever = "forever"
)

// Range is a character range [Start, End) to highlight.
type Range struct {
	Start int
	End   int
}

// List is the ordered set of handles created for one user in one file.
type List struct {
	path    string
	handles []surface.Handle
}

// Path returns the file the list belongs to.
func (l *List) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Handles returns a copy of the handles in creation order.
func (l *List) Handles() []surface.Handle {
	if l == nil {
		return nil
	}
	out := make([]surface.Handle, len(l.handles))
	copy(out, l.handles)
	return out
}

// Len returns the number of handles.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.handles)
}

// Clear empties the list.
func (l *List) Clear() {
	if l == nil {
		return
	}
	l.handles = nil
}

func (l *List) add(h surface.Handle) {
	l.handles = append(l.handles, h)
}

// Table maps user id to path to the user's current highlight list in that
// path. A user's entry stays in the table after their lists are released.
type Table struct {
	mu    sync.Mutex
	users map[int]map[string]*List
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{users: make(map[int]map[string]*List)}
}

// Get returns the list stored for (userID, path), or nil.
func (t *Table) Get(userID int, path string) *List {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.users[userID][path]
}

// Swap stores list for (userID, path) and returns the list it replaces.
func (t *Table) Swap(userID int, path string, list *List) *List {
	t.mu.Lock()
	defer t.mu.Unlock()

	paths, ok := t.users[userID]
	if !ok {
		paths = make(map[string]*List)
		t.users[userID] = paths
	}
	old := paths[path]
	paths[path] = list
	return old
}

// Take removes and returns every list of userID. The user entry is kept.
func (t *Table) Take(userID int) []*List {
	t.mu.Lock()
	defer t.mu.Unlock()

	paths, ok := t.users[userID]
	if !ok {
		return nil
	}
	out := make([]*List, 0, len(paths))
	for p, l := range paths {
		out = append(out, l)
		delete(paths, p)
	}
	return out
}

// Forget removes and returns the lists of every user for path.
func (t *Table) Forget(path string) []*List {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*List
	for _, paths := range t.users {
		if l, ok := paths[path]; ok {
			out = append(out, l)
			delete(paths, path)
		}
	}
	return out
}

// Users returns the user ids known to the table, sorted.
func (t *Table) Users() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]int, 0, len(t.users))
	for id := range t.users {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// Paths returns the paths holding a list for userID, sorted.
func (t *Table) Paths(userID int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	paths := t.users[userID]
	out := make([]string, 0, len(paths))
	for p := range paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Lists returns the number of stored lists.
func (t *Table) Lists() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, paths := range t.users {
		n += len(paths)
	}
	return n
}

// Each calls fn for every stored list. fn must not modify the table.
func (t *Table) Each(fn func(userID int, path string, list *List)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, paths := range t.users {
		for p, l := range paths {
			fn(id, p, l)
		}
	}
}
