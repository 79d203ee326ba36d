package workflow

import (
	"sync"

	"github.com/google/uuid"
)

// keyedLocker serialises work per key. Entries are reference counted and
// removed when the last holder releases, so the map stays bounded by the
// number of keys currently in use.
type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is held and returns the release function
func (l *keyedLocker) Lock(key string) func() {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &keyedEntry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

func (l *keyedLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func assignmentKey(id uuid.UUID) string {
	return "assignment:" + id.String()
}

func cycleKey(id uuid.UUID) string {
	return "cycle:" + id.String()
}

func controlKey(ref string) string {
	return "control:" + ref
}

// generations counts progress invalidations per cycle so a read-through
// cache fill can tell whether a commit landed while it was computing
type generations struct {
	mu sync.Mutex
	n  map[uuid.UUID]uint64
}

func newGenerations() *generations {
	return &generations{n: make(map[uuid.UUID]uint64)}
}

func (g *generations) current(cycleID uuid.UUID) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n[cycleID]
}

func (g *generations) bump(cycleID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n[cycleID]++
}
