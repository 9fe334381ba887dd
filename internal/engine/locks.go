package engine

import "sync"

// instanceLocks serializes mutating operations per workflow instance. Two
// instances proceed fully in parallel; two operations on one instance never
// interleave their read-decide-write sequences.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[string]*lockEntry)}
}

// acquire blocks until the instance lock is held and returns the release
// function. Entries are reference counted so the map does not grow with
// finished instances.
func (l *instanceLocks) acquire(instanceID string) func() {
	l.mu.Lock()
	e, ok := l.locks[instanceID]
	if !ok {
		e = &lockEntry{}
		l.locks[instanceID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, instanceID)
		}
		l.mu.Unlock()
	}
}
