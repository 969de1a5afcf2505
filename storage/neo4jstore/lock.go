package neo4jstore

import (
	"sync"
)

// Reading a twin back takes several queries. Even inside one read transaction,
// we have seen them observe a state record half projected by a concurrent
// write, e.g. the new properties of a state next to the relationships of the
// previous one.
//
// projectionLock is an adaptation of sync.RWMutex in which any number of
// writers may hold the lock together, while a reader holds it alone. The zero
// value is an unlocked lock.
//
// The guarantees sync.RWMutex makes regarding the Go memory model apply here
// as well: the n'th call to WUnlock synchronizes before the m'th call to Lock
// returns, for n < m.
type projectionLock sync.RWMutex

// WLock locks l for writing. It must not be used for recursive write locking;
// a blocked Lock call excludes new writers from acquiring the lock.
func (l *projectionLock) WLock() {
	(*sync.RWMutex)(l).RLock()
}

// WUnlock undoes a single WLock call.
func (l *projectionLock) WUnlock() {
	(*sync.RWMutex)(l).RUnlock()
}

// Lock locks l for reading, blocking until no writer holds it.
func (l *projectionLock) Lock() {
	(*sync.RWMutex)(l).Lock()
}

// Unlock undoes a Lock call.
func (l *projectionLock) Unlock() {
	(*sync.RWMutex)(l).Unlock()
}
