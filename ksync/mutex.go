// Package ksync provides the sleeping synchronization primitives the
// kernel core is written against: passive and recursive mutexes with
// ownership assertions, wait queues with missed-wakeup accounting, and
// condition variables.
package ksync

import (
	"sync"

	"github.com/ehrlich-b/go-mkern/internal/goid"
)

// MutexKind selects the mutex flavor.
type MutexKind int

const (
	// Passive mutexes block the caller and may not be re-entered.
	Passive MutexKind = iota
	// Recursive mutexes may be re-acquired by the goroutine holding them.
	Recursive
)

// Mutex is a sleeping lock with ownership tracking. The zero value is a
// passive mutex; call Init to make it recursive.
type Mutex struct {
	kind  MutexKind
	inner sync.Mutex // the actual exclusion

	state sync.Mutex // guards owner and depth
	owner int64      // goroutine id of the holder, 0 when free
	depth int
}

// Init sets the mutex kind. Must be called before first use when a
// recursive mutex is wanted; a mutex in use must not be reinitialized.
func (m *Mutex) Init(kind MutexKind) {
	m.kind = kind
}

// Lock acquires the mutex, blocking until it is available. A recursive
// mutex may be re-acquired by its current holder; a passive mutex
// re-acquired by its holder deadlocks, as in any sleeping lock.
func (m *Mutex) Lock() {
	self := goid.ID()

	if m.kind == Recursive {
		m.state.Lock()
		if m.owner == self {
			m.depth++
			m.state.Unlock()
			return
		}
		m.state.Unlock()
	}

	m.inner.Lock()
	m.state.Lock()
	m.owner = self
	m.depth = 1
	m.state.Unlock()
}

// Unlock releases the mutex. It panics when the caller does not hold it.
func (m *Mutex) Unlock() {
	self := goid.ID()

	m.state.Lock()
	if m.owner != self {
		m.state.Unlock()
		panic("ksync: unlock of mutex not held by caller")
	}
	m.depth--
	if m.depth > 0 {
		m.state.Unlock()
		return
	}
	m.owner = 0
	m.state.Unlock()
	m.inner.Unlock()
}

// Locked reports whether the calling goroutine holds the mutex. It backs
// the lock-held assertions sprinkled through the subsystems.
func (m *Mutex) Locked() bool {
	self := goid.ID()
	m.state.Lock()
	held := m.owner == self
	m.state.Unlock()
	return held
}

// AssertLocked panics unless the calling goroutine holds the mutex.
func (m *Mutex) AssertLocked() {
	if !m.Locked() {
		panic("ksync: mutex not held by caller")
	}
}
