// Package barrier provides the memory fences the page-table engine pairs
// around page-table publication: a new interior table must be observed
// fully initialized, or not at all, by a concurrent walker.
package barrier

import "sync/atomic"

// token only exists to give the fences below something to operate on.
var token uint32

// Write orders all prior stores before any subsequent stores. Called
// after initializing a new page table and before flipping the parent
// entry's present bit.
func Write() {
	atomic.AddUint32(&token, 1)
}

// Read orders all prior loads before any subsequent loads. Called by
// lookup after observing a present parent entry and before dereferencing
// the child table it points to. Pairs with Write.
func Read() {
	atomic.AddUint32(&token, 1)
}

// Memory is a full fence ordering all prior memory operations before all
// subsequent ones. Used on cross-CPU paths that publish state outside of
// a lock.
func Memory() {
	atomic.AddUint32(&token, 1)
}
