package adt

import (
	mkern "github.com/ehrlich-b/go-mkern"
	"github.com/ehrlich-b/go-mkern/internal/interfaces"
)

// This is a generic resizable chained hash table.
//
// The table grows to 2*n+1 buckets each time, starting at n == 89, per
// Thomas Wang's recommendation. This policy produces prime table sizes
// for the first five resizes and generally produces table sizes which
// are either prime or have fairly large (prime/odd) divisors, which
// mitigates the use of suboptimal hash functions.

const (
	// minBuckets is the optimal initial bucket count. See comment above.
	minBuckets = 89
	// defaultMaxLoad resizes the table when the average load per bucket
	// exceeds it.
	defaultMaxLoad = 2
)

// TableOps parameterizes a Table over its item type. Hash, KeyHash and
// KeyEqual are mandatory. Equal is required only if InsertUnique is used.
// RemoveCallback is optional.
type TableOps struct {
	// Hash returns the hash of an item in the table.
	Hash func(item *Link) uint64
	// KeyHash returns the hash of a lookup key.
	KeyHash func(key any) uint64
	// KeyEqual reports whether a lookup key matches an item.
	KeyEqual func(key any, item *Link) bool
	// Equal reports whether two items share a lookup key.
	Equal func(a, b *Link) bool
	// RemoveCallback is invoked for every item removed from the table.
	RemoveCallback func(item *Link)
}

// Table is a chained hash table with automatic resize. It provides no
// internal synchronization; callers serialize access externally.
type Table struct {
	buckets      []List
	maxLoad      int
	itemCnt      int
	fullItemCnt  int
	ops          TableOps
	applyOngoing bool
	observer     interfaces.Observer
}

// NewTable creates a chained hash table.
//
// initSize is the desired initial bucket count; pass zero for the
// default. maxLoad is the average per-bucket load that triggers a grow;
// pass zero for the default.
func NewTable(initSize, maxLoad int, ops TableOps) (*Table, error) {
	if ops.Hash == nil || ops.KeyHash == nil || ops.KeyEqual == nil {
		return nil, mkern.NewError("ht_create", mkern.ErrCodeInvalidState,
			"missing mandatory hash table operations")
	}
	if maxLoad == 0 {
		maxLoad = defaultMaxLoad
	}
	if ops.RemoveCallback == nil {
		ops.RemoveCallback = func(*Link) {}
	}

	h := &Table{
		maxLoad: maxLoad,
		ops:     ops,
	}
	h.buckets = allocBuckets(roundUpSize(initSize))
	h.fullItemCnt = h.maxLoad * len(h.buckets)
	return h, nil
}

// SetObserver installs an optional resize observer.
func (h *Table) SetObserver(o interfaces.Observer) {
	h.observer = o
}

// Empty reports whether there are no items in the table.
func (h *Table) Empty() bool {
	return h.itemCnt == 0
}

// Size returns the number of items in the table.
func (h *Table) Size() int {
	return h.itemCnt
}

// Buckets returns the current bucket count.
func (h *Table) Buckets() int {
	return len(h.buckets)
}

// Clear removes all items, invoking the remove callback for each, then
// shrinks the table to its minimum size.
func (h *Table) Clear() {
	h.assertNoApply()
	h.clearItems()

	if minBuckets < len(h.buckets) {
		h.resize(minBuckets)
	}
}

// clearItems unlinks and removes all items but does not resize.
func (h *Table) clearItems() {
	if h.itemCnt == 0 {
		return
	}
	for idx := range h.buckets {
		h.buckets[idx].ForEachSafe(func(cur *Link) bool {
			cur.Remove()
			h.ops.RemoveCallback(cur)
			return true
		})
	}
	h.itemCnt = 0
}

// Insert adds an item to the table. The item's key may duplicate keys of
// items already present.
func (h *Table) Insert(item *Link) {
	h.assertNoApply()

	idx := h.ops.Hash(item) % uint64(len(h.buckets))
	h.buckets[idx].Append(item)
	h.itemCnt++
	h.growIfNeeded()
}

// InsertUnique adds an item only if no item with an equal key is present.
// It reports whether the item was inserted.
func (h *Table) InsertUnique(item *Link) bool {
	if h.ops.Equal == nil {
		panic("adt: InsertUnique requires the Equal operation")
	}
	h.assertNoApply()

	idx := h.ops.Hash(item) % uint64(len(h.buckets))

	// Check for duplicates. We could filter items by their hashes first,
	// but calling Equal might very well be just as fast.
	b := &h.buckets[idx]
	for cur := b.Head(); cur != nil; cur = b.Next(cur) {
		if h.ops.Equal(cur, item) {
			return false
		}
	}

	b.Append(item)
	h.itemCnt++
	h.growIfNeeded()
	return true
}

// Find returns the first item matching key, or nil if there is none.
func (h *Table) Find(key any) *Link {
	idx := h.ops.KeyHash(key) % uint64(len(h.buckets))

	b := &h.buckets[idx]
	for cur := b.Head(); cur != nil; cur = b.Next(cur) {
		if h.ops.KeyEqual(key, cur) {
			return cur
		}
	}
	return nil
}

// FindNext returns the next item equal to item, traversing the circular
// bucket list until the iteration returns to first.
func (h *Table) FindNext(first, item *Link) *Link {
	if h.ops.Equal == nil {
		panic("adt: FindNext requires the Equal operation")
	}
	idx := h.ops.Hash(item) % uint64(len(h.buckets))
	head := &h.buckets[idx].head

	for cur := item.next; cur != first; cur = cur.next {
		if cur == head {
			continue
		}
		if h.ops.Equal(cur, item) {
			return cur
		}
	}
	return nil
}

// Remove removes all items matching key, invoking the remove callback
// for each, and returns the number removed.
func (h *Table) Remove(key any) int {
	h.assertNoApply()

	idx := h.ops.KeyHash(key) % uint64(len(h.buckets))

	removed := 0
	h.buckets[idx].ForEachSafe(func(cur *Link) bool {
		if h.ops.KeyEqual(key, cur) {
			removed++
			cur.Remove()
			h.ops.RemoveCallback(cur)
		}
		return true
	})

	h.itemCnt -= removed
	h.shrinkIfNeeded()
	return removed
}

// RemoveItem removes an item already present in the table. The item must
// be in the table.
func (h *Table) RemoveItem(item *Link) {
	if !item.Used() {
		panic("adt: removing an item that is in no table")
	}
	item.Remove()
	h.itemCnt--
	h.ops.RemoveCallback(item)
	h.shrinkIfNeeded()
}

// Apply invokes fn on every item. The successor is snapshotted before
// each call, so fn may delete the supplied item but must not delete its
// successor. Returning false stops the iteration. Resize is disabled for
// the duration of Apply and performed, if needed, on exit.
func (h *Table) Apply(fn func(item *Link) bool) {
	if h.itemCnt == 0 {
		return
	}

	h.applyOngoing = true
	for idx := range h.buckets {
		if !h.buckets[idx].ForEachSafe(fn) {
			break
		}
	}
	h.applyOngoing = false

	h.shrinkIfNeeded()
	h.growIfNeeded()
}

func (h *Table) assertNoApply() {
	if h.applyOngoing {
		panic("adt: hash table mutated from within Apply")
	}
}

// roundUpSize rounds size up to the nearest suitable table size.
func roundUpSize(size int) int {
	rounded := minBuckets
	for rounded < size {
		rounded = 2*rounded + 1
	}
	return rounded
}

func allocBuckets(cnt int) []List {
	buckets := make([]List, cnt)
	for i := range buckets {
		buckets[i].Init()
	}
	return buckets
}

// shrinkIfNeeded shrinks the table if it is only sparsely populated.
func (h *Table) shrinkIfNeeded() {
	if h.itemCnt <= h.fullItemCnt/4 && minBuckets < len(h.buckets) {
		// Keep the bucket count odd (possibly also prime).
		// Shrink from 2n + 1 to n. Integer division discards the +1.
		if h.resize(len(h.buckets)/2) && h.observer != nil {
			h.observer.ObserveHashShrink()
		}
	}
}

// growIfNeeded grows the table if the average bucket load exceeds the
// maximum allowed.
func (h *Table) growIfNeeded() {
	if h.fullItemCnt < h.itemCnt {
		// Keep the bucket count odd (possibly also prime).
		if h.resize(2*len(h.buckets)+1) && h.observer != nil {
			h.observer.ObserveHashGrow()
		}
	}
}

// resize rehashes all items into a new bucket array. It reports whether
// the resize actually happened.
func (h *Table) resize(newBucketCnt int) bool {
	if newBucketCnt < minBuckets {
		panic("adt: resizing below the minimum bucket count")
	}

	// We are traversing the table; resizing would mess up the buckets.
	if h.applyOngoing {
		return false
	}

	newBuckets := allocBuckets(newBucketCnt)

	if h.itemCnt > 0 {
		for oldIdx := range h.buckets {
			h.buckets[oldIdx].ForEachSafe(func(cur *Link) bool {
				newIdx := h.ops.Hash(cur) % uint64(newBucketCnt)
				cur.Remove()
				newBuckets[newIdx].Append(cur)
				return true
			})
		}
	}

	h.buckets = newBuckets
	h.fullItemCnt = h.maxLoad * newBucketCnt
	return true
}
