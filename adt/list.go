// Package adt provides the kernel's core abstract data types: an
// intrusive circular doubly linked list and a resizable chained hash
// table built on it.
package adt

// Link is a member of a circular doubly linked List. It is embedded in
// the item it links (an item may carry several links into several lists)
// and holds a back-pointer to the item so list consumers can recover the
// instance without unsafe offset arithmetic.
type Link struct {
	prev, next *Link
	inst       any
}

// Init prepares the link for use and records the owning instance.
func (l *Link) Init(inst any) {
	l.prev = nil
	l.next = nil
	l.inst = inst
}

// Inst returns the instance this link was initialized with.
func (l *Link) Inst() any {
	return l.inst
}

// Used reports whether the link is currently a member of some list.
func (l *Link) Used() bool {
	return l.prev != nil && l.next != nil
}

// List is a circular doubly linked list of Links. The zero value is not
// usable; call Init (or use NewList) first.
type List struct {
	head Link
}

// NewList returns an initialized empty list.
func NewList() *List {
	q := &List{}
	q.Init()
	return q
}

// Init makes the list empty.
func (q *List) Init() {
	q.head.prev = &q.head
	q.head.next = &q.head
}

// Empty reports whether the list has no members.
func (q *List) Empty() bool {
	return q.head.next == &q.head
}

// Append adds l as the last member of the list.
func (q *List) Append(l *Link) {
	l.prev = q.head.prev
	l.next = &q.head
	q.head.prev.next = l
	q.head.prev = l
}

// Prepend adds l as the first member of the list.
func (q *List) Prepend(l *Link) {
	l.prev = &q.head
	l.next = q.head.next
	q.head.next.prev = l
	q.head.next = l
}

// Remove unlinks l from whatever list it is a member of.
func (l *Link) Remove() {
	l.prev.next = l.next
	l.next.prev = l.prev
	l.prev = nil
	l.next = nil
}

// Head returns the first member, or nil if the list is empty.
func (q *List) Head() *Link {
	if q.Empty() {
		return nil
	}
	return q.head.next
}

// Next returns the member after l, or nil once the iteration wraps back
// to the list head.
func (q *List) Next(l *Link) *Link {
	if l.next == &q.head {
		return nil
	}
	return l.next
}

// Count returns the number of members. O(n).
func (q *List) Count() int {
	n := 0
	for cur := q.head.next; cur != &q.head; cur = cur.next {
		n++
	}
	return n
}

// ForEachSafe visits every member in order, snapshotting the successor
// before each call so fn may remove the current member (but not its
// successor). Iteration stops early when fn returns false; ForEachSafe
// then returns false.
func (q *List) ForEachSafe(fn func(l *Link) bool) bool {
	cur := q.head.next
	for cur != &q.head {
		next := cur.next
		if !fn(cur) {
			return false
		}
		cur = next
	}
	return true
}
