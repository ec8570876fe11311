// Package cap implements task-local capabilities: integer handles naming
// references to reference-counted kernel objects.
//
// A kernel object (KObject) encapsulates one of a select group of raw
// kernel resources: an IPC call, an IPC phone, or an IRQ registration.
// A capability is either free, allocated or published. Free capabilities
// can be allocated, which reserves the handle in the task-local
// capability space. Allocated capabilities can be published, which
// associates them with an existing kernel object; only published
// capabilities are accessible to userspace. A published capability may
// get unpublished, which disassociates it from the kernel object and
// puts it back into the allocated state, and an allocated capability can
// be freed for future reuse.
//
// Kernel objects are reference-counted and get destroyed automatically
// when the last reference is dropped in Put. Whenever a kernel object is
// inserted into some sort of container, its reference count should go up
// via Get or AddRef; when it is removed, back down via Put.
package cap

import "sync/atomic"

// Type discriminates the raw resource a kernel object wraps.
type Type int

const (
	TypeCall Type = iota
	TypePhone
	TypeIRQ

	typeMax
)

// String returns the type name used in diagnostics.
func (t Type) String() string {
	switch t {
	case TypeCall:
		return "call"
	case TypePhone:
		return "phone"
	case TypeIRQ:
		return "irq"
	default:
		return "unknown"
	}
}

// Ops is the per-type operations table of a kernel object.
type Ops struct {
	// Destroy releases the raw resource. It runs exactly once, when the
	// reference count drops to zero.
	Destroy func(raw any)
}

// KObject is a reference-counted wrapper around a raw kernel resource.
type KObject struct {
	typ    Type
	raw    any
	ops    *Ops
	refcnt atomic.Int64
}

// Initialize sets up a kernel object with a single reference, owned by
// the caller.
func (k *KObject) Initialize(typ Type, raw any, ops *Ops) {
	k.refcnt.Store(1)
	k.typ = typ
	k.raw = raw
	k.ops = ops
	if observer != nil {
		observer.ObserveKObjectCreate()
	}
}

// NewKObject allocates and initializes a kernel object.
func NewKObject(typ Type, raw any, ops *Ops) *KObject {
	k := &KObject{}
	k.Initialize(typ, raw, ops)
	return k
}

// Type returns the object's type tag.
func (k *KObject) Type() Type {
	return k.typ
}

// Raw returns the encapsulated raw resource.
func (k *KObject) Raw() any {
	return k.raw
}

// RefCount returns the current reference count. Diagnostic only; the
// value may be stale by the time the caller looks at it.
func (k *KObject) RefCount() int64 {
	return k.refcnt.Load()
}

// AddRef records a new reference created from an existing one.
func (k *KObject) AddRef() {
	k.refcnt.Add(1)
}

// Put drops a reference. The raw resource is destroyed when the last
// reference is dropped; the atomic decrement resolves concurrent racing
// Puts so the destroy hook runs exactly once.
func (k *KObject) Put() {
	if k.refcnt.Add(-1) == 0 {
		if k.ops != nil && k.ops.Destroy != nil {
			k.ops.Destroy(k.raw)
		}
		if observer != nil {
			observer.ObserveKObjectDestroy()
		}
	}
}
