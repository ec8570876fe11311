package cap

import (
	"math"

	"github.com/ehrlich-b/go-mkern/adt"
	"github.com/ehrlich-b/go-mkern/internal/interfaces"
	"github.com/ehrlich-b/go-mkern/ksync"
	"github.com/ehrlich-b/go-mkern/mem"

	mkern "github.com/ehrlich-b/go-mkern"
)

// Handle names a capability within one task. Handles are never valid
// across tasks.
type Handle int64

const (
	// HandleNil is the reserved invalid handle.
	HandleNil Handle = 0
	// CapsStart is the first allocatable handle.
	CapsStart Handle = HandleNil + 1
	// capsCount is the size of the handle namespace.
	capsCount = math.MaxInt32 - int64(CapsStart)
	// CapsLast is the last allocatable handle.
	CapsLast Handle = CapsStart + Handle(capsCount) - 1
)

// State is a capability's lifecycle state.
type State int

const (
	StateFree State = iota
	StateAllocated
	StatePublished
)

// Cap is a capability: a task-local name for a kernel object reference.
type Cap struct {
	state  State
	owner  *Info  // back-reference, non-owning
	handle Handle
	kobj   *KObject // non-nil iff published

	capsLink adt.Link // membership in Info.caps
	typeLink adt.Link // membership in Info.typeLists[kobj.typ]
}

// Handle returns the capability's handle.
func (c *Cap) Handle() Handle {
	return c.handle
}

// State returns the capability's lifecycle state.
func (c *Cap) State() State {
	return c.state
}

// Object returns the published kernel object, or nil.
func (c *Cap) Object() *KObject {
	return c.kobj
}

// capCache recycles Cap structures across all tasks.
var capCache = mem.NewCache[Cap]("cap_t", nil, nil)

// observer collects package-wide counters; nil disables reporting.
var observer interfaces.Observer

// SetObserver installs the stats observer for the capability subsystem.
func SetObserver(o interfaces.Observer) {
	observer = o
}

// Hash table operations for the handle -> capability map.

func capsHash(item *adt.Link) uint64 {
	return adt.HashMix64(uint64(item.Inst().(*Cap).handle))
}

func capsKeyHash(key any) uint64 {
	return adt.HashMix64(uint64(key.(Handle)))
}

func capsKeyEqual(key any, item *adt.Link) bool {
	return key.(Handle) == item.Inst().(*Cap).handle
}

// Info is the per-task capability state: the handle arena, the handle
// hash table, and one list per kernel object type.
//
// The mutex is recursive because some operations iterate published
// capabilities while invoking callbacks that re-enter the capability
// table. It is a leaf in the kernel lock order: no other kernel mutex
// may be acquired while it is held.
type Info struct {
	lock      ksync.Mutex
	handles   *mem.Arena
	caps      *adt.Table
	typeLists [typeMax]adt.List
}

// NewInfo allocates and initializes the capability state for one task.
func NewInfo() (*Info, error) {
	ci := &Info{}
	ci.lock.Init(ksync.Recursive)

	ci.handles = mem.NewArena()
	ci.handles.AddSpan(uint64(CapsStart), uint64(capsCount))

	caps, err := adt.NewTable(0, 0, adt.TableOps{
		Hash:     capsHash,
		KeyHash:  capsKeyHash,
		KeyEqual: capsKeyEqual,
	})
	if err != nil {
		return nil, mkern.WrapError("caps_task_alloc", mkern.ErrCodeNoMemory, err)
	}
	ci.caps = caps

	for t := range ci.typeLists {
		ci.typeLists[t].Init()
	}
	return ci, nil
}

// Destroy tears down the capability state. All capabilities must have
// been freed first.
func (ci *Info) Destroy() {
	ci.caps.Clear()
}

// get looks up a capability by handle, requiring it to be in the given
// state. Returns nil if no such capability exists or its state differs.
// The task's capability mutex must be held.
func (ci *Info) get(handle Handle, state State) *Cap {
	ci.lock.AssertLocked()

	if handle < CapsStart || handle > CapsLast {
		return nil
	}
	link := ci.caps.Find(handle)
	if link == nil {
		return nil
	}
	c := link.Inst().(*Cap)
	if c.state != state {
		return nil
	}
	return c
}

// Alloc reserves a new capability handle in the allocated state.
func (ci *Info) Alloc() (Handle, error) {
	ci.lock.Lock()
	defer ci.lock.Unlock()

	hbase, ok := ci.handles.Alloc(1, 1)
	if !ok {
		return HandleNil, mkern.NewError("cap_alloc", mkern.ErrCodeNoMemory,
			"handle namespace exhausted")
	}

	c := capCache.Alloc()
	c.state = StateFree
	c.owner = ci
	c.handle = Handle(hbase)
	c.capsLink.Init(c)
	c.typeLink.Init(c)

	ci.caps.Insert(&c.capsLink)
	c.state = StateAllocated

	if observer != nil {
		observer.ObserveCapAlloc()
	}
	return c.handle, nil
}

// Publish associates an allocated capability with a kernel object and
// makes it visible to userspace. The object's reference count does not
// change: the caller's reference is handed over to the capability.
//
// The handle must name an allocated capability.
func (ci *Info) Publish(handle Handle, kobj *KObject) {
	ci.lock.Lock()
	defer ci.lock.Unlock()

	c := ci.get(handle, StateAllocated)
	if c == nil {
		panic("cap: publishing a handle that is not allocated")
	}
	c.state = StatePublished
	c.kobj = kobj
	ci.typeLists[kobj.typ].Append(&c.typeLink)

	if observer != nil {
		observer.ObserveCapPublish()
	}
}

// Unpublish disassociates a published capability of the given type from
// its kernel object and returns the object, handing the capability's
// reference over to the caller. Returns nil, without side effects, when
// the handle does not name a published capability of that type.
func (ci *Info) Unpublish(handle Handle, typ Type) *KObject {
	var kobj *KObject

	ci.lock.Lock()
	defer ci.lock.Unlock()

	c := ci.get(handle, StatePublished)
	if c != nil && c.kobj.typ == typ {
		// Hand over the capability's reference to the caller.
		kobj = c.kobj
		c.kobj = nil
		c.typeLink.Remove()
		c.state = StateAllocated

		if observer != nil {
			observer.ObserveCapUnpublish()
		}
	}
	return kobj
}

// Free returns an allocated capability's handle to the arena and
// destroys the capability. The handle must name an allocated capability.
func (ci *Info) Free(handle Handle) {
	if handle < CapsStart || handle > CapsLast {
		panic("cap: freeing a handle outside the namespace")
	}

	ci.lock.Lock()
	defer ci.lock.Unlock()

	c := ci.get(handle, StateAllocated)
	if c == nil {
		panic("cap: freeing a handle that is not allocated")
	}

	ci.caps.RemoveItem(&c.capsLink)
	ci.handles.Free(uint64(handle), 1)
	capCache.Free(c)

	if observer != nil {
		observer.ObserveCapFree()
	}
}

// Get returns the kernel object a published capability of the given type
// refers to, with its reference count incremented. Returns nil, without
// side effects, when the handle does not name a published capability of
// that type.
func (ci *Info) Get(handle Handle, typ Type) *KObject {
	var kobj *KObject

	ci.lock.Lock()
	defer ci.lock.Unlock()

	c := ci.get(handle, StatePublished)
	if c != nil && c.kobj.typ == typ {
		kobj = c.kobj
		kobj.AddRef()
	}
	return kobj
}

// ApplyToType invokes fn on every published capability of the given
// type, under the capability mutex. fn may unpublish or otherwise remove
// the supplied capability but not its successor. Iteration stops when fn
// returns false; ApplyToType then reports false.
func (ci *Info) ApplyToType(typ Type, fn func(c *Cap) bool) bool {
	ci.lock.Lock()
	defer ci.lock.Unlock()

	return ci.typeLists[typ].ForEachSafe(func(cur *adt.Link) bool {
		return fn(cur.Inst().(*Cap))
	})
}

// CountByType returns the number of published capabilities of the given
// type. Diagnostic only.
func (ci *Info) CountByType(typ Type) int {
	ci.lock.Lock()
	defer ci.lock.Unlock()
	return ci.typeLists[typ].Count()
}
