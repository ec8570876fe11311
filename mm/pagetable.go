package mm

import (
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/go-mkern/internal/barrier"
	"github.com/ehrlich-b/go-mkern/internal/interfaces"
	"github.com/ehrlich-b/go-mkern/ksync"
	"github.com/ehrlich-b/go-mkern/mem"

	mkern "github.com/ehrlich-b/go-mkern"
)

// Config binds a page-table engine to its collaborators.
type Config struct {
	// Frames backs both interior tables and address-space roots.
	Frames *mem.FrameAllocator
	// Format supplies the port's PTE layout and geometry.
	Format Format
	// KernelBase and KernelSize describe the kernel non-identity region.
	// Top-level tables mapping it are globally shared across address
	// spaces and are never freed by Remove. A zero size disables the
	// guard.
	KernelBase uintptr
	KernelSize uintptr
	// Observer, when set, receives mapping and table counters.
	Observer interfaces.Observer
}

// Engine walks and mutates hierarchical page tables.
type Engine struct {
	frames     *mem.FrameAllocator
	fmt        Format
	kernelBase uintptr
	kernelSize uintptr
	observer   interfaces.Observer
}

// NewEngine validates the configuration and returns an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Frames == nil || cfg.Format == nil {
		return nil, mkern.NewError("pt_init", mkern.ErrCodeInvalidState,
			"missing frame allocator or PTE format")
	}
	if cfg.Format.Entries(0) == 0 || cfg.Format.Entries(3) == 0 {
		return nil, mkern.NewError("pt_init", mkern.ErrCodeInvalidState,
			"root and leaf levels cannot be collapsed")
	}
	return &Engine{
		frames:     cfg.Frames,
		fmt:        cfg.Format,
		kernelBase: cfg.KernelBase,
		kernelSize: cfg.KernelSize,
		observer:   cfg.Observer,
	}, nil
}

// AddressSpace is a VA->PA translation rooted in a level-0 table. The
// lock must be held for all mutation and for most lookup.
type AddressSpace struct {
	lock ksync.Mutex
	root mem.PhysAddr
}

// NewAddressSpace allocates and zeroes a level-0 table.
func (e *Engine) NewAddressSpace() (*AddressSpace, error) {
	root, err := e.frames.Alloc(e.tableFrames(0), mem.FrameLowMem, 0)
	if err != nil {
		return nil, mkern.WrapError("as_create", mkern.ErrCodeNoMemory, err)
	}
	e.zeroTable(root, 0)
	return &AddressSpace{root: root}, nil
}

// Lock acquires the address-space lock.
func (as *AddressSpace) Lock() { as.lock.Lock() }

// Unlock releases the address-space lock.
func (as *AddressSpace) Unlock() { as.lock.Unlock() }

// Locked reports whether the caller holds the address-space lock.
func (as *AddressSpace) Locked() bool { return as.lock.Locked() }

// Root returns the physical address of the level-0 table.
func (as *AddressSpace) Root() mem.PhysAddr { return as.root }

// Insert maps the virtual page to the physical frame with the given
// flags, allocating interior tables along the way as needed.
//
// A concurrent hardware walk or unlocked Find must see each new interior
// table only after it is fully initialized: the entry is written
// not-present first, then a write barrier, then the present bit.
func (e *Engine) Insert(as *AddressSpace, page uintptr, frame mem.PhysAddr, flags Flags) {
	as.lock.AssertLocked()

	var tables [4]mem.PhysAddr
	tables[0] = as.root

	for l := 1; l <= 3; l++ {
		if e.fmt.Entries(l) == 0 {
			tables[l] = tables[l-1]
			continue
		}
		p := e.parentLevel(l)
		ent := e.entryPtr(tables[p], e.fmt.Index(p, page))
		v := atomic.LoadUint64(ent)
		if !e.fmt.Present(v) {
			newpt := e.allocTable(l)
			v = e.fmt.SetAddress(0, newpt)
			// Permissive interior flags; the leaf constrains.
			v = e.fmt.SetFlags(v, FlagUser|FlagExec|FlagCacheable|FlagWrite)
			atomic.StoreUint64(ent, v)
			// Make sure a concurrent walker sees the new table only
			// after it is fully initialized.
			barrier.Write()
			v = e.fmt.SetPresent(v)
			atomic.StoreUint64(ent, v)
		}
		tables[l] = e.fmt.Address(v)
	}

	leaf := e.entryPtr(tables[3], e.fmt.Index(3, page))
	v := e.fmt.SetAddress(0, frame)
	v = e.fmt.SetFlags(v, flags&^FlagPresent)
	atomic.StoreUint64(leaf, v)
	// Make the new mapping visible only after it is fully initialized.
	barrier.Write()
	atomic.StoreUint64(leaf, e.fmt.SetPresent(v))

	if e.observer != nil {
		e.observer.ObserveMappingInsert()
	}
}

// Remove unmaps the virtual page, if mapped, and frees interior tables
// that became empty along the path, except globally shared kernel
// tables. Removing an unmapped page is a no-op. TLB shootdown should
// follow to make the effects visible to other CPUs.
func (e *Engine) Remove(as *AddressSpace, page uintptr) {
	as.lock.AssertLocked()

	// First, locate the mapping, if it exists.
	var tables [4]mem.PhysAddr
	tables[0] = as.root

	for l := 1; l <= 3; l++ {
		if e.fmt.Entries(l) == 0 {
			tables[l] = tables[l-1]
			continue
		}
		p := e.parentLevel(l)
		v := atomic.LoadUint64(e.entryPtr(tables[p], e.fmt.Index(p, page)))
		if !e.fmt.Present(v) {
			return
		}
		tables[l] = e.fmt.Address(v)
	}

	leaf := e.entryPtr(tables[3], e.fmt.Index(3, page))
	wasValid := e.fmt.Valid(atomic.LoadUint64(leaf))

	// Destroy the mapping. Clearing the present bit is not sufficient:
	// the entry must be zeroed for PT coherence maintenance on some
	// ports.
	atomic.StoreUint64(leaf, 0)

	if wasValid && e.observer != nil {
		e.observer.ObserveMappingRemove()
	}

	// Second, free all empty tables along the way from the leaf up,
	// except those needed for sharing the kernel non-identity mappings.
	for l := 3; l >= 1; l-- {
		if e.fmt.Entries(l) == 0 {
			continue
		}
		if !e.tableEmpty(tables[l], l) {
			// There is still a valid path into this table, so there is
			// nothing to free at higher levels either.
			return
		}
		p := e.parentLevel(l)
		if p == 0 && e.kernelNonIdentity(page) {
			// The root entry maps the globally shared kernel region and
			// must persist.
			return
		}
		atomic.StoreUint64(e.entryPtr(tables[p], e.fmt.Index(p, page)), 0)
		e.freeTable(tables[l], l)
	}
}

// find returns a pointer to the leaf entry, or nil when any level along
// the way is not present. Read barriers pair with Insert's write
// barriers so a concurrent walker never dereferences a half-built table.
func (e *Engine) find(as *AddressSpace, page uintptr, nolock bool) *uint64 {
	if !nolock {
		as.lock.AssertLocked()
	}

	table := as.root
	for l := 1; l <= 3; l++ {
		if e.fmt.Entries(l) == 0 {
			continue
		}
		p := e.parentLevel(l)
		v := atomic.LoadUint64(e.entryPtr(table, e.fmt.Index(p, page)))
		if !e.fmt.Present(v) {
			return nil
		}
		// Read the next level only after we are sure it is present.
		barrier.Read()
		table = e.fmt.Address(v)
	}
	return e.entryPtr(table, e.fmt.Index(3, page))
}

// Find looks up the mapping for a virtual page. It returns a copy of the
// PTE, never a pointer, so the caller cannot hold a stale entry across a
// concurrent table free. nolock skips the lock-held assertion for
// callers that synchronize otherwise.
func (e *Engine) Find(as *AddressSpace, page uintptr, nolock bool) (uint64, bool) {
	t := e.find(as, page, nolock)
	if t == nil {
		return 0, false
	}
	v := atomic.LoadUint64(t)
	if !e.fmt.Present(v) {
		return 0, false
	}
	return v, true
}

// Decode splits a PTE into its frame address and flags.
func (e *Engine) Decode(pte uint64) (mem.PhysAddr, Flags) {
	return e.fmt.Address(pte), e.fmt.Flags(pte)
}

// Update rewrites the mapping for a virtual page. Only bookkeeping bits
// (accessed/dirty and the like) may change: the frame, valid, present,
// writable and executable bits must match the existing entry. Updating a
// non-existent PTE is a logic error.
func (e *Engine) Update(as *AddressSpace, page uintptr, nolock bool, pte uint64) {
	t := e.find(as, page, nolock)
	if t == nil {
		panic("mm: updating non-existent PTE")
	}
	old := atomic.LoadUint64(t)
	if e.fmt.Valid(old) != e.fmt.Valid(pte) ||
		e.fmt.Present(old) != e.fmt.Present(pte) ||
		e.fmt.Address(old) != e.fmt.Address(pte) ||
		e.fmt.Writable(old) != e.fmt.Writable(pte) ||
		e.fmt.Executable(old) != e.fmt.Executable(pte) {
		panic("mm: update changes immutable PTE bits")
	}
	atomic.StoreUint64(t, pte)
}

// MakeGlobal makes the mappings in the given range global across all
// address spaces. Every root entry in the range whose next-level pointer
// is zero gets a next-level table, allocated and cleared. Remove never
// deallocates these tables even when they hold no PTEs.
func (e *Engine) MakeGlobal(as *AddressSpace, base, size uintptr) {
	if size == 0 {
		panic("mm: make_global of empty range")
	}

	step := e.rootStep()
	child := e.firstRealLevel()

	for addr := base &^ (step - 1); addr-1 < base+size-1; addr += step {
		ent := e.entryPtr(as.root, e.fmt.Index(0, addr))
		if e.fmt.Address(atomic.LoadUint64(ent)) != 0 {
			// This root entry also maps the kernel identity region, so
			// it is already global and initialized.
			continue
		}
		newpt := e.allocTable(child)
		v := e.fmt.SetAddress(0, newpt)
		v = e.fmt.SetFlags(v, FlagPresent|FlagUser|FlagCacheable|
			FlagExec|FlagWrite|FlagRead)
		atomic.StoreUint64(ent, v)
	}
}

// rootStep returns the size of the region mapped by a single root entry.
func (e *Engine) rootStep() uintptr {
	shift := e.fmt.PageWidth()
	for l := 1; l <= 3; l++ {
		shift += log2(e.fmt.Entries(l))
	}
	return uintptr(1) << shift
}

// firstRealLevel returns the first non-collapsed level below the root.
func (e *Engine) firstRealLevel() int {
	for l := 1; l <= 3; l++ {
		if e.fmt.Entries(l) != 0 {
			return l
		}
	}
	panic("mm: leaf level collapsed")
}

// parentLevel returns the nearest non-collapsed level above l.
func (e *Engine) parentLevel(l int) int {
	p := l - 1
	for p > 0 && e.fmt.Entries(p) == 0 {
		p--
	}
	return p
}

func (e *Engine) kernelNonIdentity(page uintptr) bool {
	return e.kernelSize != 0 &&
		page >= e.kernelBase && page-e.kernelBase < e.kernelSize
}

// entryPtr returns a pointer into pool memory for the idx-th entry of
// the table at pa. Entries are accessed atomically so unlocked walkers
// pair correctly with the insert barriers.
func (e *Engine) entryPtr(pa mem.PhysAddr, idx uint) *uint64 {
	b := e.frames.Bytes(pa+mem.PhysAddr(idx)*8, 8)
	return (*uint64)(unsafe.Pointer(&b[0]))
}

func (e *Engine) tableEmpty(pa mem.PhysAddr, level int) bool {
	n := e.fmt.Entries(level)
	for i := uint(0); i < n; i++ {
		if e.fmt.Valid(atomic.LoadUint64(e.entryPtr(pa, i))) {
			return false
		}
	}
	return true
}

// tableFrames returns the number of frames a table at the given level
// occupies.
func (e *Engine) tableFrames(level int) int {
	size := int(e.fmt.Entries(level)) * 8
	return (size + mem.FrameSize - 1) / mem.FrameSize
}

// allocTable allocates and zeroes a table for the given level. Running
// out of frames for page tables is unrecoverable.
func (e *Engine) allocTable(level int) mem.PhysAddr {
	pa, err := e.frames.Alloc(e.tableFrames(level), mem.FrameLowMem, 0)
	if err != nil {
		panic("mm: out of low memory for page tables")
	}
	e.zeroTable(pa, level)
	if e.observer != nil {
		e.observer.ObserveTableAlloc()
	}
	return pa
}

func (e *Engine) freeTable(pa mem.PhysAddr, level int) {
	e.frames.Free(pa, e.tableFrames(level))
	if e.observer != nil {
		e.observer.ObserveTableFree()
	}
}

func (e *Engine) zeroTable(pa mem.PhysAddr, level int) {
	b := e.frames.Bytes(pa, e.tableFrames(level)*mem.FrameSize)
	for i := range b {
		b[i] = 0
	}
}

func log2(n uint) uint {
	var r uint
	for n > 1 {
		n >>= 1
		r++
	}
	return r
}
