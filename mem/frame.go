// Package mem implements the memory-management collaborators the kernel
// core consumes: a physical frame allocator over an mmap-backed pool, a
// slab-style object cache, and a resource arena for integer namespaces.
package mem

import (
	"sync"

	"golang.org/x/sys/unix"

	mkern "github.com/ehrlich-b/go-mkern"
)

// PhysAddr is a physical address inside the simulated memory pool.
type PhysAddr uint64

const (
	// FrameWidth is log2 of the frame size.
	FrameWidth = 12
	// FrameSize is the physical frame size in bytes.
	FrameSize = 1 << FrameWidth
)

// FrameFlags modify an allocation request.
type FrameFlags uint32

const (
	// FrameNone requests an ordinary allocation.
	FrameNone FrameFlags = 0
	// FrameLowMem confines the allocation to the low-memory region that
	// legacy DMA and page-table walkers can reach.
	FrameLowMem FrameFlags = 1 << iota
)

// FrameConfig sizes the physical memory pool.
type FrameConfig struct {
	// TotalFrames is the number of frames in the pool.
	TotalFrames int
	// LowMemFrames bounds the region FrameLowMem allocations come from.
	// Zero means the whole pool is low memory.
	LowMemFrames int
}

// DefaultFrameConfig returns a 16 MiB pool with a 4 MiB low region.
func DefaultFrameConfig() FrameConfig {
	return FrameConfig{
		TotalFrames:  4096,
		LowMemFrames: 1024,
	}
}

// FrameAllocator hands out physical frames from an anonymous mmap'd
// pool. Physical addresses are offsets into that pool, so frame contents
// are directly addressable via Bytes.
//
// Frame 0 is reserved and never handed out: the page-table engine uses a
// zero table pointer to mean "absent".
type FrameAllocator struct {
	mu        sync.Mutex
	pool      []byte
	nframes   int
	lowFrames int
	used      []bool
	allocated int
}

// NewFrameAllocator maps the pool and prepares the free map.
func NewFrameAllocator(cfg FrameConfig) (*FrameAllocator, error) {
	if cfg.TotalFrames <= 1 {
		return nil, mkern.NewError("frame_init", mkern.ErrCodeInvalidState, "pool too small")
	}
	if cfg.LowMemFrames == 0 || cfg.LowMemFrames > cfg.TotalFrames {
		cfg.LowMemFrames = cfg.TotalFrames
	}

	pool, err := unix.Mmap(-1, 0, cfg.TotalFrames*FrameSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, mkern.WrapError("frame_init", mkern.ErrCodeNoMemory, err)
	}

	fa := &FrameAllocator{
		pool:      pool,
		nframes:   cfg.TotalFrames,
		lowFrames: cfg.LowMemFrames,
		used:      make([]bool, cfg.TotalFrames),
	}
	fa.used[0] = true // reserved
	return fa, nil
}

// Close unmaps the pool. All outstanding frames become invalid.
func (fa *FrameAllocator) Close() error {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	if fa.pool == nil {
		return nil
	}
	err := unix.Munmap(fa.pool)
	fa.pool = nil
	return err
}

// Alloc reserves count contiguous frames and returns the physical
// address of the first. constraint, when nonzero, is the highest
// physical address the allocation may start at.
func (fa *FrameAllocator) Alloc(count int, flags FrameFlags, constraint PhysAddr) (PhysAddr, error) {
	if count <= 0 {
		panic("mem: frame allocation of non-positive size")
	}

	fa.mu.Lock()
	defer fa.mu.Unlock()

	limit := fa.nframes
	if flags&FrameLowMem != 0 {
		limit = fa.lowFrames
	}

	for base := 1; base+count <= limit; base++ {
		if constraint != 0 && PhysAddr(base)<<FrameWidth > constraint {
			break
		}
		free := true
		for i := 0; i < count; i++ {
			if fa.used[base+i] {
				free = false
				base += i // skip past the collision
				break
			}
		}
		if !free {
			continue
		}
		for i := 0; i < count; i++ {
			fa.used[base+i] = true
		}
		fa.allocated += count
		return PhysAddr(base) << FrameWidth, nil
	}

	return 0, mkern.NewError("frame_alloc", mkern.ErrCodeNoMemory, "no contiguous frames")
}

// Free returns count frames starting at pa to the pool.
func (fa *FrameAllocator) Free(pa PhysAddr, count int) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	base := fa.frameIndex(pa)
	for i := 0; i < count; i++ {
		if !fa.used[base+i] {
			panic("mem: double free of physical frame")
		}
		fa.used[base+i] = false
	}
	fa.allocated -= count
}

// Bytes exposes n bytes of pool memory starting at pa. The slice aliases
// the pool; it is valid until Close.
func (fa *FrameAllocator) Bytes(pa PhysAddr, n int) []byte {
	if int(pa)+n > len(fa.pool) {
		panic("mem: physical address out of pool")
	}
	return fa.pool[pa : int(pa)+n : int(pa)+n]
}

// InUse returns the number of allocated frames.
func (fa *FrameAllocator) InUse() int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return fa.allocated
}

func (fa *FrameAllocator) frameIndex(pa PhysAddr) int {
	if pa&(FrameSize-1) != 0 {
		panic("mem: unaligned physical address")
	}
	idx := int(pa >> FrameWidth)
	if idx <= 0 || idx >= fa.nframes {
		panic("mem: physical address out of pool")
	}
	return idx
}
