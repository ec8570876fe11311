package mem

import "sync"

// Arena allocates integers out of caller-provided spans. It backs the
// capability handle namespace: dense, reusable, cheap to allocate and
// free one at a time, but general enough for multi-unit aligned
// requests.
type Arena struct {
	mu    sync.Mutex
	spans []*span
}

type span struct {
	base  uint64
	count uint64
	// free blocks, ordered by base, never adjacent (coalesced on free)
	free []block
}

type block struct {
	base  uint64
	count uint64
}

// NewArena creates an empty arena. AddSpan must be called before the
// first allocation.
func NewArena() *Arena {
	return &Arena{}
}

// AddSpan contributes [base, base+count) to the arena. Spans must not
// overlap; this is not verified.
func (a *Arena) AddSpan(base, count uint64) {
	if count == 0 {
		panic("mem: empty arena span")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.spans = append(a.spans, &span{
		base:  base,
		count: count,
		free:  []block{{base: base, count: count}},
	})
}

// Alloc reserves count integers whose base is a multiple of align
// (align <= 1 means no constraint). It reports failure when no span has
// a fitting free block.
func (a *Arena) Alloc(count, align uint64) (uint64, bool) {
	if count == 0 {
		panic("mem: empty arena allocation")
	}
	if align == 0 {
		align = 1
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, sp := range a.spans {
		for i, b := range sp.free {
			start := roundUp(b.base, align)
			pad := start - b.base
			if b.count < pad+count {
				continue
			}

			// Carve [start, start+count) out of the block, keeping the
			// remainders (if any) as free blocks.
			rest := make([]block, 0, 2)
			if pad > 0 {
				rest = append(rest, block{base: b.base, count: pad})
			}
			if tail := b.count - pad - count; tail > 0 {
				rest = append(rest, block{base: start + count, count: tail})
			}
			sp.free = append(sp.free[:i], append(rest, sp.free[i+1:]...)...)
			return start, true
		}
	}
	return 0, false
}

// Free returns [base, base+count) to its span, coalescing with adjacent
// free blocks.
func (a *Arena) Free(base, count uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, sp := range a.spans {
		if base < sp.base || base+count > sp.base+sp.count {
			continue
		}

		// Insert sorted.
		i := 0
		for i < len(sp.free) && sp.free[i].base < base {
			i++
		}
		if i < len(sp.free) && base+count > sp.free[i].base {
			panic("mem: arena free overlaps a free block")
		}
		if i > 0 && sp.free[i-1].base+sp.free[i-1].count > base {
			panic("mem: arena free overlaps a free block")
		}

		sp.free = append(sp.free, block{})
		copy(sp.free[i+1:], sp.free[i:])
		sp.free[i] = block{base: base, count: count}

		// Coalesce with the successor, then the predecessor.
		if i+1 < len(sp.free) && sp.free[i].base+sp.free[i].count == sp.free[i+1].base {
			sp.free[i].count += sp.free[i+1].count
			sp.free = append(sp.free[:i+1], sp.free[i+2:]...)
		}
		if i > 0 && sp.free[i-1].base+sp.free[i-1].count == sp.free[i].base {
			sp.free[i-1].count += sp.free[i].count
			sp.free = append(sp.free[:i], sp.free[i+1:]...)
		}
		return
	}
	panic("mem: arena free outside any span")
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) / align * align
}
