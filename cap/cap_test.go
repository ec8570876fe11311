package cap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-mkern/adt"
	"github.com/ehrlich-b/go-mkern/ksync"
	"github.com/ehrlich-b/go-mkern/mem"

	mkern "github.com/ehrlich-b/go-mkern"
)

type phone struct {
	id        int
	destroyed bool
}

func phoneOps(p *phone) *Ops {
	return &Ops{Destroy: func(raw any) {
		raw.(*phone).destroyed = true
	}}
}

func newInfo(t *testing.T) *Info {
	t.Helper()
	ci, err := NewInfo()
	require.NoError(t, err)
	t.Cleanup(ci.Destroy)
	return ci
}

// TestPublishUnpublishRoundTrip walks a capability through its whole
// lifecycle: allocate, publish, get, unpublish, free, destroy.
func TestPublishUnpublishRoundTrip(t *testing.T) {
	ci := newInfo(t)

	h, err := ci.Alloc()
	require.NoError(t, err)
	require.GreaterOrEqual(t, h, CapsStart)

	p := &phone{id: 1}
	k := NewKObject(TypePhone, p, phoneOps(p))
	require.Equal(t, int64(1), k.RefCount())

	// Publishing consumes the caller's reference: the count is unchanged.
	ci.Publish(h, k)
	assert.Equal(t, int64(1), k.RefCount())
	assert.Equal(t, 1, ci.CountByType(TypePhone))

	// Get hands out a fresh reference.
	got := ci.Get(h, TypePhone)
	require.Same(t, k, got)
	assert.Equal(t, int64(2), k.RefCount())

	got.Put()
	assert.Equal(t, int64(1), k.RefCount())
	assert.False(t, p.destroyed)

	// Unpublishing hands the capability's reference back to the caller.
	un := ci.Unpublish(h, TypePhone)
	require.Same(t, k, un)
	assert.Equal(t, int64(1), k.RefCount())
	assert.Equal(t, 0, ci.CountByType(TypePhone))

	un.Put()
	assert.True(t, p.destroyed, "destroy hook must run on the last Put")
	assert.Equal(t, int64(0), k.RefCount())

	ci.Free(h)

	// The handle returns to the arena: the next allocation reuses it.
	h2, err := ci.Alloc()
	require.NoError(t, err)
	assert.Equal(t, h, h2)
	ci.Free(h2)
}

// TestTypeMismatch: a lookup with the wrong expected type returns nil
// and has no side effects.
func TestTypeMismatch(t *testing.T) {
	ci := newInfo(t)

	h, err := ci.Alloc()
	require.NoError(t, err)

	call := &phone{id: 7}
	k := NewKObject(TypeCall, call, phoneOps(call))
	ci.Publish(h, k)

	assert.Nil(t, ci.Get(h, TypePhone))
	assert.Equal(t, int64(1), k.RefCount(), "failed Get must not touch the refcount")

	assert.Nil(t, ci.Unpublish(h, TypePhone))
	assert.Equal(t, StatePublished, findCap(ci, h).state,
		"failed Unpublish must leave the capability published")

	// The right type still works.
	require.Same(t, k, ci.Unpublish(h, TypeCall))
	k.Put()
	ci.Free(h)
}

func findCap(ci *Info, h Handle) *Cap {
	ci.lock.Lock()
	defer ci.lock.Unlock()
	return ci.get(h, StatePublished)
}

func TestOutOfRangeHandles(t *testing.T) {
	ci := newInfo(t)

	assert.Nil(t, ci.Get(HandleNil, TypePhone))
	assert.Nil(t, ci.Get(-5, TypePhone))
	assert.Nil(t, ci.Get(CapsLast+1, TypePhone))
	assert.Nil(t, ci.Unpublish(HandleNil, TypePhone))
}

func TestStateInvariants(t *testing.T) {
	ci := newInfo(t)

	h, err := ci.Alloc()
	require.NoError(t, err)

	// A merely allocated capability is invisible to lookups.
	assert.Nil(t, ci.Get(h, TypePhone))

	p := &phone{}
	k := NewKObject(TypePhone, p, phoneOps(p))
	ci.Publish(h, k)

	// A published capability holds its object; freeing it is a bug.
	assert.Panics(t, func() { ci.Free(h) })

	// Publishing twice is a bug.
	assert.Panics(t, func() { ci.Publish(h, k) })

	require.Same(t, k, ci.Unpublish(h, TypePhone))
	k.Put()
	ci.Free(h)

	// Double free is a bug.
	assert.Panics(t, func() { ci.Free(h) })
}

func TestPublishedIffObject(t *testing.T) {
	ci := newInfo(t)

	var handles []Handle
	for i := 0; i < 8; i++ {
		h, err := ci.Alloc()
		require.NoError(t, err)
		handles = append(handles, h)
		if i%2 == 0 {
			p := &phone{id: i}
			ci.Publish(h, NewKObject(TypePhone, p, phoneOps(p)))
		}
	}

	// state == Published <=> kobject != nil, for every capability.
	for i, h := range handles {
		ci.lock.Lock()
		pub := ci.get(h, StatePublished)
		alloc := ci.get(h, StateAllocated)
		ci.lock.Unlock()

		if i%2 == 0 {
			require.NotNil(t, pub)
			assert.NotNil(t, pub.kobj)
		} else {
			require.NotNil(t, alloc)
			assert.Nil(t, alloc.kobj)
		}
	}
}

func TestApplyToType(t *testing.T) {
	ci := newInfo(t)

	objs := make([]*phone, 0, 6)
	for i := 0; i < 6; i++ {
		h, err := ci.Alloc()
		require.NoError(t, err)
		p := &phone{id: i}
		objs = append(objs, p)
		typ := TypePhone
		if i >= 4 {
			typ = TypeIRQ
		}
		ci.Publish(h, NewKObject(typ, p, phoneOps(p)))
	}

	// Iteration sees only the requested type.
	seen := 0
	done := ci.ApplyToType(TypePhone, func(c *Cap) bool {
		seen++
		assert.Equal(t, TypePhone, c.Object().Type())
		return true
	})
	assert.True(t, done)
	assert.Equal(t, 4, seen)

	// Early abort.
	seen = 0
	done = ci.ApplyToType(TypePhone, func(c *Cap) bool {
		seen++
		return false
	})
	assert.False(t, done)
	assert.Equal(t, 1, seen)
}

// TestApplyToTypeReentrant removes the current capability from inside
// the callback: the per-task mutex is recursive and iteration is
// save-next, so this must work.
func TestApplyToTypeReentrant(t *testing.T) {
	ci := newInfo(t)

	for i := 0; i < 4; i++ {
		h, err := ci.Alloc()
		require.NoError(t, err)
		p := &phone{id: i}
		ci.Publish(h, NewKObject(TypePhone, p, phoneOps(p)))
	}

	visited := 0
	done := ci.ApplyToType(TypePhone, func(c *Cap) bool {
		visited++
		h := c.Handle()
		k := ci.Unpublish(h, TypePhone) // re-enters the capability mutex
		require.NotNil(t, k)
		k.Put()
		ci.Free(h)
		return true
	})

	assert.True(t, done)
	assert.Equal(t, 4, visited)
	assert.Equal(t, 0, ci.CountByType(TypePhone))
}

// TestAllocExhaustion builds a capability space over a deliberately tiny
// handle span: running the arena dry surfaces as out-of-memory.
func TestAllocExhaustion(t *testing.T) {
	ci := &Info{}
	ci.lock.Init(ksync.Recursive)
	ci.handles = mem.NewArena()
	ci.handles.AddSpan(uint64(CapsStart), 2)

	caps, err := adt.NewTable(0, 0, adt.TableOps{
		Hash:     capsHash,
		KeyHash:  capsKeyHash,
		KeyEqual: capsKeyEqual,
	})
	require.NoError(t, err)
	ci.caps = caps
	for i := range ci.typeLists {
		ci.typeLists[i].Init()
	}

	h1, err := ci.Alloc()
	require.NoError(t, err)
	_, err = ci.Alloc()
	require.NoError(t, err)

	_, err = ci.Alloc()
	require.Error(t, err)
	assert.True(t, mkern.IsCode(err, mkern.ErrCodeNoMemory))

	// Freeing a handle makes allocation possible again.
	ci.Free(h1)
	h3, err := ci.Alloc()
	require.NoError(t, err)
	assert.Equal(t, h1, h3)
}

func TestKObjectAddRef(t *testing.T) {
	p := &phone{}
	k := NewKObject(TypePhone, p, phoneOps(p))

	k.AddRef()
	k.AddRef()
	assert.Equal(t, int64(3), k.RefCount())

	k.Put()
	k.Put()
	assert.False(t, p.destroyed)
	k.Put()
	assert.True(t, p.destroyed)
}

func TestKObjectRaw(t *testing.T) {
	p := &phone{id: 9}
	k := NewKObject(TypePhone, p, phoneOps(p))
	assert.Equal(t, TypePhone, k.Type())
	assert.Same(t, p, k.Raw())
	assert.Equal(t, "phone", k.Type().String())
}
