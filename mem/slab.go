package mem

import (
	"sync"
	"sync/atomic"
)

// Cache is a named object cache in the slab style: fixed-type objects
// with optional constructor and destructor hooks, recycled through a
// sync.Pool to keep hot-path allocations off the garbage collector.
type Cache[T any] struct {
	name string
	pool sync.Pool
	ctor func(*T)
	dtor func(*T)
	live atomic.Int64
}

// NewCache creates an object cache. ctor runs on every object handed
// out; dtor runs on every object returned. Either may be nil.
func NewCache[T any](name string, ctor, dtor func(*T)) *Cache[T] {
	c := &Cache[T]{
		name: name,
		ctor: ctor,
		dtor: dtor,
	}
	c.pool.New = func() any { return new(T) }
	return c
}

// Name returns the cache name, for diagnostics.
func (c *Cache[T]) Name() string {
	return c.name
}

// Alloc returns a zeroed (then constructed) object.
func (c *Cache[T]) Alloc() *T {
	obj := c.pool.Get().(*T)
	if c.ctor != nil {
		c.ctor(obj)
	}
	c.live.Add(1)
	return obj
}

// Free returns an object to the cache. The object is destructed and
// cleared before it becomes eligible for reuse.
func (c *Cache[T]) Free(obj *T) {
	if c.dtor != nil {
		c.dtor(obj)
	}
	var zero T
	*obj = zero
	c.live.Add(-1)
	c.pool.Put(obj)
}

// Live returns the number of objects currently handed out.
func (c *Cache[T]) Live() int64 {
	return c.live.Load()
}
