// Package mkern is the core of a microkernel written as a Go library:
// the tightly coupled subsystems whose correctness defines a
// multiserver system's behavior.
//
// The subsystem packages are:
//
//   - adt: intrusive lists and the resizable chained hash table the rest
//     of the kernel builds on
//   - cap: per-task capability tables binding integer handles to
//     reference-counted kernel objects
//   - mm: the hierarchical 4-level page-table engine
//   - udebug: the userspace debugging control protocol
//   - smp: symmetric multiprocessing bring-up
//   - mem, ksync: the frame allocator, slab cache, resource arena, and
//     sleeping synchronization primitives the subsystems consume
//
// This root package carries what every subsystem shares: structured
// errors, the one-shot boot configuration record, and the stats
// counters.
package mkern
