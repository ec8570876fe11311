package mkern

import "sync/atomic"

// Stats tracks operational statistics for the kernel core. All fields are
// updated atomically; the subsystems report through the
// internal/interfaces.Observer interface, so they never depend on the Stats
// type itself.
type Stats struct {
	// Capability table
	CapAllocs      atomic.Uint64 // Handles allocated
	CapFrees       atomic.Uint64 // Handles returned to the arena
	CapPublishes   atomic.Uint64 // Capabilities published
	CapUnpublishes atomic.Uint64 // Capabilities unpublished
	KObjCreates    atomic.Uint64 // Kernel objects initialized
	KObjDestroys   atomic.Uint64 // Kernel objects destroyed

	// Page-table engine
	MappingInserts atomic.Uint64 // Leaf mappings written
	MappingRemoves atomic.Uint64 // Leaf mappings destroyed
	TableAllocs    atomic.Uint64 // Interior tables allocated
	TableFrees     atomic.Uint64 // Interior tables freed

	// Hash table
	HashGrows   atomic.Uint64 // Bucket-array grow operations
	HashShrinks atomic.Uint64 // Bucket-array shrink operations

	// SMP bring-up
	APStarts   atomic.Uint64 // Application processors started
	APTimeouts atomic.Uint64 // Application processors that timed out
}

// NewStats creates a new stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// Observer wiring. The methods match internal/interfaces.Observer.

func (s *Stats) ObserveCapAlloc() { s.CapAllocs.Add(1) }
func (s *Stats) ObserveCapFree() { s.CapFrees.Add(1) }
func (s *Stats) ObserveCapPublish() { s.CapPublishes.Add(1) }
func (s *Stats) ObserveCapUnpublish() { s.CapUnpublishes.Add(1) }
func (s *Stats) ObserveKObjectCreate() { s.KObjCreates.Add(1) }
func (s *Stats) ObserveKObjectDestroy() { s.KObjDestroys.Add(1) }
func (s *Stats) ObserveMappingInsert() { s.MappingInserts.Add(1) }
func (s *Stats) ObserveMappingRemove() { s.MappingRemoves.Add(1) }
func (s *Stats) ObserveTableAlloc() { s.TableAllocs.Add(1) }
func (s *Stats) ObserveTableFree() { s.TableFrees.Add(1) }
func (s *Stats) ObserveHashGrow() { s.HashGrows.Add(1) }
func (s *Stats) ObserveHashShrink() { s.HashShrinks.Add(1) }
func (s *Stats) ObserveAPStart() { s.APStarts.Add(1) }
func (s *Stats) ObserveAPTimeout() { s.APTimeouts.Add(1) }

// StatsSnapshot is a point-in-time copy of all counters plus derived
// values.
type StatsSnapshot struct {
	CapAllocs      uint64
	CapFrees       uint64
	CapPublishes   uint64
	CapUnpublishes uint64
	CapLive        uint64 // Allocs - Frees
	KObjCreates    uint64
	KObjDestroys   uint64
	KObjLive       uint64 // Creates - Destroys

	MappingInserts uint64
	MappingRemoves uint64
	MappingsLive   uint64 // Inserts - Removes
	TableAllocs    uint64
	TableFrees     uint64
	TablesLive     uint64 // Allocs - Frees

	HashGrows   uint64
	HashShrinks uint64

	APStarts   uint64
	APTimeouts uint64
	APRunning  uint64 // Starts - Timeouts
}

// Snapshot returns a consistent-enough copy of the counters. Individual
// loads are atomic; the snapshot as a whole is advisory.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		CapAllocs:      s.CapAllocs.Load(),
		CapFrees:       s.CapFrees.Load(),
		CapPublishes:   s.CapPublishes.Load(),
		CapUnpublishes: s.CapUnpublishes.Load(),
		KObjCreates:    s.KObjCreates.Load(),
		KObjDestroys:   s.KObjDestroys.Load(),
		MappingInserts: s.MappingInserts.Load(),
		MappingRemoves: s.MappingRemoves.Load(),
		TableAllocs:    s.TableAllocs.Load(),
		TableFrees:     s.TableFrees.Load(),
		HashGrows:      s.HashGrows.Load(),
		HashShrinks:    s.HashShrinks.Load(),
		APStarts:       s.APStarts.Load(),
		APTimeouts:     s.APTimeouts.Load(),
	}
	snap.CapLive = snap.CapAllocs - snap.CapFrees
	snap.KObjLive = snap.KObjCreates - snap.KObjDestroys
	snap.MappingsLive = snap.MappingInserts - snap.MappingRemoves
	snap.TablesLive = snap.TableAllocs - snap.TableFrees
	snap.APRunning = snap.APStarts - snap.APTimeouts
	return snap
}
