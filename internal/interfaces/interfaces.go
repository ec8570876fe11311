// Package interfaces provides internal interface definitions for go-mkern.
// These are separate from the public packages to avoid circular imports
// between the root package and the subsystem packages.
package interfaces

// Logger is the optional logging interface subsystem components accept.
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// Observer collects operational counters from the core subsystems.
// Implementations must be thread-safe; methods are called under subsystem
// locks and from bring-up goroutines.
type Observer interface {
	// Capability table
	ObserveCapAlloc()
	ObserveCapFree()
	ObserveCapPublish()
	ObserveCapUnpublish()
	ObserveKObjectCreate()
	ObserveKObjectDestroy()

	// Page-table engine
	ObserveMappingInsert()
	ObserveMappingRemove()
	ObserveTableAlloc()
	ObserveTableFree()

	// Hash table
	ObserveHashGrow()
	ObserveHashShrink()

	// SMP bring-up
	ObserveAPStart()
	ObserveAPTimeout()
}
