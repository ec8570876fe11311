// Package smp implements symmetric multiprocessing bring-up: discovering
// processors from the platform's firmware description, grouping them by
// physical core, and waking application processors from firmware reset
// into a kernel-ready state.
//
// Two firmware front-ends are provided: the x86 MP configuration table
// (mps.go) and the sun4v machine-description tree (sun4v.go). Both
// produce the same processor descriptions, which the generic engine in
// this file classifies, orders and wakes.
package smp

import (
	"time"

	"github.com/ehrlich-b/go-mkern/internal/interfaces"
	"github.com/ehrlich-b/go-mkern/ksync"

	mkern "github.com/ehrlich-b/go-mkern"
)

// DefaultWakeTimeout is how long the bootstrap processor waits for each
// application processor's completion handshake.
const DefaultWakeTimeout = 10 * time.Second

// Processor describes one logical CPU as reported by firmware.
type Processor struct {
	// ID is the firmware-assigned CPU id (local APIC id or strand id).
	ID uint64
	// CoreID identifies the physical core (execution unit) the CPU
	// belongs to. Platforms without core topology report ID here.
	CoreID uint64
	// Enabled is false for processors firmware marked unusable.
	Enabled bool
	// BSP marks the bootstrap processor.
	BSP bool
}

// ExecUnit is a physical processor core hosting one or more hardware
// strands.
type ExecUnit struct {
	// ID is the firmware id of the core.
	ID uint64
	// Strands are the ids of the core's logical CPUs, BSP first on the
	// BSP's core.
	Strands []uint64
	// Ready counts ready threads on the core, for load balancing.
	Ready int64
}

// Platform is the hardware access the wake loop needs.
type Platform interface {
	// BootID returns the firmware id of the bootstrap processor.
	BootID() uint64
	// Prepare performs one-time pre-wake setup: warm-reset vector,
	// interrupt controller initialization and the like.
	Prepare() error
	// PrepTables allocates the per-CPU descriptor tables for the given
	// processor, copying the bootstrap processor's.
	PrepTables(cpuID uint64) error
	// Start delivers the platform's INIT/START primitive to the
	// processor.
	Start(cpuID uint64) error
}

// Config parameterizes a bring-up run.
type Config struct {
	Platform Platform
	Logger   interfaces.Logger
	Observer interfaces.Observer
	// WakeTimeout bounds each AP completion wait; zero selects
	// DefaultWakeTimeout.
	WakeTimeout time.Duration
}

// Result summarizes a completed bring-up.
type Result struct {
	// CPUCount is the number of enabled processors, including the BSP.
	CPUCount int
	// Units is the number of physical cores detected.
	Units int
	// Running holds the ids of processors that completed bring-up,
	// BSP first.
	Running []uint64
	// TimedOut holds the ids of processors that were started but never
	// signaled completion.
	TimedOut []uint64
}

// Bringup drives application processors from reset to kernel-ready.
type Bringup struct {
	cfg        Config
	completion ksync.WaitQ
	units      []ExecUnit
}

// New creates a bring-up engine.
func New(cfg Config) *Bringup {
	if cfg.WakeTimeout == 0 {
		cfg.WakeTimeout = DefaultWakeTimeout
	}
	return &Bringup{cfg: cfg}
}

// Units returns the execution units of the last Run, BSP's core first.
func (b *Bringup) Units() []ExecUnit {
	return b.units
}

// Completion is the application processor's side of the handshake: after
// its own early init, each AP signals the completion wait queue exactly
// once.
func (b *Bringup) Completion() {
	b.completion.Wakeup(false)
}

// classify groups the enabled processors by physical core and reorders
// the result so the bootstrap processor's core is at index 0 and the BSP
// is strand 0 within it. We want the CPUs woken such that strand 0 of
// core 0 comes first, and the BSP is already awake.
func (b *Bringup) classify(procs []Processor) []ExecUnit {
	bootID := b.cfg.Platform.BootID()

	var units []ExecUnit
	bspUnit := 0
	bspStrand := 0

	for _, p := range procs {
		if !p.Enabled {
			continue
		}

		i := 0
		for i = 0; i < len(units); i++ {
			if units[i].ID == p.CoreID {
				break
			}
		}
		if i == len(units) {
			units = append(units, ExecUnit{ID: p.CoreID})
		}

		if p.ID == bootID {
			bspUnit = i
			bspStrand = len(units[i].Strands)
		}
		units[i].Strands = append(units[i].Strands, p.ID)
	}

	if len(units) == 0 {
		return units
	}

	// Reorder so the BSP is always the very first CPU of the very first
	// execution unit.
	units[0], units[bspUnit] = units[bspUnit], units[0]
	s := units[0].Strands
	s[0], s[bspStrand] = s[bspStrand], s[0]

	return units
}

// wakeOrder interleaves the strands across physical cores: one strand
// from each core per pass, so early parallelism lands on distinct
// caches. The BSP comes out first.
func wakeOrder(units []ExecUnit) []uint64 {
	maxStrands := 0
	for _, u := range units {
		if len(u.Strands) > maxStrands {
			maxStrands = len(u.Strands)
		}
	}

	var order []uint64
	for strand := 0; strand < maxStrands; strand++ {
		for _, u := range units {
			if strand >= len(u.Strands) {
				continue
			}
			order = append(order, u.Strands[strand])
		}
	}
	return order
}

// Run classifies the processors, prepares the platform, and wakes every
// enabled application processor in interleaved core order. A timed-out
// AP is logged and skipped, not retried; a failed per-CPU table
// allocation is fatal.
func (b *Bringup) Run(procs []Processor) (*Result, error) {
	b.units = b.classify(procs)

	res := &Result{Units: len(b.units)}
	for _, u := range b.units {
		res.CPUCount += len(u.Strands)
	}

	order := wakeOrder(b.units)
	if len(order) == 0 {
		return nil, mkern.NewError("smp_init", mkern.ErrCodeHardwareMissing,
			"no enabled processors")
	}

	if err := b.cfg.Platform.Prepare(); err != nil {
		return nil, mkern.WrapError("smp_init", mkern.ErrCodeHardwareMissing, err)
	}

	bootID := b.cfg.Platform.BootID()
	res.Running = append(res.Running, bootID)

	for _, id := range order {
		// The bootstrap processor is already up.
		if id == bootID {
			continue
		}

		if err := b.cfg.Platform.PrepTables(id); err != nil {
			panic("smp: could not allocate per-CPU tables")
		}

		if err := b.cfg.Platform.Start(id); err != nil {
			b.logf("START for cpu %d failed: %v", id, err)
			continue
		}
		if b.cfg.Observer != nil {
			b.cfg.Observer.ObserveAPStart()
		}

		// There may be just one AP being initialized at a time. After it
		// comes completely up, it is supposed to wake us.
		if err := b.completion.SleepTimeout(b.cfg.WakeTimeout); err != nil {
			b.logf("waiting for processor (cpuid = %d) timed out", id)
			res.TimedOut = append(res.TimedOut, id)
			if b.cfg.Observer != nil {
				b.cfg.Observer.ObserveAPTimeout()
			}
			continue
		}

		res.Running = append(res.Running, id)
	}

	return res, nil
}

func (b *Bringup) logf(format string, args ...any) {
	if b.cfg.Logger != nil {
		b.cfg.Logger.Printf(format, args...)
	}
}
