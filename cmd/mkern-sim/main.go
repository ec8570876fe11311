// mkern-sim boots the kernel core against a simulated platform: it
// parses a synthetic MP table, brings the application processors up,
// creates a task and an address space, and exercises the capability and
// page-table paths end to end.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	mkern "github.com/ehrlich-b/go-mkern"
	"github.com/ehrlich-b/go-mkern/cap"
	"github.com/ehrlich-b/go-mkern/internal/klog"
	"github.com/ehrlich-b/go-mkern/mem"
	"github.com/ehrlich-b/go-mkern/mm"
	"github.com/ehrlich-b/go-mkern/smp"
	"github.com/ehrlich-b/go-mkern/task"
	"github.com/ehrlich-b/go-mkern/udebug"
)

func main() {
	var (
		cpus    = flag.Int("cpus", 4, "Number of simulated processors")
		frames  = flag.Int("frames", 4096, "Physical frames in the memory pool")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := klog.DefaultConfig()
	if *verbose {
		logConfig.Level = klog.LevelDebug
	}
	klog.SetDefault(klog.New(logConfig))

	stats := mkern.NewStats()
	cap.SetObserver(stats)

	if err := run(*cpus, *frames, stats); err != nil {
		log.Fatalf("mkern-sim: %v", err)
	}

	snap := stats.Snapshot()
	fmt.Printf("caps: %d alloc / %d free, kobjects: %d live\n",
		snap.CapAllocs, snap.CapFrees, snap.KObjLive)
	fmt.Printf("mappings: %d inserted / %d removed, tables: %d live\n",
		snap.MappingInserts, snap.MappingRemoves, snap.TablesLive)
	fmt.Printf("aps: %d started, %d timed out\n", snap.APStarts, snap.APTimeouts)
}

func run(cpus, frames int, stats *mkern.Stats) error {
	smpLogger := klog.Default().Subsystem("smp")

	// Bring the simulated processors up from a synthetic MP table.
	procs := make([]smp.MPProcessor, cpus)
	for i := range procs {
		procs[i] = smp.MPProcessor{
			LAPICID: uint8(i),
			Flags:   1, // enabled
		}
	}
	procs[0].Flags |= 2 // BSP

	image := smp.BuildMPImage(smp.MPImageConfig{
		Processors: procs,
		LAPICAddr:  0xfee00000,
	})

	info, err := smp.ParseMPTable(image)
	if err != nil {
		return err
	}

	platform := smp.NewMockPlatform(0)
	bringup := smp.New(smp.Config{
		Platform:    platform,
		Logger:      smpLogger,
		Observer:    stats,
		WakeTimeout: time.Second,
	})
	platform.Bind(bringup)

	result, err := bringup.Run(info.EngineProcessors())
	if err != nil {
		return err
	}
	klog.Infof("smp: %d cpus, %d running", result.CPUCount, len(result.Running))

	if err := mkern.PublishConfig(mkern.Config{
		CPUCount:     result.CPUCount,
		PhysMemBytes: uint64(frames) * mem.FrameSize,
	}); err != nil {
		return err
	}

	// Physical memory and an address space.
	fa, err := mem.NewFrameAllocator(mem.FrameConfig{
		TotalFrames:  frames,
		LowMemFrames: frames / 4,
	})
	if err != nil {
		return err
	}
	defer fa.Close()

	engine, err := mm.NewEngine(mm.Config{
		Frames:   fa,
		Format:   mm.Format4L,
		Observer: stats,
	})
	if err != nil {
		return err
	}

	as, err := engine.NewAddressSpace()
	if err != nil {
		return err
	}

	frame, err := fa.Alloc(1, mem.FrameNone, 0)
	if err != nil {
		return err
	}

	as.Lock()
	engine.Insert(as, 0x4000, frame, mm.FlagRead|mm.FlagWrite|mm.FlagUser|mm.FlagCacheable)
	pte, ok := engine.Find(as, 0x4000, false)
	if ok {
		pa, flags := engine.Decode(pte)
		klog.Debugf("mm: page 0x4000 -> frame %#x flags %#x", uint64(pa), flags)
	}
	engine.Remove(as, 0x4000)
	as.Unlock()

	// A capability round-trip on a fresh task.
	answers := 0
	t, err := task.New(1, func(*udebug.Call) { answers++ }, klog.Default().Subsystem("udebug"))
	if err != nil {
		return err
	}
	defer t.Destroy()

	handle, err := t.Caps.Alloc()
	if err != nil {
		return err
	}

	destroyed := false
	kobj := cap.NewKObject(cap.TypePhone, "phone-0", &cap.Ops{
		Destroy: func(any) { destroyed = true },
	})
	t.Caps.Publish(handle, kobj)

	if got := t.Caps.Get(handle, cap.TypePhone); got != nil {
		got.Put()
	}
	if got := t.Caps.Unpublish(handle, cap.TypePhone); got != nil {
		got.Put()
	}
	t.Caps.Free(handle)

	if !destroyed {
		fmt.Fprintln(os.Stderr, "warning: kernel object escaped destruction")
	}
	return nil
}
