package smp

import (
	"encoding/binary"
	"strings"

	mkern "github.com/ehrlich-b/go-mkern"
)

// Multi-Processor Specification detection: locating the MP Floating
// Pointer Structure in a low-memory image, validating the MP
// Configuration Table it points at, and extracting the processor,
// bus and interrupt-routing entries.

const (
	// fsSignature is "_MP_" in little-endian.
	fsSignature = 0x5f504d5f
	// ctSignature is "PCMP" in little-endian.
	ctSignature = 0x504d4350

	fsLength     = 16
	ctHeaderSize = 44

	// Entry types and sizes of the base configuration table.
	entProcessor = 0
	entBus       = 1
	entIOAPIC    = 2
	entIOIntr    = 3
	entLIntr     = 4

	procEntrySize  = 20
	shortEntrySize = 8
)

// FloatingPointer is the decoded MP Floating Pointer Structure.
type FloatingPointer struct {
	// ConfigTableAddr is the physical address of the MP Configuration
	// Table, or zero when a default configuration is requested.
	ConfigTableAddr uint32
	// ConfigType selects a default configuration when nonzero.
	ConfigType uint8
	// Features2 carries the IMCR/PIC-mode bit in bit 7.
	Features2 uint8
	// Offset is where in the image the structure was found.
	Offset int
}

// PICMode reports whether the platform runs in PIC mode, which this
// core does not support.
func (fp *FloatingPointer) PICMode() bool {
	return fp.Features2>>7 != 0
}

// MPProcessor is a processor entry of the configuration table.
type MPProcessor struct {
	LAPICID      uint8
	LAPICVersion uint8
	Flags        uint8
	Signature    uint32
	Features     uint32
}

// Enabled reports whether firmware marked the processor usable.
func (p MPProcessor) Enabled() bool { return p.Flags&(1<<0) != 0 }

// BSP reports whether the entry describes the bootstrap processor.
func (p MPProcessor) BSP() bool { return p.Flags&(1<<1) != 0 }

// MPBus is a bus entry.
type MPBus struct {
	ID   uint8
	Type string
}

// MPIOAPIC is an I/O APIC entry.
type MPIOAPIC struct {
	ID      uint8
	Version uint8
	Flags   uint8
	Addr    uint32
}

// MPInterrupt is an I/O or local interrupt assignment entry.
type MPInterrupt struct {
	IntrType   uint8
	Flags      uint16
	SrcBusID   uint8
	SrcBusIRQ  uint8
	DstAPICID  uint8
	DstAPICPin uint8
}

// MPInfo is the decoded MP Configuration Table.
type MPInfo struct {
	LAPICAddr  uint32
	IOAPICAddr uint32 // first usable I/O APIC; further ones are ignored

	Processors      []MPProcessor
	Buses           []MPBus
	IOAPICs         []MPIOAPIC
	IOInterrupts    []MPInterrupt
	LocalInterrupts []MPInterrupt
}

// checksum8 sums a byte range; a valid region sums to zero mod 256.
func checksum8(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return sum
}

// FindFloatingPointer searches a low-memory image for the MP Floating
// Pointer Structure, in specification order: the Extended BIOS Data
// Area, the last kilobyte of base memory, and the BIOS ROM.
func FindFloatingPointer(image []byte) (*FloatingPointer, error) {
	// The EBDA segment is published at 0x40e in the BIOS Data Area.
	if len(image) > 0x410 {
		ebda := int(binary.LittleEndian.Uint16(image[0x40e:])) * 16
		// EBDA can be undefined, in which case the address reads as 0.
		if ebda >= 0x1000 {
			if fp := scanForFS(image, ebda, 1024); fp != nil {
				return fp, nil
			}
		}
	}

	// The last kilobyte of base memory.
	if fp := scanForFS(image, 639*1024, 1024); fp != nil {
		return fp, nil
	}

	// As the last resort, the BIOS ROM.
	if fp := scanForFS(image, 0xf0000, 64*1024); fp != nil {
		return fp, nil
	}

	return nil, mkern.NewError("mp_init", mkern.ErrCodeHardwareMissing,
		"no MP floating pointer structure")
}

func scanForFS(image []byte, base, length int) *FloatingPointer {
	for addr := base; addr < base+length; addr++ {
		if addr+fsLength > len(image) {
			return nil
		}
		if binary.LittleEndian.Uint32(image[addr:]) != fsSignature {
			continue
		}
		if checksum8(image[addr:addr+fsLength]) != 0 {
			continue
		}
		return &FloatingPointer{
			ConfigTableAddr: binary.LittleEndian.Uint32(image[addr+4:]),
			ConfigType:      image[addr+11],
			Features2:       image[addr+12],
			Offset:          addr,
		}
	}
	return nil
}

// ParseConfigTable decodes and validates the MP Configuration Table at
// the given offset of the image.
func ParseConfigTable(image []byte, offset int) (*MPInfo, error) {
	if offset <= 0 || offset+ctHeaderSize > len(image) {
		return nil, mkern.NewError("configure_via_ct", mkern.ErrCodeInvalidTable,
			"configuration table outside the image")
	}
	ct := image[offset:]

	if binary.LittleEndian.Uint32(ct) != ctSignature {
		return nil, mkern.NewError("configure_via_ct", mkern.ErrCodeInvalidTable,
			"bad configuration table signature")
	}

	baseLen := int(binary.LittleEndian.Uint16(ct[4:]))
	extLen := int(binary.LittleEndian.Uint16(ct[40:]))
	if baseLen < ctHeaderSize || offset+baseLen+extLen > len(image) {
		return nil, mkern.NewError("configure_via_ct", mkern.ErrCodeInvalidTable,
			"bad configuration table length")
	}

	// Checksum the base table, then the extended table.
	if checksum8(ct[:baseLen]) != 0 {
		return nil, mkern.NewError("configure_via_ct", mkern.ErrCodeInvalidTable,
			"bad configuration table checksum")
	}
	if extLen > 0 && checksum8(ct[baseLen:baseLen+extLen]) != 0 {
		return nil, mkern.NewError("configure_via_ct", mkern.ErrCodeInvalidTable,
			"bad extended table checksum")
	}

	if binary.LittleEndian.Uint32(ct[28:]) != 0 {
		return nil, mkern.NewError("configure_via_ct", mkern.ErrCodeUnsupportedPlatform,
			"OEM tables not supported")
	}

	info := &MPInfo{
		LAPICAddr: binary.LittleEndian.Uint32(ct[36:]),
	}

	entryCount := int(binary.LittleEndian.Uint16(ct[34:]))
	cur := ctHeaderSize

	for i := 0; i < entryCount; i++ {
		if cur >= baseLen {
			return nil, mkern.NewError("configure_via_ct", mkern.ErrCodeInvalidTable,
				"entry walk ran off the base table")
		}
		switch ct[cur] {
		case entProcessor:
			info.Processors = append(info.Processors, MPProcessor{
				LAPICID:      ct[cur+1],
				LAPICVersion: ct[cur+2],
				Flags:        ct[cur+3],
				Signature:    binary.LittleEndian.Uint32(ct[cur+4:]),
				Features:     binary.LittleEndian.Uint32(ct[cur+8:]),
			})
			cur += procEntrySize

		case entBus:
			info.Buses = append(info.Buses, MPBus{
				ID:   ct[cur+1],
				Type: strings.TrimRight(string(ct[cur+2:cur+8]), " \x00"),
			})
			cur += shortEntrySize

		case entIOAPIC:
			ioa := MPIOAPIC{
				ID:      ct[cur+1],
				Version: ct[cur+2],
				Flags:   ct[cur+3],
				Addr:    binary.LittleEndian.Uint32(ct[cur+4:]),
			}
			// Skip I/O APICs marked unusable. Multiple I/O APICs are not
			// supported; only the first usable one is adopted.
			if (ioa.Flags & 1) != 0 {
				if info.IOAPICAddr == 0 {
					info.IOAPICAddr = ioa.Addr
				}
				info.IOAPICs = append(info.IOAPICs, ioa)
			}
			cur += shortEntrySize

		case entIOIntr:
			info.IOInterrupts = append(info.IOInterrupts, decodeIntr(ct[cur:]))
			cur += shortEntrySize

		case entLIntr:
			info.LocalInterrupts = append(info.LocalInterrupts, decodeIntr(ct[cur:]))
			cur += shortEntrySize

		default:
			// Something is wrong. No processor has been started, so the
			// system stays in UP mode.
			return nil, mkern.NewError("configure_via_ct", mkern.ErrCodeInvalidTable,
				"unknown configuration table entry")
		}
	}

	return info, nil
}

func decodeIntr(b []byte) MPInterrupt {
	return MPInterrupt{
		IntrType:   b[1],
		Flags:      binary.LittleEndian.Uint16(b[2:]),
		SrcBusID:   b[4],
		SrcBusIRQ:  b[5],
		DstAPICID:  b[6],
		DstAPICPin: b[7],
	}
}

// ParseMPTable locates and decodes the platform's MP description.
// Failures leave the system in uniprocessor mode; the distinct error
// codes tell the caller whether the table was absent, corrupt, or of an
// unsupported kind.
func ParseMPTable(image []byte) (*MPInfo, error) {
	fp, err := FindFloatingPointer(image)
	if err != nil {
		return nil, err
	}

	if fp.PICMode() {
		return nil, mkern.NewError("mp_init", mkern.ErrCodeUnsupportedPlatform,
			"PIC mode not supported")
	}
	if fp.ConfigType != 0 || fp.ConfigTableAddr == 0 {
		// Default configurations are not supported.
		return nil, mkern.NewError("mp_init", mkern.ErrCodeUnsupportedPlatform,
			"default MP configurations not supported")
	}

	return ParseConfigTable(image, int(fp.ConfigTableAddr))
}

// EngineProcessors converts the processor entries into the generic
// engine's descriptions. The MP table carries no core topology, so every
// processor is its own execution unit.
func (mp *MPInfo) EngineProcessors() []Processor {
	procs := make([]Processor, 0, len(mp.Processors))
	for _, p := range mp.Processors {
		procs = append(procs, Processor{
			ID:      uint64(p.LAPICID),
			CoreID:  uint64(p.LAPICID),
			Enabled: p.Enabled(),
			BSP:     p.BSP(),
		})
	}
	return procs
}

// EnabledCount returns the number of processors firmware marked usable.
func (mp *MPInfo) EnabledCount() int {
	n := 0
	for _, p := range mp.Processors {
		if p.Enabled() {
			n++
		}
	}
	return n
}

// IRQToPin translates an ISA IRQ number to the I/O APIC pin it is routed
// to, or -1 when the table carries no such route.
func (mp *MPInfo) IRQToPin(irq int) int {
	for _, in := range mp.IOInterrupts {
		if int(in.SrcBusIRQ) == irq && in.IntrType == 0 {
			return int(in.DstAPICPin)
		}
	}
	return -1
}
