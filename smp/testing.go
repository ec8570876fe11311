package smp

import (
	"encoding/binary"
	"sync"
	"time"
)

// MockPlatform provides a mock implementation of Platform for testing.
// It simulates application processors with goroutines that deliver the
// completion handshake, and can be told to drop or fail individual CPUs
// and to delay every AP's handshake.
type MockPlatform struct {
	mu      sync.Mutex
	bootID  uint64
	bringup *Bringup

	startDelay time.Duration
	silent     map[uint64]bool // started but never completes
	failStart  map[uint64]bool // START primitive fails
	failTables map[uint64]bool // per-CPU table allocation fails

	prepared bool
	prepped  []uint64
	started  []uint64
}

// NewMockPlatform creates a mock platform with the given BSP id.
func NewMockPlatform(bootID uint64) *MockPlatform {
	return &MockPlatform{
		bootID:     bootID,
		silent:     make(map[uint64]bool),
		failStart:  make(map[uint64]bool),
		failTables: make(map[uint64]bool),
	}
}

// Bind points the platform at the bring-up engine whose completion queue
// the simulated APs signal.
func (m *MockPlatform) Bind(b *Bringup) {
	m.bringup = b
}

// Silence makes the given CPU start but never signal completion.
func (m *MockPlatform) Silence(id uint64) {
	m.silent[id] = true
}

// FailStart makes the START primitive fail for the given CPU.
func (m *MockPlatform) FailStart(id uint64) {
	m.failStart[id] = true
}

// FailTables makes per-CPU table allocation fail for the given CPU.
func (m *MockPlatform) FailTables(id uint64) {
	m.failTables[id] = true
}

// SetStartDelay delays each simulated AP's completion handshake.
func (m *MockPlatform) SetStartDelay(d time.Duration) {
	m.startDelay = d
}

// BootID implements Platform.
func (m *MockPlatform) BootID() uint64 {
	return m.bootID
}

// Prepare implements Platform.
func (m *MockPlatform) Prepare() error {
	m.mu.Lock()
	m.prepared = true
	m.mu.Unlock()
	return nil
}

// PrepTables implements Platform.
func (m *MockPlatform) PrepTables(cpuID uint64) error {
	if m.failTables[cpuID] {
		return errTablesFailed
	}
	m.mu.Lock()
	m.prepped = append(m.prepped, cpuID)
	m.mu.Unlock()
	return nil
}

// Start implements Platform: a goroutine stands in for the woken AP and
// signals the completion queue after its "early init".
func (m *MockPlatform) Start(cpuID uint64) error {
	if m.failStart[cpuID] {
		return errStartFailed
	}
	m.mu.Lock()
	m.started = append(m.started, cpuID)
	m.mu.Unlock()

	if m.silent[cpuID] {
		return nil
	}

	b := m.bringup
	delay := m.startDelay
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		b.Completion()
	}()
	return nil
}

// Started returns the ids passed to Start, in order.
func (m *MockPlatform) Started() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint64(nil), m.started...)
}

// Prepared reports whether Prepare ran.
func (m *MockPlatform) Prepared() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepared
}

type mockErr string

func (e mockErr) Error() string { return string(e) }

const (
	errStartFailed  mockErr = "mock: START failed"
	errTablesFailed mockErr = "mock: table allocation failed"
)

// MPImageConfig describes the synthetic firmware image BuildMPImage
// assembles for parser tests.
type MPImageConfig struct {
	Processors      []MPProcessor
	Buses           []MPBus
	IOAPICs         []MPIOAPIC
	IOInterrupts    []MPInterrupt
	LocalInterrupts []MPInterrupt
	LAPICAddr       uint32

	// PICMode sets the IMCR bit in the floating structure.
	PICMode bool
	// DefaultConfig, when nonzero, requests a default configuration
	// instead of pointing at a table.
	DefaultConfig uint8
	// PlaceInEBDA puts the floating structure in the EBDA instead of the
	// BIOS ROM.
	PlaceInEBDA bool
	// CorruptFS / CorruptCT break the respective checksums.
	CorruptFS bool
	CorruptCT bool
}

const (
	mockImageSize = 1 << 20
	mockEBDABase  = 0x9fc00
	mockFSBase    = 0xf0000
	mockCTBase    = 0xf1000
)

// BuildMPImage assembles a 1 MiB low-memory image containing an MP
// Floating Pointer Structure and, unless a default configuration is
// requested, an MP Configuration Table.
func BuildMPImage(cfg MPImageConfig) []byte {
	image := make([]byte, mockImageSize)

	fsBase := mockFSBase
	if cfg.PlaceInEBDA {
		binary.LittleEndian.PutUint16(image[0x40e:], mockEBDABase/16)
		fsBase = mockEBDABase
	}

	// Floating pointer structure.
	fs := image[fsBase : fsBase+fsLength]
	binary.LittleEndian.PutUint32(fs, fsSignature)
	ctAddr := uint32(mockCTBase)
	if cfg.DefaultConfig != 0 {
		ctAddr = 0
	}
	binary.LittleEndian.PutUint32(fs[4:], ctAddr)
	fs[8] = 1 // length in 16-byte units
	fs[9] = 4 // spec revision 1.4
	fs[11] = cfg.DefaultConfig
	if cfg.PICMode {
		fs[12] = 1 << 7
	}
	fs[10] = -checksum8(fs)
	if cfg.CorruptFS {
		fs[10]++
	}

	if cfg.DefaultConfig != 0 {
		return image
	}

	// Configuration table: header, then entries.
	entries := buildEntries(cfg)
	baseLen := ctHeaderSize + len(entries)
	ct := image[mockCTBase : mockCTBase+baseLen]

	binary.LittleEndian.PutUint32(ct, ctSignature)
	binary.LittleEndian.PutUint16(ct[4:], uint16(baseLen))
	ct[6] = 4
	copy(ct[8:16], "MOCK OEM")
	copy(ct[16:28], "MOCK PRODUCT")
	binary.LittleEndian.PutUint16(ct[34:], uint16(entryCount(cfg)))
	binary.LittleEndian.PutUint32(ct[36:], cfg.LAPICAddr)
	copy(ct[ctHeaderSize:], entries)

	ct[7] = 0
	ct[7] = -checksum8(ct)
	if cfg.CorruptCT {
		ct[7]++
	}

	return image
}

func entryCount(cfg MPImageConfig) int {
	return len(cfg.Processors) + len(cfg.Buses) + len(cfg.IOAPICs) +
		len(cfg.IOInterrupts) + len(cfg.LocalInterrupts)
}

func buildEntries(cfg MPImageConfig) []byte {
	var out []byte

	for _, p := range cfg.Processors {
		e := make([]byte, procEntrySize)
		e[0] = entProcessor
		e[1] = p.LAPICID
		e[2] = p.LAPICVersion
		e[3] = p.Flags
		binary.LittleEndian.PutUint32(e[4:], p.Signature)
		binary.LittleEndian.PutUint32(e[8:], p.Features)
		out = append(out, e...)
	}
	for _, b := range cfg.Buses {
		e := make([]byte, shortEntrySize)
		e[0] = entBus
		e[1] = b.ID
		copy(e[2:8], b.Type)
		out = append(out, e...)
	}
	for _, ioa := range cfg.IOAPICs {
		e := make([]byte, shortEntrySize)
		e[0] = entIOAPIC
		e[1] = ioa.ID
		e[2] = ioa.Version
		e[3] = ioa.Flags
		binary.LittleEndian.PutUint32(e[4:], ioa.Addr)
		out = append(out, e...)
	}
	for _, in := range cfg.IOInterrupts {
		out = append(out, encodeIntr(entIOIntr, in)...)
	}
	for _, in := range cfg.LocalInterrupts {
		out = append(out, encodeIntr(entLIntr, in)...)
	}
	return out
}

func encodeIntr(typ byte, in MPInterrupt) []byte {
	e := make([]byte, shortEntrySize)
	e[0] = typ
	e[1] = in.IntrType
	binary.LittleEndian.PutUint16(e[2:], in.Flags)
	e[4] = in.SrcBusID
	e[5] = in.SrcBusIRQ
	e[6] = in.DstAPICID
	e[7] = in.DstAPICPin
	return e
}
