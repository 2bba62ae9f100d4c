// Package pcisim is an in-memory PCI machine: configuration space with BAR
// sizing semantics, the 0xcf8/0xcfc port pair, and physical memory behind
// BARs for MSI-X tables.
package pcisim

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/lprylli/kpci/pci"
	"github.com/lprylli/kpci/pmem"
)

// Function is the configuration space of one simulated function. wmask
// holds the writable bits of every byte; everything else is read-only.
type Function struct {
	cfg   [256]byte
	wmask [256]byte

	capTail int // offset of the last capability, 0 if none
	capNext int // next free offset for AddCap
}

func NewFunction(vendor, device uint16) *Function {
	f := &Function{capNext: pci.PCI_CAP_START}
	f.put16(pci.PCI_VENDOR_ID, vendor)
	f.put16(pci.PCI_DEVICE_ID, device)
	// command register
	f.wmask[pci.PCI_COMMAND] = 0xff
	f.wmask[pci.PCI_COMMAND+1] = 0x07
	return f
}

func (f *Function) put16(off int, v uint16) { binary.LittleEndian.PutUint16(f.cfg[off:], v) }
func (f *Function) put32(off int, v uint32) { binary.LittleEndian.PutUint32(f.cfg[off:], v) }

func (f *Function) read32(reg int) uint32 {
	return binary.LittleEndian.Uint32(f.cfg[reg&0xfc:])
}

func (f *Function) write32(reg int, val uint32) {
	off := reg & 0xfc
	for i := 0; i < 4; i++ {
		b := byte(val >> (8 * i))
		m := f.wmask[off+i]
		f.cfg[off+i] = f.cfg[off+i]&^m | b&m
	}
}

// Class sets the class code and revision.
func (f *Function) Class(class, subclass, progIF, rev uint8) *Function {
	f.cfg[pci.PCI_CLASS_REVISION] = rev
	f.cfg[pci.PCI_CLASS_REVISION+1] = progIF
	f.cfg[pci.PCI_CLASS_REVISION+2] = subclass
	f.cfg[pci.PCI_CLASS_REVISION+3] = class
	return f
}

// Header sets the header type byte, multi-function bit included.
func (f *Function) Header(t uint8) *Function {
	f.cfg[pci.PCI_HEADER_TYPE] = t
	return f
}

func (f *Function) MultiFunction() *Function {
	f.cfg[pci.PCI_HEADER_TYPE] |= pci.PCI_HEADER_TYPE_MULTI
	return f
}

func (f *Function) IRQ(line, pin uint8) *Function {
	f.cfg[pci.PCI_INTERRUPT_LINE] = line
	f.cfg[pci.PCI_INTERRUPT_PIN] = pin
	f.wmask[pci.PCI_INTERRUPT_LINE] = 0xff
	return f
}

func (f *Function) setMask32(off int, m uint32) {
	binary.LittleEndian.PutUint32(f.wmask[off:], m)
}

func barOff(i int) int { return pci.PCI_BASE_ADDRESS_0 + 4*i }

// BAR32 implements a 32-bit memory BAR of size bytes (a power of two).
func (f *Function) BAR32(i int, base uint32, size uint32, prefetch bool) *Function {
	flags := uint32(0)
	if prefetch {
		flags |= 0x8
	}
	f.put32(barOff(i), base&^(size-1)&0xfffffff0|flags)
	f.setMask32(barOff(i), ^(size-1)&0xfffffff0)
	return f
}

// BAR64 implements a 64-bit memory BAR over slots i and i+1.
func (f *Function) BAR64(i int, base uint64, size uint64, prefetch bool) *Function {
	flags := uint32(0x4)
	if prefetch {
		flags |= 0x8
	}
	base &^= size - 1
	m := ^(size - 1)
	f.put32(barOff(i), uint32(base)&0xfffffff0|flags)
	f.put32(barOff(i+1), uint32(base>>32))
	f.setMask32(barOff(i), uint32(m)&0xfffffff0)
	f.setMask32(barOff(i+1), uint32(m>>32))
	return f
}

// IOBAR implements an I/O BAR. Decoders of 64KiB space or less only
// implement the low 16 bits when io16 is set.
func (f *Function) IOBAR(i int, port uint32, size uint32, io16 bool) *Function {
	m := ^(size - 1) & 0xfffffffc
	if io16 {
		m &= 0xffff
	}
	f.put32(barOff(i), port&m|0x1)
	f.setMask32(barOff(i), m)
	return f
}

// RawBAR stores a BAR value with no writable bits.
func (f *Function) RawBAR(i int, val uint32) *Function {
	f.put32(barOff(i), val)
	f.setMask32(barOff(i), 0)
	return f
}

// AddCap appends a capability record with the given body (bytes after
// the id/next pair) and links it at the end of the chain. It returns the
// offset of the record.
func (f *Function) AddCap(id uint8, body []byte) int {
	off := f.capNext
	size := (2 + len(body) + 3) &^ 3
	if off+size > len(f.cfg) {
		panic(fmt.Sprintf("pcisim: no room for capability %#x", id))
	}
	f.cfg[off] = id
	f.cfg[off+1] = 0
	copy(f.cfg[off+2:], body)
	if f.capTail == 0 {
		f.cfg[pci.PCI_CAPABILITY_LIST] = uint8(off)
		f.cfg[pci.PCI_STATUS] |= pci.PCI_STATUS_CAP_LIST
	} else {
		f.cfg[f.capTail+1] = uint8(off)
	}
	f.capTail = off
	f.capNext = off + size
	return off
}

// MSI adds an MSI capability advertising vectors (power of two) with a
// programmed message.
func (f *Function) MSI(vectors int, addr64, maskable bool, addr uint64, data uint16) int {
	mmc := 0
	for 1<<mmc < vectors {
		mmc++
	}
	ctrl := uint16(mmc) << 1
	if addr64 {
		ctrl |= 1 << 7
	}
	if maskable {
		ctrl |= 1 << 8
	}
	body := make([]byte, 22)
	binary.LittleEndian.PutUint16(body[0:], ctrl)
	binary.LittleEndian.PutUint32(body[2:], uint32(addr))
	if addr64 {
		binary.LittleEndian.PutUint32(body[6:], uint32(addr>>32))
		binary.LittleEndian.PutUint16(body[10:], data)
	} else {
		binary.LittleEndian.PutUint16(body[6:], data)
	}
	n := 10
	if addr64 {
		n = 14
	}
	if maskable {
		n += 8
	}
	return f.AddCap(pci.PCI_CAP_ID_MSI, body[:n])
}

// MSIX adds an MSI-X capability with a table of size entries in BAR bir.
func (f *Function) MSIX(size int, bir uint8, tableOffset uint32, pbaBir uint8, pbaOffset uint32) int {
	body := make([]byte, 10)
	binary.LittleEndian.PutUint16(body[0:], uint16(size-1)&0x7ff)
	binary.LittleEndian.PutUint32(body[2:], tableOffset&^7|uint32(bir&7))
	binary.LittleEndian.PutUint32(body[6:], pbaOffset&^7|uint32(pbaBir&7))
	return f.AddCap(pci.PCI_CAP_ID_MSIX, body)
}

// PM adds a power management capability.
func (f *Function) PM(pmc, pmcsr uint16) int {
	body := make([]byte, 6)
	binary.LittleEndian.PutUint16(body[0:], pmc)
	binary.LittleEndian.PutUint16(body[2:], pmcsr)
	return f.AddCap(pci.PCI_CAP_ID_PM, body)
}

// PCIe adds a PCI Express capability of the given port type.
func (f *Function) PCIe(portType int, devCap uint32) int {
	body := make([]byte, 10)
	binary.LittleEndian.PutUint16(body[0:], uint16(2|portType<<4))
	binary.LittleEndian.PutUint32(body[2:], devCap)
	return f.AddCap(pci.PCI_CAP_ID_EXP, body)
}

// Poke8 overwrites one byte, bypassing write masks; used to corrupt chains.
func (f *Function) Poke8(off int, v uint8) *Function {
	f.cfg[off] = v
	return f
}

// Peek32 returns a dword without any side effect.
func (f *Function) Peek32(off int) uint32 {
	return f.read32(off)
}

// Machine is a set of functions plus physical memory windows.
type Machine struct {
	mu    sync.Mutex
	funcs map[pci.Location]*Function
	mem   []*pmem.MemRegion

	addr uint32 // last value written to 0xcf8

	// Reads counts configuration dword reads, Writes the writes.
	Reads, Writes int
}

func NewMachine() *Machine {
	return &Machine{funcs: make(map[pci.Location]*Function)}
}

func (m *Machine) Add(loc pci.Location, f *Function) *Function {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs[loc] = f
	return f
}

func (m *Machine) Function(loc pci.Location) *Function {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.funcs[loc]
}

// Locations returns the populated locations in scan order.
func (m *Machine) Locations() []pci.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := make([]pci.Location, 0, len(m.funcs))
	for loc := range m.funcs {
		l = append(l, loc)
	}
	sort.Slice(l, func(i, j int) bool { return l[i].BDF() < l[j].BDF() })
	return l
}

// Read32 implements pci.ConfigSpace. Absent functions read all-ones.
func (m *Machine) Read32(loc pci.Location, reg int) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Reads++
	f := m.funcs[loc]
	if f == nil {
		return ^uint32(0)
	}
	return f.read32(reg)
}

func (m *Machine) Write32(loc pci.Location, reg int, val uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Writes++
	if f := m.funcs[loc]; f != nil {
		f.write32(reg, val)
	}
}

// InDword and OutDword implement pci.Ports for configuration mechanism #1.
func (m *Machine) InDword(port uint16) uint32 {
	if port != pci.ConfigDataPort {
		return ^uint32(0)
	}
	loc, reg, ok := m.decodeAddress()
	if !ok {
		return ^uint32(0)
	}
	return m.Read32(loc, reg)
}

func (m *Machine) OutDword(port uint16, val uint32) {
	switch port {
	case pci.ConfigAddressPort:
		m.mu.Lock()
		m.addr = val
		m.mu.Unlock()
	case pci.ConfigDataPort:
		if loc, reg, ok := m.decodeAddress(); ok {
			m.Write32(loc, reg, val)
		}
	}
}

func (m *Machine) decodeAddress() (pci.Location, int, bool) {
	m.mu.Lock()
	a := m.addr
	m.mu.Unlock()
	if a&0x80000000 == 0 {
		return pci.Location{}, 0, false
	}
	return pci.LocationFromBDF(int(a>>8) & 0xffff), int(a & 0xfc), true
}

// AddMemory backs [phys, phys+size) with zeroed memory.
func (m *Machine) AddMemory(name string, phys uint64, size int) *pmem.MemRegion {
	r := pmem.NewMemRegion(name, phys, make([]byte, size))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mem = append(m.mem, r)
	return r
}

// Map implements pmem.Mapper over the memory added with AddMemory.
func (m *Machine) Map(phys uint64, size int64, _ pmem.Flags) (pmem.Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size == 0 {
		size = pmem.PgSize
	}
	for _, r := range m.mem {
		if phys >= r.Phys() && phys+uint64(size) <= r.Phys()+uint64(r.Len()) {
			return pmem.Window(r, int64(phys-r.Phys()), size)
		}
	}
	return nil, fmt.Errorf("pcisim: no memory at %#x+%#x", phys, size)
}
