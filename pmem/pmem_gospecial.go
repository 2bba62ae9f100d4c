package pmem

import (
	"fmt"
	"io"
	"unsafe"
)

//go:noinline
//go:nosplit
func Read32Go(ptr *uint32) uint32 {
	return *ptr
}

//go:noinline
//go:nosplit
func Read8Go(ptr *uint8) uint8 {
	return *ptr
}

//go:noinline
//go:nosplit
func Write32Go(ptr *uint32, val uint32) {
	*ptr = val
}

//go:noinline
//go:nosplit
func Write8Go(ptr *uint8, val uint8) {
	*ptr = val
}

// MemRegion is a region backed by a byte slice: an mmap of /dev/mem, a
// periph view, or plain memory standing in for a device.
type MemRegion struct {
	name   string
	phys   uint64
	mem    []byte
	closer io.Closer
}

// NewMemRegion wraps mem as the physical range starting at phys.
func NewMemRegion(name string, phys uint64, mem []byte) *MemRegion {
	return &MemRegion{name: name, phys: phys, mem: mem}
}

func (m *MemRegion) Name() string { return m.name }
func (m *MemRegion) Phys() uint64 { return m.phys }
func (m *MemRegion) Len() int64   { return int64(len(m.mem)) }
func (m *MemRegion) Mem() []byte  { return m.mem }

func (m *MemRegion) Read32(off int64) uint32 {
	return Read32Go((*uint32)(unsafe.Pointer(&m.mem[off])))
}

func (m *MemRegion) Read8(off int64) uint8 {
	return Read8Go((*uint8)(unsafe.Pointer(&m.mem[off])))
}

func (m *MemRegion) Write32(off int64, val uint32) {
	Write32Go((*uint32)(unsafe.Pointer(&m.mem[off])), val)
}

func (m *MemRegion) Write8(off int64, val uint8) {
	Write8Go(&m.mem[off], val)
}

func (m *MemRegion) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

func (m *MemRegion) String() string {
	return fmt.Sprintf("%s@%#x+%#x", m.name, m.phys, len(m.mem))
}
