package pmem

import (
	"fmt"
	"unsafe"
)

// OffsetMapper assumes all physical memory is linearly mapped at Offset in
// the current address space, as a boot loader may leave it. Nothing checks
// that the assumption holds, so it reports itself as heuristic.
type OffsetMapper struct {
	Offset uint64
}

func (OffsetMapper) Heuristic() bool { return true }

func (m OffsetMapper) Map(phys uint64, size int64, flags Flags) (Region, error) {
	if m.Offset == 0 {
		return nil, fmt.Errorf("pmem: no physical memory offset")
	}
	if size == 0 {
		size = PgSize
	}
	return &rawRegion{phys: phys, virt: uintptr(m.Offset + phys), size: size}, nil
}

type rawRegion struct {
	phys uint64
	virt uintptr
	size int64
}

func (r *rawRegion) Name() string { return "phys-offset" }
func (r *rawRegion) Phys() uint64 { return r.phys }
func (r *rawRegion) Len() int64   { return r.size }

func (r *rawRegion) ptr(off int64) unsafe.Pointer {
	if off < 0 || off >= r.size {
		panic("out of bounds")
	}
	return unsafe.Pointer(r.virt + uintptr(off))
}

func (r *rawRegion) Read32(off int64) uint32 { return Read32Go((*uint32)(r.ptr(off))) }
func (r *rawRegion) Read8(off int64) uint8   { return Read8Go((*uint8)(r.ptr(off))) }

func (r *rawRegion) Write32(off int64, val uint32) { Write32Go((*uint32)(r.ptr(off)), val) }
func (r *rawRegion) Write8(off int64, val uint8)   { Write8Go((*uint8)(r.ptr(off)), val) }
