// Package pmem maps physical memory ranges (device BARs) into the current
// address space.
package pmem

import (
	"fmt"
	"sync"
)

const (
	PgSize = 4096
	PgMask = ^uint64(PgSize - 1)
)

// Region is an accessible view of a physical range. Offsets are relative
// to the physical address that was asked for, not to the page start.
type Region interface {
	Name() string
	Phys() uint64
	Len() int64
	Read32(offset int64) uint32
	Read8(offset int64) uint8
	Write32(offset int64, val uint32)
	Write8(offset int64, val uint8)
}

type Flags int

const (
	FlagRead Flags = 1 << iota
	FlagWrite
)

// DevName is the physical memory device used by DevMemMapper and
// FileMapper.
var DevName = "/dev/mem"

func (f Flags) write() bool { return f&FlagWrite != 0 }

// Mapper is the mapping service consumed by device code. Mappings are
// owned by the mapper: callers never unmap what they get.
type Mapper interface {
	Map(phys uint64, size int64, flags Flags) (Region, error)
}

// IsHeuristic reports whether m does not verify its translation. Data read
// through such a mapping must not be trusted.
func IsHeuristic(m Mapper) bool {
	h, ok := m.(interface{ Heuristic() bool })
	return ok && h.Heuristic()
}

// pageSpan returns the page aligned range covering [phys, phys+size).
func pageSpan(phys uint64, size int64) (base uint64, off int64, ioLen int64) {
	if size == 0 {
		size = PgSize
	}
	base = phys & PgMask
	off = int64(phys - base)
	ioLen = off + size
	ioLen += (-ioLen) & (PgSize - 1) // round-up to number of pages
	return base, off, ioLen
}

type iomapping struct {
	hwAddr uint64
	len    int64
	write  bool
}

// mapCache keeps one page mapping per (address, length, mode), like the
// global table of the first hwmisc mapper.
type mapCache struct {
	mu    sync.Mutex
	hwMap map[iomapping]Region
}

func (c *mapCache) get(m iomapping, create func() (Region, error)) (Region, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.hwMap[m]; r != nil {
		return r, nil
	}
	r, err := create()
	if err != nil {
		return nil, err
	}
	if c.hwMap == nil {
		c.hwMap = make(map[iomapping]Region)
	}
	c.hwMap[m] = r
	return r, nil
}

func (c *mapCache) each(fn func(Region)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, r := range c.hwMap {
		fn(r)
		delete(c.hwMap, k)
	}
}

// mapPages maps the pages covering the request through c and returns the
// window starting at phys.
func (c *mapCache) mapPages(phys uint64, size int64, flags Flags, create func(base uint64, ioLen int64) (Region, error)) (Region, error) {
	base, off, ioLen := pageSpan(phys, size)
	pages, err := c.get(iomapping{base, ioLen, flags.write()}, func() (Region, error) {
		return create(base, ioLen)
	})
	if err != nil {
		return nil, err
	}
	if size == 0 {
		size = ioLen - off
	}
	return Window(pages, off, size)
}

type window struct {
	r    Region
	off  int64
	size int64
}

// Window returns the sub range [off, off+size) of r.
func Window(r Region, off, size int64) (Region, error) {
	if off < 0 || size < 0 || off+size > r.Len() {
		return nil, fmt.Errorf("pmem: window %#x+%#x outside %s (%#x bytes)", off, size, r.Name(), r.Len())
	}
	if off == 0 && size == r.Len() {
		return r, nil
	}
	return &window{r: r, off: off, size: size}, nil
}

func (w *window) Name() string { return w.r.Name() }
func (w *window) Phys() uint64 { return w.r.Phys() + uint64(w.off) }
func (w *window) Len() int64   { return w.size }

func (w *window) Read32(offset int64) uint32 { return w.r.Read32(w.off + offset) }
func (w *window) Read8(offset int64) uint8   { return w.r.Read8(w.off + offset) }

func (w *window) Write32(offset int64, val uint32) { w.r.Write32(w.off+offset, val) }
func (w *window) Write8(offset int64, val uint8)   { w.r.Write8(w.off+offset, val) }
