package pci

import (
	"errors"
	"fmt"
)

var (
	ErrReservedBARType = errors.New("reserved memory BAR type")
	ErrTruncatedBAR64  = errors.New("64-bit BAR in last slot")
)

const (
	// BAR bit fields: [0] I/O space, [2:1] memory type (00 32-bit,
	// 01 reserved, 10 64-bit), [3] prefetchable.
	barIOSpace      = 0x1
	barMemTypeMask  = 0x6
	barMemType64    = 0x4
	barPrefetchable = 0x8
	barIOMask       = 0xfffffffc
	barMemMask      = 0xfffffff0
)

// BARFlags is the decoded type of a BAR value.
type BARFlags struct {
	IO           bool
	Width        int // 32 or 64 for memory BARs, 0 if reserved
	Prefetchable bool
}

func ParseBAR(val uint32) BARFlags {
	if val&barIOSpace != 0 {
		return BARFlags{IO: true, Width: 32}
	}
	f := BARFlags{Prefetchable: val&barPrefetchable != 0}
	switch val & barMemTypeMask {
	case 0:
		f.Width = 32
	case barMemType64:
		f.Width = 64
	}
	return f
}

// BARSize32 is !(readback & mask) + 1 on 32 bits. An unimplemented BAR reads
// back 0 and sizes to 0.
func BARSize32(readback, mask uint32) uint32 {
	return ^(readback & mask) + 1
}

// BARSize64 sizes a 64-bit memory BAR from both read-back halves.
func BARSize64(lo, hi uint32) uint64 {
	rb := uint64(hi)<<32 | uint64(lo)
	return ^(rb & ^uint64(0xf)) + 1
}

// ioBARSize handles decoders that only implement the low 16 address bits
// and read back zero in the upper half.
func ioBARSize(readback uint32) uint32 {
	if readback&0xffff0000 == 0 {
		return BARSize32(readback|0xffff0000, barIOMask) & 0xffff
	}
	return BARSize32(readback, barIOMask)
}

// barCount returns the number of BAR slots of a header layout; the
// remaining dwords of bridge headers hold bus numbers and windows which
// must never see the sizing write.
func barCount(headerType uint8) int {
	switch headerType &^ PCI_HEADER_TYPE_MULTI {
	case PCI_HEADER_TYPE_NORMAL:
		return 6
	case PCI_HEADER_TYPE_BRIDGE:
		return 2
	}
	return 0
}

// probeBAR runs save, write all-ones, read back, restore on one slot.
func (d *Dev) probeBAR(off int) (orig, readback uint32) {
	orig = d.Read32(off)
	d.Write32(off, ^uint32(0))
	readback = d.Read32(off)
	d.Write32(off, orig)
	return orig, readback
}

// probeBAR64 does the same cycle on both halves: both are saved before any
// write and both are restored only after both read-backs.
func (d *Dev) probeBAR64(off int) (orig uint64, lo, hi uint32) {
	origLo := d.Read32(off)
	origHi := d.Read32(off + 4)
	d.Write32(off, ^uint32(0))
	d.Write32(off+4, ^uint32(0))
	lo = d.Read32(off)
	hi = d.Read32(off + 4)
	d.Write32(off, origLo)
	d.Write32(off+4, origHi)
	return uint64(origHi)<<32 | uint64(origLo), lo, hi
}

// DecodeBARs sizes every BAR slot of the header and returns one Resource
// per implemented BAR, in BAR index order.
func (d *Dev) DecodeBARs(headerType uint8) (res []Resource, faults []error) {
	n := barCount(headerType)
	for i := 0; i < n; i++ {
		off := PCI_BASE_ADDRESS_0 + 4*i
		flags := ParseBAR(d.Read32(off))
		switch {
		case flags.IO:
			orig, rb := d.probeBAR(off)
			size := ioBARSize(rb)
			if size == 0 {
				continue
			}
			port := orig & barIOMask
			res = append(res, Resource{
				Kind: IO{Port: port, Size: size},
				Base: uint64(port),
				Size: uint64(size),
				BAR:  i,
			})
		case flags.Width == 64:
			if i+1 >= n {
				faults = append(faults, fmt.Errorf("%s: BAR%d: %w", d.Loc, i, ErrTruncatedBAR64))
				continue
			}
			orig, lo, hi := d.probeBAR64(off)
			size := BARSize64(lo, hi)
			i++
			if size == 0 {
				continue
			}
			base := orig &^ 0xf
			res = append(res, Resource{
				Kind: MMIO{PhysBase: base, Size: size, Prefetchable: flags.Prefetchable, Is64: true},
				Base: base,
				Size: size,
				BAR:  i - 1,
			})
		case flags.Width == 32:
			orig, rb := d.probeBAR(off)
			size := BARSize32(rb, barMemMask)
			if size == 0 {
				continue
			}
			base := uint64(orig & barMemMask)
			res = append(res, Resource{
				Kind: MMIO{PhysBase: base, Size: uint64(size), Prefetchable: flags.Prefetchable},
				Base: base,
				Size: uint64(size),
				BAR:  i,
			})
		default:
			faults = append(faults, fmt.Errorf("%s: BAR%d: %w", d.Loc, i, ErrReservedBARType))
		}
	}
	return res, faults
}
