package pci

import (
	"errors"
	"fmt"
)

// ErrMalformedCapabilityChain truncates the capability walk of one device.
// The records decoded before the fault are kept.
var ErrMalformedCapabilityChain = errors.New("malformed capability chain")

// (256 - 0x40) / 4 distinct dword slots can hold a record.
const maxCapabilities = 48

// CapPayload is one of PowerManagement, PCIExpress, MSICap, MSIXCap or
// Unknown.
type CapPayload interface {
	isCapPayload()
}

type PowerManagement struct {
	PMC   uint16
	PMCSR uint16
}

type PCIExpress struct {
	Header    uint32
	DeviceCap uint32
}

// PortType is the device/port type field of the PCIe capabilities register.
func (p PCIExpress) PortType() int {
	return int(p.Header>>20) & 0xf
}

type MSICap struct {
	Control MSIControl
}

type MSIXCap struct {
	Control MSIXControl
	Trust   Trust
}

// Unknown keeps the first two dwords of a capability this package does not
// interpret.
type Unknown struct {
	ID   uint8
	Raw0 uint32
	Raw1 uint32
}

func (PowerManagement) isCapPayload() {}
func (PCIExpress) isCapPayload()      {}
func (MSICap) isCapPayload()          {}
func (MSIXCap) isCapPayload()         {}
func (Unknown) isCapPayload()         {}

type Capability struct {
	ID      uint8
	Offset  uint8
	Payload CapPayload
}

func (c Capability) String() string {
	return fmt.Sprintf("%s@%#02x", CapabilityName(c.ID), c.Offset)
}

// CapRef is one node of the capability list.
type CapRef struct {
	ID     uint8
	Offset uint8
}

func CapabilityName(id uint8) string {
	switch id {
	case PCI_CAP_ID_PM:
		return "PM"
	case PCI_CAP_ID_MSI:
		return "MSI"
	case PCI_CAP_ID_EXP:
		return "PCIe"
	case PCI_CAP_ID_MSIX:
		return "MSI-X"
	}
	return fmt.Sprintf("C%02x", id)
}

// WalkCapabilities follows the legacy capability list from offset 0x34.
// The walk stops at a zero next pointer; a pointer into the header, a
// revisited offset, an id of 0xff (function gone) or too many records
// returns the records seen so far with ErrMalformedCapabilityChain.
func (d *Dev) WalkCapabilities() ([]CapRef, error) {
	if d.PciStatus()&PCI_STATUS_CAP_LIST == 0 {
		return nil, nil
	}
	var visited [256]bool
	var refs []CapRef
	off := int(d.Read8(PCI_CAPABILITY_LIST)) & 0xfc
	for off != 0 {
		switch {
		case len(refs) >= maxCapabilities:
			return refs, fmt.Errorf("%s: %w: more than %d records", d.Loc, ErrMalformedCapabilityChain, maxCapabilities)
		case off < PCI_CAP_START:
			return refs, fmt.Errorf("%s: %w: pointer %#02x into header", d.Loc, ErrMalformedCapabilityChain, off)
		case visited[off]:
			return refs, fmt.Errorf("%s: %w: cycle at %#02x", d.Loc, ErrMalformedCapabilityChain, off)
		}
		visited[off] = true
		cdef := d.Read16(off)
		id := uint8(cdef)
		if id == 0xff {
			return refs, fmt.Errorf("%s: %w: invalid id at %#02x", d.Loc, ErrMalformedCapabilityChain, off)
		}
		refs = append(refs, CapRef{ID: id, Offset: uint8(off)})
		off = int(cdef>>8) & 0xfc
	}
	return refs, nil
}

// capRead32 reads a dword of a capability body; offsets past the end of
// the 256 byte space read as zero rather than wrapping to the header.
func (d *Dev) capRead32(off int) uint32 {
	if off > 0xfc {
		return 0
	}
	return d.Read32(off)
}

func (d *Dev) capRead16(off int) uint16 {
	if off > 0xfe {
		return 0
	}
	return d.Read16(off)
}

// decodeCapability interprets the simple capabilities. MSI and MSI-X are
// decoded by the enumerator since they also yield resources.
func (d *Dev) decodeCapability(ref CapRef) Capability {
	off := int(ref.Offset)
	c := Capability{ID: ref.ID, Offset: ref.Offset}
	switch ref.ID {
	case PCI_CAP_ID_PM:
		c.Payload = PowerManagement{PMC: d.capRead16(off + 2), PMCSR: d.capRead16(off + 4)}
	case PCI_CAP_ID_EXP:
		c.Payload = PCIExpress{Header: d.capRead32(off), DeviceCap: d.capRead32(off + 4)}
	default:
		c.Payload = Unknown{ID: ref.ID, Raw0: d.capRead32(off), Raw1: d.capRead32(off + 4)}
	}
	return c
}
