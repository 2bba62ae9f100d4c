package pci

import (
	"fmt"
	"strings"
)

// ResourceKind is one of IO, MMIO, INTx, MSI or MSIX.
type ResourceKind interface {
	isResourceKind()
	String() string
}

type IO struct {
	Port uint32
	Size uint32
}

type MMIO struct {
	PhysBase     uint64
	Size         uint64
	Prefetchable bool
	Is64         bool
}

// INTx is the legacy pin interrupt routed by firmware.
type INTx struct {
	Line uint8
	Pin  uint8
}

// MSI carries the message a driver must program to receive interrupts.
// MsgAddr is normalized to 64 bits whatever the capability width.
type MSI struct {
	Vectors  uint8
	Addr64   bool
	Maskable bool
	MsgAddr  uint64
	MsgData  uint16
}

type MSIX struct {
	TableBAR         uint8
	TableOffset      uint32
	TableSize        uint16
	TablePresent     bool
	FirstEntryMasked bool
	// Trust tells how FirstEntryMasked was obtained.
	Trust     Trust
	PBABAR    uint8
	PBAOffset uint32
}

func (IO) isResourceKind()   {}
func (MMIO) isResourceKind() {}
func (INTx) isResourceKind() {}
func (MSI) isResourceKind()  {}
func (MSIX) isResourceKind() {}

func (r IO) String() string { return fmt.Sprintf("IO@%#x:%#x", r.Port, r.Size) }

func (r MMIO) String() string {
	var flags []string
	if r.Is64 {
		flags = append(flags, "64")
	}
	if r.Prefetchable {
		flags = append(flags, "pref")
	}
	s := fmt.Sprintf("MMIO@%#x:%#x", r.PhysBase, r.Size)
	if len(flags) > 0 {
		s += "[" + strings.Join(flags, ",") + "]"
	}
	return s
}

func (r INTx) String() string {
	if r.Pin == 0 {
		return fmt.Sprintf("IRQ%d", r.Line)
	}
	return fmt.Sprintf("IRQ%d(INT%c)", r.Line, 'A'+r.Pin-1)
}

func (r MSI) String() string {
	return fmt.Sprintf("MSI(v%d,addr=%#x,data=%#04x)", r.Vectors, r.MsgAddr, r.MsgData)
}

func (r MSIX) String() string {
	return fmt.Sprintf("MSI-X[bar%d@%#x,n=%d,present=%t,masked=%t,%s]",
		r.TableBAR, r.TableOffset, r.TableSize, r.TablePresent, r.FirstEntryMasked, r.Trust)
}

// Resource is a (kind, base, size) triple. BAR is the BAR index it was
// decoded from, or -1 for interrupt resources.
type Resource struct {
	Kind ResourceKind
	Base uint64
	Size uint64
	BAR  int
}

func (r Resource) String() string {
	return r.Kind.String()
}

// DeviceInfo is everything enumeration learnt about one function. It is
// never mutated after the scan except for ClaimedBy, which only the driver
// manager sets.
type DeviceInfo struct {
	Loc           Location
	VendorID      uint16
	DeviceID      uint16
	Revision      uint8
	Class         uint8
	Subclass      uint8
	ProgIF        uint8
	HeaderType    uint8
	MultiFunction bool

	Resources    []Resource
	Capabilities []Capability
	// Faults collects non fatal decode errors, see ErrMalformedCapabilityChain
	// and ErrUnsafeProbe.
	Faults []error

	ClaimedBy string
}

func (d *DeviceInfo) Name() string {
	return fmt.Sprintf("%s %04x:%04x", d.Loc, d.VendorID, d.DeviceID)
}

// ClassCode is the 24 bit class/subclass/prog-if value.
func (d *DeviceInfo) ClassCode() uint32 {
	return uint32(d.Class)<<16 | uint32(d.Subclass)<<8 | uint32(d.ProgIF)
}

// Clone returns a deep copy, safe to hand to a driver.
func (d *DeviceInfo) Clone() DeviceInfo {
	c := *d
	c.Resources = append([]Resource(nil), d.Resources...)
	c.Capabilities = append([]Capability(nil), d.Capabilities...)
	c.Faults = append([]error(nil), d.Faults...)
	return c
}

func (d *DeviceInfo) MSIResources() []Resource {
	return d.resourcesOf(func(k ResourceKind) bool { _, ok := k.(MSI); return ok })
}

func (d *DeviceInfo) MSIXResources() []Resource {
	return d.resourcesOf(func(k ResourceKind) bool { _, ok := k.(MSIX); return ok })
}

// BAR returns the memory or I/O resource decoded from BAR index i.
func (d *DeviceInfo) BAR(i int) (Resource, bool) {
	for _, r := range d.Resources {
		if r.BAR == i {
			return r, true
		}
	}
	return Resource{}, false
}

func (d *DeviceInfo) resourcesOf(match func(ResourceKind) bool) []Resource {
	var l []Resource
	for _, r := range d.Resources {
		if match(r.Kind) {
			l = append(l, r)
		}
	}
	return l
}
