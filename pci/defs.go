package pci

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Legacy pci header definitions
	PCI_VENDOR_ID           = 0x0
	PCI_DEVICE_ID           = 0x2
	PCI_COMMAND             = 0x4
	PCI_STATUS              = 0x6
	PCI_STATUS_CAP_LIST     = 0x10
	PCI_CLASS_REVISION      = 0x8
	PCI_HEADER_TYPE         = 0xe
	PCI_HEADER_TYPE_NORMAL  = 0
	PCI_HEADER_TYPE_BRIDGE  = 1
	PCI_HEADER_TYPE_CARDBUS = 2
	PCI_HEADER_TYPE_MULTI   = 0x80
	PCI_BASE_ADDRESS_0      = 0x10
	PCI_CAPABILITY_LIST     = 0x34
	PCI_INTERRUPT_LINE      = 0x3c
	PCI_INTERRUPT_PIN       = 0x3d

	// First offset a capability record may live at.
	PCI_CAP_START = 0x40

	// Capability ids
	PCI_CAP_ID_PM   = 0x01
	PCI_CAP_ID_MSI  = 0x05
	PCI_CAP_ID_EXP  = 0x10
	PCI_CAP_ID_MSIX = 0x11

	PCI_CAP_EXP_TYPE_ENDPOINT   = 0
	PCI_CAP_EXP_TYPE_ROOT_PORT  = 4
	PCI_CAP_EXP_TYPE_UPSTREAM   = 5
	PCI_CAP_EXP_TYPE_DOWNSTREAM = 6
	PCI_CAP_EXP_TYPE_PCI_BRIDGE = 7

	MaxBus      = 255
	MaxDevice   = 31
	MaxFunction = 7
)

var ErrInvalidLocation = errors.New("invalid pci location")

// Location identifies one configuration space instance.
type Location struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func NewLocation(bus, dev, fn int) (Location, error) {
	if bus < 0 || bus > MaxBus || dev < 0 || dev > MaxDevice || fn < 0 || fn > MaxFunction {
		return Location{}, fmt.Errorf("%w: %d:%d.%d", ErrInvalidLocation, bus, dev, fn)
	}
	return Location{Bus: uint8(bus), Device: uint8(dev), Function: uint8(fn)}, nil
}

// MustLocation is NewLocation for constant locations.
func MustLocation(bus, dev, fn int) Location {
	loc, err := NewLocation(bus, dev, fn)
	if err != nil {
		panic(err)
	}
	return loc
}

// ParseLocation accepts "bb:dd.f" or the sysfs form "dddd:bb:dd.f". Only
// domain 0 is reachable through legacy configuration access.
func ParseLocation(s string) (Location, error) {
	parts := strings.Split(s, ":")
	if len(parts) == 3 {
		domain, err := strconv.ParseUint(parts[0], 16, 16)
		if err != nil || domain != 0 {
			return Location{}, fmt.Errorf("%w: %q: domain must be 0000", ErrInvalidLocation, s)
		}
		parts = parts[1:]
	}
	if len(parts) != 2 {
		return Location{}, fmt.Errorf("%w: %q", ErrInvalidLocation, s)
	}
	devFn := strings.Split(parts[1], ".")
	if len(devFn) != 2 {
		return Location{}, fmt.Errorf("%w: %q", ErrInvalidLocation, s)
	}
	bus, err1 := strconv.ParseUint(parts[0], 16, 8)
	dev, err2 := strconv.ParseUint(devFn[0], 16, 8)
	fn, err3 := strconv.ParseUint(devFn[1], 16, 8)
	if err := errors.Join(err1, err2, err3); err != nil {
		return Location{}, fmt.Errorf("%w: %q: %v", ErrInvalidLocation, s, err)
	}
	return NewLocation(int(bus), int(dev), int(fn))
}

func (l Location) String() string {
	return fmt.Sprintf("%02x:%02x.%x", l.Bus, l.Device, l.Function)
}

// SysfsName is the name of the location under /sys/bus/pci/devices.
func (l Location) SysfsName() string {
	return "0000:" + l.String()
}

// DevFn packs device and function the way configuration addresses do.
func (l Location) DevFn() int {
	return int(l.Device&0x1f)<<3 | int(l.Function&0x7)
}

// BDF is bus<<8 | DevFn. Sorting by BDF is scan order.
func (l Location) BDF() int {
	return int(l.Bus)<<8 | l.DevFn()
}

// LocationFromBDF is the inverse of Location.BDF.
func LocationFromBDF(bdf int) Location {
	return Location{
		Bus:      uint8(bdf >> 8),
		Device:   uint8(bdf>>3) & 0x1f,
		Function: uint8(bdf) & 0x7,
	}
}
