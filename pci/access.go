package pci

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoDevice is returned when a function does not answer configuration
// cycles. It is the normal "nothing here" signal of a scan.
var ErrNoDevice = errors.New("no device")

// ConfigSpace gives dword access to configuration space. reg is a byte
// offset in 0-255; its low two bits are ignored.
type ConfigSpace interface {
	Read32(loc Location, reg int) uint32
	Write32(loc Location, reg int, val uint32)
}

// Ports is the x86 port I/O primitive a kernel (or a simulator) provides.
type Ports interface {
	InDword(port uint16) uint32
	OutDword(port uint16, val uint32)
}

const (
	ConfigAddressPort = 0xcf8
	ConfigDataPort    = 0xcfc

	configEnable = 0x80000000
)

// ConfigAddress composes the address word of configuration mechanism #1.
//
//	[31] enable [23:16] bus [15:11] device [10:8] function [7:2] register
func ConfigAddress(loc Location, reg int) uint32 {
	return configEnable | uint32(loc.BDF())<<8 | uint32(reg&0xfc)
}

// PortConfig implements ConfigSpace with the legacy 0xcf8/0xcfc ports.
// The address write and the data access form one critical section; the
// lock is owned by the PortConfig so every caller goes through it.
type PortConfig struct {
	mu    sync.Mutex
	ports Ports
}

func NewPortConfig(ports Ports) *PortConfig {
	return &PortConfig{ports: ports}
}

func (c *PortConfig) Read32(loc Location, reg int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ports.OutDword(ConfigAddressPort, ConfigAddress(loc, reg))
	return c.ports.InDword(ConfigDataPort)
}

func (c *PortConfig) Write32(loc Location, reg int, val uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ports.OutDword(ConfigAddressPort, ConfigAddress(loc, reg))
	c.ports.OutDword(ConfigDataPort, val)
}

// ReadID reads the vendor/device dword. An all-ones dword (or an invalid
// vendor id) is reported as ErrNoDevice instead of a value.
func ReadID(cs ConfigSpace, loc Location) (vendor, device uint16, err error) {
	id := cs.Read32(loc, PCI_VENDOR_ID)
	vendor = uint16(id)
	device = uint16(id >> 16)
	if id == ^uint32(0) || vendor == 0xffff || vendor == 0 {
		return 0, 0, fmt.Errorf("%s: %w", loc, ErrNoDevice)
	}
	return vendor, device, nil
}

// Dev is a function bound to its configuration space.
type Dev struct {
	cs  ConfigSpace
	Loc Location
}

func NewDev(cs ConfigSpace, loc Location) *Dev {
	return &Dev{cs: cs, Loc: loc}
}

func (d *Dev) Read32(off int) uint32 {
	return d.cs.Read32(d.Loc, off)
}

func (d *Dev) Read16(off int) uint16 {
	return uint16(d.cs.Read32(d.Loc, off) >> (uint(off&2) * 8))
}

func (d *Dev) Read8(off int) uint8 {
	return uint8(d.cs.Read32(d.Loc, off) >> (uint(off&3) * 8))
}

func (d *Dev) Write32(off int, data uint32) {
	d.cs.Write32(d.Loc, off, data)
}

// Write16 does a read-modify-write of the containing dword.
func (d *Dev) Write16(off int, data uint16) {
	shift := uint(off&2) * 8
	v := d.cs.Read32(d.Loc, off)
	v = v&^(0xffff<<shift) | uint32(data)<<shift
	d.cs.Write32(d.Loc, off, v)
}

func (d *Dev) PciStatus() uint16 {
	return d.Read16(PCI_STATUS)
}
