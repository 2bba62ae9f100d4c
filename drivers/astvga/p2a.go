// Package astvga drives the PCI to AHB (P2A) bridge of Aspeed BMC video
// functions. BAR1 exposes a 64KiB window into the BMC AHB bus; the window
// page is selected through registers at 0xf000/0xf004 of the same BAR.
package astvga

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/lprylli/kpci/driver"
	"github.com/lprylli/kpci/pci"
	"github.com/lprylli/kpci/pmem"
)

const (
	Name = "astvga"

	VendorID = 0x1a03
	DeviceID = 0x2000

	p2aBAR     = 1
	p2aMapSize = 0x20000
	p2aEnable  = 0xf000
	p2aPage    = 0xf004
	p2aWindow  = 0x10000
	p2aFlush   = 0x3cc

	SCUAddr  = 0x1e6e2000
	SCURevID = 0x7c
)

var ErrNoBAR = errors.New("P2A window BAR not available")

// Bridge is one started P2A bridge.
type Bridge struct {
	log    logr.Logger
	mapper pmem.Mapper

	// NoWrite turns AHB writes into no-ops (page selection still happens).
	NoWrite bool

	m    sync.Mutex
	bar1 pmem.Region
	f004 uint32
	loc  pci.Location
	rev  uint32
}

// Factory returns the driver factory for the manager.
func Factory(log logr.Logger, mapper pmem.Mapper) driver.Factory {
	return func(info pci.DeviceInfo) (driver.Driver, error) {
		if mapper == nil {
			return nil, fmt.Errorf("%s: no memory mapper", Name)
		}
		return &Bridge{log: log.WithName(Name), mapper: mapper}, nil
	}
}

// Register adds the driver to m.
func Register(m *driver.Manager, log logr.Logger, mapper pmem.Mapper) error {
	return m.RegisterDriver(Name, driver.MatchID(VendorID, DeviceID), Factory(log, mapper))
}

func (b *Bridge) Name() string { return Name }

func (b *Bridge) Start(info pci.DeviceInfo) error {
	bar, ok := info.BAR(p2aBAR)
	if !ok {
		return fmt.Errorf("%s: BAR%d: %w", info.Loc, p2aBAR, ErrNoBAR)
	}
	if _, ok := bar.Kind.(pci.MMIO); !ok || bar.Size < p2aMapSize {
		return fmt.Errorf("%s: BAR%d is %s: %w", info.Loc, p2aBAR, bar, ErrNoBAR)
	}
	r, err := b.mapper.Map(bar.Base, p2aMapSize, pmem.FlagRead|pmem.FlagWrite)
	if err != nil {
		return fmt.Errorf("%s: %w", info.Loc, err)
	}
	b.m.Lock()
	b.bar1 = r
	b.loc = info.Loc
	b.f004 = ^uint32(0)
	b.m.Unlock()

	scu, err := b.Map("scu", SCUAddr, pmem.PgSize)
	if err != nil {
		return err
	}
	b.rev = scu.Read32(SCURevID)
	chip, step := ChipName(b.rev)
	b.log.Info("Aspeed bridge started", "device", info.Loc.String(), "chip", chip, "step", step)
	return nil
}

func (b *Bridge) Stop() {
	b.m.Lock()
	defer b.m.Unlock()
	b.bar1 = nil
}

// Rev is the SCU silicon revision read at start.
func (b *Bridge) Rev() uint32 { return b.rev }

// Map returns a region of AHB space reached through the bridge.
func (b *Bridge) Map(name string, ahbAddr int64, size int64) (pmem.Region, error) {
	b.m.Lock()
	defer b.m.Unlock()
	if b.bar1 == nil {
		return nil, fmt.Errorf("%s: bridge not started", Name)
	}
	if size == 0 {
		size = pmem.PgSize
	}
	return &AhbRegion{p2a: b, name: name, start: ahbAddr, size: size}, nil
}

// setIndex selects the 64KiB AHB page holding offset. Called with b.m held.
func (b *Bridge) setIndex(offset int64) {
	page := uint32(offset) & 0xffff0000
	if b.f004 != page {
		b.bar1.Write32(p2aPage, page)
		b.bar1.Write32(p2aEnable, 1)
		b.f004 = page
	}
}

// AhbRegion is a pmem.Region over AHB addresses.
type AhbRegion struct {
	p2a         *Bridge
	name        string
	start, size int64
}

func (m *AhbRegion) Name() string { return m.name }
func (m *AhbRegion) Phys() uint64 { return uint64(m.start) }
func (m *AhbRegion) Len() int64   { return m.size }

func (m *AhbRegion) check(offset int64) int64 {
	if offset < 0 || offset >= m.size {
		panic(fmt.Sprintf("%s: offset %#x out of bounds", m.name, offset))
	}
	return m.start + offset
}

func (m *AhbRegion) Read32(offset int64) uint32 {
	offset = m.check(offset)
	p2a := m.p2a
	p2a.m.Lock()
	defer p2a.m.Unlock()
	p2a.setIndex(offset)
	rc := p2a.bar1.Read32(p2aWindow + offset&0xffff)
	p2a.log.V(3).Info("ahb read", "addr", fmt.Sprintf("0x%08x", offset), "val", fmt.Sprintf("0x%08x", rc))
	return rc
}

func (m *AhbRegion) Read8(offset int64) uint8 {
	offset = m.check(offset)
	p2a := m.p2a
	p2a.m.Lock()
	defer p2a.m.Unlock()
	p2a.setIndex(offset)
	return p2a.bar1.Read8(p2aWindow + offset&0xffff)
}

func (m *AhbRegion) Write32(offset int64, val uint32) {
	offset = m.check(offset)
	p2a := m.p2a
	p2a.log.V(3).Info("ahb write", "addr", fmt.Sprintf("0x%08x", offset), "val", fmt.Sprintf("0x%08x", val))
	p2a.m.Lock()
	defer p2a.m.Unlock()
	p2a.setIndex(offset)
	if !p2a.NoWrite {
		p2a.bar1.Write32(p2aWindow+offset&0xffff, val)
	}
	_ = p2a.bar1.Read32(p2aFlush)
}

func (m *AhbRegion) Write8(offset int64, val uint8) {
	offset = m.check(offset)
	p2a := m.p2a
	p2a.m.Lock()
	defer p2a.m.Unlock()
	p2a.setIndex(offset)
	if !p2a.NoWrite {
		p2a.bar1.Write8(p2aWindow+offset&0xffff, val)
	}
	_ = p2a.bar1.Read32(p2aFlush)
}

// ChipName decodes the SCU revision id into a chip name and stepping.
func ChipName(id uint32) (string, int) {
	step := (id >> 16) & 0xff
	if step == 3 {
		step = 2
	} else if step == 2 {
		step = 99
	}
	switch id &^ 0xff0000 {
	case 0x04000303:
		return "2500", int(step)
	case 0x02000303:
		return "2400", int(step)
	case 0x04000103:
		return "2510", int(step)
	case 0x04000203:
		return "2520", int(step)
	case 0x04000403:
		return "2530", int(step)
	}
	return "-unknown-", int(step)
}
