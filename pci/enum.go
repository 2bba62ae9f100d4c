package pci

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/lprylli/kpci/pmem"
)

// Sink receives every function found by a scan, typically the driver
// manager's device table.
type Sink interface {
	AddDevice(info DeviceInfo) error
}

// Enumerator walks bus/device/function space in a fixed order. It is meant
// to run once, single threaded, before drivers start.
type Enumerator struct {
	log    logr.Logger
	cs     ConfigSpace
	mapper pmem.Mapper
	sink   Sink

	physOffset        uint64
	firstBus, lastBus int
}

type Option func(*Enumerator)

// WithMapper sets the mapping service used for the MSI-X table probe.
func WithMapper(m pmem.Mapper) Option {
	return func(e *Enumerator) { e.mapper = m }
}

// WithPhysOffset enables the raw physical offset probe, used only when no
// mapper is set. Results obtained that way are tagged TrustHeuristic.
func WithPhysOffset(off uint64) Option {
	return func(e *Enumerator) { e.physOffset = off }
}

func WithBusRange(first, last int) Option {
	return func(e *Enumerator) { e.firstBus, e.lastBus = first, last }
}

func WithSink(s Sink) Option {
	return func(e *Enumerator) { e.sink = s }
}

func NewEnumerator(log logr.Logger, cs ConfigSpace, opts ...Option) *Enumerator {
	e := &Enumerator{
		log:     log,
		cs:      cs,
		lastBus: MaxBus,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.mapper == nil && e.physOffset != 0 {
		e.mapper = pmem.OffsetMapper{Offset: e.physOffset}
	}
	if e.firstBus < 0 {
		e.firstBus = 0
	}
	if e.lastBus > MaxBus {
		e.lastBus = MaxBus
	}
	return e
}

// Scan probes every location of the bus range and returns the functions
// found. A device that fails to decode is kept with its faults; only sink
// errors are returned, after the whole range was scanned.
func (e *Enumerator) Scan() ([]DeviceInfo, error) {
	var devs []DeviceInfo
	var sinkErrs []error
	for bus := e.firstBus; bus <= e.lastBus; bus++ {
		for dev := 0; dev <= MaxDevice; dev++ {
			for _, info := range e.scanSlot(uint8(bus), uint8(dev)) {
				devs = append(devs, info)
				if e.sink == nil {
					continue
				}
				if err := e.sink.AddDevice(info); err != nil {
					sinkErrs = append(sinkErrs, err)
				}
			}
		}
	}
	e.log.V(1).Info("PCI scan done", "devices", len(devs))
	return devs, errors.Join(sinkErrs...)
}

// scanSlot probes function 0 and, for multi-function devices, functions
// 1 to 7.
func (e *Enumerator) scanSlot(bus, dev uint8) []DeviceInfo {
	info, err := e.Probe(Location{Bus: bus, Device: dev})
	if err != nil {
		return nil
	}
	devs := []DeviceInfo{info}
	if !info.MultiFunction {
		return devs
	}
	for fn := uint8(1); fn <= MaxFunction; fn++ {
		loc := Location{Bus: bus, Device: dev, Function: fn}
		info, err := e.Probe(loc)
		if err != nil {
			e.log.V(3).Info("Skipping function", "location", loc.String(), "reason", err.Error())
			continue
		}
		devs = append(devs, info)
	}
	return devs
}

// Probe decodes a single function. It returns ErrNoDevice if nothing
// answers at loc; every other problem is recorded in DeviceInfo.Faults.
func (e *Enumerator) Probe(loc Location) (DeviceInfo, error) {
	vendor, device, err := ReadID(e.cs, loc)
	if err != nil {
		return DeviceInfo{}, err
	}
	d := NewDev(e.cs, loc)
	cr := d.Read32(PCI_CLASS_REVISION)
	ht := d.Read8(PCI_HEADER_TYPE)
	info := DeviceInfo{
		Loc:           loc,
		VendorID:      vendor,
		DeviceID:      device,
		Revision:      uint8(cr),
		ProgIF:        uint8(cr >> 8),
		Subclass:      uint8(cr >> 16),
		Class:         uint8(cr >> 24),
		HeaderType:    ht &^ PCI_HEADER_TYPE_MULTI,
		MultiFunction: ht&PCI_HEADER_TYPE_MULTI != 0,
	}
	log := e.log.WithValues("device", info.Name())

	bars, faults := d.DecodeBARs(ht)
	info.Resources = bars
	info.Faults = faults
	for _, r := range bars {
		log.V(2).Info("BAR decoded", "bar", r.BAR, "resource", r.String())
	}

	if line := d.Read8(PCI_INTERRUPT_LINE); line != 0 && line != 0xff {
		info.Resources = append(info.Resources, Resource{
			Kind: INTx{Line: line, Pin: d.Read8(PCI_INTERRUPT_PIN)},
			BAR:  -1,
		})
	}

	refs, err := d.WalkCapabilities()
	if err != nil {
		log.Info("Capability walk truncated", "error", err.Error())
		info.Faults = append(info.Faults, err)
	}
	e.decodeCapabilities(d, &info, refs, bars)
	for _, c := range info.Capabilities {
		log.V(2).Info("Capability decoded", "capability", c.String())
	}

	log.V(1).Info("Found pci device",
		"class", ClassName(info.Class, info.Subclass, info.ProgIF),
		"resources", len(info.Resources), "capabilities", len(info.Capabilities))
	return info, nil
}

func (e *Enumerator) decodeCapabilities(d *Dev, info *DeviceInfo, refs []CapRef, bars []Resource) {
	var haveMSI, haveMSIX bool
	for _, ref := range refs {
		off := int(ref.Offset)
		switch ref.ID {
		case PCI_CAP_ID_MSI:
			c, msi := d.DecodeMSI(off)
			info.Capabilities = append(info.Capabilities, c)
			if haveMSI {
				e.log.Info("Ignoring second MSI capability", "device", info.Name(), "offset", fmt.Sprintf("%#02x", off))
				continue
			}
			haveMSI = true
			info.Resources = append(info.Resources, Resource{Kind: msi, BAR: -1})
		case PCI_CAP_ID_MSIX:
			c, msix := d.DecodeMSIX(off)
			if haveMSIX {
				info.Capabilities = append(info.Capabilities, c)
				e.log.Info("Ignoring second MSI-X capability", "device", info.Name(), "offset", fmt.Sprintf("%#02x", off))
				continue
			}
			haveMSIX = true
			if err := probeMSIXTable(e.mapper, info.Loc, bars, &msix); err != nil {
				info.Faults = append(info.Faults, err)
			}
			c.Payload = MSIXCap{Control: c.Payload.(MSIXCap).Control, Trust: msix.Trust}
			info.Capabilities = append(info.Capabilities, c)
			info.Resources = append(info.Resources, Resource{Kind: msix, BAR: -1})
		default:
			info.Capabilities = append(info.Capabilities, d.decodeCapability(ref))
		}
	}
}
