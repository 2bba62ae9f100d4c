package pcisim

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lprylli/kpci/pci"
)

// Topology is the YAML description of a simulated machine.
//
//	functions:
//	  - location: "00:03.0"
//	    vendor: 0x8086
//	    device: 0x100e
//	    class: [0x02, 0x00, 0x00]
//	    bars:
//	      - {index: 0, type: mem64, base: 0xfe000000, size: 0x4000, prefetchable: true}
//	    capabilities:
//	      - {type: msi, vectors: 4, addr64: true, address: 0xfee00000, data: 0x4021}
type Topology struct {
	Functions []FunctionSpec `yaml:"functions"`
}

type FunctionSpec struct {
	Location      string           `yaml:"location"`
	Vendor        uint16           `yaml:"vendor"`
	Device        uint16           `yaml:"device"`
	Class         []uint8          `yaml:"class"`
	Revision      uint8            `yaml:"revision"`
	Header        uint8            `yaml:"header"`
	MultiFunction bool             `yaml:"multifunction"`
	IRQ           *IRQSpec         `yaml:"irq"`
	BARs          []BARSpec        `yaml:"bars"`
	Capabilities  []CapabilitySpec `yaml:"capabilities"`
}

type IRQSpec struct {
	Line uint8 `yaml:"line"`
	Pin  uint8 `yaml:"pin"`
}

type BARSpec struct {
	Index        int    `yaml:"index"`
	Type         string `yaml:"type"` // mem32, mem64 or io
	Base         uint64 `yaml:"base"`
	Size         uint64 `yaml:"size"`
	Prefetchable bool   `yaml:"prefetchable"`
	IO16         bool   `yaml:"io16"`
	// Backed allocates simulated memory behind a memory BAR.
	Backed bool `yaml:"backed"`
}

type CapabilitySpec struct {
	Type string `yaml:"type"` // msi, msix, pm, pcie

	// msi
	Vectors  int    `yaml:"vectors"`
	Addr64   bool   `yaml:"addr64"`
	Maskable bool   `yaml:"maskable"`
	Address  uint64 `yaml:"address"`
	Data     uint16 `yaml:"data"`

	// msix
	Size        int    `yaml:"size"`
	BAR         uint8  `yaml:"bar"`
	Offset      uint32 `yaml:"offset"`
	PBABAR      uint8  `yaml:"pba_bar"`
	PBAOffset   uint32 `yaml:"pba_offset"`
	FirstMasked bool   `yaml:"first_masked"`

	// pm
	PMC   uint16 `yaml:"pmc"`
	PMCSR uint16 `yaml:"pmcsr"`

	// pcie
	Port      int    `yaml:"port"`
	DeviceCap uint32 `yaml:"device_cap"`
}

var ErrTopology = errors.New("invalid topology")

// LoadTopology reads a topology file and builds the machine.
func LoadTopology(path string) (*Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology file: %w", err)
	}
	return ParseTopology(data)
}

func ParseTopology(data []byte) (*Machine, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	return t.Build()
}

// Build creates the machine described by t.
func (t *Topology) Build() (*Machine, error) {
	m := NewMachine()
	for i := range t.Functions {
		fs := &t.Functions[i]
		loc, err := pci.ParseLocation(fs.Location)
		if err != nil {
			return nil, fmt.Errorf("%w: function %d: %w", ErrTopology, i, err)
		}
		if m.Function(loc) != nil {
			return nil, fmt.Errorf("%w: %s defined twice", ErrTopology, loc)
		}
		f, err := fs.build(m, loc)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrTopology, loc, err)
		}
		m.Add(loc, f)
	}
	return m, nil
}

func isPow2(v uint64) bool { return v != 0 && v&(v-1) == 0 }

func (fs *FunctionSpec) build(m *Machine, loc pci.Location) (*Function, error) {
	f := NewFunction(fs.Vendor, fs.Device)
	var class [3]uint8
	copy(class[:], fs.Class)
	f.Class(class[0], class[1], class[2], fs.Revision)
	f.Header(fs.Header)
	if fs.MultiFunction {
		f.MultiFunction()
	}
	if fs.IRQ != nil {
		f.IRQ(fs.IRQ.Line, fs.IRQ.Pin)
	}
	bars := make(map[int]BARSpec)
	for _, b := range fs.BARs {
		if b.Index < 0 || b.Index > 5 {
			return nil, fmt.Errorf("BAR index %d", b.Index)
		}
		if !isPow2(b.Size) {
			return nil, fmt.Errorf("BAR%d: size %#x is not a power of two", b.Index, b.Size)
		}
		switch b.Type {
		case "mem32", "":
			f.BAR32(b.Index, uint32(b.Base), uint32(b.Size), b.Prefetchable)
		case "mem64":
			if b.Index > 4 {
				return nil, fmt.Errorf("BAR%d: 64-bit BAR in last slot", b.Index)
			}
			f.BAR64(b.Index, b.Base, b.Size, b.Prefetchable)
		case "io":
			f.IOBAR(b.Index, uint32(b.Base), uint32(b.Size), b.IO16)
		default:
			return nil, fmt.Errorf("BAR%d: unknown type %q", b.Index, b.Type)
		}
		if b.Backed && b.Type != "io" {
			m.AddMemory(fmt.Sprintf("%s/BAR%d", loc, b.Index), b.Base&^(b.Size-1), int(b.Size))
		}
		bars[b.Index] = b
	}
	for _, c := range fs.Capabilities {
		switch c.Type {
		case "msi":
			f.MSI(c.Vectors, c.Addr64, c.Maskable, c.Address, c.Data)
		case "msix":
			if c.Size < 1 || c.Size > 2048 {
				return nil, fmt.Errorf("MSI-X table size %d", c.Size)
			}
			f.MSIX(c.Size, c.BAR, c.Offset, c.PBABAR, c.PBAOffset)
			if c.FirstMasked {
				if err := maskFirstEntry(m, bars, c); err != nil {
					return nil, err
				}
			}
		case "pm":
			f.PM(c.PMC, c.PMCSR)
		case "pcie":
			f.PCIe(c.Port, c.DeviceCap)
		default:
			return nil, fmt.Errorf("unknown capability type %q", c.Type)
		}
	}
	return f, nil
}

// maskFirstEntry sets the mask bit of MSI-X entry 0 in the memory backing
// the table BAR.
func maskFirstEntry(m *Machine, bars map[int]BARSpec, c CapabilitySpec) error {
	b, ok := bars[int(c.BAR)]
	if !ok || !b.Backed {
		return fmt.Errorf("MSI-X table BAR%d is not backed", c.BAR)
	}
	r, err := m.Map(b.Base&^(b.Size-1)+uint64(c.Offset&^7), 16, 0)
	if err != nil {
		return err
	}
	r.Write32(12, 1)
	return nil
}
