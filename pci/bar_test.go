package pci_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lprylli/kpci/pci"
	"github.com/lprylli/kpci/pci/pcisim"
)

func TestParseBAR(t *testing.T) {
	tests := []struct {
		val  uint32
		want pci.BARFlags
	}{
		{0xc001, pci.BARFlags{IO: true, Width: 32}},
		{0xfebf0000, pci.BARFlags{Width: 32}},
		{0xfe000004, pci.BARFlags{Width: 64}},
		{0xfe00000c, pci.BARFlags{Width: 64, Prefetchable: true}},
		{0x00000008, pci.BARFlags{Width: 32, Prefetchable: true}},
		{0x00000002, pci.BARFlags{Width: 0}},
	}
	for _, tt := range tests {
		if got := pci.ParseBAR(tt.val); got != tt.want {
			t.Errorf("ParseBAR(%#08x) = %+v, want %+v", tt.val, got, tt.want)
		}
	}
}

func TestBARSize(t *testing.T) {
	if got := pci.BARSize32(0xffffc000, 0xfffffff0); got != 0x4000 {
		t.Errorf("BARSize32 = %#x, want 0x4000", got)
	}
	if got := pci.BARSize32(0, 0xfffffff0); got != 0 {
		t.Errorf("unimplemented BAR sized to %#x", got)
	}
	if got := pci.BARSize32(0xffffffe1, 0xfffffffc); got != 0x20 {
		t.Errorf("I/O BARSize32 = %#x, want 0x20", got)
	}
	if got := pci.BARSize64(0xffffc00c, 0xffffffff); got != 0x4000 {
		t.Errorf("BARSize64 = %#x, want 0x4000", got)
	}
	if got := pci.BARSize64(0x0000000c, 0xfffffffe); got != 0x200000000 {
		t.Errorf("BARSize64 above 4G = %#x, want 0x200000000", got)
	}
}

func barFixture() (*pcisim.Machine, pci.Location) {
	m := pcisim.NewMachine()
	loc := pci.MustLocation(0, 2, 0)
	m.Add(loc, pcisim.NewFunction(0x15b3, 0x1017).
		BAR32(0, 0xfebf0000, 0x10000, false).
		IOBAR(1, 0xc000, 0x20, true).
		BAR64(2, 0x380000000, 0x100000, true).
		IOBAR(4, 0x00120000, 0x100, false))
	return m, loc
}

func TestDecodeBARs(t *testing.T) {
	m, loc := barFixture()
	res, faults := pci.NewDev(m, loc).DecodeBARs(pci.PCI_HEADER_TYPE_NORMAL)
	if len(faults) != 0 {
		t.Fatalf("unexpected faults: %v", faults)
	}
	want := []pci.Resource{
		{Kind: pci.MMIO{PhysBase: 0xfebf0000, Size: 0x10000}, Base: 0xfebf0000, Size: 0x10000, BAR: 0},
		{Kind: pci.IO{Port: 0xc000, Size: 0x20}, Base: 0xc000, Size: 0x20, BAR: 1},
		{Kind: pci.MMIO{PhysBase: 0x380000000, Size: 0x100000, Prefetchable: true, Is64: true}, Base: 0x380000000, Size: 0x100000, BAR: 2},
		{Kind: pci.IO{Port: 0x00120000, Size: 0x100}, Base: 0x00120000, Size: 0x100, BAR: 4},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("DecodeBARs() mismatch (-want +got):\n%s", diff)
	}
}

// Sizing twice must give the same result and leave every BAR register as
// it was found.
func TestDecodeBARsRestores(t *testing.T) {
	m, loc := barFixture()
	f := m.Function(loc)
	var before [6]uint32
	for i := range before {
		before[i] = f.Peek32(pci.PCI_BASE_ADDRESS_0 + 4*i)
	}
	d := pci.NewDev(m, loc)
	first, _ := d.DecodeBARs(pci.PCI_HEADER_TYPE_NORMAL)
	second, _ := d.DecodeBARs(pci.PCI_HEADER_TYPE_NORMAL)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second sizing differs (-first +second):\n%s", diff)
	}
	for i := range before {
		if got := f.Peek32(pci.PCI_BASE_ADDRESS_0 + 4*i); got != before[i] {
			t.Errorf("BAR%d = %#08x after sizing, was %#08x", i, got, before[i])
		}
	}
}

func TestDecodeBARs64SingleResource(t *testing.T) {
	m := pcisim.NewMachine()
	loc := pci.MustLocation(0, 3, 0)
	m.Add(loc, pcisim.NewFunction(0x1b36, 0x0010).BAR64(0, 0xfe000000, 0x4000, true))
	res, _ := pci.NewDev(m, loc).DecodeBARs(pci.PCI_HEADER_TYPE_NORMAL)
	if len(res) != 1 {
		t.Fatalf("got %d resources, want 1: %v", len(res), res)
	}
	if res[0].BAR != 0 {
		t.Errorf("resource from BAR%d", res[0].BAR)
	}
	if _, ok := res[0].Kind.(pci.MMIO); !ok {
		t.Errorf("kind = %T", res[0].Kind)
	}
}

func TestDecodeBARsBridge(t *testing.T) {
	m := pcisim.NewMachine()
	loc := pci.MustLocation(0, 1, 0)
	m.Add(loc, pcisim.NewFunction(0x8086, 0x2030).
		Header(pci.PCI_HEADER_TYPE_BRIDGE).
		BAR32(0, 0xfe800000, 0x1000, false).
		BAR32(2, 0xfe900000, 0x1000, false))
	m.Writes = 0
	res, _ := pci.NewDev(m, loc).DecodeBARs(pci.PCI_HEADER_TYPE_BRIDGE)
	if len(res) != 1 || res[0].BAR != 0 {
		t.Errorf("bridge resources = %v, want only BAR0", res)
	}
	if m.Writes != 4 {
		t.Errorf("bridge sizing did %d writes, want 4 (two slots)", m.Writes)
	}
	if res, _ := pci.NewDev(m, loc).DecodeBARs(pci.PCI_HEADER_TYPE_CARDBUS); len(res) != 0 {
		t.Errorf("CardBus header decoded %v", res)
	}
}

func TestDecodeBARsFaults(t *testing.T) {
	m := pcisim.NewMachine()
	loc := pci.MustLocation(0, 4, 0)
	m.Add(loc, pcisim.NewFunction(0x1234, 0x5678).
		RawBAR(0, 0x00000002).
		BAR32(1, 0xfd000000, 0x1000, false).
		RawBAR(5, 0x00000004))
	res, faults := pci.NewDev(m, loc).DecodeBARs(pci.PCI_HEADER_TYPE_NORMAL)
	if len(res) != 1 || res[0].BAR != 1 {
		t.Errorf("resources = %v, want BAR1 only", res)
	}
	if len(faults) != 2 {
		t.Fatalf("faults = %v, want 2", faults)
	}
	if !errors.Is(faults[0], pci.ErrReservedBARType) {
		t.Errorf("faults[0] = %v, want ErrReservedBARType", faults[0])
	}
	if !errors.Is(faults[1], pci.ErrTruncatedBAR64) {
		t.Errorf("faults[1] = %v, want ErrTruncatedBAR64", faults[1])
	}
}
