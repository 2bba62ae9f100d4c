package pci_test

import (
	"errors"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"

	"github.com/lprylli/kpci/pci"
	"github.com/lprylli/kpci/pci/pcisim"
	"github.com/lprylli/kpci/pmem"
)

func TestParseMSIControl(t *testing.T) {
	tests := []struct {
		ctrl    uint16
		want    pci.MSIControl
		vectors uint8
	}{
		{0x0000, pci.MSIControl{}, 1},
		{0x0086, pci.MSIControl{MultipleMessageCapable: 3, Addr64: true}, 8},
		{0x0187, pci.MSIControl{Enabled: true, MultipleMessageCapable: 3, Addr64: true, PerVectorMask: true}, 8},
		{0x00a1, pci.MSIControl{Enabled: true, MultipleMessageEnable: 2, Addr64: true}, 1},
		{0x000a, pci.MSIControl{MultipleMessageCapable: 5}, 32},
		{0x000e, pci.MSIControl{MultipleMessageCapable: 7}, 32},
	}
	for _, tt := range tests {
		got := pci.ParseMSIControl(tt.ctrl)
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("ParseMSIControl(%#04x) mismatch (-want +got):\n%s", tt.ctrl, diff)
		}
		if v := got.Vectors(); v != tt.vectors {
			t.Errorf("ParseMSIControl(%#04x).Vectors() = %d, want %d", tt.ctrl, v, tt.vectors)
		}
	}
}

func TestParseMSIXControl(t *testing.T) {
	tests := []struct {
		ctrl uint16
		want pci.MSIXControl
	}{
		{0x0000, pci.MSIXControl{TableSize: 1}},
		{0xc007, pci.MSIXControl{TableSize: 8, FunctionMask: true, Enabled: true}},
		{0x87ff, pci.MSIXControl{TableSize: 2048, Enabled: true}},
	}
	for _, tt := range tests {
		if got := pci.ParseMSIXControl(tt.ctrl); got != tt.want {
			t.Errorf("ParseMSIXControl(%#04x) = %+v, want %+v", tt.ctrl, got, tt.want)
		}
	}
	bir, off := pci.ParseMSIXTable(0x00002003)
	if bir != 3 || off != 0x2000 {
		t.Errorf("ParseMSIXTable() = %d, %#x", bir, off)
	}
}

func TestDecodeMSI(t *testing.T) {
	tests := []struct {
		name     string
		vectors  int
		addr64   bool
		maskable bool
		addr     uint64
		data     uint16
	}{
		{"64-bit", 8, true, false, 0x1_fee0_1000, 0x4055},
		{"32-bit maskable", 1, false, true, 0xfee00000, 0x0021},
		{"64-bit maskable", 32, true, true, 0xffff_ffff_fee0_0000, 0xffff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := pcisim.NewMachine()
			loc := pci.MustLocation(0, 7, 0)
			f := pcisim.NewFunction(0x1af4, 0x1041)
			off := f.MSI(tt.vectors, tt.addr64, tt.maskable, tt.addr, tt.data)
			m.Add(loc, f)

			c, msi := pci.NewDev(m, loc).DecodeMSI(off)
			want := pci.MSI{
				Vectors:  uint8(tt.vectors),
				Addr64:   tt.addr64,
				Maskable: tt.maskable,
				MsgAddr:  tt.addr,
				MsgData:  tt.data,
			}
			if !tt.addr64 {
				want.MsgAddr = uint64(uint32(tt.addr))
			}
			if diff := cmp.Diff(want, msi); diff != "" {
				t.Errorf("DecodeMSI() mismatch (-want +got):\n%s", diff)
			}
			if c.ID != pci.PCI_CAP_ID_MSI || int(c.Offset) != off {
				t.Errorf("capability = %v", c)
			}
		})
	}
}

// heuristicMapper stands for a mapping nobody verified.
type heuristicMapper struct {
	pmem.Mapper
}

func (heuristicMapper) Heuristic() bool { return true }

const tableBase = 0xfe000000

func msixFixture(bir uint8, masked bool) (*pcisim.Machine, pci.Location) {
	m := pcisim.NewMachine()
	loc := pci.MustLocation(0, 8, 0)
	f := pcisim.NewFunction(0x8086, 0x10fb).
		BAR32(0, tableBase, 0x4000, false).
		IOBAR(2, 0xe000, 0x20, true)
	f.MSIX(8, bir, 0x2000, 0, 0x3000)
	m.Add(loc, f)
	mem := m.AddMemory("bar0", tableBase, 0x4000)
	if masked {
		mem.Write32(0x2000+12, 1)
	}
	return m, loc
}

func probeMSIX(t *testing.T, cs pci.ConfigSpace, loc pci.Location, opts ...pci.Option) (pci.DeviceInfo, pci.MSIX) {
	t.Helper()
	info, err := pci.NewEnumerator(testr.New(t), cs, opts...).Probe(loc)
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	l := info.MSIXResources()
	if len(l) != 1 {
		t.Fatalf("got %d MSI-X resources", len(l))
	}
	return info, l[0].Kind.(pci.MSIX)
}

func TestMSIXProbeVerified(t *testing.T) {
	m, loc := msixFixture(0, true)
	info, msix := probeMSIX(t, m, loc, pci.WithMapper(m))
	want := pci.MSIX{
		TableBAR:         0,
		TableOffset:      0x2000,
		TableSize:        8,
		TablePresent:     true,
		FirstEntryMasked: true,
		Trust:            pci.TrustVerified,
		PBABAR:           0,
		PBAOffset:        0x3000,
	}
	if diff := cmp.Diff(want, msix); diff != "" {
		t.Errorf("MSI-X mismatch (-want +got):\n%s", diff)
	}
	if len(info.Faults) != 0 {
		t.Errorf("faults = %v", info.Faults)
	}
	for _, c := range info.Capabilities {
		if p, ok := c.Payload.(pci.MSIXCap); ok && p.Trust != pci.TrustVerified {
			t.Errorf("capability trust = %s", p.Trust)
		}
	}

	m, loc = msixFixture(0, false)
	_, msix = probeMSIX(t, m, loc, pci.WithMapper(m))
	if msix.FirstEntryMasked {
		t.Error("unmasked entry reported as masked")
	}
}

func TestMSIXProbeHeuristic(t *testing.T) {
	m, loc := msixFixture(0, true)
	info, msix := probeMSIX(t, m, loc, pci.WithMapper(heuristicMapper{m}))
	if msix.Trust != pci.TrustHeuristic || !msix.FirstEntryMasked {
		t.Errorf("MSI-X = %v", msix)
	}
	if len(info.Faults) != 1 || !errors.Is(info.Faults[0], pci.ErrUnsafeProbe) {
		t.Errorf("faults = %v, want one ErrUnsafeProbe", info.Faults)
	}
}

func TestMSIXProbeNoMapper(t *testing.T) {
	m, loc := msixFixture(0, true)
	before := m.Reads
	info, msix := probeMSIX(t, m, loc)
	if msix.Trust != pci.TrustNone || msix.FirstEntryMasked || !msix.TablePresent {
		t.Errorf("MSI-X = %v", msix)
	}
	if len(info.Faults) != 0 {
		t.Errorf("faults = %v", info.Faults)
	}
	if m.Reads == before {
		t.Error("no configuration reads recorded")
	}
}

func TestMSIXProbeBadTableBAR(t *testing.T) {
	for _, bir := range []uint8{2, 5} {
		m, loc := msixFixture(bir, true)
		info, msix := probeMSIX(t, m, loc, pci.WithMapper(m))
		if msix.Trust != pci.TrustNone || msix.FirstEntryMasked {
			t.Errorf("BAR%d: MSI-X = %v", bir, msix)
		}
		if len(info.Faults) != 1 || !errors.Is(info.Faults[0], pci.ErrMSIXTableBAR) {
			t.Errorf("BAR%d: faults = %v, want ErrMSIXTableBAR", bir, info.Faults)
		}
	}
}

func TestProbeMSIXDirect(t *testing.T) {
	masked, trust, err := pci.ProbeMSIX(nil, tableBase)
	if masked || trust != pci.TrustNone || err != nil {
		t.Errorf("ProbeMSIX(nil) = %t, %s, %v", masked, trust, err)
	}
	m := pcisim.NewMachine()
	if _, _, err := pci.ProbeMSIX(m, tableBase); err == nil {
		t.Error("ProbeMSIX() of unbacked memory should fail")
	}
}
