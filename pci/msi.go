package pci

// MSIControl is the MSI message control word:
//
//	[0] enable [3:1] multiple message capable [6:4] multiple message enable
//	[7] 64-bit address capable [8] per-vector masking capable
type MSIControl struct {
	Enabled                bool
	MultipleMessageCapable uint8
	MultipleMessageEnable  uint8
	Addr64                 bool
	PerVectorMask          bool
}

func ParseMSIControl(ctrl uint16) MSIControl {
	return MSIControl{
		Enabled:                ctrl&0x1 != 0,
		MultipleMessageCapable: uint8(ctrl>>1) & 0x7,
		MultipleMessageEnable:  uint8(ctrl>>4) & 0x7,
		Addr64:                 ctrl&(1<<7) != 0,
		PerVectorMask:          ctrl&(1<<8) != 0,
	}
}

// Vectors is 2^MultipleMessageCapable. Encodings 6 and 7 are reserved and
// capped at the 32 vector maximum.
func (c MSIControl) Vectors() uint8 {
	mmc := c.MultipleMessageCapable
	if mmc > 5 {
		mmc = 5
	}
	return 1 << mmc
}

// MSIXControl is the MSI-X message control word:
//
//	[10:0] table size - 1 [14] function mask [15] enable
type MSIXControl struct {
	TableSize    uint16
	FunctionMask bool
	Enabled      bool
}

func ParseMSIXControl(ctrl uint16) MSIXControl {
	return MSIXControl{
		TableSize:    ctrl&0x7ff + 1,
		FunctionMask: ctrl&(1<<14) != 0,
		Enabled:      ctrl&(1<<15) != 0,
	}
}

// ParseMSIXTable splits a table (or PBA) offset/BIR dword: [2:0] BAR
// index, the rest is the offset inside that BAR.
func ParseMSIXTable(word uint32) (bir uint8, offset uint32) {
	return uint8(word & 0x7), word &^ 0x7
}

// DecodeMSI reads the MSI capability at off. The message address is
// normalized to 64 bits: the data register follows the address at +8 for
// 32-bit capabilities and at +12 for 64-bit ones.
func (d *Dev) DecodeMSI(off int) (Capability, MSI) {
	ctrl := ParseMSIControl(d.capRead16(off + 2))
	lo := d.capRead32(off + 4)
	var hi uint32
	dataOff := off + 8
	if ctrl.Addr64 {
		hi = d.capRead32(off + 8)
		dataOff = off + 12
	}
	msi := MSI{
		Vectors:  ctrl.Vectors(),
		Addr64:   ctrl.Addr64,
		Maskable: ctrl.PerVectorMask,
		MsgAddr:  uint64(hi)<<32 | uint64(lo),
		MsgData:  d.capRead16(dataOff),
	}
	return Capability{ID: PCI_CAP_ID_MSI, Offset: uint8(off), Payload: MSICap{Control: ctrl}}, msi
}

// DecodeMSIX reads the MSI-X capability at off. The vector table itself is
// not touched here, see ProbeMSIX.
func (d *Dev) DecodeMSIX(off int) (Capability, MSIX) {
	ctrl := ParseMSIXControl(d.capRead16(off + 2))
	bir, tableOff := ParseMSIXTable(d.capRead32(off + 4))
	pbaBir, pbaOff := ParseMSIXTable(d.capRead32(off + 8))
	msix := MSIX{
		TableBAR:     bir,
		TableOffset:  tableOff,
		TableSize:    ctrl.TableSize,
		TablePresent: true,
		PBABAR:       pbaBir,
		PBAOffset:    pbaOff,
	}
	return Capability{ID: PCI_CAP_ID_MSIX, Offset: uint8(off), Payload: MSIXCap{Control: ctrl}}, msix
}
