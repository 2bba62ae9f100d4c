package pci

import (
	"errors"
	"fmt"

	"github.com/lprylli/kpci/pmem"
)

// ErrUnsafeProbe marks an MSI-X table read through an unverified mapping.
// It is informational: callers decide whether to trust FirstEntryMasked.
var ErrUnsafeProbe = errors.New("unsafe MSI-X table probe")

var ErrMSIXTableBAR = errors.New("MSI-X table BAR not implemented")

// Trust is how a value read from device memory was obtained.
type Trust int

const (
	// TrustNone: the table was not read.
	TrustNone Trust = iota
	// TrustVerified: read through a mapping provided by the memory subsystem.
	TrustVerified
	// TrustHeuristic: read at a raw physical offset nobody checked.
	TrustHeuristic
)

func (t Trust) String() string {
	switch t {
	case TrustVerified:
		return "verified"
	case TrustHeuristic:
		return "heuristic"
	}
	return "unprobed"
}

const (
	msixEntrySize     = 16
	msixVectorControl = 12
	msixVectorMasked  = 0x1
)

// ProbeMSIX reads the Vector Control dword of the first MSI-X table entry
// at tablePhys. It only reads; nothing is unmasked or enabled. A nil
// mapper returns TrustNone without touching memory.
func ProbeMSIX(m pmem.Mapper, tablePhys uint64) (masked bool, trust Trust, err error) {
	if m == nil {
		return false, TrustNone, nil
	}
	r, err := m.Map(tablePhys, msixEntrySize, pmem.FlagRead)
	if err != nil {
		return false, TrustNone, fmt.Errorf("MSI-X table at %#x: %w", tablePhys, err)
	}
	trust = TrustVerified
	if pmem.IsHeuristic(m) {
		trust = TrustHeuristic
	}
	vctrl := r.Read32(msixVectorControl)
	return vctrl&msixVectorMasked != 0, trust, nil
}

// probeMSIXTable fills the live fields of msix from the device table.
// bars are the resources decoded from the same function.
func probeMSIXTable(m pmem.Mapper, loc Location, bars []Resource, msix *MSIX) error {
	var bar *Resource
	for i := range bars {
		if bars[i].BAR == int(msix.TableBAR) {
			bar = &bars[i]
			break
		}
	}
	if bar == nil {
		return fmt.Errorf("%s: BAR%d: %w", loc, msix.TableBAR, ErrMSIXTableBAR)
	}
	if _, ok := bar.Kind.(MMIO); !ok {
		return fmt.Errorf("%s: BAR%d is not memory: %w", loc, msix.TableBAR, ErrMSIXTableBAR)
	}
	masked, trust, err := ProbeMSIX(m, bar.Base+uint64(msix.TableOffset))
	if err != nil {
		return fmt.Errorf("%s: %w", loc, err)
	}
	msix.FirstEntryMasked = masked
	msix.Trust = trust
	if trust == TrustHeuristic {
		return fmt.Errorf("%s: %w: raw physical offset mapping", loc, ErrUnsafeProbe)
	}
	return nil
}
