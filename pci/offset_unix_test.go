//go:build linux || freebsd

package pci_test

import (
	"encoding/binary"
	"errors"
	"testing"
	"unsafe"

	"github.com/go-logr/logr/testr"
	"golang.org/x/sys/unix"

	"github.com/lprylli/kpci/pci"
)

// TestScanPhysOffset reaches the MSI-X table through a raw physical offset.
// An anonymous mapping stands in for the linearly mapped BAR0.
func TestScanPhysOffset(t *testing.T) {
	m, loc := msixFixture(0, false)
	bar0, err := unix.Mmap(-1, 0, 0x4000, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("Mmap() error = %v", err)
	}
	t.Cleanup(func() { _ = unix.Munmap(bar0) })
	binary.LittleEndian.PutUint32(bar0[0x2000+12:], 1)
	off := uint64(uintptr(unsafe.Pointer(&bar0[0]))) - tableBase

	devs, err := pci.NewEnumerator(testr.New(t), m, pci.WithPhysOffset(off)).Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(devs) != 1 || devs[0].Loc != loc {
		t.Fatalf("Scan() = %v, want one device at %s", devs, loc)
	}
	info := devs[0]
	l := info.MSIXResources()
	if len(l) != 1 {
		t.Fatalf("got %d MSI-X resources", len(l))
	}
	msix := l[0].Kind.(pci.MSIX)
	if msix.Trust != pci.TrustHeuristic || !msix.FirstEntryMasked {
		t.Errorf("MSI-X = %v, want heuristic with entry 0 masked", msix)
	}
	if len(info.Faults) != 1 || !errors.Is(info.Faults[0], pci.ErrUnsafeProbe) {
		t.Errorf("faults = %v, want one ErrUnsafeProbe", info.Faults)
	}
}
