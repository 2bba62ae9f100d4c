package driver

import (
	"fmt"

	"github.com/lprylli/kpci/pci"
)

// Matcher decides whether a driver handles a device.
type Matcher interface {
	Match(info *pci.DeviceInfo) bool
}

type MatcherFunc func(info *pci.DeviceInfo) bool

func (f MatcherFunc) Match(info *pci.DeviceInfo) bool { return f(info) }

// IDMatcher matches a vendor/device pair. A Device of AnyID matches every
// device of the vendor.
type IDMatcher struct {
	Vendor uint16
	Device uint16
}

const AnyID = 0xffff

func MatchID(vendor, device uint16) IDMatcher {
	return IDMatcher{Vendor: vendor, Device: device}
}

func (m IDMatcher) Match(info *pci.DeviceInfo) bool {
	return info.VendorID == m.Vendor && (m.Device == AnyID || info.DeviceID == m.Device)
}

func (m IDMatcher) String() string {
	return fmt.Sprintf("id %04x:%04x", m.Vendor, m.Device)
}

// ClassMatcher matches a class and subclass; ProgIF is only compared when
// AnyProgIF is false.
type ClassMatcher struct {
	Class     uint8
	Subclass  uint8
	ProgIF    uint8
	AnyProgIF bool
}

func MatchClass(class, subclass uint8) ClassMatcher {
	return ClassMatcher{Class: class, Subclass: subclass, AnyProgIF: true}
}

func (m ClassMatcher) Match(info *pci.DeviceInfo) bool {
	if info.Class != m.Class || info.Subclass != m.Subclass {
		return false
	}
	return m.AnyProgIF || info.ProgIF == m.ProgIF
}

func (m ClassMatcher) String() string {
	return fmt.Sprintf("class %02x%02x", m.Class, m.Subclass)
}

// MatchAny matches when one of ms does.
func MatchAny(ms ...Matcher) Matcher {
	return MatcherFunc(func(info *pci.DeviceInfo) bool {
		for _, m := range ms {
			if m.Match(info) {
				return true
			}
		}
		return false
	})
}
