//go:build !linux && !freebsd

package pmem

import "fmt"

// DevMemMapper needs mmap of DevName, which this OS does not offer.
type DevMemMapper struct{}

func (*DevMemMapper) Map(phys uint64, size int64, flags Flags) (Region, error) {
	return nil, fmt.Errorf("pmem: %s mapping not supported on this OS", DevName)
}

func (*DevMemMapper) Close() error { return nil }
