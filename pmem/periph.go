package pmem

import (
	"fmt"

	hostpmem "periph.io/x/periph/host/pmem"
)

// PeriphMapper maps through periph's host/pmem, which goes through /dev/mem
// on Linux and fails cleanly elsewhere.
type PeriphMapper struct {
	maps mapCache
}

func (p *PeriphMapper) Map(phys uint64, size int64, flags Flags) (Region, error) {
	return p.maps.mapPages(phys, size, flags, func(base uint64, ioLen int64) (Region, error) {
		v, err := hostpmem.Map(base, int(ioLen))
		if err != nil {
			return nil, fmt.Errorf("periph: map %#x+%#x: %w", base, ioLen, err)
		}
		r := NewMemRegion("periph", base, []byte(v.Slice))
		r.closer = v
		return r, nil
	})
}

func (p *PeriphMapper) Close() error {
	var first error
	p.maps.each(func(r Region) {
		if m, ok := r.(*MemRegion); ok {
			if err := m.Close(); err != nil && first == nil {
				first = err
			}
		}
	})
	return first
}
