//go:build linux || freebsd

package pmem

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// DevMemMapper mmaps DevName. Mappings stay until Close.
type DevMemMapper struct {
	maps mapCache

	mu           sync.Mutex
	memRW, memRO *os.File
}

func (d *DevMemMapper) getFile(write bool) (f *os.File, prot int, err error) {
	var memPtr **os.File
	var openFlag int

	d.mu.Lock()
	defer d.mu.Unlock()
	if write {
		memPtr = &d.memRW
		openFlag = os.O_RDWR | os.O_SYNC
		prot = unix.PROT_WRITE | unix.PROT_READ
	} else {
		memPtr = &d.memRO
		openFlag = os.O_RDONLY | os.O_SYNC
		prot = unix.PROT_READ
	}
	if *memPtr == nil {
		*memPtr, err = os.OpenFile(DevName, openFlag, 0666)
		if err != nil {
			return nil, 0, err
		}
	}
	return *memPtr, prot, nil
}

func (d *DevMemMapper) Map(phys uint64, size int64, flags Flags) (Region, error) {
	return d.maps.mapPages(phys, size, flags, func(base uint64, ioLen int64) (Region, error) {
		f, prot, err := d.getFile(flags.write())
		if err != nil {
			return nil, err
		}
		data, err := unix.Mmap(int(f.Fd()), int64(base), int(ioLen), prot, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("%s: mmap %#x+%#x: %w", DevName, base, ioLen, err)
		}
		return NewMemRegion(DevName, base, data), nil
	})
}

func (d *DevMemMapper) Close() error {
	var first error
	d.maps.each(func(r Region) {
		if m, ok := r.(*MemRegion); ok {
			if err := unix.Munmap(m.mem); err != nil && first == nil {
				first = err
			}
		}
	})
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range []**os.File{&d.memRW, &d.memRO} {
		if *f != nil {
			(*f).Close()
			*f = nil
		}
	}
	return first
}
