package pmem

import (
	"encoding/binary"
	"os"
	"sync"
)

// FileRegion accesses physical memory with pread/pwrite instead of mmap.
// A failed access reads as all-ones and is kept in Err.
type FileRegion struct {
	name string
	fd   *os.File
	base int64
	len  int64

	mu  sync.Mutex
	err error
}

func (m *FileRegion) setErr(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
}

// Err returns the first access error, if any.
func (m *FileRegion) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *FileRegion) Read32(offset int64) uint32 {
	var b [4]byte
	n, err := m.fd.ReadAt(b[:], offset+m.base)
	if err != nil || n != 4 {
		m.setErr(err)
		return ^uint32(0)
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (m *FileRegion) Read8(offset int64) uint8 {
	var b [1]byte
	n, err := m.fd.ReadAt(b[:], offset+m.base)
	if err != nil || n != 1 {
		m.setErr(err)
		return 0xff
	}
	return b[0]
}

func (m *FileRegion) Write32(offset int64, val uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], val)
	n, err := m.fd.WriteAt(b[:], offset+m.base)
	if err != nil || n != 4 {
		m.setErr(err)
	}
}

func (m *FileRegion) Write8(offset int64, val uint8) {
	n, err := m.fd.WriteAt([]byte{val}, offset+m.base)
	if err != nil || n != 1 {
		m.setErr(err)
	}
}

func (m *FileRegion) Name() string { return m.name }
func (m *FileRegion) Phys() uint64 { return uint64(m.base) }
func (m *FileRegion) Len() int64   { return m.len }

// FileMapper hands out FileRegions over Path (DevName by default).
type FileMapper struct {
	Path string

	maps mapCache
}

func (fm *FileMapper) Map(phys uint64, size int64, flags Flags) (Region, error) {
	path := fm.Path
	if path == "" {
		path = DevName
	}
	return fm.maps.mapPages(phys, size, flags, func(base uint64, ioLen int64) (Region, error) {
		openFlag := os.O_RDONLY
		if flags.write() {
			openFlag = os.O_RDWR
		}
		fd, err := os.OpenFile(path, openFlag, 0666)
		if err != nil {
			return nil, err
		}
		return &FileRegion{name: path, fd: fd, base: int64(base), len: ioLen}, nil
	})
}

func (fm *FileMapper) Close() error {
	fm.maps.each(func(r Region) {
		if f, ok := r.(*FileRegion); ok {
			f.fd.Close()
		}
	})
	return nil
}
