package pci

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/procfs/sysfs"
)

const pciDir = "bus/pci/devices"

// SysConfig reads configuration space through the sysfs "config" file of
// each function. Locations sysfs does not list read as all-ones, like a
// master abort on real hardware.
type SysConfig struct {
	log  logr.Logger
	root string

	mu      sync.Mutex
	present map[Location]string
	fds     map[Location]*os.File
	short   map[Location]bool
}

// NewSysConfig lists the functions under mountPoint (normally /sys).
func NewSysConfig(log logr.Logger, mountPoint string) (*SysConfig, error) {
	if mountPoint == "" {
		mountPoint = sysfs.DefaultMountPoint
	}
	fs, err := sysfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open sysfs: %w", err)
	}
	devices, err := fs.PciDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to read pci devices: %w", err)
	}
	s := &SysConfig{
		log:     log,
		root:    mountPoint,
		present: make(map[Location]string),
		fds:     make(map[Location]*os.File),
		short:   make(map[Location]bool),
	}
	for _, device := range devices {
		if device.Location.Segment != 0 {
			log.V(1).Info("Skipping device outside domain 0", "device", device.Name())
			continue
		}
		loc, err := NewLocation(int(device.Location.Bus), int(device.Location.Device), int(device.Location.Function))
		if err != nil {
			log.V(1).Info("Skipping device", "device", device.Name(), "error", err.Error())
			continue
		}
		s.present[loc] = filepath.Join(mountPoint, pciDir, device.Name(), "config")
	}
	return s, nil
}

func (s *SysConfig) file(loc Location) *os.File {
	if fd := s.fds[loc]; fd != nil {
		return fd
	}
	path, ok := s.present[loc]
	if !ok {
		return nil
	}
	fd, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		// Unprivileged users can still read the first bytes.
		fd, err = os.Open(path)
	}
	if err != nil {
		s.log.Info("Cannot open config space", "path", path, "error", err.Error())
		delete(s.present, loc)
		return nil
	}
	s.fds[loc] = fd
	return fd
}

func (s *SysConfig) Read32(loc Location, reg int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd := s.file(loc)
	if fd == nil {
		return ^uint32(0)
	}
	var buf [4]byte
	n, err := fd.ReadAt(buf[:], int64(reg&0xfc))
	if err != nil || n != 4 {
		if !s.short[loc] {
			s.log.V(1).Info("Short config read, not root?", "location", loc.String(), "offset", reg&0xfc)
			s.short[loc] = true
		}
		return ^uint32(0)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (s *SysConfig) Write32(loc Location, reg int, val uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fd := s.file(loc)
	if fd == nil {
		return
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	if n, err := fd.WriteAt(buf[:], int64(reg&0xfc)); err != nil || n != 4 {
		s.log.Info("Config write failed", "location", loc.String(), "offset", reg&0xfc, "error", fmt.Sprint(err))
	}
}

func (s *SysConfig) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for loc, fd := range s.fds {
		fd.Close()
		delete(s.fds, loc)
	}
	return nil
}
