package pci

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

// SysConfig reads configuration space through /dev/pci ioctls.
type SysConfig struct {
	log logr.Logger
	fd  *os.File
	mu  sync.Mutex
}

func NewSysConfig(log logr.Logger, _ string) (*SysConfig, error) {
	f, err := os.OpenFile("/dev/pci", os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	return &SysConfig{log: log, fd: f}, nil
}

func sel(loc Location) struct_pcisel {
	return struct_pcisel{
		pc_bus:  _Ctype_u_int8_t(loc.Bus),
		pc_dev:  _Ctype_u_int8_t(loc.Device),
		pc_func: _Ctype_u_int8_t(loc.Function),
	}
}

func (s *SysConfig) ioctl(op uintptr, req *struct_pci_io) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		s.fd.Fd(),
		op,
		uintptr(unsafe.Pointer(req)),
	)
	if errno != 0 {
		return errno
	}
	return nil
}

func (s *SysConfig) Read32(loc Location, reg int) uint32 {
	req := struct_pci_io{pi_sel: sel(loc), pi_reg: int32(reg & 0xfc), pi_width: 4}
	if err := s.ioctl(PCIOCREAD, &req); err != nil {
		// The kernel refuses absent functions; report them like a master abort.
		s.log.V(3).Info("PCIOCREAD failed", "location", loc.String(), "offset", reg&0xfc, "error", err.Error())
		return ^uint32(0)
	}
	return uint32(req.pi_data)
}

func (s *SysConfig) Write32(loc Location, reg int, val uint32) {
	req := struct_pci_io{pi_sel: sel(loc), pi_reg: int32(reg & 0xfc), pi_width: 4, pi_data: _Ctype_u_int32_t(val)}
	if err := s.ioctl(PCIOCWRITE, &req); err != nil {
		s.log.Info("PCIOCWRITE failed", "location", loc.String(), "offset", reg&0xfc, "error", fmt.Sprint(err))
	}
}

func (s *SysConfig) Close() error {
	return s.fd.Close()
}
