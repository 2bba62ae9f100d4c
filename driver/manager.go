// Package driver keeps the table of enumerated PCI functions and hands each
// of them to at most one driver.
package driver

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/lprylli/kpci/pci"
)

var (
	ErrNotFound       = errors.New("device not found")
	ErrAlreadyClaimed = errors.New("device already claimed")
	ErrNoMatch        = errors.New("no matching driver")
	ErrNotClaimed     = errors.New("device not claimed")
	ErrStartFailed    = errors.New("driver failed to start")
	ErrDuplicate      = errors.New("device already registered")
	ErrDriverExists   = errors.New("driver already registered")
)

// Driver is a running driver bound to one function.
type Driver interface {
	Name() string
	// Start receives a private copy of the device information. A non nil
	// error cancels the claim.
	Start(info pci.DeviceInfo) error
	Stop()
}

// Factory builds a driver instance for a matched device.
type Factory func(info pci.DeviceInfo) (Driver, error)

type registration struct {
	name    string
	match   Matcher
	factory Factory
}

type claimState int

const (
	unclaimed claimState = iota
	attaching
	attached
	releasing
)

type entry struct {
	info  pci.DeviceInfo
	state claimState
	drv   Driver
}

// Manager is the device registry. Every table update happens under mu;
// driver factories, Start and Stop always run with mu released.
type Manager struct {
	log logr.Logger

	mu      sync.Mutex
	devices map[pci.Location]*entry
	order   []pci.Location
	drivers []registration
	claims  map[string]map[pci.Location]struct{}
}

func NewManager(log logr.Logger) *Manager {
	return &Manager{
		log:     log,
		devices: make(map[pci.Location]*entry),
		claims:  make(map[string]map[pci.Location]struct{}),
	}
}

// AddDevice inserts an enumerated function. It implements pci.Sink.
func (m *Manager) AddDevice(info pci.DeviceInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[info.Loc]; ok {
		return fmt.Errorf("%s: %w", info.Loc, ErrDuplicate)
	}
	c := info.Clone()
	c.ClaimedBy = ""
	m.devices[info.Loc] = &entry{info: c}
	m.order = append(m.order, info.Loc)
	return nil
}

// RegisterDriver appends a driver to the match list. Drivers are tried in
// registration order and the first match wins.
func (m *Manager) RegisterDriver(name string, match Matcher, factory Factory) error {
	if name == "" || match == nil || factory == nil {
		return fmt.Errorf("driver %q: missing name, matcher or factory", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.drivers {
		if r.name == name {
			return fmt.Errorf("%s: %w", name, ErrDriverExists)
		}
	}
	m.drivers = append(m.drivers, registration{name: name, match: match, factory: factory})
	return nil
}

func (m *Manager) lookup(loc pci.Location) (*entry, error) {
	e := m.devices[loc]
	if e == nil {
		return nil, fmt.Errorf("%s: %w", loc, ErrNotFound)
	}
	return e, nil
}

// claim marks loc as being attached by the first matching driver. Matchers
// run with mu released, so the state is checked again before claiming.
func (m *Manager) claim(loc pci.Location) (registration, pci.DeviceInfo, error) {
	m.mu.Lock()
	e, err := m.lookup(loc)
	if err == nil && e.state != unclaimed {
		err = fmt.Errorf("%s: %w by %s", loc, ErrAlreadyClaimed, e.info.ClaimedBy)
	}
	if err != nil {
		m.mu.Unlock()
		return registration{}, pci.DeviceInfo{}, err
	}
	drivers := append([]registration(nil), m.drivers...)
	info := e.info.Clone()
	m.mu.Unlock()

	var r registration
	found := false
	for _, d := range drivers {
		if d.match.Match(&info) {
			r, found = d, true
			break
		}
	}
	if !found {
		return registration{}, pci.DeviceInfo{}, fmt.Errorf("%s: %w", loc, ErrNoMatch)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e.state != unclaimed {
		return registration{}, pci.DeviceInfo{}, fmt.Errorf("%s: %w by %s", loc, ErrAlreadyClaimed, e.info.ClaimedBy)
	}
	e.state = attaching
	e.info.ClaimedBy = r.name
	set := m.claims[r.name]
	if set == nil {
		set = make(map[pci.Location]struct{})
		m.claims[r.name] = set
	}
	set[loc] = struct{}{}
	return r, e.info.Clone(), nil
}

func (m *Manager) unclaim(loc pci.Location, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.devices[loc]
	e.state = unclaimed
	e.drv = nil
	e.info.ClaimedBy = ""
	delete(m.claims[name], loc)
	if len(m.claims[name]) == 0 {
		delete(m.claims, name)
	}
}

// Attach binds loc to the first registered driver that matches it and
// starts that driver. A device can only be attached once until Release.
func (m *Manager) Attach(loc pci.Location) (Driver, error) {
	r, info, err := m.claim(loc)
	if err != nil {
		return nil, err
	}
	log := m.log.WithValues("device", info.Name(), "driver", r.name)

	drv, err := r.factory(info)
	switch {
	case err == nil && drv == nil:
		err = errors.New("factory returned no driver")
	case err == nil:
		err = drv.Start(info)
	}
	if err != nil {
		m.unclaim(loc, r.name)
		log.Info("Driver failed to start", "error", err.Error())
		return nil, fmt.Errorf("%s: %s: %w: %w", loc, r.name, ErrStartFailed, err)
	}

	m.mu.Lock()
	e := m.devices[loc]
	e.state = attached
	e.drv = drv
	m.mu.Unlock()
	log.V(1).Info("Driver attached")
	return drv, nil
}

// Release stops the driver attached to loc and clears the claim.
func (m *Manager) Release(loc pci.Location) error {
	m.mu.Lock()
	e, err := m.lookup(loc)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if e.state != attached {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", loc, ErrNotClaimed)
	}
	e.state = releasing
	drv, name := e.drv, e.info.ClaimedBy
	m.mu.Unlock()

	drv.Stop()
	m.unclaim(loc, name)
	m.log.V(1).Info("Driver released", "device", loc.String(), "driver", name)
	return nil
}

// AttachAll attaches every unclaimed device that some driver matches, in
// enumeration order. Devices nobody matches are not an error.
func (m *Manager) AttachAll() (map[pci.Location]Driver, error) {
	m.mu.Lock()
	locs := append([]pci.Location(nil), m.order...)
	m.mu.Unlock()

	res := make(map[pci.Location]Driver)
	var errs []error
	for _, loc := range locs {
		drv, err := m.Attach(loc)
		switch {
		case err == nil:
			res[loc] = drv
		case errors.Is(err, ErrNoMatch), errors.Is(err, ErrAlreadyClaimed):
		default:
			errs = append(errs, err)
		}
	}
	return res, errors.Join(errs...)
}

// DeviceInfo returns a snapshot of the device at loc.
func (m *Manager) DeviceInfo(loc pci.Location) (pci.DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.lookup(loc)
	if err != nil {
		return pci.DeviceInfo{}, err
	}
	return e.info.Clone(), nil
}

func (m *Manager) MSIResources(loc pci.Location) ([]pci.Resource, error) {
	info, err := m.DeviceInfo(loc)
	if err != nil {
		return nil, err
	}
	return info.MSIResources(), nil
}

func (m *Manager) MSIXResources(loc pci.Location) ([]pci.Resource, error) {
	info, err := m.DeviceInfo(loc)
	if err != nil {
		return nil, err
	}
	return info.MSIXResources(), nil
}

// Devices lists every device in enumeration order.
func (m *Manager) Devices() []pci.DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := make([]pci.DeviceInfo, 0, len(m.order))
	for _, loc := range m.order {
		l = append(l, m.devices[loc].info.Clone())
	}
	return l
}

// FindByID returns the devices with the given ids; AnyID as device matches
// the whole vendor.
func (m *Manager) FindByID(vendor, device uint16) []pci.DeviceInfo {
	match := MatchID(vendor, device)
	var l []pci.DeviceInfo
	for _, info := range m.Devices() {
		if match.Match(&info) {
			l = append(l, info)
		}
	}
	return l
}

// Claims returns the locations held by driver name, in enumeration order.
func (m *Manager) Claims(name string) []pci.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.claims[name]
	var l []pci.Location
	for _, loc := range m.order {
		if _, ok := set[loc]; ok {
			l = append(l, loc)
		}
	}
	return l
}

// Driver returns the running driver of loc, if any.
func (m *Manager) Driver(loc pci.Location) (Driver, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.devices[loc]
	if e == nil || e.state != attached {
		return nil, false
	}
	return e.drv, true
}
