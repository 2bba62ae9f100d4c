package driver_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lprylli/kpci/driver"
	"github.com/lprylli/kpci/pci"
	"github.com/lprylli/kpci/pci/pcisim"
)

type fakeDriver struct {
	name     string
	startErr error
	started  atomic.Int32
	stopped  atomic.Int32
	info     pci.DeviceInfo
}

func (d *fakeDriver) Name() string { return d.name }

func (d *fakeDriver) Start(info pci.DeviceInfo) error {
	d.started.Add(1)
	d.info = info
	return d.startErr
}

func (d *fakeDriver) Stop() { d.stopped.Add(1) }

func factoryFor(d *fakeDriver) driver.Factory {
	return func(pci.DeviceInfo) (driver.Driver, error) { return d, nil }
}

var (
	nvmeLoc = pci.MustLocation(0, 3, 0)
	nicLoc  = pci.MustLocation(0, 4, 0)
	vgaLoc  = pci.MustLocation(0, 5, 0)
)

func device(loc pci.Location, vendor, dev uint16, class, sub uint8, res ...pci.Resource) pci.DeviceInfo {
	return pci.DeviceInfo{Loc: loc, VendorID: vendor, DeviceID: dev, Class: class, Subclass: sub, Resources: res}
}

var _ = Describe("Manager", func() {
	var mgr *driver.Manager

	BeforeEach(func() {
		mgr = driver.NewManager(log)
		Expect(mgr.AddDevice(device(nvmeLoc, 0x1b36, 0x0010, 0x01, 0x08,
			pci.Resource{Kind: pci.MMIO{PhysBase: 0xfe000000, Size: 0x4000}, Base: 0xfe000000, Size: 0x4000, BAR: 0},
			pci.Resource{Kind: pci.MSI{Vectors: 4}, BAR: -1},
		))).To(Succeed())
		Expect(mgr.AddDevice(device(nicLoc, 0x8086, 0x10fb, 0x02, 0x00,
			pci.Resource{Kind: pci.MSIX{TableSize: 64, TablePresent: true}, BAR: -1},
		))).To(Succeed())
		Expect(mgr.AddDevice(device(vgaLoc, 0x1a03, 0x2000, 0x03, 0x00))).To(Succeed())
	})

	It("should reject duplicate devices", func() {
		Expect(mgr.AddDevice(device(nvmeLoc, 1, 2, 0, 0))).To(MatchError(driver.ErrDuplicate))
	})

	It("should attach a matching device exactly once", func() {
		nvme := &fakeDriver{name: "nvme"}
		Expect(mgr.RegisterDriver("nvme", driver.MatchClass(0x01, 0x08), factoryFor(nvme))).To(Succeed())

		By("attaching")
		drv, err := mgr.Attach(nvmeLoc)
		Expect(err).NotTo(HaveOccurred())
		Expect(drv).To(BeIdenticalTo(nvme))
		Expect(nvme.started.Load()).To(BeEquivalentTo(1))
		Expect(nvme.info.ClaimedBy).To(Equal("nvme"))

		By("attaching again")
		_, err = mgr.Attach(nvmeLoc)
		Expect(err).To(MatchError(driver.ErrAlreadyClaimed))
		Expect(nvme.started.Load()).To(BeEquivalentTo(1))

		info, err := mgr.DeviceInfo(nvmeLoc)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.ClaimedBy).To(Equal("nvme"))
		Expect(mgr.Claims("nvme")).To(Equal([]pci.Location{nvmeLoc}))
		got, ok := mgr.Driver(nvmeLoc)
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(nvme))
	})

	It("should allow attach again after release", func() {
		nvme := &fakeDriver{name: "nvme"}
		Expect(mgr.RegisterDriver("nvme", driver.MatchID(0x1b36, 0x0010), factoryFor(nvme))).To(Succeed())

		_, err := mgr.Attach(nvmeLoc)
		Expect(err).NotTo(HaveOccurred())
		Expect(mgr.Release(nvmeLoc)).To(Succeed())
		Expect(nvme.stopped.Load()).To(BeEquivalentTo(1))
		Expect(mgr.Claims("nvme")).To(BeEmpty())

		info, err := mgr.DeviceInfo(nvmeLoc)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.ClaimedBy).To(BeEmpty())

		_, err = mgr.Attach(nvmeLoc)
		Expect(err).NotTo(HaveOccurred())
		Expect(nvme.started.Load()).To(BeEquivalentTo(2))
	})

	It("should report release errors", func() {
		Expect(mgr.Release(nvmeLoc)).To(MatchError(driver.ErrNotClaimed))
		Expect(mgr.Release(pci.MustLocation(9, 0, 0))).To(MatchError(driver.ErrNotFound))
	})

	It("should report NotFound and NoMatch", func() {
		_, err := mgr.Attach(pci.MustLocation(9, 0, 0))
		Expect(err).To(MatchError(driver.ErrNotFound))

		_, err = mgr.Attach(nicLoc)
		Expect(err).To(MatchError(driver.ErrNoMatch))

		_, err = mgr.DeviceInfo(pci.MustLocation(9, 0, 0))
		Expect(err).To(MatchError(driver.ErrNotFound))
	})

	It("should use the first registered match", func() {
		generic := &fakeDriver{name: "generic"}
		specific := &fakeDriver{name: "specific"}
		Expect(mgr.RegisterDriver("generic", driver.MatchID(0x8086, driver.AnyID), factoryFor(generic))).To(Succeed())
		Expect(mgr.RegisterDriver("specific", driver.MatchID(0x8086, 0x10fb), factoryFor(specific))).To(Succeed())

		drv, err := mgr.Attach(nicLoc)
		Expect(err).NotTo(HaveOccurred())
		Expect(drv.Name()).To(Equal("generic"))
		Expect(specific.started.Load()).To(BeZero())
	})

	It("should reject duplicate or incomplete driver registrations", func() {
		d := &fakeDriver{name: "x"}
		Expect(mgr.RegisterDriver("x", driver.MatchID(1, 1), factoryFor(d))).To(Succeed())
		Expect(mgr.RegisterDriver("x", driver.MatchID(2, 2), factoryFor(d))).To(MatchError(driver.ErrDriverExists))
		Expect(mgr.RegisterDriver("y", nil, factoryFor(d))).To(HaveOccurred())
		Expect(mgr.RegisterDriver("z", driver.MatchID(1, 1), nil)).To(HaveOccurred())
	})

	It("should roll back the claim when the driver fails to start", func() {
		startErr := errors.New("no firmware")
		failing := &fakeDriver{name: "nvme", startErr: startErr}
		Expect(mgr.RegisterDriver("nvme", driver.MatchClass(0x01, 0x08), factoryFor(failing))).To(Succeed())

		_, err := mgr.Attach(nvmeLoc)
		Expect(err).To(MatchError(driver.ErrStartFailed))
		Expect(err).To(MatchError(startErr))

		info, err := mgr.DeviceInfo(nvmeLoc)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.ClaimedBy).To(BeEmpty())
		Expect(mgr.Claims("nvme")).To(BeEmpty())
		_, ok := mgr.Driver(nvmeLoc)
		Expect(ok).To(BeFalse())

		failing.startErr = nil
		_, err = mgr.Attach(nvmeLoc)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should roll back when the factory fails", func() {
		Expect(mgr.RegisterDriver("broken", driver.MatchClass(0x01, 0x08), func(pci.DeviceInfo) (driver.Driver, error) {
			return nil, errors.New("factory")
		})).To(Succeed())
		_, err := mgr.Attach(nvmeLoc)
		Expect(err).To(MatchError(driver.ErrStartFailed))
		info, _ := mgr.DeviceInfo(nvmeLoc)
		Expect(info.ClaimedBy).To(BeEmpty())
	})

	It("should let exactly one of concurrent attaches win", func() {
		nvme := &fakeDriver{name: "nvme"}
		Expect(mgr.RegisterDriver("nvme", driver.MatchClass(0x01, 0x08), factoryFor(nvme))).To(Succeed())

		const n = 16
		var wg sync.WaitGroup
		var wins, claimed atomic.Int32
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				_, err := mgr.Attach(nvmeLoc)
				switch {
				case err == nil:
					wins.Add(1)
				case errors.Is(err, driver.ErrAlreadyClaimed):
					claimed.Add(1)
				default:
					Fail("unexpected error " + err.Error())
				}
			}()
		}
		wg.Wait()
		Expect(wins.Load()).To(BeEquivalentTo(1))
		Expect(claimed.Load()).To(BeEquivalentTo(n - 1))
		Expect(nvme.started.Load()).To(BeEquivalentTo(1))
	})

	It("should let matchers call back into the manager", func() {
		nvme := &fakeDriver{name: "nvme"}
		match := driver.MatcherFunc(func(info *pci.DeviceInfo) bool {
			if _, err := mgr.DeviceInfo(info.Loc); err != nil {
				return false
			}
			return info.Class == 0x01 && len(mgr.Claims("nvme")) == 0
		})
		Expect(mgr.RegisterDriver("nvme", match, factoryFor(nvme))).To(Succeed())

		done := make(chan error, 1)
		go func() {
			_, err := mgr.Attach(nvmeLoc)
			done <- err
		}()
		Eventually(done).WithTimeout(2 * time.Second).Should(Receive(BeNil()))
		Expect(mgr.Claims("nvme")).To(Equal([]pci.Location{nvmeLoc}))
		Expect(nvme.started.Load()).To(BeEquivalentTo(1))
	})

	It("should hand out copies that drivers cannot change", func() {
		info, err := mgr.DeviceInfo(nvmeLoc)
		Expect(err).NotTo(HaveOccurred())
		info.Resources[0].Base = 0
		info.ClaimedBy = "rogue"

		again, err := mgr.DeviceInfo(nvmeLoc)
		Expect(err).NotTo(HaveOccurred())
		Expect(again.Resources[0].Base).To(BeEquivalentTo(0xfe000000))
		Expect(again.ClaimedBy).To(BeEmpty())
	})

	It("should return interrupt resources", func() {
		msi, err := mgr.MSIResources(nvmeLoc)
		Expect(err).NotTo(HaveOccurred())
		Expect(msi).To(HaveLen(1))
		Expect(msi[0].Kind).To(Equal(pci.MSI{Vectors: 4}))

		msix, err := mgr.MSIXResources(nvmeLoc)
		Expect(err).NotTo(HaveOccurred())
		Expect(msix).To(BeEmpty())

		msix, err = mgr.MSIXResources(nicLoc)
		Expect(err).NotTo(HaveOccurred())
		Expect(msix).To(HaveLen(1))

		_, err = mgr.MSIResources(pci.MustLocation(9, 0, 0))
		Expect(err).To(MatchError(driver.ErrNotFound))
	})

	It("should list and search devices", func() {
		var locs []pci.Location
		for _, d := range mgr.Devices() {
			locs = append(locs, d.Loc)
		}
		Expect(locs).To(Equal([]pci.Location{nvmeLoc, nicLoc, vgaLoc}))
		Expect(mgr.FindByID(0x1a03, 0x2000)).To(HaveLen(1))
		Expect(mgr.FindByID(0x8086, driver.AnyID)).To(HaveLen(1))
		Expect(mgr.FindByID(0x10de, driver.AnyID)).To(BeEmpty())
	})

	It("should attach everything that matches", func() {
		nvme := &fakeDriver{name: "nvme"}
		vga := &fakeDriver{name: "vga"}
		Expect(mgr.RegisterDriver("nvme", driver.MatchClass(0x01, 0x08), factoryFor(nvme))).To(Succeed())
		Expect(mgr.RegisterDriver("vga", driver.MatchAny(driver.MatchID(0x1a03, 0x2000), driver.MatchClass(0x03, 0x00)), factoryFor(vga))).To(Succeed())

		attached, err := mgr.AttachAll()
		Expect(err).NotTo(HaveOccurred())
		Expect(attached).To(HaveLen(2))
		Expect(attached).To(HaveKey(nvmeLoc))
		Expect(attached).To(HaveKey(vgaLoc))

		attached, err = mgr.AttachAll()
		Expect(err).NotTo(HaveOccurred())
		Expect(attached).To(BeEmpty())
	})
})

var _ = Describe("Manager as enumeration sink", func() {
	It("should receive every scanned function", func() {
		m := pcisim.NewMachine()
		m.Add(pci.MustLocation(0, 0, 0), pcisim.NewFunction(0x8086, 0x29c0))
		m.Add(pci.MustLocation(0, 3, 0), pcisim.NewFunction(0x1b36, 0x0010).
			Class(0x01, 0x08, 0x02, 0).
			BAR64(0, 0xfe000000, 0x4000, true))
		m.Function(pci.MustLocation(0, 3, 0)).MSI(4, true, false, 0xfee00000, 0x4021)

		mgr := driver.NewManager(log)
		e := pci.NewEnumerator(log, pci.NewPortConfig(m), pci.WithSink(mgr))
		devs, err := e.Scan()
		Expect(err).NotTo(HaveOccurred())
		Expect(mgr.Devices()).To(HaveLen(len(devs)))

		msi, err := mgr.MSIResources(pci.MustLocation(0, 3, 0))
		Expect(err).NotTo(HaveOccurred())
		Expect(msi).To(HaveLen(1))
		Expect(msi[0].Kind.(pci.MSI).Vectors).To(BeEquivalentTo(4))

		By("scanning twice into the same registry")
		_, err = e.Scan()
		Expect(err).To(MatchError(driver.ErrDuplicate))
	})
})
