package main

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/bombsimon/logrusr/v4"
	"github.com/go-logr/logr"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lprylli/kpci/driver"
	"github.com/lprylli/kpci/internal/config"
	"github.com/lprylli/kpci/pci"
	"github.com/lprylli/kpci/pci/pcisim"
	"github.com/lprylli/kpci/pmem"
)

var logger = logrus.New()

var (
	configFile string
	overrides  = config.Default()
)

var rootCmd = &cobra.Command{
	Use:   "kpci",
	Short: "PCI enumeration and driver attachment",
	Long: `kpci scans PCI configuration space, decodes BARs, capabilities and
interrupt resources, and attaches the built-in drivers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// globalFlags are the settings that can also come from the config file.
func globalFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("kpci", pflag.ExitOnError)
	fs.StringVar(&configFile, "config", "", "YAML configuration file")
	fs.StringVar(&overrides.Backend, "backend", overrides.Backend, "configuration space backend: sysfs, devpci or sim")
	fs.StringVar(&overrides.SysfsRoot, "sysfs-root", overrides.SysfsRoot, "sysfs mount point")
	fs.StringVar(&overrides.Topology, "topology", overrides.Topology, "simulated machine description (sim backend)")
	fs.StringVar(&overrides.Mapper, "mapper", overrides.Mapper, "physical memory mapper: periph, devmem, file, offset or none")
	fs.Uint64Var(&overrides.PhysOffset, "phys-offset", overrides.PhysOffset, "linear physical memory offset (offset mapper)")
	fs.StringVar(&overrides.MemDevice, "mem-device", overrides.MemDevice, "physical memory device")
	fs.StringVar(&overrides.BusRange, "bus-range", overrides.BusRange, "buses to scan, first-last")
	fs.StringVarP(&overrides.LogLevel, "log-level", "l", overrides.LogLevel, "log level")
	return fs
}

// loadConfig merges the config file with the flags set on the command line.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		if cfg, err = config.LoadConfig(configFile); err != nil {
			return nil, err
		}
	}
	set := map[string]func(){
		"backend":     func() { cfg.Backend = overrides.Backend },
		"sysfs-root":  func() { cfg.SysfsRoot = overrides.SysfsRoot },
		"topology":    func() { cfg.Topology = overrides.Topology },
		"mapper":      func() { cfg.Mapper = overrides.Mapper },
		"phys-offset": func() { cfg.PhysOffset = overrides.PhysOffset },
		"mem-device":  func() { cfg.MemDevice = overrides.MemDevice },
		"bus-range":   func() { cfg.BusRange = overrides.BusRange },
		"log-level":   func() { cfg.LogLevel = overrides.LogLevel },
	}
	flags.Visit(func(f *pflag.Flag) {
		if fn := set[f.Name]; fn != nil {
			fn()
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session is what a subcommand needs to talk to hardware.
type session struct {
	cfg     *config.Config
	log     logr.Logger
	cs      pci.ConfigSpace
	mapper  pmem.Mapper
	closers []io.Closer
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return nil, err
	}
	lvl, _ := cfg.Level()
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stderr)
	s := &session{cfg: cfg, log: logrusr.New(logger)}

	switch cfg.Backend {
	case "sim":
		m, err := pcisim.LoadTopology(cfg.Topology)
		if err != nil {
			return nil, err
		}
		// the simulated machine also owns the memory behind its BARs
		s.cs = pci.NewPortConfig(m)
		s.mapper = m
		return s, nil
	case "sysfs", "devpci":
		if (cfg.Backend == "sysfs") != (runtime.GOOS == "linux") {
			logger.WithField("os", runtime.GOOS).Warnf("backend %s is not native here", cfg.Backend)
		}
		sc, err := pci.NewSysConfig(s.log, cfg.SysfsRoot)
		if err != nil {
			return nil, err
		}
		s.cs = sc
		s.closers = append(s.closers, sc)
	}

	switch cfg.Mapper {
	case "periph":
		pm := &pmem.PeriphMapper{}
		s.mapper = pm
		s.closers = append(s.closers, pm)
	case "devmem":
		pmem.DevName = cfg.MemDevice
		dm := &pmem.DevMemMapper{}
		s.mapper = dm
		s.closers = append(s.closers, dm)
	case "file":
		fm := &pmem.FileMapper{Path: cfg.MemDevice}
		s.mapper = fm
		s.closers = append(s.closers, fm)
	}
	return s, nil
}

func (s *session) enumerator(opts ...pci.Option) *pci.Enumerator {
	first, last, _ := config.ParseBusRange(s.cfg.BusRange)
	opts = append([]pci.Option{pci.WithBusRange(first, last)}, opts...)
	if s.mapper != nil {
		opts = append(opts, pci.WithMapper(s.mapper))
	} else if s.cfg.Mapper == "offset" {
		opts = append(opts, pci.WithPhysOffset(s.cfg.PhysOffset))
	}
	return pci.NewEnumerator(s.log, s.cs, opts...)
}

// scan enumerates into a fresh driver manager.
func (s *session) scan() (*driver.Manager, error) {
	mgr := driver.NewManager(s.log.WithName("driver"))
	if _, err := s.enumerator(pci.WithSink(mgr)).Scan(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			logger.WithError(err).Warn("close failed")
		}
	}
}

func init() {
	rootCmd.PersistentFlags().AddFlagSet(globalFlags())
	rootCmd.AddCommand(scanCmd, showCmd, probeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
