package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config selects how kpci reaches configuration space and device memory.
type Config struct {
	// Backend is sysfs, devpci (FreeBSD /dev/pci) or sim.
	Backend string `yaml:"backend"`
	// SysfsRoot is the sysfs mount point used by the sysfs backend.
	SysfsRoot string `yaml:"sysfs_root"`
	// Topology is the YAML machine description used by the sim backend.
	Topology string `yaml:"topology"`

	// Mapper is periph, devmem, file, offset or none.
	Mapper     string `yaml:"mapper"`
	PhysOffset uint64 `yaml:"phys_offset"`
	MemDevice  string `yaml:"mem_device"`

	// BusRange is "first-last", or a single bus.
	BusRange string `yaml:"bus_range"`
	LogLevel string `yaml:"log_level"`
}

var (
	backends = []string{"sysfs", "devpci", "sim"}
	mappers  = []string{"periph", "devmem", "file", "offset", "none"}
)

func Default() *Config {
	return &Config{
		Backend:   "sysfs",
		SysfsRoot: "/sys",
		Mapper:    "none",
		MemDevice: "/dev/mem",
		BusRange:  "0-255",
		LogLevel:  "info",
	}
}

// LoadConfig loads configuration from a YAML file. Missing keys keep their
// default value.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func oneOf(v string, l []string) bool {
	for _, s := range l {
		if v == s {
			return true
		}
	}
	return false
}

// Validate checks every field that has a fixed set of values.
func (c *Config) Validate() error {
	if !oneOf(c.Backend, backends) {
		return fmt.Errorf("invalid backend %q (want one of %s)", c.Backend, strings.Join(backends, ", "))
	}
	if !oneOf(c.Mapper, mappers) {
		return fmt.Errorf("invalid mapper %q (want one of %s)", c.Mapper, strings.Join(mappers, ", "))
	}
	if c.Backend == "sim" && c.Topology == "" {
		return fmt.Errorf("sim backend needs a topology file")
	}
	if c.Mapper == "offset" && c.PhysOffset == 0 {
		return fmt.Errorf("offset mapper needs phys_offset")
	}
	if _, _, err := ParseBusRange(c.BusRange); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level is LogLevel as a logrus level.
func (c *Config) Level() (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return 0, fmt.Errorf("invalid log level: %v", err)
	}
	return lvl, nil
}

// ParseBusRange parses "first-last" or a single bus number. Numbers are
// decimal, or hex with a 0x prefix.
func ParseBusRange(s string) (first, last int, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, fmt.Errorf("empty bus range")
	}
	parts := strings.Split(s, "-")
	if len(parts) > 2 {
		return 0, 0, fmt.Errorf("invalid bus range format: %s", s)
	}
	first, err = parseBus(parts[0])
	if err != nil {
		return 0, 0, err
	}
	last = first
	if len(parts) == 2 {
		if last, err = parseBus(parts[1]); err != nil {
			return 0, 0, err
		}
	}
	if last < first {
		return 0, 0, fmt.Errorf("invalid bus range %s: end before start", s)
	}
	return first, last, nil
}

func parseBus(s string) (int, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid bus number: %s", s)
	}
	return int(v), nil
}
