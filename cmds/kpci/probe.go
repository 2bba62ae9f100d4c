package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/lprylli/kpci/driver"
	"github.com/lprylli/kpci/drivers/astvga"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Enumerate and attach the built-in drivers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		mgr, err := s.scan()
		if err != nil {
			return err
		}
		if err := registerDrivers(s, mgr); err != nil {
			return err
		}
		attached, err := mgr.AttachAll()
		for _, info := range mgr.Devices() {
			if drv, ok := attached[info.Loc]; ok {
				vendor, product := deviceNames(&info)
				fmt.Fprintf(os.Stdout, "%s: %s %s -> %s\n", info.Loc, vendor, product, drv.Name())
			}
		}
		for _, info := range mgr.Devices() {
			if _, ok := attached[info.Loc]; !ok {
				continue
			}
			if rerr := mgr.Release(info.Loc); rerr != nil {
				logger.WithError(rerr).Warn("release failed")
			}
		}
		return err
	},
}

func registerDrivers(s *session, mgr *driver.Manager) error {
	return astvga.Register(mgr, s.log, s.mapper)
}
