package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lprylli/kpci/pci"
)

var showCmd = &cobra.Command{
	Use:   "show <bb:dd.f>",
	Short: "Decode one PCI function in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		loc, err := pci.ParseLocation(args[0])
		if err != nil {
			return err
		}
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		info, err := s.enumerator().Probe(loc)
		if err != nil {
			return err
		}
		showDevice(os.Stdout, &info)
		return nil
	},
}

func showDevice(w io.Writer, info *pci.DeviceInfo) {
	printDevice(w, info, false)
	fmt.Fprintf(w, "  revision %#02x header %d multifunction %t class code %06x\n",
		info.Revision, info.HeaderType, info.MultiFunction, info.ClassCode())
	for _, r := range info.Resources {
		if r.BAR >= 0 {
			fmt.Fprintf(w, "  BAR%d: %s\n", r.BAR, r)
		} else {
			fmt.Fprintf(w, "  %s\n", r)
		}
	}
	for _, c := range info.Capabilities {
		fmt.Fprintf(w, "  cap %s: %s\n", c, capDetail(c.Payload))
	}
	for _, err := range info.Faults {
		fmt.Fprintf(w, "  fault: %v\n", err)
	}
}

func capDetail(p pci.CapPayload) string {
	switch p := p.(type) {
	case pci.PowerManagement:
		return fmt.Sprintf("pmc=%#04x pmcsr=%#04x", p.PMC, p.PMCSR)
	case pci.PCIExpress:
		return fmt.Sprintf("port type %d devcap=%#08x", p.PortType(), p.DeviceCap)
	case pci.MSICap:
		c := p.Control
		return fmt.Sprintf("enabled=%t vectors=%d 64bit=%t maskable=%t", c.Enabled, c.Vectors(), c.Addr64, c.PerVectorMask)
	case pci.MSIXCap:
		c := p.Control
		return fmt.Sprintf("enabled=%t entries=%d function-mask=%t probe=%s", c.Enabled, c.TableSize, c.FunctionMask, p.Trust)
	case pci.Unknown:
		return fmt.Sprintf("%08x %08x", p.Raw0, p.Raw1)
	}
	return ""
}
