package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/siderolabs/go-pcidb/pkg/pcidb"
	"github.com/spf13/cobra"

	"github.com/lprylli/kpci/pci"
)

var scanVerbose bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List every PCI function with its resources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()
		devs, err := s.enumerator().Scan()
		if err != nil {
			return err
		}
		for i := range devs {
			printDevice(os.Stdout, &devs[i], scanVerbose)
		}
		return nil
	},
}

func init() {
	scanCmd.Flags().BoolVarP(&scanVerbose, "verbose", "v", false, "show capabilities and decode faults")
}

// deviceNames returns the vendor and product names from the PCI database,
// falling back to the raw ids.
func deviceNames(info *pci.DeviceInfo) (string, string) {
	vendor, ok := pcidb.LookupVendor(info.VendorID)
	if !ok {
		vendor = fmt.Sprintf("vendor %04x", info.VendorID)
	}
	product, ok := pcidb.LookupProduct(info.VendorID, info.DeviceID)
	if !ok {
		product = fmt.Sprintf("device %04x", info.DeviceID)
	}
	return vendor, product
}

func printDevice(w io.Writer, info *pci.DeviceInfo, verbose bool) {
	vendor, product := deviceNames(info)
	fmt.Fprintf(w, "%s [%04x:%04x] %s: %s %s\n", info.Loc, info.VendorID, info.DeviceID,
		pci.ClassName(info.Class, info.Subclass, info.ProgIF), vendor, product)
	var res []string
	for _, r := range info.Resources {
		res = append(res, r.String())
	}
	if len(res) > 0 {
		fmt.Fprintf(w, "    %s\n", strings.Join(res, " "))
	}
	if !verbose {
		return
	}
	var caps []string
	for _, c := range info.Capabilities {
		caps = append(caps, c.String())
	}
	if len(caps) > 0 {
		fmt.Fprintf(w, "    caps: %s\n", strings.Join(caps, " "))
	}
	for _, err := range info.Faults {
		fmt.Fprintf(w, "    fault: %v\n", err)
	}
	if info.ClaimedBy != "" {
		fmt.Fprintf(w, "    driver: %s\n", info.ClaimedBy)
	}
}
