package pci

import "fmt"

var classNames = map[uint8]string{
	0x00: "Unclassified",
	0x01: "Mass Storage",
	0x02: "Network",
	0x03: "Display",
	0x04: "Multimedia",
	0x05: "Memory Controller",
	0x06: "Bridge",
	0x07: "Simple Communication Controller",
	0x08: "Base System Peripheral",
	0x09: "Input Device",
	0x0a: "Docking Station",
	0x0b: "Processor",
	0x0c: "Serial Bus",
	0xff: "Unknown / Vendor-specific",
}

var subclassNames = map[uint16]string{
	0x0000: "Non-VGA-compatible device",
	0x0001: "VGA-compatible device",
	0x0100: "SCSI",
	0x0101: "IDE",
	0x0102: "Floppy",
	0x0106: "SATA",
	0x0108: "NVMe",
	0x0200: "Ethernet",
	0x0280: "Other",
	0x0300: "VGA-compatible controller",
	0x0302: "3D controller",
	0x0380: "Other",
	0x0400: "Video",
	0x0401: "Audio",
	0x0403: "HD Audio",
	0x0600: "Host",
	0x0601: "ISA",
	0x0604: "PCI-to-PCI",
	0x0c03: "USB",
	0x0c05: "SMBus",
}

var progIFNames = map[uint32]string{
	0x010600: "vendor/legacy",
	0x010601: "AHCI",
	0x010802: "NVM Express",
	0x0c0300: "UHCI",
	0x0c0310: "OHCI",
	0x0c0320: "EHCI",
	0x0c0330: "XHCI",
}

// ClassName returns a human readable name for a class code. Unknown
// combinations fall back to hex.
func ClassName(class, subclass, progIF uint8) string {
	cname, ok := classNames[class]
	if !ok {
		return fmt.Sprintf("Class %#02x subclass %#02x", class, subclass)
	}
	sname, ok := subclassNames[uint16(class)<<8|uint16(subclass)]
	if !ok {
		if classHasSubclasses(class) {
			return fmt.Sprintf("%s subclass %#02x", cname, subclass)
		}
		return cname
	}
	if pname, ok := progIFNames[uint32(class)<<16|uint32(subclass)<<8|uint32(progIF)]; ok {
		return fmt.Sprintf("%s: %s (%s)", cname, sname, pname)
	}
	return cname + ": " + sname
}

func classHasSubclasses(class uint8) bool {
	for k := range subclassNames {
		if uint8(k>>8) == class {
			return true
		}
	}
	return false
}
