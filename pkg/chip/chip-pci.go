// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

// This file implements discovery of NVIDIA GPUs on the PCI bus through sysfs
package chip

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jaypipes/pcidb"
	"k8s.io/klog/v2"
)

const PCI_VENDOR_ID_NVIDIA = 0x10de

// PCI class codes of display controllers (VGA and 3D)
const (
	PCI_CLASS_DISPLAY_VGA = 0x0300
	PCI_CLASS_DISPLAY_3D  = 0x0302
)

const SYSFS_PCI_DEVICES = "bus/pci/devices"

type BDF struct {
	Domain   uint16 `json:"Domain"`
	Bus      uint8  `json:"Bus"`
	Device   uint8  `json:"Device"`
	Function uint8  `json:"Function"`
}

// ParseBDF converts the Linux sysfs form $domain:$bus:$dev.$func. The domain
// may be left out.
func ParseBDF(addr string) (BDF, error) {
	b := BDF{}
	bdfStringList := strings.Split(strings.ToLower(strings.TrimSpace(addr)), ":")
	if len(bdfStringList) == 2 {
		bdfStringList = append([]string{"0000"}, bdfStringList...)
	}
	if len(bdfStringList) != 3 {
		return b, fmt.Errorf("address %q format error. Expect $domain:$bus:$dev.$func", addr)
	}
	dfStringList := strings.Split(bdfStringList[2], ".")
	if len(dfStringList) != 2 {
		return b, fmt.Errorf("address %q format error. Expect $domain:$bus:$dev.$func", addr)
	}

	fields := []struct {
		s    string
		bits int
	}{
		{bdfStringList[0], 16},
		{bdfStringList[1], 8},
		{dfStringList[0], 5},
		{dfStringList[1], 3},
	}
	vals := make([]uint64, len(fields))
	for i, f := range fields {
		v, err := hexToInt(f.s)
		if err != nil || v >= 1<<f.bits {
			return b, fmt.Errorf("address %q: invalid field %q", addr, f.s)
		}
		vals[i] = v
	}
	b.Domain = uint16(vals[0])
	b.Bus = uint8(vals[1])
	b.Device = uint8(vals[2])
	b.Function = uint8(vals[3])
	return b, nil
}

// String returns the BDF in sysfs form
func (b BDF) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", b.Domain, b.Bus, b.Device, b.Function)
}

func hexToInt(hexStr string) (uint64, error) {
	// base 16 for hexadecimal
	return strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(hexStr), "0x"), 16, 64)
}

// GpuDev is one NVIDIA GPU found on the PCI bus.
type GpuDev struct {
	Bdf      BDF    `json:"BDF"`
	VendorID uint16 `json:"VendorID"`
	DeviceID uint16 `json:"DeviceID"`
	Class    uint32 `json:"Class"`
	Arch     string `json:"Arch,omitempty"`
	Vendor   string `json:"Vendor,omitempty"`
	Product  string `json:"Product,omitempty"`
}

// GetArch returns the architecture matched by device id.
func (g *GpuDev) GetArch() (*Arch, error) {
	if g.Arch == "" {
		return nil, fmt.Errorf("gpu %s: device 0x%04X has no known architecture", g.Bdf, g.DeviceID)
	}
	return Lookup(g.Arch)
}

func readSysfsHex(path string) (uint64, error) {
	fileBytes, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return hexToInt(string(fileBytes))
}

// InitGpuDevList obtains the NVIDIA display controllers below sysfsRoot, keyed
// by BDF string.
func InitGpuDevList(sysfsRoot string) (map[string]*GpuDev, error) {
	GpuDevMap := make(map[string]*GpuDev)

	pcieDevPath := filepath.Join(sysfsRoot, SYSFS_PCI_DEVICES)
	links, err := os.ReadDir(pcieDevPath)
	if err != nil {
		return nil, fmt.Errorf("chip.InitGpuDevList: %w", err)
	}
	for _, link := range links {
		bdf, err := ParseBDF(link.Name())
		if err != nil {
			klog.V(DBG_LVL_DETAIL).InfoS("chip.InitGpuDevList skip", "Link", link.Name(), "err", err)
			continue
		}
		dev, ok := checkGpuDev(filepath.Join(pcieDevPath, link.Name()))
		if !ok {
			continue
		}
		dev.Bdf = bdf
		if a, ok := ArchForDevice(dev.DeviceID); ok {
			dev.Arch = a.Name
		}
		klog.V(DBG_LVL_INFO).InfoS("chip.InitGpuDevList Device found", "Link", link.Name(),
			"DeviceID", hex(dev.DeviceID), "Arch", dev.Arch)
		GpuDevMap[bdf.String()] = dev
	}
	return GpuDevMap, nil
}

func checkGpuDev(dir string) (*GpuDev, bool) {
	vendor, err := readSysfsHex(filepath.Join(dir, "vendor"))
	if err != nil || vendor != PCI_VENDOR_ID_NVIDIA {
		return nil, false
	}
	class, err := readSysfsHex(filepath.Join(dir, "class"))
	klog.V(DBG_LVL_DETAIL).InfoS("chip.checkGpuDev", "Link", dir, "class", hex(class))
	if err != nil || (class>>8 != PCI_CLASS_DISPLAY_VGA && class>>8 != PCI_CLASS_DISPLAY_3D) {
		return nil, false
	}
	device, err := readSysfsHex(filepath.Join(dir, "device"))
	if err != nil {
		return nil, false
	}
	return &GpuDev{VendorID: uint16(vendor), DeviceID: uint16(device), Class: uint32(class)}, true
}

// SortedBDFs returns the keys of a device map in bus order.
func SortedBDFs(devs map[string]*GpuDev) []string {
	keys := make([]string, 0, len(devs))
	for k := range devs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// OpenPciDB loads the pci.ids database from path, or from the usual system
// locations when path is empty.
func OpenPciDB(path string) (*pcidb.PCIDB, error) {
	if path != "" {
		return pcidb.New(pcidb.WithDirectPath(path))
	}
	return pcidb.New()
}

// Describe fills the vendor and product names of every device from db.
func Describe(db *pcidb.PCIDB, devs map[string]*GpuDev) {
	for _, dev := range devs {
		vendor, ok := db.Vendors[fmt.Sprintf("%04x", dev.VendorID)]
		if !ok {
			dev.Vendor = "Unknown Vendor"
			continue
		}
		dev.Vendor = vendor.Name
		if p, ok := db.Products[vendor.ID+fmt.Sprintf("%04x", dev.DeviceID)]; ok {
			dev.Product = p.Name
		}
	}
}

// Wrapper function to shorten int to hex convertion call
func hex(a any) string {
	return fmt.Sprintf("0x%X", a)
}
