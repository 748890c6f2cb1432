package netadapter

import (
	"fmt"
	"sort"
	"strings"
)

// OUI is the vendor prefix of a MAC address.
type OUI [3]byte

func (o OUI) String() string {
	return fmt.Sprintf("%02X:%02X:%02X", o[0], o[1], o[2])
}

// Vendor is a named OUI used to make spoofed addresses look ordinary.
type Vendor struct {
	Name string
	OUI  OUI
}

// Vendors is the built-in vendor table.
var Vendors = []Vendor{
	{"Cisco", OUI{0x00, 0x1C, 0x58}},
	{"Dell", OUI{0x00, 0x1A, 0xA0}},
	{"HP", OUI{0x00, 0x1A, 0x4B}},
	{"Intel", OUI{0x00, 0x1B, 0x21}},
	{"Apple", OUI{0x00, 0x1D, 0x4F}},
	{"Samsung", OUI{0x00, 0x1E, 0x7D}},
	{"Microsoft", OUI{0x00, 0x1D, 0x60}},
	{"Realtek", OUI{0x00, 0x1E, 0x68}},
	{"TP-Link", OUI{0x00, 0x1D, 0x0F}},
	{"ASUS", OUI{0x00, 0x1A, 0x92}},
}

// LookupVendor finds a vendor by name, ignoring case.
func LookupVendor(name string) (Vendor, bool) {
	name = strings.TrimSpace(name)
	for _, v := range Vendors {
		if strings.EqualFold(v.Name, name) {
			return v, true
		}
	}
	return Vendor{}, false
}

// VendorNames returns the table's names sorted alphabetically.
func VendorNames() []string {
	names := make([]string, 0, len(Vendors))
	for _, v := range Vendors {
		names = append(names, v.Name)
	}
	sort.Strings(names)
	return names
}
