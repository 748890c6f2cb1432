package netadapter

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/midnight/agent/internal/fault"
)

// MAC is a 48-bit hardware address.
type MAC [6]byte

// ParseMAC accepts the colon, dash and dot forms net.ParseMAC knows as well
// as twelve bare hex digits, in any case. Only 48-bit addresses are valid.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	s = strings.TrimSpace(s)
	if len(s) == 12 && !strings.ContainsAny(s, ":-.") {
		pairs := make([]string, 0, 6)
		for i := 0; i < 12; i += 2 {
			pairs = append(pairs, s[i:i+2])
		}
		s = strings.Join(pairs, ":")
	}
	hw, err := net.ParseMAC(s)
	if err != nil {
		return m, fault.New(fault.KindInvalid, "parse mac", s, err)
	}
	if len(hw) != len(m) {
		return m, fault.New(fault.KindInvalid, "parse mac", s, fmt.Errorf("want a 48-bit address, got %d bytes", len(hw)))
	}
	copy(m[:], hw)
	return m, nil
}

// HardwareAddr returns m as a net.HardwareAddr.
func (m MAC) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr(append([]byte(nil), m[:]...))
}

// String renders AA:BB:CC:DD:EE:FF.
func (m MAC) String() string {
	return strings.ToUpper(m.HardwareAddr().String())
}

// Registry renders the twelve-digit form the NetworkAddress value expects.
func (m MAC) Registry() string {
	return strings.ToUpper(hex.EncodeToString(m[:]))
}

func (m MAC) IsZero() bool { return m == MAC{} }

// LocallyAdministered reports whether the U/L bit is set.
func (m MAC) LocallyAdministered() bool { return m[0]&0x02 != 0 }

func (m MAC) Multicast() bool { return m[0]&0x01 != 0 }

// OUI returns the vendor prefix.
func (m MAC) OUI() OUI { return OUI{m[0], m[1], m[2]} }

// RandomMAC returns a unicast, locally administered address, which cannot
// collide with any vendor allocation. A nil reader uses crypto/rand.
func RandomMAC(r io.Reader) (MAC, error) {
	if r == nil {
		r = rand.Reader
	}
	var m MAC
	if _, err := io.ReadFull(r, m[:]); err != nil {
		return m, err
	}
	m[0] = (m[0] | 0x02) &^ 0x01
	return m, nil
}

// VendorMAC returns an address under oui with a random device part.
func VendorMAC(oui OUI, r io.Reader) (MAC, error) {
	if r == nil {
		r = rand.Reader
	}
	var m MAC
	copy(m[:3], oui[:])
	if _, err := io.ReadFull(r, m[3:]); err != nil {
		return m, err
	}
	return m, nil
}

// EqualMAC compares two textual addresses in any supported notation.
func EqualMAC(a, b string) bool {
	ma, err := ParseMAC(a)
	if err != nil {
		return false
	}
	mb, err := ParseMAC(b)
	return err == nil && ma == mb
}
