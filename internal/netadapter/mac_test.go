package netadapter

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight/agent/internal/fault"
)

func TestParseMAC(t *testing.T) {
	want := MAC{0x00, 0x1B, 0x21, 0xAB, 0xCD, 0xEF}
	for _, in := range []string{"00:1B:21:AB:CD:EF", "00-1b-21-ab-cd-ef", "001B21ABCDEF", " 001b.21ab.cdef "} {
		m, err := ParseMAC(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, m, in)
	}
	assert.Equal(t, "00:1B:21:AB:CD:EF", want.String())
	assert.Equal(t, "001B21ABCDEF", want.Registry())
	assert.Equal(t, "00:1b:21:ab:cd:ef", want.HardwareAddr().String())

	for _, bad := range []string{"", "N/A", "Disabled", "00:1B:21:AB:CD", "00:1B:21:AB:CD:EG", "00:1B:21:FF:FE:AB:CD:EF", "001B21ABCDEG"} {
		_, err := ParseMAC(bad)
		assert.True(t, errors.Is(err, fault.ErrInvalid), bad)
	}
	assert.True(t, EqualMAC("00-1b-21-ab-cd-ef", "001B21ABCDEF"))
	assert.False(t, EqualMAC("00-1b-21-ab-cd-ef", "001B21ABCDE0"))
}

func TestRandomMACIsLocallyAdministeredUnicast(t *testing.T) {
	for i := 0; i < 500; i++ {
		m, err := RandomMAC(nil)
		require.NoError(t, err)
		assert.True(t, m.LocallyAdministered(), m.String())
		assert.False(t, m.Multicast(), m.String())
	}
}

func TestVendorMACKeepsOUI(t *testing.T) {
	for _, v := range Vendors {
		m, err := VendorMAC(v.OUI, nil)
		require.NoError(t, err)
		assert.Equal(t, v.OUI, m.OUI(), v.Name)
		assert.Contains(t, m.String(), v.OUI.String())
	}
}

func TestLookupVendor(t *testing.T) {
	v, ok := LookupVendor("  intel ")
	require.True(t, ok)
	assert.Equal(t, "00:1B:21", v.OUI.String())

	v, ok = LookupVendor("tp-link")
	require.True(t, ok)
	assert.Equal(t, "TP-Link", v.Name)

	_, ok = LookupVendor("Acme")
	assert.False(t, ok)
	assert.Len(t, VendorNames(), len(Vendors))
}

func TestParseGetmacCSV(t *testing.T) {
	out := `"Connection Name","Network Adapter","Physical Address","Transport Name"
"Ethernet","Intel(R) Ethernet Connection I219-V","00-1B-21-11-22-33","\Device\Tcpip_{ABC}"
"Wi-Fi","Realtek Wireless","00-1E-68-44-55-66","Media disconnected"
"Bluetooth","Bluetooth Device","N/A","Hardware not present"
`
	rows, err := parseGetmacCSV(out)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Interface{
		Name:        "Ethernet",
		Description: "Intel(R) Ethernet Connection I219-V",
		MAC:         "00:1B:21:11:22:33",
		Up:          true,
	}, rows[0])
	assert.False(t, rows[1].Up)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "verified", Verified.String())
	assert.Equal(t, "resetting", Resetting.String())
	assert.Equal(t, "unknown", State(42).String())
}
