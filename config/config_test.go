package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Jon-Bright/fe310clk/freq"
	"github.com/Jon-Bright/fe310clk/pll"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, Address(0x10008008), c.Device.Addr)
	assert.Equal(t, []string{"low", "max", "reset"}, c.PresetNames())

	s, err := c.Presets["max"].Status()
	require.NoError(t, err)
	assert.Equal(t, pll.ConfigStatus{R: 2, F: 80, Q: 2, ReferenceSelect: pll.RefHFXOSC}, s)
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
device:
  port: devmem
  addr: 0x10008010
pll:
  reference: 8MHz
  lock_timeout: 250ms
  poll_interval: 1ms
presets:
  half:
    r: 2
    f: 40
    q: 2
  xtal:
    bypass: true
listeners:
  uart_baud: 9600
`))
	require.NoError(t, err)
	assert.Equal(t, PortDevMem, c.Device.Port)
	// Unset keys keep their defaults
	assert.Equal(t, "/dev/mem", c.Device.Mem)
	assert.Equal(t, Address(0x10008010), c.Device.Addr)
	assert.Equal(t, 8*freq.MHz, c.PLL.Reference)
	assert.Equal(t, 250*time.Millisecond, c.PLL.LockTimeout)
	assert.Equal(t, uint32(9600), c.Listeners.UARTBaud)
	assert.Contains(t, c.PresetNames(), "max")

	s, err := c.Presets["xtal"].Status()
	require.NoError(t, err)
	assert.True(t, s.Bypass)
	assert.Equal(t, uint8(8), s.Q)

	dc := c.DriverConfig(nil)
	assert.Equal(t, 8*freq.MHz, dc.Reference)
	assert.Equal(t, time.Millisecond, dc.PollInterval)
}

func TestParseEmpty(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"UnknownKey", "pll:\n  multiplier: 4\n"},
		{"UnknownPort", "device:\n  port: jtag\n"},
		{"SerialWithoutPath", "device:\n  port: serial\n"},
		{"Unaligned", "device:\n  addr: 0x10008009\n"},
		{"BadAddress", "device:\n  addr: pllcfg\n"},
		{"BadFrequency", "pll:\n  reference: fast\n"},
		{"NegativeTimeout", "pll:\n  lock_timeout: -1s\n"},
		{"OddF", "presets:\n  bad: {r: 1, f: 3, q: 2}\n"},
		{"QZero", "presets:\n  bad: {r: 1, f: 4}\n"},
		{"BadReference", "presets:\n  bad: {r: 1, f: 4, q: 2, reference: hfrosc}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fe310clk.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  port: serial\n  serial: /dev/ttyUSB1\n"), 0644))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB1", c.Device.Serial)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestAddressText(t *testing.T) {
	b, err := Address(0x10008008).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "0x10008008", string(b))
}
