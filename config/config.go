// Package config loads the daemon's YAML configuration.
//
//	device:
//	  port: devmem        # devmem, sim or serial
//	  mem: /dev/mem
//	  addr: 0x10008008
//	pll:
//	  reference: 16MHz
//	  lock_timeout: 500ms
//	presets:
//	  turbo: {r: 2, f: 80, q: 2}
//	listeners:
//	  uart_baud: 115200
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/Jon-Bright/fe310clk/freq"
	"github.com/Jon-Bright/fe310clk/pll"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

// Port kinds.
const (
	PortDevMem = "devmem"
	PortSim    = "sim"
	PortSerial = "serial"
)

type Config struct {
	Device    Device            `yaml:"device"`
	PLL       PLL               `yaml:"pll"`
	Presets   map[string]Preset `yaml:"presets"`
	Listeners Listeners         `yaml:"listeners"`
}

// Device says how the registers are reached.
type Device struct {
	Port   string  `yaml:"port"`
	Mem    string  `yaml:"mem"`
	Serial string  `yaml:"serial"`
	Baud   uint    `yaml:"baud"`
	Addr   Address `yaml:"addr"`

	// LockDelay is how long the simulated PLL takes to lock.
	LockDelay time.Duration `yaml:"lock_delay"`
}

type PLL struct {
	Reference        freq.Frequency `yaml:"reference"`
	SettleIterations int            `yaml:"settle_iterations"`
	LockTimeout      time.Duration  `yaml:"lock_timeout"`
	PollInterval     time.Duration  `yaml:"poll_interval"`
}

// Preset is a named PLL configuration.
type Preset struct {
	R         uint8  `yaml:"r"`
	F         uint8  `yaml:"f"`
	Q         uint8  `yaml:"q"`
	Bypass    bool   `yaml:"bypass"`
	Reference string `yaml:"reference"`
}

type Listeners struct {
	// UARTBaud is the rate whose divisor is recomputed on every frequency
	// change. Zero disables the listener.
	UARTBaud uint32 `yaml:"uart_baud"`
}

// Address is a bus address, written in hex.
type Address uintptr

func (a *Address) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 0, 64)
	if err != nil {
		return fmt.Errorf("bad address %q: %w", text, err)
	}
	*a = Address(v)
	return nil
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a Address) String() string {
	return fmt.Sprintf("0x%08X", uintptr(a))
}

// Default is the configuration used when no file is given: a simulated PLL
// with the usual presets.
func Default() *Config {
	return &Config{
		Device: Device{
			Port:      PortSim,
			Mem:       "/dev/mem",
			Baud:      115200,
			Addr:      Address(pll.DefaultAddr),
			LockDelay: time.Millisecond,
		},
		PLL: PLL{
			Reference:        pll.HFXOSCFrequency,
			SettleIterations: pll.DefaultSettleIterations,
		},
		Presets: map[string]Preset{
			"max":   {R: 2, F: 80, Q: 2},
			"low":   {R: 2, F: 64, Q: 8, Bypass: true},
			"reset": {R: 2, F: 64, Q: 8, Bypass: true},
		},
		Listeners: Listeners{UARTBaud: 115200},
	}
}

// Parse reads YAML on top of the defaults. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.Device.Port {
	case PortDevMem:
		if c.Device.Mem == "" {
			return fmt.Errorf("%w: devmem port without a mem path", ErrInvalid)
		}
	case PortSerial:
		if c.Device.Serial == "" {
			return fmt.Errorf("%w: serial port without a device path", ErrInvalid)
		}
	case PortSim:
	default:
		return fmt.Errorf("%w: unknown port %q", ErrInvalid, c.Device.Port)
	}
	if c.Device.Addr%4 != 0 {
		return fmt.Errorf("%w: address %v isn't word aligned", ErrInvalid, c.Device.Addr)
	}
	if c.PLL.Reference == 0 {
		return fmt.Errorf("%w: zero PLL reference", ErrInvalid)
	}
	if c.PLL.LockTimeout < 0 || c.PLL.PollInterval < 0 || c.Device.LockDelay < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalid)
	}
	for _, name := range c.PresetNames() {
		if _, err := c.Presets[name].Status(); err != nil {
			return fmt.Errorf("%w: preset %s: %w", ErrInvalid, name, err)
		}
	}
	return nil
}

// PresetNames returns the preset names, sorted.
func (c *Config) PresetNames() []string {
	names := make([]string, 0, len(c.Presets))
	for n := range c.Presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Status converts p to a PLL configuration and checks it. A bypass preset
// may leave R, F and Q out; it gets the reset ratios.
func (p Preset) Status() (pll.ConfigStatus, error) {
	ref, err := pll.ParseReferenceClock(p.Reference)
	if err != nil {
		return pll.ConfigStatus{}, err
	}
	s := pll.ConfigStatus{R: p.R, F: p.F, Q: p.Q, Bypass: p.Bypass, ReferenceSelect: ref}
	if p.Bypass && p.R == 0 && p.F == 0 && p.Q == 0 {
		r := pll.ResetConfig()
		s.R, s.F, s.Q = r.R, r.F, r.Q
	}
	if err := s.Validate(); err != nil {
		return pll.ConfigStatus{}, err
	}
	return s, nil
}

// DriverConfig is the pll.Config for these settings.
func (c *Config) DriverConfig(logger *slog.Logger) pll.Config {
	return pll.Config{
		Reference:        c.PLL.Reference,
		SettleIterations: c.PLL.SettleIterations,
		LockTimeout:      c.PLL.LockTimeout,
		PollInterval:     c.PLL.PollInterval,
		Logger:           logger,
	}
}
