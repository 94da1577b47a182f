// Package coreclock manages hfclk, the clock driving the FE310 core.
//
// After reset hfclk comes from the internal HFROSC. Selecting the PLL hands
// it to the PLL output (or, bypassed, to the crystal). CoreClock assumes it
// is the only thing configuring HFROSC, HFXOSC and the PLL; changing them
// behind its back gives wrong frequencies.
package coreclock

import (
	"context"
	"log/slog"

	"github.com/Jon-Bright/fe310clk/clock"
	"github.com/Jon-Bright/fe310clk/freq"
	"github.com/Jon-Bright/fe310clk/pll"
)

// ResetFrequency is hfclk after reset, running from HFROSC.
const ResetFrequency = 13800 * freq.KHz

// MaxSpeed is the configuration for the rated 320MHz: 16MHz / 2 = 8MHz,
// x80 = 640MHz, /2 = 320MHz.
func MaxSpeed() pll.ConfigStatus {
	return pll.ConfigStatus{ReferenceSelect: pll.RefHFXOSC, R: 2, F: 80, Q: 2}
}

// LowSpeed passes the crystal straight through.
func LowSpeed() pll.ConfigStatus {
	c := pll.ResetConfig()
	c.Bypass = true
	return c
}

// CoreClock is a clock.Clock for hfclk. Its listeners hear about every
// completed PLL switch. It isn't safe for concurrent use.
type CoreClock struct {
	clock.Notifier

	pll *pll.Driver
	log *slog.Logger
}

var _ clock.Clock = (*CoreClock)(nil)

// New manages hfclk through p.
func New(p *pll.Driver, logger *slog.Logger) *CoreClock {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &CoreClock{pll: p, log: logger.With("device", "hfclk")}
	p.AddFrequencyChangeListener(c.pllChanged)
	return c
}

func (c *CoreClock) pllChanged(_ clock.Clock, _ freq.Frequency) {
	f, err := c.Frequency()
	if err != nil {
		c.log.Error("couldn't read hfclk after PLL change", "err", err)
		return
	}
	c.log.Info("hfclk changed", "freq", f)
	c.Emit(c, f)
}

// PLL returns the underlying driver.
func (c *CoreClock) PLL() *pll.Driver {
	return c.pll
}

// Frequency returns hfclk: the reset frequency if the PLL isn't selected,
// otherwise the PLL output. Both come from a single read of pllcfg.
func (c *CoreClock) Frequency() (freq.Frequency, error) {
	cfg := c.pll.Config()
	if !cfg.Select {
		return ResetFrequency, nil
	}
	return c.pll.OutputOf(cfg)
}

// SetMaxSpeed runs the core at 320MHz.
func (c *CoreClock) SetMaxSpeed(ctx context.Context) error {
	return c.Apply(ctx, MaxSpeed())
}

// SetLowSpeed runs the core from the 16MHz crystal.
func (c *CoreClock) SetLowSpeed(ctx context.Context) error {
	return c.Apply(ctx, LowSpeed())
}

// Apply switches hfclk to cfg, see pll.Driver.ConfigureAndSelect. If the
// switch fails after the PLL was deselected, listeners hear about the drop
// to ResetFrequency.
func (c *CoreClock) Apply(ctx context.Context, cfg pll.ConfigStatus) error {
	c.log.Debug("switching hfclk", "config", cfg)
	return c.pll.ConfigureAndSelect(ctx, cfg)
}
