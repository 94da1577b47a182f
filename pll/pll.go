// Package pll drives the phase-locked loop clock multiplier of the
// FE310-G002 (manual section 6.5).
//
// The PLL derives hfclk from a reference clock as ref / R * F / Q. Changing
// R, F or Q makes the output unstable until the PLL re-locks, so a new
// configuration is written with the PLL deselected (hfclk falls back to the
// internal HFROSC), the lock bit is polled, and only then is the PLL
// selected again. Bypass configurations pass the reference straight through
// and need no lock.
//
// A Driver assumes it is the sole owner of the pllcfg register.
package pll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Jon-Bright/fe310clk/clock"
	"github.com/Jon-Bright/fe310clk/freq"
	"github.com/Jon-Bright/fe310clk/reg"
)

const (
	// DefaultAddr is pllcfg's address in the PRCI block.
	DefaultAddr uintptr = 0x10008008

	// HFXOSCFrequency is the crystal feeding the PLL on the HiFive1 Rev B.
	HFXOSCFrequency = 16 * freq.MHz

	// The lock signal isn't meaningful for up to 100us after a change. At the
	// HFROSC reset frequency, counting to 1000 surely exceeds that.
	DefaultSettleIterations = 1000
)

var ErrLockTimeout = errors.New("timed out waiting for PLL lock")

// Config tunes a Driver. The zero value gives the original behaviour: a
// 16MHz reference, a 1000 count settle delay and a lock wait that never
// gives up.
type Config struct {
	// Reference is the PLL input frequency. Zero means HFXOSCFrequency.
	Reference freq.Frequency

	// SettleIterations is the busy count before the lock bit is first read.
	// Zero means DefaultSettleIterations; negative skips the delay.
	SettleIterations int

	// LockTimeout bounds the lock wait. Zero waits forever.
	LockTimeout time.Duration

	// PollInterval is slept between lock polls. Zero spins.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Driver is the PLL. It is a clock.Clock whose frequency is the PLL output.
type Driver struct {
	clock.Notifier

	pllcfg reg.Register
	cfg    Config
	log    *slog.Logger
}

var _ clock.Clock = (*Driver)(nil)

// New binds a Driver to the pllcfg register at addr on p. Only one Driver
// may be bound to an address at a time; Close releases it.
func New(p reg.Port, addr uintptr, cfg Config) (*Driver, error) {
	r, err := reg.Claim(p, addr)
	if err != nil {
		return nil, fmt.Errorf("couldn't bind PLL: %w", err)
	}
	if cfg.Reference == 0 {
		cfg.Reference = HFXOSCFrequency
	}
	if cfg.SettleIterations == 0 {
		cfg.SettleIterations = DefaultSettleIterations
	}
	if cfg.LockTimeout < 0 || cfg.PollInterval < 0 {
		r.Release()
		return nil, errors.New("negative lock timeout or poll interval")
	}
	l := cfg.Logger
	if l == nil {
		l = slog.New(slog.DiscardHandler)
	}
	return &Driver{
		pllcfg: r,
		cfg:    cfg,
		log:    l.With("device", "pll", "addr", fmt.Sprintf("%08X", addr)),
	}, nil
}

// Close releases the register. The Driver must not be used afterwards.
func (d *Driver) Close() {
	d.pllcfg.Release()
}

// Reference returns the PLL input frequency.
func (d *Driver) Reference() freq.Frequency {
	return d.cfg.Reference
}

// Config reads pllcfg once and decodes every field from that read.
func (d *Driver) Config() ConfigStatus {
	return decode(d.pllcfg.Snapshot())
}

// OutputFrequency calculates the PLL output from the current configuration.
func (d *Driver) OutputFrequency() (freq.Frequency, error) {
	return d.OutputOf(d.Config())
}

// OutputOf calculates the PLL output for c with this driver's reference.
// Use it with a ConfigStatus from Config to get fields and frequency from
// one read.
func (d *Driver) OutputOf(c ConfigStatus) (freq.Frequency, error) {
	// If bypassing the PLL, the reference is passed through
	if c.Bypass {
		return d.cfg.Reference, nil
	}
	if c.Q == 0 {
		return 0, fmt.Errorf("%w: Q field decodes to 0 (%v)", ErrInvalidDivisor, c)
	}
	// ref / R * F / Q, multiplied out first so nothing is lost to an
	// intermediate division. F is at most 128, so this can't overflow for
	// any realistic reference.
	return freq.Frequency(uint64(d.cfg.Reference) * uint64(c.F) / (uint64(c.R) * uint64(c.Q))), nil
}

// Frequency is OutputFrequency, for clock.Clock.
func (d *Driver) Frequency() (freq.Frequency, error) {
	return d.OutputFrequency()
}

// IsSelected reports whether the PLL is driving hfclk.
func (d *Driver) IsSelected() bool {
	return d.pllcfg.Bool(FieldSelect)
}

// IsLocked reports the lock status bit.
func (d *Driver) IsLocked() bool {
	return d.pllcfg.Bool(FieldLock)
}

// ConfigureAndSelect writes c to the PLL and selects it to drive hfclk.
// c.Select and c.Lock are ignored. Invalid configurations are rejected
// before anything is written.
//
// For non-bypass configurations hfclk runs from HFROSC while the PLL
// re-locks, so callers see a brief dip to the reset frequency. The lock wait
// blocks the calling goroutine. It ends when the PLL locks, when
// Config.LockTimeout passes (ErrLockTimeout), when ctx is done or when the
// port reports a fault. On any of those errors the PLL is left configured
// but deselected, so hfclk has fallen back to HFROSC; listeners are still
// called, with the output of the new configuration, so that they re-read
// their clock.
//
// Once the switch is complete, listeners are called with the new output
// frequency.
func (d *Driver) ConfigureAndSelect(ctx context.Context, c ConfigStatus) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.Lock = false

	if c.Bypass {
		// The PLL isn't in the path, so there's nothing to wait for. Bypass
		// only makes sense selected.
		c.Select = true
		if err := d.commit(c); err != nil {
			return err
		}
		d.log.Debug("bypass selected", "config", c)
		return d.announce()
	}

	// The PLL can't drive hfclk while reconfiguring, so make sure it's
	// deselected while the new ratios take effect
	c.Select = false
	if err := d.commit(c); err != nil {
		return err
	}
	d.log.Debug("configured, waiting for lock", "config", c)

	d.settle()
	start := time.Now()
	polls, err := d.waitLock(ctx, start)
	if err != nil {
		d.log.Warn("PLL did not lock", "config", c, "polls", polls, "waited", time.Since(start), "err", err)
		d.fellBack(c)
		return err
	}
	d.log.Info("PLL locked", "polls", polls, "waited", time.Since(start))

	// R, F, Q and bypass are already in place; only select changes
	d.pllcfg.SetBool(FieldSelect, true)
	if err := d.pllcfg.Err(); err != nil {
		d.fellBack(c)
		return fmt.Errorf("couldn't select PLL: %w", err)
	}
	return d.announce()
}

func (d *Driver) commit(c ConfigStatus) error {
	tx := d.pllcfg.Begin()
	c.stage(tx)
	if err := tx.Commit(); err != nil {
		return err
	}
	if err := d.pllcfg.Err(); err != nil {
		return fmt.Errorf("couldn't write pllcfg: %w", err)
	}
	return nil
}

// settle burns SettleIterations counts. The counter is atomic so the loop
// can't be optimised away.
func (d *Driver) settle() {
	var n atomic.Int64
	for n.Load() < int64(d.cfg.SettleIterations) {
		n.Add(1)
	}
}

func (d *Driver) waitLock(ctx context.Context, start time.Time) (int, error) {
	polls := 0
	for {
		polls++
		if d.pllcfg.Bool(FieldLock) {
			return polls, nil
		}
		if err := d.pllcfg.Err(); err != nil {
			return polls, fmt.Errorf("couldn't poll lock: %w", err)
		}
		select {
		case <-ctx.Done():
			return polls, ctx.Err()
		default:
		}
		if d.cfg.LockTimeout > 0 && time.Since(start) > d.cfg.LockTimeout {
			return polls, fmt.Errorf("%w after %v", ErrLockTimeout, d.cfg.LockTimeout)
		}
		if d.cfg.PollInterval > 0 {
			time.Sleep(d.cfg.PollInterval)
		}
	}
}

// fellBack tells the listeners about a switch that stopped with c written
// but the PLL deselected. The register isn't re-read since the port may be
// the thing that failed.
func (d *Driver) fellBack(c ConfigStatus) {
	f, err := d.OutputOf(c)
	if err != nil {
		return
	}
	d.Emit(d, f)
}

// announce re-reads the switched configuration and tells the listeners.
func (d *Driver) announce() error {
	f, err := d.OutputFrequency()
	if err != nil {
		return err
	}
	d.Emit(d, f)
	return nil
}
