package pll

import (
	"errors"
	"fmt"

	"github.com/Jon-Bright/fe310clk/reg"
)

// Layout of the pllcfg register, FE310-G002 manual section 6.5.
var (
	FieldR       = reg.MustRange(2, 0)
	FieldF       = reg.MustRange(9, 4)
	FieldQ       = reg.MustRange(11, 10)
	FieldSelect  = reg.Bit(16)
	FieldRefSel  = reg.Bit(17)
	FieldBypass  = reg.Bit(18)
	FieldLock    = reg.Bit(31)
	configFields = FieldR.Mask() | FieldF.Mask() | FieldQ.Mask() | FieldRefSel.Mask() | FieldBypass.Mask()
)

// ConfigMask covers the bits that change the multiplier's output and so
// require it to re-lock: R, F, Q, reference select and bypass.
func ConfigMask() uint32 {
	return configFields
}

// ReferenceClock is the PLL's input.
type ReferenceClock uint8

const (
	// RefNone leaves the PLL without an input; presumably inoperational.
	RefNone ReferenceClock = 0
	// RefHFXOSC is the high-frequency external crystal oscillator.
	RefHFXOSC ReferenceClock = 1
)

func (r ReferenceClock) String() string {
	switch r {
	case RefNone:
		return "NONE"
	case RefHFXOSC:
		return "HFXOSC"
	default:
		return fmt.Sprintf("ReferenceClock(%d)", uint8(r))
	}
}

// ParseReferenceClock accepts the names String returns.
func ParseReferenceClock(s string) (ReferenceClock, error) {
	switch s {
	case "NONE", "none":
		return RefNone, nil
	case "HFXOSC", "hfxosc", "":
		return RefHFXOSC, nil
	}
	return 0, fmt.Errorf("unknown reference clock %q", s)
}

// ConfigStatus is the decoded pllcfg register. R, F and Q hold the
// mathematical divider/multiplier values, not the register encodings.
// Lock is status only and is ignored when writing.
type ConfigStatus struct {
	R uint8
	F uint8
	Q uint8

	Select          bool
	Bypass          bool
	Lock            bool
	ReferenceSelect ReferenceClock
}

// ResetConfig is what pllcfg holds after reset: the crystal is passed
// through and the PLL is not driving hfclk.
func ResetConfig() ConfigStatus {
	return ConfigStatus{R: 2, F: 64, Q: 8, Bypass: true, ReferenceSelect: RefHFXOSC}
}

var (
	ErrInvalidConfig  = errors.New("invalid PLL configuration")
	ErrInvalidDivisor = errors.New("invalid PLL output divisor")
)

// Validate checks that c can be encoded: R in 1..8, F even in 2..128, Q one
// of 2, 4, 8 and a known reference clock.
func (c ConfigStatus) Validate() error {
	if c.R < 1 || c.R > 8 {
		return fmt.Errorf("%w: R=%d, want 1..8", ErrInvalidConfig, c.R)
	}
	if c.F < 2 || c.F > 128 || c.F%2 != 0 {
		return fmt.Errorf("%w: F=%d, want even 2..128", ErrInvalidConfig, c.F)
	}
	if _, ok := qEncoding(c.Q); !ok {
		return fmt.Errorf("%w: %w: Q=%d, want 2, 4 or 8", ErrInvalidConfig, ErrInvalidDivisor, c.Q)
	}
	if c.ReferenceSelect > RefHFXOSC {
		return fmt.Errorf("%w: reference %v", ErrInvalidConfig, c.ReferenceSelect)
	}
	return nil
}

func (c ConfigStatus) String() string {
	return fmt.Sprintf("R=%d F=%d Q=%d sel=%t bypass=%t lock=%t ref=%v",
		c.R, c.F, c.Q, c.Select, c.Bypass, c.Lock, c.ReferenceSelect)
}

// The value of pllq is log2(Q) but only three values are supported, so
// they're looked up.
func qEncoding(q uint8) (uint32, bool) {
	switch q {
	case 2:
		return 0b01, true
	case 4:
		return 0b10, true
	case 8:
		return 0b11, true
	}
	return 0, false
}

func qDecoding(v uint32) uint8 {
	switch v {
	case 0b01:
		return 2
	case 0b10:
		return 4
	case 0b11:
		return 8
	}
	return 0
}

type fieldSetter interface {
	SetField(f reg.BitField, v uint32)
	SetBool(f reg.BitField, b bool)
}

// stage writes every settable field of c into w.
func (c ConfigStatus) stage(w fieldSetter) {
	q, _ := qEncoding(c.Q)
	w.SetField(FieldR, uint32(c.R)-1)
	w.SetField(FieldF, uint32(c.F)/2-1)
	w.SetField(FieldQ, q)
	w.SetBool(FieldSelect, c.Select)
	w.SetField(FieldRefSel, uint32(c.ReferenceSelect))
	w.SetBool(FieldBypass, c.Bypass)
}

type fieldGetter interface {
	reg.FieldReader
	Bool(f reg.BitField) bool
}

func decode(s fieldGetter) ConfigStatus {
	return ConfigStatus{
		R:               uint8(s.Field(FieldR) + 1),
		F:               uint8(2 * (s.Field(FieldF) + 1)),
		Q:               qDecoding(s.Field(FieldQ)),
		Select:          s.Bool(FieldSelect),
		Bypass:          s.Bool(FieldBypass),
		Lock:            s.Bool(FieldLock),
		ReferenceSelect: reg.Get[ReferenceClock](s, FieldRefSel),
	}
}

type word uint32

func (w *word) SetField(f reg.BitField, v uint32) {
	*w = word(f.Insert(uint32(*w), v))
}

func (w *word) SetBool(f reg.BitField, b bool) {
	var v uint32
	if b {
		v = 1
	}
	w.SetField(f, v)
}

// Encode returns base with c's fields written into it. Bits outside the
// configuration fields, including Lock, are left as they were in base.
// c should have been validated; an unsupported Q encodes as 0.
func Encode(c ConfigStatus, base uint32) uint32 {
	w := word(base)
	c.stage(&w)
	return uint32(w)
}

// Decode returns the configuration held in a raw pllcfg value.
func Decode(v uint32) ConfigStatus {
	return decode(reg.SnapshotOf(v))
}
