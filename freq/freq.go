// Package freq provides an integer, unit-tagged frequency type. Conversions
// between Hz, KHz, MHz and GHz are exact multiplications or divisions by
// powers of 1000; a conversion that would lose precision is reported rather
// than rounded.
package freq

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Frequency is a rate in Hz.
type Frequency uint64

const (
	Hz  Frequency = 1
	KHz           = 1000 * Hz
	MHz           = 1000 * KHz
	GHz           = 1000 * MHz
)

var (
	ErrInexact  = errors.New("frequency not a whole multiple of unit")
	ErrOverflow = errors.New("frequency overflows")
	ErrSyntax   = errors.New("invalid frequency")
)

var units = []struct {
	name string
	f    Frequency
}{
	{"GHz", GHz},
	{"MHz", MHz},
	{"KHz", KHz},
	{"Hz", Hz},
}

// Of returns n units, e.g. Of(16, MHz). It fails on overflow.
func Of(n uint64, unit Frequency) (Frequency, error) {
	if unit == 0 {
		return 0, fmt.Errorf("%w: zero unit", ErrSyntax)
	}
	if n > math.MaxUint64/uint64(unit) {
		return 0, fmt.Errorf("%w: %d x %v", ErrOverflow, n, unit)
	}
	return Frequency(n) * unit, nil
}

// In returns f expressed in unit. It fails with ErrInexact when f isn't a
// whole number of units.
func (f Frequency) In(unit Frequency) (uint64, error) {
	if unit == 0 {
		return 0, fmt.Errorf("%w: zero unit", ErrSyntax)
	}
	if f%unit != 0 {
		return 0, fmt.Errorf("%w: %d Hz in %v", ErrInexact, uint64(f), unit)
	}
	return uint64(f / unit), nil
}

// Truncate returns f in unit, dropping any remainder.
func (f Frequency) Truncate(unit Frequency) uint64 {
	return uint64(f / unit)
}

func (f Frequency) Hz() uint64 {
	return uint64(f)
}

// Mul scales f by n; Div divides it. Div fails when the result isn't exact.
func (f Frequency) Mul(n uint64) (Frequency, error) {
	if n != 0 && uint64(f) > math.MaxUint64/n {
		return 0, fmt.Errorf("%w: %v x %d", ErrOverflow, f, n)
	}
	return f * Frequency(n), nil
}

func (f Frequency) Div(n uint64) (Frequency, error) {
	if n == 0 {
		return 0, errors.New("division by zero")
	}
	if uint64(f)%n != 0 {
		return 0, fmt.Errorf("%w: %v / %d", ErrInexact, f, n)
	}
	return f / Frequency(n), nil
}

// String uses the largest unit f is a whole number of, so 13800 KHz prints
// as "13800KHz" and 320 MHz as "320MHz".
func (f Frequency) String() string {
	if f == 0 {
		return "0Hz"
	}
	for _, u := range units {
		if f%u.f == 0 {
			return strconv.FormatUint(uint64(f/u.f), 10) + u.name
		}
	}
	return strconv.FormatUint(uint64(f), 10) + "Hz"
}

// Parse reads strings like "16MHz", "13800 kHz", "13.8MHz" or "320000000".
// A bare number is Hz. Decimal fractions are accepted only when they name a
// whole number of Hz.
func Parse(s string) (Frequency, error) {
	in := s
	s = strings.TrimSpace(s)
	unit := Hz
	for _, u := range units {
		if strings.HasSuffix(strings.ToLower(s), strings.ToLower(u.name)) {
			unit = u.f
			s = strings.TrimSpace(s[:len(s)-len(u.name)])
			break
		}
	}
	if s == "" {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, in)
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	n, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, in)
	}
	f, err := Of(n, unit)
	if err != nil {
		return 0, err
	}
	if !hasFrac {
		return f, nil
	}
	if frac == "" {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, in)
	}
	fn, err := strconv.ParseUint(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrSyntax, in)
	}
	// frac digits d: fn * unit / 10^d must be whole
	den := uint64(1)
	for range frac {
		if den > math.MaxUint64/10 {
			return 0, fmt.Errorf("%w: %q", ErrSyntax, in)
		}
		den *= 10
	}
	num, err := Frequency(fn).Mul(uint64(unit))
	if err != nil {
		return 0, err
	}
	part, err := num.Div(den)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInexact, in)
	}
	if f > math.MaxUint64-part {
		return 0, fmt.Errorf("%w: %q", ErrOverflow, in)
	}
	return f + part, nil
}

// MarshalText and UnmarshalText let frequencies appear as "16MHz" in
// configuration files.
func (f Frequency) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Frequency) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}
