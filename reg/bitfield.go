package reg

import (
	"errors"
	"fmt"
)

// Width is the number of bits in a register word.
const Width = 32

var ErrBadRange = errors.New("bad bit range")

// BitField is a contiguous run of bits within a register word.
type BitField struct {
	offset uint8
	mask   uint32
}

// FromRange returns the field covering bits [upper, lower]. upper must be
// strictly greater than lower; use Bit for single-bit fields.
func FromRange(upper, lower uint) (BitField, error) {
	if upper <= lower {
		return BitField{}, fmt.Errorf("%w: upper bound %d must be greater than lower bound %d", ErrBadRange, upper, lower)
	}
	if upper >= Width {
		return BitField{}, fmt.Errorf("%w: bit %d outside a %d-bit word", ErrBadRange, upper, Width)
	}
	return newField(upper, lower), nil
}

// MustRange is like FromRange but panics on a bad range. It is meant for
// package-level layout declarations.
func MustRange(upper, lower uint) BitField {
	f, err := FromRange(upper, lower)
	if err != nil {
		panic(err)
	}
	return f
}

// Bit returns the single-bit field at bit n.
func Bit(n uint) BitField {
	if n >= Width {
		panic(fmt.Errorf("%w: bit %d outside a %d-bit word", ErrBadRange, n, Width))
	}
	return newField(n, n)
}

func newField(upper, lower uint) BitField {
	w := upper - lower + 1
	var m uint32
	if w == Width {
		m = ^uint32(0)
	} else {
		m = (uint32(1)<<w - 1) << lower
	}
	return BitField{offset: uint8(lower), mask: m}
}

// Offset is the shift applied when reading or writing the field.
func (f BitField) Offset() uint {
	return uint(f.offset)
}

// Mask returns the field mask, already shifted into position.
func (f BitField) Mask() uint32 {
	return f.mask
}

// Width returns the number of bits in the field.
func (f BitField) Width() uint {
	n := uint(0)
	for m := f.mask >> f.offset; m != 0; m >>= 1 {
		n++
	}
	return n
}

// Extract returns the field's value from word, shifted down.
func (f BitField) Extract(word uint32) uint32 {
	return (word & f.mask) >> f.offset
}

// Insert returns word with the field replaced by v. Bits of v that don't fit
// in the field are dropped.
func (f BitField) Insert(word, v uint32) uint32 {
	return word&^f.mask | (v<<f.offset)&f.mask
}

func (f BitField) String() string {
	if w := f.Width(); w > 1 {
		return fmt.Sprintf("[%d:%d]", uint(f.offset)+w-1, f.offset)
	}
	return fmt.Sprintf("[%d]", f.offset)
}
