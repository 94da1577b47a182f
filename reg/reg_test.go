package reg

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRange(t *testing.T) {
	tests := []struct {
		upper, lower uint
		offset       uint
		mask         uint32
		width        uint
	}{
		{2, 0, 0, 0x7, 3},
		{9, 4, 4, 0x3F0, 6},
		{11, 10, 10, 0xC00, 2},
		{31, 0, 0, 0xFFFFFFFF, 32},
		{31, 30, 30, 0xC0000000, 2},
	}
	for _, tt := range tests {
		f, err := FromRange(tt.upper, tt.lower)
		require.NoError(t, err)
		assert.Equal(t, tt.offset, f.Offset(), "offset of [%d:%d]", tt.upper, tt.lower)
		assert.Equal(t, tt.mask, f.Mask(), "mask of [%d:%d]", tt.upper, tt.lower)
		assert.Equal(t, tt.width, f.Width(), "width of [%d:%d]", tt.upper, tt.lower)
	}
}

func TestFromRangeRejectsBadBounds(t *testing.T) {
	for _, b := range [][2]uint{{0, 0}, {3, 3}, {2, 5}, {32, 4}} {
		_, err := FromRange(b[0], b[1])
		assert.ErrorIs(t, err, ErrBadRange, "FromRange(%d, %d)", b[0], b[1])
	}
	assert.Panics(t, func() { MustRange(4, 4) })
	assert.Panics(t, func() { Bit(32) })
}

func TestBit(t *testing.T) {
	f := Bit(31)
	assert.Equal(t, uint(31), f.Offset())
	assert.Equal(t, uint32(0x80000000), f.Mask())
	assert.Equal(t, uint(1), f.Width())
	assert.Equal(t, "[31]", f.String())
	assert.Equal(t, "[9:4]", MustRange(9, 4).String())
}

func TestInsertExtract(t *testing.T) {
	f := MustRange(9, 4)
	w := f.Insert(0xFFFFFFFF, 0x27)
	assert.Equal(t, uint32(0xFFFFFE7F), w)
	assert.Equal(t, uint32(0x27), f.Extract(w))

	// Over-wide values must not leak into neighbouring fields
	w = f.Insert(0, 0xFFF)
	assert.Equal(t, uint32(0x3F0), w)
}

func TestRegisterFieldAccess(t *testing.T) {
	m := NewMemPort()
	r := New(m, 0x100)
	r.Write(0x70DF1)

	assert.Equal(t, uint32(0x70DF1), r.Read())
	assert.Equal(t, uint32(1), r.Field(MustRange(2, 0)))
	assert.Equal(t, uint32(0x1F), r.Field(MustRange(9, 4)))
	assert.True(t, r.Bool(Bit(16)))
	assert.False(t, r.Bool(Bit(31)))

	r.SetField(MustRange(9, 4), 0x27)
	assert.Equal(t, uint32(0x70E71), r.Read())
	r.SetBool(Bit(16), false)
	assert.Equal(t, uint32(0x60E71), r.Read())
}

func TestRegisterRereadsEveryTime(t *testing.T) {
	m := NewMemPort()
	r := New(m, 0x104)
	lock := Bit(31)
	assert.False(t, r.Bool(lock))
	m.Poke(0x104, lock.Mask())
	assert.True(t, r.Bool(lock))
}

type kind uint8

func TestGetNarrowsToEnum(t *testing.T) {
	s := SnapshotOf(0x20000)
	assert.Equal(t, kind(1), Get[kind](s, Bit(17)))
	assert.Equal(t, kind(0), Get[kind](s, Bit(18)))
}

// countingPort records every store.
type countingPort struct {
	MemPort
	mu     sync.Mutex
	stores []uint32
}

func newCountingPort() *countingPort {
	return &countingPort{MemPort: MemPort{words: map[uintptr]*atomic.Uint32{}}}
}

func (c *countingPort) Store(addr uintptr, v uint32) {
	c.mu.Lock()
	c.stores = append(c.stores, v)
	c.mu.Unlock()
	c.MemPort.Store(addr, v)
}

func TestTransactionSingleStore(t *testing.T) {
	p := newCountingPort()
	r := New(p, 0x200)
	r.Write(0)
	p.stores = nil

	const initial = uint32(0)
	fields := []struct {
		f BitField
		v uint32
	}{
		{MustRange(2, 0), 1},
		{MustRange(9, 4), 39},
		{MustRange(11, 10), 1},
		{Bit(17), 1},
	}

	var final uint32
	for _, fv := range fields {
		final = fv.f.Insert(final, fv.v)
	}

	// A concurrent reader must only ever see the initial or the final word
	stop := make(chan struct{})
	var seen sync.Map
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				seen.Store(p.Load(0x200), true)
			}
		}
	}()

	tx := r.Begin()
	for _, fv := range fields {
		tx.SetField(fv.f, fv.v)
		assert.Equal(t, initial, p.Load(0x200), "transaction wrote through")
	}
	require.NoError(t, tx.Commit())
	close(stop)
	wg.Wait()

	assert.Equal(t, []uint32{final}, p.stores)
	assert.Equal(t, final, r.Read())
	seen.Range(func(k, _ any) bool {
		w := k.(uint32)
		assert.True(t, w == initial || w == final, "reader saw partial word %08X", w)
		return true
	})

	assert.ErrorIs(t, tx.Commit(), ErrCommitted)
	assert.Len(t, p.stores, 1)
}

func TestTransactionWithoutCommitIsNoop(t *testing.T) {
	p := newCountingPort()
	r := New(p, 0x204)
	tx := r.Begin()
	tx.SetBool(Bit(16), true)
	assert.Equal(t, uint32(0x10000), tx.Word())
	assert.Empty(t, p.stores)
	assert.Equal(t, uint32(0), r.Read())
}

func TestSnapshotIsDetached(t *testing.T) {
	m := NewMemPort()
	r := New(m, 0x208)
	r.Write(0x30671)
	s := r.Snapshot()
	r.Write(0)
	assert.Equal(t, uint32(0x30671), s.Word())
	assert.Equal(t, uint32(0x27), s.Field(MustRange(9, 4)))
	assert.True(t, s.Bool(Bit(16)))
}

func TestClaim(t *testing.T) {
	m := NewMemPort()
	r, err := Claim(m, 0x300)
	require.NoError(t, err)

	_, err = Claim(m, 0x300)
	assert.ErrorIs(t, err, ErrAddressClaimed)

	// Another address, or the same address on another port, is fine
	r2, err := Claim(m, 0x304)
	require.NoError(t, err)
	r2.Release()
	r3, err := Claim(NewMemPort(), 0x300)
	require.NoError(t, err)
	r3.Release()

	r.Release()
	r, err = Claim(m, 0x300)
	require.NoError(t, err)
	r.Release()
}

func TestDevMemOverFile(t *testing.T) {
	page := os.Getpagesize()
	path := filepath.Join(t.TempDir(), "mem")
	require.NoError(t, os.WriteFile(path, make([]byte, 2*page), 0600))

	base := uintptr(page + 8)
	d, err := OpenDevMemFile(path, base, 8, nil)
	require.NoError(t, err)

	r := New(d, base+4)
	r.Write(0x30671)
	assert.Equal(t, uint32(0x30671), r.Read())
	assert.Equal(t, uint32(0), d.Load(base))
	assert.Panics(t, func() { d.Load(base + 8) })
	require.NoError(t, d.Close())

	// The store reached the file
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	off := page + 12
	assert.Equal(t, uint32(0x30671), binary.NativeEndian.Uint32(b[off:]))
}

func TestMemPortStringWhileGrowing(t *testing.T) {
	m := NewMemPort()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uintptr(0); i < 1000; i++ {
			m.Store(i*4, 1)
		}
	}()
	for i := 0; i < 100; i++ {
		assert.Contains(t, m.String(), "words")
	}
	wg.Wait()
	assert.Equal(t, "mem(1000 words)", m.String())
}
