package trace

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/Jon-Bright/fe310clk/pll"
	"github.com/Jon-Bright/fe310clk/reg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordsInOrder(t *testing.T) {
	m := reg.NewMemPort()
	p := New(m)
	p.Store(0x10, 0xAB)
	assert.Equal(t, uint32(0xAB), p.Load(0x10))
	p.Store(0x14, 1)

	got := p.Accesses()
	require.Len(t, got, 3)
	for i, want := range []struct {
		op   Op
		addr uint64
		v    uint32
	}{
		{OpStore, 0x10, 0xAB},
		{OpLoad, 0x10, 0xAB},
		{OpStore, 0x14, 1},
	} {
		assert.Equal(t, uint64(i+1), got[i].Seq)
		assert.Equal(t, want.op, got[i].Op)
		assert.Equal(t, want.addr, got[i].Addr)
		assert.Equal(t, want.v, got[i].Value)
	}
	assert.Len(t, p.Stores(0x10), 1)

	p.Reset()
	assert.Empty(t, p.Accesses())
	p.Load(0x10)
	assert.Equal(t, uint64(4), p.Accesses()[0].Seq)
}

func TestTransactionIsOneStore(t *testing.T) {
	m := reg.NewMemPort()
	m.Store(0x20, 0x70DF1)
	p := New(m)
	r := reg.New(p, 0x20)

	tx := r.Begin()
	tx.SetField(pll.FieldR, 1)
	tx.SetField(pll.FieldF, 39)
	tx.SetField(pll.FieldQ, 1)
	tx.SetBool(pll.FieldBypass, false)
	require.NoError(t, tx.Commit())

	stores := p.Stores(0x20)
	require.Len(t, stores, 1)
	assert.Equal(t, uint32(0x30671), stores[0].Value)
	// Begin's read and the commit's write
	assert.Len(t, p.Accesses(), 2)
}

func TestConfigureStoreCount(t *testing.T) {
	const addr = 0x24
	m := reg.NewMemPort()
	m.Store(addr, 0x70DF1|pll.FieldLock.Mask())
	p := New(m)
	d, err := pll.New(p, addr, pll.Config{})
	require.NoError(t, err)
	defer d.Close()

	c := pll.ConfigStatus{R: 2, F: 80, Q: 2, ReferenceSelect: pll.RefHFXOSC}
	require.NoError(t, d.ConfigureAndSelect(context.Background(), c))
	stores := p.Stores(addr)
	require.Len(t, stores, 2)
	// Reconfigured deselected, then selected
	assert.False(t, pll.Decode(stores[0].Value).Select)
	assert.True(t, pll.Decode(stores[1].Value).Select)

	p.Reset()
	c.Bypass = true
	require.NoError(t, d.ConfigureAndSelect(context.Background(), c))
	assert.Len(t, p.Stores(addr), 1)

	p.Reset()
	c.R = 0
	assert.Error(t, d.ConfigureAndSelect(context.Background(), c))
	assert.Empty(t, p.Accesses())
}

func TestStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	p := NewStream(reg.NewMemPort(), &buf)
	p.Store(0x30, 7)
	p.Load(0x30)
	require.NoError(t, p.EncodeErr())
	assert.Empty(t, p.Accesses())

	got, err := Read(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, OpStore, got[0].Op)
	assert.Equal(t, uint32(7), got[1].Value)
	assert.False(t, got[1].At.Before(got[0].At))
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pll.trace")
	p, err := Create(reg.NewMemPort(), path)
	require.NoError(t, err)
	p.Store(0x40, 1)
	p.Store(0x40, 2)
	require.NoError(t, p.Close())
	// Closed streams stop recording
	p.Store(0x40, 3)

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint32(2), got[1].Value)
}

func TestReadTruncated(t *testing.T) {
	var buf bytes.Buffer
	p := NewStream(reg.NewMemPort(), &buf)
	p.Store(0x50, 1)
	p.Store(0x50, 2)
	b := buf.Bytes()[:buf.Len()-3]

	got, err := Read(bytes.NewReader(b))
	assert.Error(t, err)
	assert.Len(t, got, 1)
}

type brokenPort struct{ *reg.MemPort }

func (brokenPort) Err() error { return errors.New("broken") }

func TestErrPassesThrough(t *testing.T) {
	assert.NoError(t, New(reg.NewMemPort()).Err())
	assert.EqualError(t, New(brokenPort{reg.NewMemPort()}).Err(), "broken")
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, io.ErrShortWrite }

func TestEncodeErrSticks(t *testing.T) {
	p := NewStream(reg.NewMemPort(), failWriter{})
	p.Store(0x60, 1)
	// The access itself still happened
	assert.Equal(t, uint32(1), p.Load(0x60))
	assert.ErrorIs(t, p.EncodeErr(), io.ErrShortWrite)
}
