package clock

import (
	"testing"

	"github.com/Jon-Bright/fe310clk/freq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	Notifier
	f freq.Frequency
}

func (c *fixedClock) Frequency() (freq.Frequency, error) {
	return c.f, nil
}

func (c *fixedClock) set(f freq.Frequency) {
	c.f = f
	c.Emit(c, f)
}

var _ Clock = (*fixedClock)(nil)

func TestEmitInRegistrationOrder(t *testing.T) {
	c := &fixedClock{f: 16 * freq.MHz}
	var got []string
	c.AddFrequencyChangeListener(func(src Clock, f freq.Frequency) {
		got = append(got, "a:"+f.String())
	})
	c.AddFrequencyChangeListener(func(src Clock, f freq.Frequency) {
		cur, err := src.Frequency()
		require.NoError(t, err)
		assert.Equal(t, f, cur, "listener saw a stale source")
		got = append(got, "b:"+f.String())
	})
	assert.Equal(t, 2, c.Listeners())

	c.set(320 * freq.MHz)
	c.set(16 * freq.MHz)
	assert.Equal(t, []string{"a:320MHz", "b:320MHz", "a:16MHz", "b:16MHz"}, got)
}

func TestEmitPanicStopsBroadcast(t *testing.T) {
	c := &fixedClock{}
	called := false
	c.AddFrequencyChangeListener(func(Clock, freq.Frequency) { panic("bad listener") })
	c.AddFrequencyChangeListener(func(Clock, freq.Frequency) { called = true })
	assert.Panics(t, func() { c.set(freq.MHz) })
	assert.False(t, called)
}

func TestListenerMayRegisterAnother(t *testing.T) {
	c := &fixedClock{}
	n := 0
	c.AddFrequencyChangeListener(func(src Clock, f freq.Frequency) {
		n++
		src.AddFrequencyChangeListener(func(Clock, freq.Frequency) { n += 10 })
	})
	c.set(freq.MHz)
	assert.Equal(t, 1, n)
	c.set(freq.MHz)
	assert.Equal(t, 12, n)
}

func TestDivisor(t *testing.T) {
	tests := []struct {
		src, rate freq.Frequency
		want      uint32
	}{
		{320 * freq.MHz, 115200 * freq.Hz, 2776},
		{16 * freq.MHz, 115200 * freq.Hz, 137},
		{13800 * freq.KHz, 115200 * freq.Hz, 118},
		{16 * freq.MHz, 16 * freq.MHz, 0},
	}
	for _, tt := range tests {
		got, err := Divisor(tt.src, tt.rate)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "Divisor(%v, %v)", tt.src, tt.rate)
	}
	_, err := Divisor(16*freq.MHz, 20*freq.MHz)
	assert.ErrorIs(t, err, ErrRateTooHigh)
	_, err = Divisor(16*freq.MHz, 0)
	assert.Error(t, err)
}
