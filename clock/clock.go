// Package clock defines the observer interface shared by clock sources.
// Subsystems that derive timing from a clock (UART baud dividers, SPI
// serial clocks) register a Listener and recompute their dividers whenever
// the source announces a new frequency.
package clock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Jon-Bright/fe310clk/freq"
)

// Listener is called with the clock that changed and its new frequency. The
// source is passed on every call so listeners don't need to hold on to it.
type Listener func(src Clock, f freq.Frequency)

type Clock interface {
	// Frequency returns the clock's current frequency.
	Frequency() (freq.Frequency, error)

	// AddFrequencyChangeListener registers l for the lifetime of the clock.
	// There is no way to remove a listener.
	AddFrequencyChangeListener(l Listener)
}

// Notifier keeps the listener list for a Clock implementation. Embed it and
// call Emit once a frequency change has fully completed. The zero value is
// ready to use.
type Notifier struct {
	mu        sync.Mutex
	listeners []Listener
}

func (n *Notifier) AddFrequencyChangeListener(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// Emit calls every listener synchronously, in registration order. A
// listener that panics stops the broadcast; later listeners aren't called.
func (n *Notifier) Emit(src Clock, f freq.Frequency) {
	n.mu.Lock()
	ls := make([]Listener, len(n.listeners))
	copy(ls, n.listeners)
	n.mu.Unlock()
	for _, l := range ls {
		l(src, f)
	}
}

// Listeners returns the number of registered listeners.
func (n *Notifier) Listeners() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}

var ErrRateTooHigh = errors.New("rate higher than source clock")

// Divisor returns the divider value that derives rate from src on
// peripherals that count div+1 source cycles per output cycle (the FE310
// UART and SPI blocks). The result is truncated, so the derived rate is
// never below the requested one by more than one divider step.
func Divisor(src, rate freq.Frequency) (uint32, error) {
	if rate == 0 {
		return 0, errors.New("zero rate")
	}
	if rate > src {
		return 0, fmt.Errorf("%w: %v from %v", ErrRateTooHigh, rate, src)
	}
	d := uint64(src/rate) - 1
	if d > 0xFFFFFFFF {
		return 0, fmt.Errorf("divisor %d for %v from %v doesn't fit", d, rate, src)
	}
	return uint32(d), nil
}
