// Package sim emulates FE310 clock hardware for running the driver and the
// daemon without a board.
package sim

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jon-Bright/fe310clk/pll"
)

var lockBit = pll.FieldLock.Mask()

// ResetValue is pllcfg as the SiFive bootloader leaves it: crystal bypassed
// and selected, with the lock bit set.
var ResetValue = uint32(0x70DF1) | lockBit

// PLL is a reg.Port with a single register, pllcfg, at its address. The lock
// bit can't be written by software. A store that changes the PLL's
// configuration drops lock, and lock comes back LockDelay later.
type PLL struct {
	addr      uintptr
	lockDelay time.Duration

	word   atomic.Uint32
	stores atomic.Int64

	mu    sync.Mutex
	gen   uint64
	timer *time.Timer
}

// New returns a PLL at addr in its reset state.
func New(addr uintptr, lockDelay time.Duration) *PLL {
	p := &PLL{addr: addr, lockDelay: lockDelay}
	p.word.Store(ResetValue)
	return p
}

func (p *PLL) check(addr uintptr) {
	if addr != p.addr {
		panic(fmt.Sprintf("sim: no register at %08X (pllcfg is at %08X)", addr, p.addr))
	}
}

func (p *PLL) Load(addr uintptr) uint32 {
	p.check(addr)
	return p.word.Load()
}

func (p *PLL) Store(addr uintptr, v uint32) {
	p.check(addr)
	p.stores.Add(1)

	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.word.Load()
	v = v&^lockBit | old&lockBit
	if (old^v)&pll.ConfigMask() == 0 {
		p.word.Store(v)
		return
	}

	// Reconfigured: unlocked until the loop settles again
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.lockDelay <= 0 {
		p.word.Store(v | lockBit)
		return
	}
	p.word.Store(v &^ lockBit)
	gen := p.gen
	p.timer = time.AfterFunc(p.lockDelay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		// A later reconfiguration restarts the wait
		if p.gen == gen {
			p.word.Or(lockBit)
		}
	})
}

// Stores returns how many stores the register has seen.
func (p *PLL) Stores() int64 {
	return p.stores.Load()
}

// Value returns the register without counting as an access.
func (p *PLL) Value() uint32 {
	return p.word.Load()
}

// Reset puts the register back in its reset state and zeroes the store count.
func (p *PLL) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.word.Store(ResetValue)
	p.stores.Store(0)
}

// Close stops a pending lock timer.
func (p *PLL) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	return nil
}

func (p *PLL) String() string {
	return fmt.Sprintf("sim(pllcfg@%08X)", p.addr)
}
