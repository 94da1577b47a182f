package reg

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Port is a memory-mapped bus. Every Load and Store is a real access to the
// device behind it: implementations must not cache values or drop stores,
// and must keep accesses in program order.
type Port interface {
	Load(addr uintptr) uint32
	Store(addr uintptr, v uint32)
}

// Faulter is implemented by ports whose transport can fail (a serial
// monitor, say). Err returns the first failure; once set, loads return 0 and
// stores are dropped.
type Faulter interface {
	Err() error
}

// MemPort is a Port backed by ordinary memory, one word per address. It
// stands in for hardware in tests and simulations. Words are accessed with
// sync/atomic so that a simulated device goroutine can update them while a
// driver polls.
type MemPort struct {
	mu    sync.Mutex
	words map[uintptr]*atomic.Uint32
}

func NewMemPort() *MemPort {
	return &MemPort{words: make(map[uintptr]*atomic.Uint32)}
}

// Word returns the backing word for addr, creating it (as zero) if needed.
func (m *MemPort) Word(addr uintptr) *atomic.Uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.words[addr]
	if !ok {
		w = new(atomic.Uint32)
		m.words[addr] = w
	}
	return w
}

func (m *MemPort) Load(addr uintptr) uint32 {
	return m.Word(addr).Load()
}

func (m *MemPort) Store(addr uintptr, v uint32) {
	m.Word(addr).Store(v)
}

// Poke sets bits in the word at addr without going through a Register, the
// way hardware sets a status flag.
func (m *MemPort) Poke(addr uintptr, bits uint32) {
	m.Word(addr).Or(bits)
}

func (m *MemPort) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("mem(%d words)", len(m.words))
}
