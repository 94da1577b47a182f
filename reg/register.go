package reg

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrAddressClaimed = errors.New("register address already claimed")
	ErrCommitted      = errors.New("transaction already committed")
)

// Register is the accessor for one hardware register. It holds no state of
// its own: every read goes to the port, every write is a side effect on the
// device. Only one Register may be used for a given address at a time (see
// Claim); two accessors doing read-modify-write on the same word will lose
// each other's updates.
type Register struct {
	port Port
	addr uintptr
}

// New binds a Register to addr on p. It doesn't check ownership; drivers
// should use Claim.
func New(p Port, addr uintptr) Register {
	return Register{port: p, addr: addr}
}

// Addr returns the bound address.
func (r Register) Addr() uintptr {
	return r.addr
}

// Read performs one load from the register.
func (r Register) Read() uint32 {
	return r.port.Load(r.addr)
}

// Write performs one store to the register.
func (r Register) Write(v uint32) {
	r.port.Store(r.addr, v)
}

// Field reads the register and returns field f, shifted down.
func (r Register) Field(f BitField) uint32 {
	return f.Extract(r.Read())
}

// Bool reads the register and reports whether single-bit field f is set.
func (r Register) Bool(f BitField) bool {
	return r.Field(f) != 0
}

// SetField replaces field f with v: one read, one write. It isn't atomic
// against other writers of the same word.
func (r Register) SetField(f BitField, v uint32) {
	r.Write(f.Insert(r.Read(), v))
}

func (r Register) SetBool(f BitField, b bool) {
	r.SetField(f, b2u(b))
}

// Begin starts a transaction staged on a copy of the current value.
func (r Register) Begin() *Transaction {
	return &Transaction{reg: r, word: r.Read()}
}

// Snapshot returns a detached copy of the current value.
func (r Register) Snapshot() Snapshot {
	return Snapshot{word: r.Read()}
}

// Err returns the port's transport error, if the port can fail.
func (r Register) Err() error {
	if f, ok := r.port.(Faulter); ok {
		return f.Err()
	}
	return nil
}

func (r Register) String() string {
	return fmt.Sprintf("%v@%08X", r.port, r.addr)
}

type claimKey struct {
	port Port
	addr uintptr
}

var (
	claimMu sync.Mutex
	claims  = map[claimKey]bool{}
)

// Claim binds a Register to addr on p and records it as the address's sole
// owner. It fails with ErrAddressClaimed while another claim is live.
// p must be comparable (pointer ports are).
func Claim(p Port, addr uintptr) (Register, error) {
	claimMu.Lock()
	defer claimMu.Unlock()
	k := claimKey{p, addr}
	if claims[k] {
		return Register{}, fmt.Errorf("couldn't claim %08X on %v: %w", addr, p, ErrAddressClaimed)
	}
	claims[k] = true
	return New(p, addr), nil
}

// Release ends the claim taken by Claim. r must not be used afterwards.
func (r Register) Release() {
	claimMu.Lock()
	delete(claims, claimKey{r.port, r.addr})
	claimMu.Unlock()
}

// Transaction stages field updates on a copy of a register's value and writes
// them all with a single store on Commit. There's no commit on drop: a
// transaction that is never committed changes nothing.
type Transaction struct {
	reg  Register
	word uint32
	done bool
}

// SetField updates field f in the staged copy only.
func (t *Transaction) SetField(f BitField, v uint32) {
	t.word = f.Insert(t.word, v)
}

func (t *Transaction) SetBool(f BitField, b bool) {
	t.SetField(f, b2u(b))
}

// Field returns field f of the staged copy.
func (t *Transaction) Field(f BitField) uint32 {
	return f.Extract(t.word)
}

// Word returns the staged value.
func (t *Transaction) Word() uint32 {
	return t.word
}

// Commit writes the staged value with exactly one store.
func (t *Transaction) Commit() error {
	if t.done {
		return ErrCommitted
	}
	t.done = true
	t.reg.Write(t.word)
	return nil
}

// Snapshot is a read-only copy of a register value. Fields decoded from one
// Snapshot are mutually consistent since they come from a single load.
type Snapshot struct {
	word uint32
}

// SnapshotOf wraps a raw word, e.g. one from a trace.
func SnapshotOf(word uint32) Snapshot {
	return Snapshot{word: word}
}

func (s Snapshot) Word() uint32 {
	return s.word
}

func (s Snapshot) Field(f BitField) uint32 {
	return f.Extract(s.word)
}

func (s Snapshot) Bool(f BitField) bool {
	return s.Field(f) != 0
}

// FieldReader is anything fields can be decoded from.
type FieldReader interface {
	Field(f BitField) uint32
}

// Unsigned is the set of types a field can be narrowed into.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint
}

// Get decodes field f from r and converts it to T, typically an enum type.
func Get[T Unsigned](r FieldReader, f BitField) T {
	return T(r.Field(f))
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
