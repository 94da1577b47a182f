// Package trace records register accesses. A Port wraps another reg.Port,
// keeps every load and store in order and can stream them to a file as
// CBOR for later inspection.
package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Jon-Bright/fe310clk/reg"
	"github.com/fxamacker/cbor/v2"
)

// Op is the kind of access.
type Op uint8

const (
	OpLoad  Op = 0
	OpStore Op = 1
)

func (o Op) String() string {
	switch o {
	case OpLoad:
		return "LOAD"
	case OpStore:
		return "STORE"
	default:
		return "UNKNOWN"
	}
}

// Access is one bus access. For loads Value is what was read, for stores
// what was written.
type Access struct {
	Seq   uint64    `cbor:"1,keyasint"`
	Op    Op        `cbor:"2,keyasint"`
	Addr  uint64    `cbor:"3,keyasint"`
	Value uint32    `cbor:"4,keyasint"`
	At    time.Time `cbor:"5,keyasint"`
}

func (a Access) String() string {
	return fmt.Sprintf("#%d %-5v %08X %08X", a.Seq, a.Op, a.Addr, a.Value)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create trace CBOR encoder mode: %v", err))
	}
	decOpts := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create trace CBOR decoder mode: %v", err))
	}
}

// Port records the accesses made through it. It is safe for concurrent use;
// accesses are numbered in the order they reach the wrapped port.
type Port struct {
	inner reg.Port

	mu       sync.Mutex
	seq      uint64
	accesses []Access
	keep     bool
	enc      *cbor.Encoder
	closer   io.Closer
	encErr   error
}

var _ reg.Port = (*Port)(nil)

// New wraps inner and keeps every access in memory.
func New(inner reg.Port) *Port {
	return &Port{inner: inner, keep: true}
}

// NewStream wraps inner and encodes every access to w instead of keeping
// it in memory.
func NewStream(inner reg.Port, w io.Writer) *Port {
	p := &Port{inner: inner, enc: encMode.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		p.closer = c
	}
	return p
}

// Create wraps inner and appends every access to the file at path.
func Create(inner reg.Port, path string) (*Port, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("couldn't open trace file: %w", err)
	}
	return NewStream(inner, f), nil
}

func (p *Port) Load(addr uintptr) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.inner.Load(addr)
	p.record(OpLoad, addr, v)
	return v
}

func (p *Port) Store(addr uintptr, v uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inner.Store(addr, v)
	p.record(OpStore, addr, v)
}

func (p *Port) record(op Op, addr uintptr, v uint32) {
	p.seq++
	a := Access{Seq: p.seq, Op: op, Addr: uint64(addr), Value: v, At: time.Now()}
	if p.keep {
		p.accesses = append(p.accesses, a)
	}
	if p.enc != nil && p.encErr == nil {
		p.encErr = p.enc.Encode(a)
	}
}

// Err passes on the wrapped port's transport error, so drivers see faults
// through the trace.
func (p *Port) Err() error {
	if f, ok := p.inner.(reg.Faulter); ok {
		return f.Err()
	}
	return nil
}

// EncodeErr returns the first error writing the trace stream.
func (p *Port) EncodeErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encErr
}

// Accesses returns a copy of the recorded accesses.
func (p *Port) Accesses() []Access {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Access, len(p.accesses))
	copy(out, p.accesses)
	return out
}

// Stores returns the recorded stores to addr.
func (p *Port) Stores(addr uintptr) []Access {
	var out []Access
	for _, a := range p.Accesses() {
		if a.Op == OpStore && a.Addr == uint64(addr) {
			out = append(out, a)
		}
	}
	return out
}

// Reset forgets the recorded accesses. Numbering continues.
func (p *Port) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accesses = nil
}

// Close closes the trace stream, if it has one.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enc = nil
	if p.closer == nil {
		return nil
	}
	c := p.closer
	p.closer = nil
	return c.Close()
}

func (p *Port) String() string {
	return fmt.Sprintf("trace(%v)", p.inner)
}

// Reader decodes a trace stream one access at a time.
type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: decMode.NewDecoder(r)}
}

// Next returns the next access, or io.EOF at the end of the stream.
func (r *Reader) Next() (Access, error) {
	var a Access
	if err := r.dec.Decode(&a); err != nil {
		return Access{}, err
	}
	return a, nil
}

// Read decodes a whole trace stream.
func Read(r io.Reader) ([]Access, error) {
	tr := NewReader(r)
	var out []Access
	for {
		a, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("couldn't decode access %d: %w", len(out)+1, err)
		}
		out = append(out, a)
	}
}

// ReadFile decodes the trace file at path.
func ReadFile(path string) ([]Access, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}
