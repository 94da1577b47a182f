// Package monitor reaches the registers of a real board through a small
// debug monitor running on it, over a serial line. Each load or store is
// one request frame answered by one reply frame.
package monitor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Jon-Bright/fe310clk/reg"
	"github.com/jacobsa/go-serial/serial"
)

const DefaultBaud = 115200

var ErrTimeout = errors.New("no reply from monitor")

// Port is a reg.Port backed by the monitor. The first transport or protocol
// failure is kept: after it, loads return 0, stores are dropped and Err
// reports it.
type Port struct {
	name    string
	rw      io.ReadWriteCloser
	r       *bufio.Reader
	timeout time.Duration
	log     *slog.Logger

	mu  sync.Mutex
	err error
}

var _ reg.Port = (*Port)(nil)
var _ reg.Faulter = (*Port)(nil)

// Open opens the tty at path. Reads time out between characters, so a
// silent board gives ErrTimeout rather than a hang.
func Open(path string, baud uint, logger *slog.Logger) (*Port, error) {
	if baud == 0 {
		baud = DefaultBaud
	}
	rw, err := serial.Open(serial.OpenOptions{
		PortName:              path,
		BaudRate:              baud,
		DataBits:              8,
		StopBits:              1,
		InterCharacterTimeout: 100,
		MinimumReadSize:       0,
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't open %s: %w", path, err)
	}
	p := New(rw, logger)
	p.name = path
	p.timeout = time.Second
	return p, nil
}

// New runs the protocol over rw. End of input is a failure, there's no
// retrying.
func New(rw io.ReadWriteCloser, logger *slog.Logger) *Port {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Port{
		name: "monitor",
		rw:   rw,
		r:    bufio.NewReader(rw),
		log:  logger.With("device", "monitor"),
	}
}

func (p *Port) Load(addr uintptr) uint32 {
	v, _ := p.exchange(OpLoad, addr, 0)
	return v
}

func (p *Port) Store(addr uintptr, v uint32) {
	p.exchange(OpStore, addr, v)
}

// Err returns the first failure, if any.
func (p *Port) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close closes the line. An exchange waiting for a reply fails rather than
// holding Close up.
func (p *Port) Close() error {
	err := p.rw.Close()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = errors.New("monitor closed")
	}
	return err
}

func (p *Port) String() string {
	return p.name
}

func (p *Port) exchange(op uint8, addr uintptr, v uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	rv, err := p.doExchange(op, addr, v)
	if err != nil {
		p.err = err
		p.log.Error("monitor failed", "op", op, "addr", fmt.Sprintf("%08X", addr), "err", err)
	}
	return rv, err
}

func (p *Port) doExchange(op uint8, addr uintptr, v uint32) (uint32, error) {
	if uint64(addr) > 0xFFFFFFFF {
		return 0, fmt.Errorf("address %X beyond the 32-bit bus", addr)
	}
	packed := pack(&request{Op: op, Addr: uint32(addr), Value: v})
	n, err := p.rw.Write(packed)
	if err != nil {
		return 0, fmt.Errorf("couldn't write request: %w", err)
	}
	if n != len(packed) {
		return 0, fmt.Errorf("short write: %d of %d bytes", n, len(packed))
	}

	body, err := readFrame(p.byteReader())
	if err != nil {
		return 0, fmt.Errorf("couldn't read reply: %w", err)
	}
	var rep reply
	if err := unpack(body, &rep); err != nil {
		return 0, fmt.Errorf("couldn't decode reply: %w", err)
	}
	switch rep.Status {
	case StatusOK:
		return rep.Value, nil
	case StatusBadAddress:
		return 0, fmt.Errorf("monitor rejected address %08X", addr)
	case StatusBadFrame:
		return 0, fmt.Errorf("monitor couldn't decode request: %w", ErrFrame)
	default:
		return 0, fmt.Errorf("monitor status %02X", rep.Status)
	}
}

// byteReader gives the frame reader the port's input. With a timeout set,
// the empty reads a serial line returns between characters are retried
// until the timeout runs out.
func (p *Port) byteReader() io.ByteReader {
	if p.timeout == 0 {
		return p.r
	}
	return &patientReader{r: p.r, deadline: time.Now().Add(p.timeout)}
}

type patientReader struct {
	r        *bufio.Reader
	deadline time.Time
}

func (pr *patientReader) ReadByte() (byte, error) {
	for {
		b, err := pr.r.ReadByte()
		if err != io.EOF {
			return b, err
		}
		if time.Now().After(pr.deadline) {
			return 0, ErrTimeout
		}
	}
}

// Serve answers requests on rw from the registers of target until rw fails
// or reaches EOF. It is the board side of the protocol, for testing Port
// and for bridging a simulated board onto a pty.
func Serve(rw io.ReadWriter, target reg.Port) error {
	r := newReader(rw)
	for {
		body, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		var req request
		rep := reply{Status: StatusBadFrame}
		if unpack(body, &req) == nil {
			rep = serveOne(target, req)
		}
		if _, err := rw.Write(pack(&rep)); err != nil {
			return err
		}
	}
}

func serveOne(target reg.Port, req request) (rep reply) {
	// Simulated devices panic on addresses they don't have
	defer func() {
		if recover() != nil {
			rep = reply{Status: StatusBadAddress}
		}
	}()
	switch req.Op {
	case OpLoad:
		return reply{Status: StatusOK, Value: target.Load(uintptr(req.Addr))}
	case OpStore:
		target.Store(uintptr(req.Addr), req.Value)
		return reply{Status: StatusOK}
	}
	return reply{Status: StatusBadOp}
}
