package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Jon-Bright/fe310clk/config"
	"github.com/Jon-Bright/fe310clk/monitor"
	"github.com/Jon-Bright/fe310clk/reg"
	"github.com/Jon-Bright/fe310clk/sim"
	"github.com/Jon-Bright/fe310clk/trace"
	"golang.org/x/sys/unix"
)

var lockDir = flag.String("lock-dir", "/var/lock", "Directory for the lock files that stop two processes driving the same PLL")
var tracePath = flag.String("trace", "", "If set, append every register access to this file as CBOR")

// device is the port the PLL is reached through, plus whatever has to be
// released when done with it.
type device struct {
	port    reg.Port
	closers []io.Closer
}

func (d *device) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		errs = append(errs, d.closers[i].Close())
	}
	d.closers = nil
	return errors.Join(errs...)
}

// lockAddress takes an exclusive flock on a file named for the bus and
// address. The lock is held until the returned file is closed; a second
// process trying for it fails straight away.
func lockAddress(dir, bus string, addr uintptr) (*os.File, error) {
	path := filepath.Join(dir, fmt.Sprintf("fe310clk-%s-%08x.lock", bus, addr))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("couldn't open lock file: %w", err)
	}
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		f.Close()
		return nil, fmt.Errorf("%s is held by another process", path)
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("couldn't lock %s: %w", path, err)
	}
	return f, nil
}

// openDevice opens the port described by c. Real hardware is locked
// against other processes first.
func openDevice(c *config.Config, lockDir, tracePath string, logger *slog.Logger) (*device, error) {
	d := &device{}
	addr := uintptr(c.Device.Addr)
	lock := func(bus string) error {
		f, err := lockAddress(lockDir, bus, addr)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, f)
		return nil
	}

	switch c.Device.Port {
	case config.PortSim:
		s := sim.New(addr, c.Device.LockDelay)
		d.port = s
		d.closers = append(d.closers, s)
	case config.PortDevMem:
		if err := lock("mem"); err != nil {
			return nil, err
		}
		m, err := reg.OpenDevMemFile(c.Device.Mem, addr, 4, logger)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.port = m
		d.closers = append(d.closers, m)
	case config.PortSerial:
		if err := lock(filepath.Base(c.Device.Serial)); err != nil {
			return nil, err
		}
		m, err := monitor.Open(c.Device.Serial, c.Device.Baud, logger)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.port = m
		d.closers = append(d.closers, m)
	default:
		return nil, fmt.Errorf("unknown port %q", c.Device.Port)
	}
	log.Printf("Using %v for pllcfg at %v", d.port, c.Device.Addr)

	if tracePath != "" {
		t, err := trace.Create(d.port, tracePath)
		if err != nil {
			d.Close()
			return nil, err
		}
		log.Printf("Tracing register accesses to %s", tracePath)
		d.port = t
		d.closers = append(d.closers, t)
	}
	return d, nil
}
