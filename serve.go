package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Jon-Bright/fe310clk/clock"
	"github.com/Jon-Bright/fe310clk/config"
	"github.com/Jon-Bright/fe310clk/coreclock"
	"github.com/Jon-Bright/fe310clk/freq"
	"github.com/Jon-Bright/fe310clk/pll"
)

var configPath = flag.String("config", "", "YAML configuration file")
var port = flag.Int("port", 24601, "The port that the server should listen to")
var useSim = flag.Bool("sim", false, "Drive a simulated PLL instead of hardware")
var memPath = flag.String("mem", "", "Map registers from this file (usually /dev/mem)")
var pllAddr = flag.String("addr", "", "Address of pllcfg, e.g. 0x10008008")
var serialPath = flag.String("serial", "", "Reach the registers through the debug monitor on this serial device")
var serialBaud = flag.Uint("baud", 0, "Baud rate for -serial")
var lockTimeout = flag.Duration("lock-timeout", 0, "How long to wait for the PLL to lock. 0 waits forever.")
var applyPreset = flag.String("apply", "", "Apply this preset at startup")
var interactive = flag.Bool("i", false, "Run an interactive shell as well as the server")
var uartBaud = flag.Uint("uart-baud", 0, "Log the UART divisor for this baud rate on every frequency change")
var logLevel = flag.String("log-level", "info", "Driver log level: debug, info, warn, error")

type Server struct {
	l       net.Listener
	cc      *coreclock.CoreClock
	presets map[string]pll.ConfigStatus
	names   []string

	// Clock operations do read-modify-write on pllcfg, so only one
	// connection may run one at a time.
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewServer(port int, cc *coreclock.CoreClock, c *config.Config) (*Server, error) {
	presets := make(map[string]pll.ConfigStatus, len(c.Presets))
	names := c.PresetNames()
	for _, n := range names {
		p, err := c.Presets[n].Status()
		if err != nil {
			return nil, fmt.Errorf("preset %s: %w", n, err)
		}
		presets[strings.ToUpper(n)] = p
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	log.Printf("Listening on port %d", l.Addr().(*net.TCPAddr).Port)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		l:       l,
		cc:      cc,
		presets: presets,
		names:   names,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Close stops accepting connections and abandons any lock wait in progress.
func (s *Server) Close() error {
	s.cancel()
	return s.l.Close()
}

// parseSet parses "<R> <F> <Q> [BYPASS]".
func parseSet(parms string) (pll.ConfigStatus, error) {
	t := strings.Fields(parms)
	if len(t) != 3 && len(t) != 4 {
		return pll.ConfigStatus{}, fmt.Errorf("want R F Q [BYPASS], got '%s'", parms)
	}
	var v [3]uint8
	for i, name := range []string{"R", "F", "Q"} {
		n, err := strconv.ParseUint(t[i], 10, 8)
		if err != nil {
			return pll.ConfigStatus{}, fmt.Errorf("bad %s '%s': %v", name, t[i], err)
		}
		v[i] = uint8(n)
	}
	c := pll.ConfigStatus{R: v[0], F: v[1], Q: v[2], ReferenceSelect: pll.RefHFXOSC}
	if len(t) == 4 {
		if !strings.EqualFold(t[3], "BYPASS") {
			return pll.ConfigStatus{}, fmt.Errorf("unknown flag '%s'", t[3])
		}
		c.Bypass = true
	}
	return c, nil
}

func boolReply(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// execute runs one command and returns its reply line.
func (s *Server) execute(cmd, parms string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.cc.PLL()
	switch cmd {
	case "FREQ":
		f, err := p.OutputFrequency()
		if err != nil {
			return "", err
		}
		return f.String(), nil
	case "HFCLK":
		f, err := s.cc.Frequency()
		if err != nil {
			return "", err
		}
		return f.String(), nil
	case "CONFIG":
		return p.Config().String(), nil
	case "SELECTED":
		return boolReply(p.IsSelected()), nil
	case "LOCKED":
		return boolReply(p.IsLocked()), nil
	case "PRESETS":
		return strings.Join(s.names, " "), nil
	case "MAX":
		return "OK", s.cc.SetMaxSpeed(s.ctx)
	case "LOW":
		return "OK", s.cc.SetLowSpeed(s.ctx)
	case "PRESET":
		c, ok := s.presets[strings.ToUpper(strings.TrimSpace(parms))]
		if !ok {
			return "", fmt.Errorf("unknown preset '%s'", parms)
		}
		return "OK", s.cc.Apply(s.ctx, c)
	case "SET":
		c, err := parseSet(parms)
		if err != nil {
			return "", err
		}
		return "OK", s.cc.Apply(s.ctx, c)
	}
	return "", fmt.Errorf("unknown command: %s", cmd)
}

// splitCommand splits a line into an upper-cased command and the rest.
func splitCommand(l string) (string, string) {
	t := strings.SplitN(strings.TrimSpace(l), " ", 2)
	cmd := strings.ToUpper(t[0])
	parms := ""
	if len(t) > 1 {
		parms = strings.TrimSpace(t[1])
	}
	return cmd, parms
}

func (s *Server) handleConnection(c net.Conn) {
	log.Printf("Handling connection from %v", c.RemoteAddr())
	defer c.Close()
	r := bufio.NewReader(c)
	w := bufio.NewWriter(c)
	for {
		l, err := r.ReadString('\n')
		if err == io.EOF {
			log.Printf("EOF for connection %v", c.RemoteAddr())
			return
		}
		if err != nil {
			log.Printf("Error reading string for connection %v: %v", c.RemoteAddr(), err)
			return
		}
		log.Printf("Got line '%s'", strings.TrimSpace(l))
		cmd, parms := splitCommand(l)
		if cmd == "" {
			continue
		}
		if cmd == "QUIT" {
			return
		}
		reply, err := s.execute(cmd, parms)
		if err != nil {
			es := fmt.Sprintf("Error running %s: %v", cmd, err)
			log.Print(es)
			reply = "ERR: " + es
		}
		w.WriteString(reply + "\n")
		if err := w.Flush(); err != nil {
			log.Printf("error writing reply: %v", err)
			return
		}
	}
}

// handleConnections serves until the listener is closed.
func (s *Server) handleConnections() {
	for {
		conn, err := s.l.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			log.Printf("Error accepting connection: %v", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

// addUARTListener logs the divisor a UART at baud needs after each change.
func addUARTListener(c clock.Clock, baud uint32) {
	c.AddFrequencyChangeListener(func(_ clock.Clock, f freq.Frequency) {
		d, err := clock.Divisor(f, freq.Frequency(baud)*freq.Hz)
		if err != nil {
			log.Printf("No UART divisor for %d baud at %v: %v", baud, f, err)
			return
		}
		log.Printf("UART divisor for %d baud at %v: %d", baud, f, d)
	})
}

// loadConfig reads the config file, if any, and lays the flags that were
// given on the command line over it.
func loadConfig() (*config.Config, error) {
	c := config.Default()
	if *configPath != "" {
		var err error
		c, err = config.Load(*configPath)
		if err != nil {
			return nil, err
		}
	}
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	switch {
	case set["sim"] && *useSim:
		c.Device.Port = config.PortSim
	case set["serial"]:
		c.Device.Port = config.PortSerial
		c.Device.Serial = *serialPath
	case set["mem"]:
		c.Device.Port = config.PortDevMem
		c.Device.Mem = *memPath
	}
	if set["baud"] {
		c.Device.Baud = *serialBaud
	}
	if set["addr"] {
		if err := c.Device.Addr.UnmarshalText([]byte(*pllAddr)); err != nil {
			return nil, err
		}
	}
	if set["lock-timeout"] {
		c.PLL.LockTimeout = *lockTimeout
	}
	if set["uart-baud"] {
		c.Listeners.UARTBaud = uint32(*uartBaud)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("bad log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

func main() {
	flag.Parse()
	logger, err := newLogger(*logLevel)
	if err != nil {
		log.Fatalf("Failed creating logger: %v", err)
	}
	c, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed loading config: %v", err)
	}

	dev, err := openDevice(c, *lockDir, *tracePath, logger)
	if err != nil {
		log.Fatalf("Failed opening device: %v", err)
	}
	defer dev.Close()

	p, err := pll.New(dev.port, uintptr(c.Device.Addr), c.DriverConfig(logger))
	if err != nil {
		log.Fatalf("Failed binding PLL: %v", err)
	}
	defer p.Close()
	cc := coreclock.New(p, logger)
	if c.Listeners.UARTBaud != 0 {
		addUARTListener(cc, c.Listeners.UARTBaud)
	}

	s, err := NewServer(*port, cc, c)
	if err != nil {
		log.Fatalf("Failed creating server: %v", err)
	}

	if *applyPreset != "" {
		start := time.Now()
		if _, err := s.execute("PRESET", *applyPreset); err != nil {
			log.Fatalf("Failed applying preset %s: %v", *applyPreset, err)
		}
		log.Printf("Applied preset %s in %v", *applyPreset, time.Since(start))
	}

	if !*interactive {
		s.handleConnections()
		return
	}
	sh, err := NewShell(s)
	if err != nil {
		log.Fatalf("Failed creating shell: %v", err)
	}
	log.SetOutput(sh.Stderr())
	go s.handleConnections()
	sh.Run()
	s.Close()
}
