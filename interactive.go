package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// Shell runs server commands typed at a terminal.
type Shell struct {
	s  *Server
	rl *readline.Instance
}

func NewShell(s *Server) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "fe310clk> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete:    completer(s),
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't create readline: %w", err)
	}
	return &Shell{s: s, rl: rl}, nil
}

func completer(s *Server) readline.AutoCompleter {
	presets := make([]readline.PrefixCompleterInterface, 0, len(s.names))
	for _, n := range s.names {
		presets = append(presets, readline.PcItem(n))
	}
	return readline.NewPrefixCompleter(
		readline.PcItem("freq"),
		readline.PcItem("hfclk"),
		readline.PcItem("config"),
		readline.PcItem("selected"),
		readline.PcItem("locked"),
		readline.PcItem("presets"),
		readline.PcItem("max"),
		readline.PcItem("low"),
		readline.PcItem("preset", presets...),
		readline.PcItem("set"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// Stderr returns a writer that doesn't trample the prompt.
func (sh *Shell) Stderr() io.Writer {
	return sh.rl.Stderr()
}

// Run reads commands until quit, EOF or an interrupt on an empty line.
func (sh *Shell) Run() {
	defer sh.rl.Close()
	sh.printHelp()
	for {
		line, err := sh.rl.Readline()
		if err == readline.ErrInterrupt {
			if line == "" {
				return
			}
			continue
		}
		if err != nil {
			return
		}
		if !sh.runLine(sh.rl.Stdout(), line) {
			return
		}
	}
}

// runLine runs one line and writes the reply to w. It returns false when
// the shell should exit.
func (sh *Shell) runLine(w io.Writer, line string) bool {
	cmd, parms := splitCommand(line)
	switch cmd {
	case "":
		return true
	case "QUIT", "EXIT", "Q":
		return false
	case "HELP", "?":
		sh.printHelp()
		return true
	}
	reply, err := sh.s.execute(cmd, parms)
	if err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return true
	}
	fmt.Fprintln(w, reply)
	return true
}

func (sh *Shell) printHelp() {
	fmt.Fprintln(sh.rl.Stdout(), strings.TrimLeft(`
Clock:
  freq               - PLL output frequency
  hfclk              - Core clock frequency
  config             - Decoded pllcfg
  selected, locked   - PLL select and lock bits
Switching:
  max                - 320MHz from the PLL
  low                - 16MHz crystal, PLL bypassed
  preset <name>      - Apply a configured preset
  presets            - List presets
  set <R> <F> <Q> [bypass]
General:
  help               - Show this help
  quit               - Exit`, "\n"))
}
