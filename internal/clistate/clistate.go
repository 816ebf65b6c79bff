// Package clistate holds the shared state of a single minionctl
// invocation: its I/O, its parsed configuration, and the collaborator
// set every command composes.
package clistate

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"mixminion.io/client/internal/clishutdown"
	"mixminion.io/client/internal/errs"
	"mixminion.io/client/internal/lock"
	"mixminion.io/client/internal/mconfig"
	"mixminion.io/client/internal/mlog"
	"mixminion.io/client/mixnet"
	"mixminion.io/client/mixnet/refimpl"
)

// State describes the state of a minionctl invocation. One State is
// built in main() and threaded through every command function.
type State struct {
	Name        string // name of the command being run, for error prefixes
	Interactive bool
	Stdin       *os.File
	Stdout      *os.File
	Stderr      *os.File
	ExitCode    int

	Config mconfig.Config

	Lock      *lock.Lock
	Crypto    mixnet.Crypto
	Random    mixnet.Random
	Parser    mixnet.DescriptorParser
	Fetcher   mixnet.DirectoryFetcher
	Builder   mixnet.PacketBuilder
	Transport mixnet.Transport
}

// NewState returns a new State for the named command, with stdio
// wired to the process defaults.
func NewState(name string) *State {
	s := &State{Name: name}
	s.DefaultIO()
	return s
}

// SetIO redirects the State's I/O, for tests.
func (s *State) SetIO(stdin, stdout, stderr *os.File) {
	s.Stdin, s.Stdout, s.Stderr = stdin, stdout, stderr
}

// DefaultIO restores the process's real stdio.
func (s *State) DefaultIO() {
	s.SetIO(os.Stdin, os.Stdout, os.Stderr)
}

// Init wires cfg and a fixed set of reference collaborators into s,
// and ensures the state directory tree exists. transport, when
// non-nil, overrides the default (tests pass one); nil, which main
// always passes, selects refimpl's in-memory loopback transport so
// the CLI always links and runs.
func (s *State) Init(cfg mconfig.Config, transport mixnet.Transport) error {
	const op = "clistate.Init"

	s.Config = cfg
	s.Crypto = refimpl.Crypto{}
	s.Parser = refimpl.DescriptorParser{}
	s.Fetcher = refimpl.DirectoryFetcher{}
	s.Builder = refimpl.PacketBuilder{Crypto: s.Crypto}
	if transport != nil {
		s.Transport = transport
	} else {
		s.Transport = refimpl.NewTransport()
	}

	rng, err := refimpl.NewRandom(s.Crypto)
	if err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	s.Random = rng

	for _, dir := range []string{"", "imported", "pool", "keys", "surbs"} {
		if err := os.MkdirAll(filepath.Join(cfg.UserDir, dir), 0700); err != nil {
			return errs.E(op, errs.Fatal, err)
		}
	}
	s.Lock = lock.New(s.LockPath())
	return nil
}

// LockPath, CachePath, DirPath, ImportedDir, PoolDir, KeyringDir and
// SurbLogPath name the fixed files and directories of the state
// directory layout (this design).
func (s *State) LockPath() string    { return filepath.Join(s.Config.UserDir, "lock") }
func (s *State) CachePath() string   { return filepath.Join(s.Config.UserDir, "cache") }
func (s *State) DirPath() string     { return filepath.Join(s.Config.UserDir, "dir") }
func (s *State) ImportedDir() string { return filepath.Join(s.Config.UserDir, "imported") }
func (s *State) PoolDir() string     { return filepath.Join(s.Config.UserDir, "pool") }
func (s *State) KeyringDir() string  { return filepath.Join(s.Config.UserDir, "keys") }
func (s *State) SurbLogPath() string { return filepath.Join(s.Config.UserDir, "surbs", "log") }

// Exitf prints the error to Stderr, prefixed with the command name,
// and terminates the process with exit status 1. If s.Interactive it
// panics "exit" instead, for an embedding interpreter to recover.
func (s *State) Exitf(format string, args ...interface{}) {
	fmt.Fprintf(s.Stderr, "minionctl: %s: %s\n", s.Name, fmt.Sprintf(format, args...))
	if s.Interactive {
		panic("exit")
	}
	s.ExitCode = 1
	clishutdown.Now(s.ExitCode)
}

// Exit reports err's Kind-appropriate severity: a UI-kind error is
// routed through Fail (non-fatal, continues a batch command); every
// other kind is fatal.
func (s *State) Exit(err error) {
	if errs.Is(errs.UI, err) {
		s.Fail(err)
		return
	}
	s.Exitf("%s", err)
}

// Failf prints the error and records a non-zero ExitCode without
// terminating the process, so a batch command (flush-pool) can report
// one failure and keep going.
func (s *State) Failf(format string, args ...interface{}) {
	fmt.Fprintf(s.Stderr, "ERROR: %s\n", fmt.Sprintf(format, args...))
	s.ExitCode = 1
}

// Fail calls Failf with err, also logging it at Error level so
// -v/--log-json runs retain a structured record of soft failures.
func (s *State) Fail(err error) {
	mlog.Error.Printf("%s: %v", s.Name, err)
	s.Failf("%v", err)
}

// ParseFlags parses args against fs, installing a Usage function that
// prints usage and, if -help was given, the longer help text.
// Grounded on subcmd.State.ParseFlags.
func (s *State) ParseFlags(fs *flag.FlagSet, args []string, help, usage string) {
	helpFlag := fs.Bool("help", false, "print more information about this command")
	fs.Usage = func() {
		fmt.Fprintf(s.Stderr, "Usage: minionctl %s\n", usage)
		if *helpFlag {
			fmt.Fprintln(s.Stderr, help)
		}
		n := 0
		fs.VisitAll(func(*flag.Flag) { n++ })
		if n > 0 {
			fmt.Fprintf(s.Stderr, "Flags:\n")
			fs.PrintDefaults()
		}
		if s.Interactive {
			panic("exit")
		}
	}
	if err := fs.Parse(args); err != nil {
		s.Exitf("%v", err)
	}
	if *helpFlag {
		fs.Usage()
		os.Exit(2)
	}
}
