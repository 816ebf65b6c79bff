// Command minionctl is the command-line front end for the Mixminion
// client core: it dispatches the command surface onto the Server
// Directory Cache, Client Keyring, SURB Log, Outbound Packet Spool,
// and Delivery Coordinator.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"mixminion.io/client/internal/clishutdown"
	"mixminion.io/client/internal/clistate"
	"mixminion.io/client/internal/mconfig"
	"mixminion.io/client/internal/mlog"
)

// identityFingerprint is the embedded, expected signer fingerprint for
// the downloaded directory (this design). A real deployment embeds the
// operator's actual directory server fingerprint at build time; this
// one is a placeholder used only by this command's directory
// configuration (the package tests use their own fingerprints).
const identityFingerprint = "A1B2C3D4E5F60718293A4B5C6D7E8F9001122334"

// defaultDirectoryURL is the single hard-coded directory download URL.
const defaultDirectoryURL = "https://directory.mixminion.example/dir.gz"

var commands = map[string]func(*clistate.State, []string){
	"send":           cmdSend,
	"pool":           cmdPool,
	"import-server":  cmdImportServer,
	"list-servers":   cmdListServers,
	"update-servers": cmdUpdateServers,
	"decode":         cmdDecode,
	"generate-surb":  cmdGenerateSurb,
	"inspect-surbs":  cmdInspectSurbs,
	"flush-pool":     cmdFlushPool,
	"list-pool":      cmdListPool,
}

func main() {
	configPath := flag.String("f", mconfig.Path(), "configuration file path")
	verbose := flag.Bool("v", false, "verbose logging")
	logJSON := flag.Bool("log-json", false, "emit structured JSON logs instead of plain text (combine with -v)")
	loopback := flag.Bool("transport", true, "use the in-memory loopback transport (the only transport this build links)")
	flag.Usage = usage
	flag.Parse()

	if *verbose {
		mlog.SetLevel(mlog.DebugLevel)
	}
	if *logJSON {
		mlog.Register(mlog.NewZerologSink(os.Stderr))
	}
	_ = loopback // reserved: a future -transport=tcp build would switch collaborators here

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}
	name := strings.ToLower(args[0])
	fn, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "minionctl: no such command %q\n", args[0])
		usage()
	}

	cfg, err := mconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "minionctl: loading configuration: %v\n", err)
		os.Exit(1)
	}

	s := clistate.NewState(name)
	if err := s.Init(cfg, nil); err != nil {
		fmt.Fprintf(os.Stderr, "minionctl: %v\n", err)
		os.Exit(1)
	}

	fn(s, args[1:])
	clishutdown.Now(s.ExitCode)
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage of minionctl:\n")
	fmt.Fprintf(os.Stderr, "\tminionctl [globalflags] <command> [flags] [args]\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "\t%s\n", name)
	}
	fmt.Fprintf(os.Stderr, "Global flags:\n")
	flag.PrintDefaults()
	os.Exit(2)
}
