package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"mixminion.io/client/internal/clistate"
	"mixminion.io/client/internal/directory"
	"mixminion.io/client/mixnet"
)

func openDirectory(s *clistate.State, now time.Time) (*directory.Directory, error) {
	return directory.Open(directory.Config{
		Root:                s.Config.UserDir,
		Lock:                s.Lock,
		Parser:              s.Parser,
		Fetcher:             s.Fetcher,
		URL:                 defaultDirectoryURL,
		IdentityFingerprint: identityFingerprint,
	}, now)
}

func cmdImportServer(s *clistate.State, args []string) {
	fs := flag.NewFlagSet("import-server", flag.ExitOnError)
	s.ParseFlags(fs, args, "Import a single descriptor file into the directory cache.", "import-server <path>")
	if fs.NArg() != 1 {
		s.Exitf("import-server takes exactly one descriptor file path")
	}

	now := time.Now()
	dir, err := openDirectory(s, now)
	if err != nil {
		s.Exit(err)
		return
	}
	if err := dir.ImportFromFile(fs.Arg(0), now); err != nil {
		s.Exit(err)
		return
	}
	fmt.Fprintf(s.Stdout, "imported %s\n", fs.Arg(0))
}

func cmdListServers(s *clistate.State, args []string) {
	fs := flag.NewFlagSet("list-servers", flag.ExitOnError)
	s.ParseFlags(fs, args, "List every currently valid known server descriptor.", "list-servers")
	if fs.NArg() != 0 {
		s.Exitf("list-servers takes no arguments")
	}

	now := time.Now()
	dir, err := openDirectory(s, now)
	if err != nil {
		s.Exit(err)
		return
	}
	for _, desc := range dir.All(now, now) {
		var caps []string
		for _, c := range []mixnet.Capability{mixnet.Relay, mixnet.SMTP, mixnet.MBox} {
			if mixnet.HasCapability(desc, c) {
				caps = append(caps, string(c))
			}
		}
		fmt.Fprintf(s.Stdout, "%-20s %s  valid-until %s\n", desc.Nickname(), caps, desc.ValidUntil().Format(time.RFC3339))
	}
}

func cmdUpdateServers(s *clistate.State, args []string) {
	fs := flag.NewFlagSet("update-servers", flag.ExitOnError)
	force := fs.Bool("F", false, "force a download even if one already happened today")
	s.ParseFlags(fs, args, "Download a fresh directory if one has not already been fetched today.", "update-servers [-F]")
	if fs.NArg() != 0 {
		s.Exitf("update-servers takes no arguments")
	}

	now := time.Now()
	dir, err := openDirectory(s, now)
	if err != nil {
		s.Exit(err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.Config.ConnectionTimeout)
	defer cancel()
	if err := dir.UpdateDirectory(ctx, *force, now); err != nil {
		s.Exit(err)
		return
	}
	fmt.Fprintln(s.Stdout, "directory up to date")
}
