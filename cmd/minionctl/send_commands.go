package main

import (
	"context"
	"flag"
	"io"
	"os"
	"time"

	"mixminion.io/client/internal/address"
	"mixminion.io/client/internal/clistate"
	"mixminion.io/client/internal/delivery"
	"mixminion.io/client/internal/pathsel"
	"mixminion.io/client/internal/spool"
)

func cmdSend(s *clistate.State, args []string) { sendImpl(s, "send", args, nil) }

func cmdPool(s *clistate.State, args []string) {
	forced := delivery.PoolFirst
	sendImpl(s, "pool", args, &forced)
}

// sendImpl backs both "send" and "pool" (pool is send with the spool
// policy pinned to spool-first, per this design). If forcedPolicy is
// non-nil it overrides whatever --pool/--no-pool would have selected.
func sendImpl(s *clistate.State, name string, args []string, forcedPolicy *delivery.SpoolPolicy) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	to := fs.String("t", "", "recipient address (see the exit-address grammar)")
	pathSpec := fs.String("P", "", "partial path specification, e.g. \"A,*,B\"")
	hops := fs.Int("H", 0, "number of hops (0: use the path spec length or the configured default)")
	swapAt := fs.Int("swap-at", -1, "explicit swap-point index")
	input := fs.String("i", "-", "input file for the message body, - for stdin")
	replyBlock := fs.String("R", "", "reply-block file: send over a SURB instead of a forward route")
	noPool := fs.Bool("no-pool", false, "never spool; a failed delivery is reported as MessageLost")
	fs.Bool("pool", false, "spool before attempting delivery (already the default)")
	s.ParseFlags(fs, args, "Send a forward message or a SURB-addressed reply.", name+" -t <address> [-P path] [-i file]")

	payload, err := readInput(s, *input)
	if err != nil {
		s.Exit(err)
		return
	}
	now := time.Now()
	sp := spool.New(s.PoolDir())
	coord := delivery.New(s.Lock, sp, s.Builder, s.Transport, s.Config.ConnectionTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), s.Config.ConnectionTimeout)
	defer cancel()

	if *replyBlock != "" {
		surbs, err := loadSurbs(*replyBlock)
		if err != nil {
			s.Exit(err)
			return
		}
		release, err := s.Lock.Acquire()
		if err != nil {
			s.Exit(err)
			return
		}
		log, err := openSurbLog(s, now)
		if err != nil {
			release()
			s.Exit(err)
			return
		}
		err = coord.SendReply(ctx, log, surbs, payload, now)
		closeErr := log.Close()
		release()
		if err != nil {
			s.Exit(err)
			return
		}
		if closeErr != nil {
			s.Fail(closeErr)
		}
		return
	}

	addr, err := address.Parse(*to)
	if err != nil {
		s.Exit(err)
		return
	}
	dir, err := openDirectory(s, now)
	if err != nil {
		s.Exit(err)
		return
	}
	route, err := pathsel.Resolve(dir, pathsel.Request{
		PathSpec:       *pathSpec,
		ExplicitSwapAt: *swapAt,
		ExplicitHops:   *hops,
		DefaultHops:    s.Config.PathLength,
		Address:        addr,
		Start:          now,
		End:            now,
		Rand:           s.Random,
	})
	if err != nil {
		s.Exit(err)
		return
	}

	policy := delivery.PoolFirst
	if *noPool {
		policy = delivery.NoSpool
	}
	if forcedPolicy != nil {
		policy = *forcedPolicy
	}
	if err := coord.SendForward(ctx, route, addr, payload, policy, now); err != nil {
		s.Exit(err)
	}
}

func readInput(s *clistate.State, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(s.Stdin)
	}
	return os.ReadFile(path)
}
