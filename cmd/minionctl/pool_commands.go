package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"mixminion.io/client/internal/clistate"
	"mixminion.io/client/internal/delivery"
	"mixminion.io/client/internal/spool"
)

func cmdFlushPool(s *clistate.State, args []string) {
	fs := flag.NewFlagSet("flush-pool", flag.ExitOnError)
	s.ParseFlags(fs, args, "Attempt delivery of every queued packet.", "flush-pool")
	if fs.NArg() != 0 {
		s.Exitf("flush-pool takes no arguments")
	}

	sp := spool.New(s.PoolDir())
	coord := delivery.New(s.Lock, sp, s.Builder, s.Transport, s.Config.ConnectionTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), s.Config.ConnectionTimeout)
	defer cancel()

	delivered, remaining, err := coord.FlushSpool(ctx)
	if err != nil {
		s.Exit(err)
		return
	}
	fmt.Fprintf(s.Stdout, "delivered %d, %d still queued\n", delivered, remaining)
	if remaining > 0 {
		s.Failf("%d packet(s) could not be delivered and remain queued", remaining)
	}
}

func cmdListPool(s *clistate.State, args []string) {
	fs := flag.NewFlagSet("list-pool", flag.ExitOnError)
	s.ParseFlags(fs, args, "Summarize the packets currently queued in the outbound spool.", "list-pool")
	if fs.NArg() != 0 {
		s.Exitf("list-pool takes no arguments")
	}

	sp := spool.New(s.PoolDir())
	summaries, err := sp.Inspect(time.Now())
	if err != nil {
		s.Exit(err)
		return
	}
	if len(summaries) == 0 {
		fmt.Fprintln(s.Stdout, "pool is empty")
		return
	}
	for _, sum := range summaries {
		fmt.Fprintf(s.Stdout, "%-20s %d packet(s), oldest %s day(s)\n", sum.FirstHop, sum.Count, sum.OldestAge)
	}
}
