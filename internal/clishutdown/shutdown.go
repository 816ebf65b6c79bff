// Package clishutdown runs registered cleanup closures before the
// process exits, whether that exit is requested by a command
// finishing or forced by a signal: same last-in-first-out sequence
// and grace period as a typical server listener teardown, generalized
// to minionctl's lock release and log flush.
package clishutdown

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mixminion.io/client/internal/mlog"
)

// GracePeriod bounds how long registered handlers are given to run
// before the process is killed forcibly.
const GracePeriod = 10 * time.Second

// Handle registers onShutdown to run, in last-in-first-out order,
// when Now is called. Safe for concurrent use.
func Handle(onShutdown func()) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.sequence = append(state.sequence, onShutdown)
}

// Now runs every registered handler in reverse registration order and
// terminates the process with code. It executes at most once; later
// calls block until the process exits.
func Now(code int) {
	state.once.Do(func() {
		mlog.Debug.Printf("clishutdown: exiting with status %d", code)

		go func() {
			killSleep(GracePeriod)
			fmt.Fprintf(os.Stderr, "clishutdown: %v elapsed since shutdown requested; exiting forcefully\n", GracePeriod)
			os.Exit(1)
		}()

		state.mu.Lock() // intentionally never unlocked: process is exiting
		for i := len(state.sequence) - 1; i >= 0; i-- {
			state.sequence[i]()
		}
		os.Exit(code)
	})
}

var killSleep = time.Sleep

var state struct {
	mu       sync.Mutex
	sequence []func()
	once     sync.Once
}

func init() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, os.Interrupt)
	go func() {
		sig := <-c
		mlog.Error.Printf("clishutdown: received signal %v", sig)
		Now(1)
	}()

	Handle(mlog.Flush)
}
