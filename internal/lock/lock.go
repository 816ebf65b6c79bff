// Package lock implements the single process-wide advisory lock over a
// file in the state directory that serializes every mutation of the
// directory cache, spool, and SURB log.
package lock

import (
	"sync"

	"github.com/gofrs/flock"

	"mixminion.io/client/internal/errs"
)

// Lock is a cross-process advisory lock, re-entrant within a single
// process. The zero value is not usable; construct with New.
type Lock struct {
	path string

	mu    sync.Mutex // guards count and fl
	count int        // re-entrancy depth
	fl    *flock.Flock
}

// New returns a Lock over the file at path. The file is created on
// first Acquire if it does not exist.
func New(path string) *Lock {
	return &Lock{path: path, fl: flock.New(path)}
}

// Acquire blocks until the lock is held by this process, incrementing
// the re-entrancy count if already held by this goroutine's process.
// It returns a Release function that must be called exactly once,
// typically via defer, on every exit path including failures.
func (l *Lock) Acquire() (release func(), err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 {
		if err := l.fl.Lock(); err != nil {
			const op = "lock.Acquire"
			return func() {}, errs.E(op, errs.Fatal, errs.LockUnavailable, err)
		}
	}
	l.count++
	released := false
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if released {
			return
		}
		released = true
		l.count--
		if l.count == 0 {
			l.fl.Unlock()
		}
	}, nil
}

// Held reports whether this process currently holds the lock, for
// assertions in code (such as the SURB log) that must only run while
// the lock is held.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count > 0
}
