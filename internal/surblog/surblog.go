// Package surblog implements the persistent replay-prevention record
// of used single-use reply blocks (this component). A Log MUST only be
// open while the caller holds the state directory's global lock.
package surblog

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"mixminion.io/client/internal/errs"
	"mixminion.io/client/mixnet"
)

const lastCleanedKey = "LAST_CLEANED"

// cleanInterval is how long may elapse since the last clean before
// Open cleans automatically.
const cleanInterval = 24 * time.Hour

// Log is the in-memory view of a SURB replay log, loaded whole by Open,
// backed by a flat key=value file: hex(SHA-1(surb bytes)) to the
// SURB's expiry as a decimal Unix-seconds string, plus a LAST_CLEANED
// entry holding the timestamp of the last clean.
type Log struct {
	path   string
	crypto mixnet.Crypto

	mu      sync.Mutex
	entries map[string]time.Time
	cleaned time.Time
}

// Open reads the log at path (creating an empty one if absent) and,
// if more than 24 hours have elapsed since the last clean, cleans it
// relative to now before returning.
func Open(path string, crypto mixnet.Crypto, now time.Time) (*Log, error) {
	const op = "surblog.Open"

	l := &Log{path: path, crypto: crypto, entries: make(map[string]time.Time)}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		key, value, ok := splitKV(line)
		if !ok {
			return nil, errs.E(op, errs.Mix, errs.BadFormat, errs.Str("malformed surb log line: "+line))
		}
		sec, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, errs.E(op, errs.Mix, errs.BadFormat, err)
		}
		when := time.Unix(sec, 0).UTC()
		if key == lastCleanedKey {
			l.cleaned = when
			continue
		}
		l.entries[key] = when
	}
	if err := sc.Err(); err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}

	if now.Sub(l.cleaned) > cleanInterval {
		if err := l.Clean(now); err != nil {
			return nil, errs.E(op, err)
		}
	}
	return l, nil
}

// key derives a SURB's log key: hex(SHA-1(surb bytes)).
func (l *Log) key(s mixnet.SURB) string {
	digest := l.crypto.SHA1(s.Bytes)
	return hex.EncodeToString(digest[:])
}

// IsUsed reports whether MarkUsed(s) was previously called.
func (l *Log) IsUsed(s mixnet.SURB) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries[l.key(s)]
	return ok
}

// MarkUsed records s as used, persisting the change before returning
// so that a crash after this call never permits replay.
func (l *Log) MarkUsed(s mixnet.SURB) error {
	const op = "surblog.MarkUsed"
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.key(s)] = s.Expiry
	if err := l.writeLocked(); err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	return nil
}

// Clean removes every entry whose expiry is strictly less than
// now+1h, then records LAST_CLEANED as now.
func (l *Log) Clean(now time.Time) error {
	const op = "surblog.Clean"
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(time.Hour)
	for k, expiry := range l.entries {
		if expiry.Before(threshold) {
			delete(l.entries, k)
		}
	}
	l.cleaned = now
	if err := l.writeLocked(); err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	return nil
}

// Close flushes any pending state. The log holds no file descriptors
// open between calls, so Close is currently a no-op retained for
// symmetry with the close() operation and to let callers defer
// it unconditionally.
func (l *Log) Close() error {
	return nil
}

// writeLocked rewrites the log file atomically. Caller must hold l.mu.
func (l *Log) writeLocked() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".surblog-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "%s=%d\n", lastCleanedKey, l.cleaned.Unix())
	for k, expiry := range l.entries {
		fmt.Fprintf(w, "%s=%d\n", k, expiry.Unix())
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), l.path)
}

func splitKV(line string) (key, value string, ok bool) {
	for i := 0; i < len(line); i++ {
		if line[i] == '=' {
			return line[:i], line[i+1:], true
		}
	}
	return "", "", false
}
