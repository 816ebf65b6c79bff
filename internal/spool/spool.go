// Package spool implements the durable queue of outbound packets that
// could not yet be delivered (this component). Every mutating call
// requires the caller to already hold the state directory's global
// lock.
package spool

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"mixminion.io/client/internal/errs"
	"mixminion.io/client/mixnet"
)

const (
	filePrefix = "pkt_"
	magic      = "PACKET-0"
)

// entry is the on-disk 4-tuple for a spooled packet, CBOR-encoded.
type entry struct {
	Magic       string
	Bytes       []byte
	FirstHop    mixnet.RoutingInfo
	EnqueuedDay int64 // Unix seconds at the previous midnight (UTC)
}

// Spool is a durable, file-per-entry queue rooted at dir.
type Spool struct {
	dir string
}

// New returns a Spool rooted at dir (typically "<statedir>/pool").
func New(dir string) *Spool {
	return &Spool{dir: dir}
}

// Enqueue durably writes bytes addressed to firstHop, tagged with the
// previous midnight of now, and returns the new entry's handle.
func (s *Spool) Enqueue(bytes []byte, firstHop mixnet.RoutingInfo, now time.Time) (string, error) {
	const op = "spool.Enqueue"

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return "", errs.E(op, errs.Fatal, err)
	}

	handle := uuid.New().String()
	e := entry{
		Magic:       magic,
		Bytes:       bytes,
		FirstHop:    firstHop,
		EnqueuedDay: previousMidnight(now).Unix(),
	}
	data, err := cbor.Marshal(e)
	if err != nil {
		return "", errs.E(op, errs.Fatal, err)
	}

	path := s.pathFor(handle)
	tmp, err := os.CreateTemp(s.dir, ".spool-*")
	if err != nil {
		return "", errs.E(op, errs.Fatal, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errs.E(op, errs.Fatal, err)
	}
	if err := tmp.Close(); err != nil {
		return "", errs.E(op, errs.Fatal, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", errs.E(op, errs.Fatal, err)
	}
	return handle, nil
}

// Handles returns the handle suffix of every pkt_* file currently
// queued.
func (s *Spool) Handles() ([]string, error) {
	const op = "spool.Handles"

	files, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	var handles []string
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		if strings.HasPrefix(f.Name(), filePrefix) {
			handles = append(handles, strings.TrimPrefix(f.Name(), filePrefix))
		}
	}
	return handles, nil
}

// Exists reports whether handle is currently queued.
func (s *Spool) Exists(handle string) bool {
	_, err := os.Stat(s.pathFor(handle))
	return err == nil
}

// Load reads a queued entry, returning its packet bytes, first-hop
// routing, and the enqueue timestamp (the previous midnight at the
// time of Enqueue).
func (s *Spool) Load(handle string) (bytes []byte, firstHop mixnet.RoutingInfo, enqueuedAt time.Time, err error) {
	const op = "spool.Load"

	data, err := os.ReadFile(s.pathFor(handle))
	if err != nil {
		return nil, nil, time.Time{}, errs.E(op, errs.Fatal, err)
	}
	var e entry
	if derr := cbor.Unmarshal(data, &e); derr != nil {
		return nil, nil, time.Time{}, errs.E(op, errs.Mix, errs.BadFormat, derr)
	}
	if e.Magic != magic {
		return nil, nil, time.Time{}, errs.E(op, errs.Mix, errs.BadFormat, errs.Str("spool entry has wrong magic"))
	}
	return e.Bytes, e.FirstHop, time.Unix(e.EnqueuedDay, 0).UTC(), nil
}

// Remove deletes a queued entry. It attempts a best-effort secure
// delete: overwrite the file with zeros before unlinking. Removing an
// already-absent handle is not an error.
func (s *Spool) Remove(handle string) error {
	const op = "spool.Remove"

	path := s.pathFor(handle)
	// A failed overwrite does not stop the unlink below.
	_ = shredBestEffort(path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errs.E(op, errs.Fatal, err)
	}
	return nil
}

// FirstHopSummary describes one first-hop's queued backlog, as
// reported by Inspect.
type FirstHopSummary struct {
	FirstHop  mixnet.RoutingInfo
	Count     int
	OldestAge string // "<1" for same-day, else a whole number of days
}

// Inspect groups all queued entries by first hop and reports, for
// each, the count and the age in whole days of the oldest entry
// ("<1" if it was enqueued today).
func (s *Spool) Inspect(now time.Time) ([]FirstHopSummary, error) {
	const op = "spool.Inspect"

	handles, err := s.Handles()
	if err != nil {
		return nil, errs.E(op, err)
	}

	type agg struct {
		firstHop mixnet.RoutingInfo
		count    int
		oldest   time.Time
	}
	byHop := make(map[string]*agg)
	var order []string

	for _, h := range handles {
		_, firstHop, enqueuedAt, err := s.Load(h)
		if err != nil {
			return nil, errs.E(op, err)
		}
		key := firstHop.String()
		a, ok := byHop[key]
		if !ok {
			a = &agg{firstHop: firstHop, oldest: enqueuedAt}
			byHop[key] = a
			order = append(order, key)
		}
		a.count++
		if enqueuedAt.Before(a.oldest) {
			a.oldest = enqueuedAt
		}
	}

	today := previousMidnight(now)
	summaries := make([]FirstHopSummary, 0, len(order))
	for _, key := range order {
		a := byHop[key]
		age := "<1"
		if a.oldest.Before(today) {
			days := int(today.Sub(a.oldest).Hours() / 24)
			age = itoa(days)
		}
		summaries = append(summaries, FirstHopSummary{
			FirstHop:  a.firstHop,
			Count:     a.count,
			OldestAge: age,
		})
	}
	return summaries, nil
}

func (s *Spool) pathFor(handle string) string {
	return filepath.Join(s.dir, filePrefix+handle)
}

func previousMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
