package spool

import (
	"os"
	"testing"
	"time"

	"mixminion.io/client/internal/errs"
	"mixminion.io/client/mixnet"
)

func writeGarbage(path string) error {
	return os.WriteFile(path, []byte("not cbor"), 0600)
}

func TestEnqueueLoadRoundTrips(t *testing.T) {
	s := New(t.TempDir())
	now := time.Unix(1700000000, 0).UTC()
	hop := mixnet.RoutingInfo("relay-a")

	handle, err := s.Enqueue([]byte("packet bytes"), hop, now)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !s.Exists(handle) {
		t.Fatalf("expected handle to exist after enqueue")
	}

	bytes, firstHop, enqueuedAt, err := s.Load(handle)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(bytes) != "packet bytes" {
		t.Fatalf("got bytes %q", bytes)
	}
	if firstHop.String() != hop.String() {
		t.Fatalf("got first hop %q, want %q", firstHop, hop)
	}
	wantMidnight := time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC)
	if !enqueuedAt.Equal(wantMidnight) {
		t.Fatalf("got enqueuedAt %v, want %v", enqueuedAt, wantMidnight)
	}
}

func TestHandlesListsAllQueued(t *testing.T) {
	s := New(t.TempDir())
	now := time.Unix(1700000000, 0).UTC()

	h1, _ := s.Enqueue([]byte("a"), mixnet.RoutingInfo("x"), now)
	h2, _ := s.Enqueue([]byte("b"), mixnet.RoutingInfo("y"), now)

	handles, err := s.Handles()
	if err != nil {
		t.Fatalf("Handles: %v", err)
	}
	if len(handles) != 2 {
		t.Fatalf("got %d handles, want 2", len(handles))
	}
	seen := map[string]bool{}
	for _, h := range handles {
		seen[h] = true
	}
	if !seen[h1] || !seen[h2] {
		t.Fatalf("handles %v missing one of %s, %s", handles, h1, h2)
	}
}

func TestRemoveDeletesEntry(t *testing.T) {
	s := New(t.TempDir())
	now := time.Unix(1700000000, 0).UTC()
	handle, _ := s.Enqueue([]byte("a"), mixnet.RoutingInfo("x"), now)

	if err := s.Remove(handle); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if s.Exists(handle) {
		t.Fatalf("expected handle to be gone after Remove")
	}
	// Removing an already-gone handle is not an error.
	if err := s.Remove(handle); err != nil {
		t.Fatalf("Remove of absent handle: %v", err)
	}
}

func TestLoadCorruptEntryRejected(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	handle, err := s.Enqueue([]byte("a"), mixnet.RoutingInfo("x"), time.Unix(1700000000, 0).UTC())
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Corrupt the file so it no longer CBOR-decodes to a valid entry.
	if err := writeGarbage(s.pathFor(handle)); err != nil {
		t.Fatalf("writeGarbage: %v", err)
	}
	_, _, _, err = s.Load(handle)
	if !errs.HasCode(errs.BadFormat, err) {
		t.Fatalf("expected BadFormat, got %v", err)
	}
}

func TestInspectGroupsByFirstHop(t *testing.T) {
	s := New(t.TempDir())
	now := time.Unix(1700000000, 0).UTC() // 2023-11-14T22:13:20Z

	today := now
	yesterday := now.Add(-36 * time.Hour)

	s.Enqueue([]byte("a"), mixnet.RoutingInfo("hop1"), today)
	s.Enqueue([]byte("b"), mixnet.RoutingInfo("hop1"), today)
	s.Enqueue([]byte("c"), mixnet.RoutingInfo("hop2"), yesterday)

	summaries, err := s.Inspect(now)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(summaries))
	}
	byHop := map[string]FirstHopSummary{}
	for _, sum := range summaries {
		byHop[sum.FirstHop.String()] = sum
	}
	if byHop["hop1"].Count != 2 {
		t.Fatalf("hop1 count = %d, want 2", byHop["hop1"].Count)
	}
	if byHop["hop1"].OldestAge != "<1" {
		t.Fatalf("hop1 age = %q, want <1", byHop["hop1"].OldestAge)
	}
	if byHop["hop2"].OldestAge == "<1" {
		t.Fatalf("hop2 age should not be <1")
	}
}
