package directory

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mixminion.io/client/internal/errs"
	"mixminion.io/client/internal/lock"
	"mixminion.io/client/mixnet"
	"mixminion.io/client/mixnet/refimpl"
)

func newTestDirectory(t *testing.T, fetcher mixnet.DirectoryFetcher) (*Directory, Config) {
	t.Helper()
	root := t.TempDir()
	cfg := Config{
		Root:                root,
		Lock:                lock.New(filepath.Join(root, "lock")),
		Parser:              refimpl.DescriptorParser{},
		Fetcher:             fetcher,
		URL:                 "https://directory.example/dir.gz",
		IdentityFingerprint: hexFingerprint([]byte("signer-key")),
	}
	d, err := Open(cfg, time.Unix(1700000000, 0).UTC())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d, cfg
}

// hexFingerprint mirrors fingerprintOf's simplified derivation (a
// direct hex encoding of the identity key, since Directory has no
// Crypto collaborator of its own to re-derive a real SHA-1 fingerprint).
func hexFingerprint(identityKey []byte) string {
	return strings.ToUpper(hex.EncodeToString(identityKey))
}

func descBytes(nickname string, identityKey []byte, validAfter, validUntil, publishedAt time.Time, caps ...mixnet.Capability) []byte {
	return refimpl.NewDescriptor(nickname, identityKey, validAfter, validUntil, publishedAt, caps, []byte("route-"+nickname)).Raw()
}

func writeImportFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "import.desc")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestOpenEmptyStateDir(t *testing.T) {
	d, _ := newTestDirectory(t, nil)
	cands, err := d.Candidates(mixnet.Relay, time.Now(), time.Now())
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(cands) != 0 {
		t.Fatalf("expected no candidates in an empty directory, got %d", len(cands))
	}
}

func TestImportThenReopenRoundTrips(t *testing.T) {
	root := t.TempDir()
	lk := lock.New(filepath.Join(root, "lock"))
	cfg := Config{
		Root:                root,
		Lock:                lk,
		Parser:              refimpl.DescriptorParser{},
		IdentityFingerprint: "DEADBEEF",
	}
	now := time.Unix(1700000000, 0).UTC()
	d, err := Open(cfg, now)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	data := descBytes("alpha", []byte("key-alpha"), now.Add(-time.Hour), now.Add(24*time.Hour), now, mixnet.Relay)
	path := writeImportFile(t, data)
	if err := d.ImportFromFile(path, now); err != nil {
		t.Fatalf("ImportFromFile: %v", err)
	}

	desc, err := d.GetServer("alpha", now, now, true)
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if desc.Nickname() != "alpha" {
		t.Fatalf("got nickname %q, want alpha", desc.Nickname())
	}

	// Reopen from the same root: the cache must have persisted the import.
	d2, err := Open(cfg, now)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	desc2, err := d2.GetServer("alpha", now, now, true)
	if err != nil {
		t.Fatalf("GetServer after reopen: %v", err)
	}
	if desc2.Nickname() != "alpha" {
		t.Fatalf("got nickname %q after reopen, want alpha", desc2.Nickname())
	}
}

func TestImportFromFileIdentityKeyConflict(t *testing.T) {
	d, _ := newTestDirectory(t, nil)
	now := time.Unix(1700000000, 0).UTC()

	first := descBytes("alpha", []byte("key-one"), now.Add(-time.Hour), now.Add(time.Hour), now, mixnet.Relay)
	if err := d.ImportFromFile(writeImportFile(t, first), now); err != nil {
		t.Fatalf("first import: %v", err)
	}

	conflicting := descBytes("alpha", []byte("key-two"), now.Add(-time.Hour), now.Add(time.Hour), now.Add(time.Minute), mixnet.Relay)
	err := d.ImportFromFile(writeImportFile(t, conflicting), now)
	if !errs.HasCode(errs.IdentityKeyConflict, err) {
		t.Fatalf("expected IdentityKeyConflict, got %v", err)
	}
}

func TestImportFromFileAlreadyImported(t *testing.T) {
	d, _ := newTestDirectory(t, nil)
	now := time.Unix(1700000000, 0).UTC()

	data := descBytes("alpha", []byte("key-alpha"), now.Add(-time.Hour), now.Add(time.Hour), now, mixnet.Relay)
	if err := d.ImportFromFile(writeImportFile(t, data), now); err != nil {
		t.Fatalf("first import: %v", err)
	}

	err := d.ImportFromFile(writeImportFile(t, data), now)
	if !errs.HasCode(errs.AlreadyImported, err) {
		t.Fatalf("expected AlreadyImported, got %v", err)
	}
}

func TestImportFromFileDescriptorExpired(t *testing.T) {
	d, _ := newTestDirectory(t, nil)
	now := time.Unix(1700000000, 0).UTC()

	data := descBytes("alpha", []byte("key-alpha"), now.Add(-2*time.Hour), now.Add(-time.Hour), now.Add(-2*time.Hour), mixnet.Relay)
	err := d.ImportFromFile(writeImportFile(t, data), now)
	if !errs.HasCode(errs.DescriptorExpired, err) {
		t.Fatalf("expected DescriptorExpired, got %v", err)
	}
}

func TestImportFromFileDescriptorSuperseded(t *testing.T) {
	d, _ := newTestDirectory(t, nil)
	now := time.Unix(1700000000, 0).UTC()

	newer := descBytes("alpha", []byte("key-alpha"), now.Add(-time.Hour), now.Add(time.Hour), now, mixnet.Relay)
	if err := d.ImportFromFile(writeImportFile(t, newer), now); err != nil {
		t.Fatalf("import newer: %v", err)
	}

	older := descBytes("alpha", []byte("key-alpha"), now.Add(-2*time.Hour), now.Add(time.Hour), now.Add(-time.Minute), mixnet.Relay)
	err := d.ImportFromFile(writeImportFile(t, older), now)
	if !errs.HasCode(errs.DescriptorSuperseded, err) {
		t.Fatalf("expected DescriptorSuperseded, got %v", err)
	}
}

func TestExpungeRemovesMatchingNickname(t *testing.T) {
	d, _ := newTestDirectory(t, nil)
	now := time.Unix(1700000000, 0).UTC()

	a := descBytes("alpha", []byte("key-alpha"), now.Add(-time.Hour), now.Add(time.Hour), now, mixnet.Relay)
	b := descBytes("bravo", []byte("key-bravo"), now.Add(-time.Hour), now.Add(time.Hour), now, mixnet.Relay)
	if err := d.ImportFromFile(writeImportFile(t, a), now); err != nil {
		t.Fatalf("import alpha: %v", err)
	}
	if err := d.ImportFromFile(writeImportFile(t, b), now); err != nil {
		t.Fatalf("import bravo: %v", err)
	}

	n, err := d.Expunge("alpha")
	if err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	if n != 1 {
		t.Fatalf("got %d removed, want 1", n)
	}

	if _, err := d.GetServer("alpha", now, now, true); !errs.HasCode(errs.UnknownDescriptor, err) {
		t.Fatalf("expected UnknownDescriptor for expunged alpha, got %v", err)
	}
	if _, err := d.GetServer("bravo", now, now, true); err != nil {
		t.Fatalf("expected bravo to remain: %v", err)
	}
}

func TestCleanRemovesExpiredImportedEntry(t *testing.T) {
	d, _ := newTestDirectory(t, nil)
	now := time.Unix(1700000000, 0).UTC()

	// Import while still valid, then Clean once the validity has
	// lapsed past the 600-second grace threshold.
	data := descBytes("alpha", []byte("key-alpha"), now, now.Add(time.Hour), now, mixnet.Relay)
	if err := d.ImportFromFile(writeImportFile(t, data), now); err != nil {
		t.Fatalf("import: %v", err)
	}

	later := now.Add(time.Hour).Add(11 * time.Minute)
	if err := d.Clean(later); err != nil {
		t.Fatalf("Clean: %v", err)
	}

	if _, err := d.GetServer("alpha", later, later, true); !errs.HasCode(errs.UnknownDescriptor, err) {
		t.Fatalf("expected expired entry to be cleaned, got %v", err)
	}
}

func TestCandidatesDedupsByMostRecentlyPublished(t *testing.T) {
	d, _ := newTestDirectory(t, nil)
	now := time.Unix(1700000000, 0).UTC()

	// Two distinct nicknames import cleanly side by side.
	a := descBytes("alpha", []byte("key-alpha"), now.Add(-time.Hour), now.Add(time.Hour), now, mixnet.Relay)
	if err := d.ImportFromFile(writeImportFile(t, a), now); err != nil {
		t.Fatalf("import alpha: %v", err)
	}
	b := descBytes("bravo", []byte("key-bravo"), now.Add(-time.Hour), now.Add(time.Hour), now, mixnet.Relay)
	if err := d.ImportFromFile(writeImportFile(t, b), now); err != nil {
		t.Fatalf("import bravo: %v", err)
	}
	cands, err := d.Candidates(mixnet.Relay, now, now)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2", len(cands))
	}

	// Two entries sharing a nickname (as can happen once the downloaded
	// directory and an imported file both carry alpha) are deduped down
	// to whichever was published more recently.
	d.mu.Lock()
	olderAlpha, err := d.parser.Parse(descBytes("alpha", []byte("key-alpha"), now.Add(-2*time.Hour), now.Add(time.Hour), now.Add(-time.Hour), mixnet.Relay))
	if err != nil {
		t.Fatalf("parse olderAlpha: %v", err)
	}
	d.byCapability[mixnet.Relay] = append(d.byCapability[mixnet.Relay], olderAlpha)
	d.mu.Unlock()

	cands, err = d.Candidates(mixnet.Relay, now, now)
	if err != nil {
		t.Fatalf("Candidates after duplicate nickname: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("got %d candidates after duplicate nickname, want 2 (deduped)", len(cands))
	}
	for _, c := range cands {
		if strings.EqualFold(c.Nickname(), "alpha") && c.PublishedAt().Equal(olderAlpha.PublishedAt()) {
			t.Fatalf("dedup kept the older alpha publication instead of the newer one")
		}
	}
}

func TestGetServerFallsBackToFileOnDisk(t *testing.T) {
	d, _ := newTestDirectory(t, nil)
	now := time.Unix(1700000000, 0).UTC()
	data := descBytes("charlie", []byte("key-charlie"), now.Add(-time.Hour), now.Add(time.Hour), now, mixnet.Relay)
	path := writeImportFile(t, data)

	desc, err := d.GetServer(path, now, now, true)
	if err != nil {
		t.Fatalf("GetServer file fallback: %v", err)
	}
	if desc.Nickname() != "charlie" {
		t.Fatalf("got nickname %q, want charlie", desc.Nickname())
	}
}

func TestGetServerNonStrictMissReturnsNil(t *testing.T) {
	d, _ := newTestDirectory(t, nil)
	now := time.Unix(1700000000, 0).UTC()
	desc, err := d.GetServer("nowhere", now, now, false)
	if err != nil {
		t.Fatalf("non-strict miss should not error: %v", err)
	}
	if desc != nil {
		t.Fatalf("expected nil descriptor for non-strict miss, got %v", desc)
	}
}

// fakeFetcher returns fixed bytes for UpdateDirectory tests,
// decompressing them for a ".gz" url as mixnet.DirectoryFetcher
// implementations do.
type fakeFetcher struct {
	data []byte
	err  error
}

func (f fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.err != nil || !strings.HasSuffix(url, ".gz") {
		return f.data, f.err
	}
	gz, err := gzip.NewReader(bytes.NewReader(f.data))
	if err != nil {
		return nil, err
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestUpdateDirectoryFetchesWhenStale(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	signerKey := []byte("signer-key")
	signer := descBytes("dirserver", signerKey, now.Add(-time.Hour), now.Add(24*time.Hour), now, mixnet.Relay)
	other := descBytes("relay-two", []byte("key-two"), now.Add(-time.Hour), now.Add(24*time.Hour), now, mixnet.Relay)
	payload := append(append([]byte{}, signer...), append([]byte("\n\n"), other...)...)

	root := t.TempDir()
	cfg := Config{
		Root:                root,
		Lock:                lock.New(filepath.Join(root, "lock")),
		Parser:              refimpl.DescriptorParser{},
		Fetcher:             fakeFetcher{data: gzipBytes(t, payload)},
		URL:                 "https://directory.example/dir.gz",
		IdentityFingerprint: hexFingerprint(signerKey),
	}
	d, err := Open(cfg, now)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := d.UpdateDirectory(context.Background(), true, now); err != nil {
		t.Fatalf("UpdateDirectory: %v", err)
	}

	desc, err := d.GetServer("relay-two", now, now, true)
	if err != nil {
		t.Fatalf("GetServer after update: %v", err)
	}
	if desc.Nickname() != "relay-two" {
		t.Fatalf("got nickname %q, want relay-two", desc.Nickname())
	}
}

func TestUpdateDirectorySkipsWhenNotDue(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	// lastDownload starts zero, which predates previousMidnight(now),
	// so the first non-forced call is due and fetches; a second
	// non-forced call later the same day must be a no-op.
	signerKey := []byte("signer-key")
	signer := descBytes("dirserver", signerKey, now.Add(-time.Hour), now.Add(24*time.Hour), now, mixnet.Relay)

	root := t.TempDir()
	cfg := Config{
		Root:                root,
		Lock:                lock.New(filepath.Join(root, "lock")),
		Parser:              refimpl.DescriptorParser{},
		Fetcher:             fakeFetcher{data: gzipBytes(t, signer)},
		URL:                 "https://directory.example/dir.gz",
		IdentityFingerprint: hexFingerprint(signerKey),
	}
	d2, err := Open(cfg, now)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d2.UpdateDirectory(context.Background(), false, now); err != nil {
		t.Fatalf("first UpdateDirectory: %v", err)
	}

	d2.fetcher = fakeFetcher{err: errs.Str("should not be called again today")}
	if err := d2.UpdateDirectory(context.Background(), false, now.Add(time.Minute)); err != nil {
		t.Fatalf("second UpdateDirectory should be a no-op, got error: %v", err)
	}
}

func TestUpdateDirectoryBadIdentityRejected(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	signer := descBytes("dirserver", []byte("wrong-key"), now.Add(-time.Hour), now.Add(24*time.Hour), now, mixnet.Relay)

	root := t.TempDir()
	cfg := Config{
		Root:                root,
		Lock:                lock.New(filepath.Join(root, "lock")),
		Parser:              refimpl.DescriptorParser{},
		Fetcher:             fakeFetcher{data: gzipBytes(t, signer)},
		URL:                 "https://directory.example/dir.gz",
		IdentityFingerprint: "0000000000000000000000000000000000000000",
	}
	d, err := Open(cfg, now)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	err = d.UpdateDirectory(context.Background(), true, now)
	if !errs.HasCode(errs.DirectoryBadIdentity, err) {
		t.Fatalf("expected DirectoryBadIdentity, got %v", err)
	}
}
