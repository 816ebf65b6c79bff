package directory

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mixminion.io/client/internal/errs"
	"mixminion.io/client/internal/mlog"
	"mixminion.io/client/mixnet"
)

const (
	dirFileName     = "dir"
	dirGzFileName   = "dir.gz"
	importedDirName = "imported"
)

// recordSeparator delimits individual descriptor records within the
// downloaded directory file (a simple multi-record extension of the
// single-descriptor reference format).
const recordSeparator = "\n\n"

func splitRecords(data []byte) [][]byte {
	var out [][]byte
	for _, part := range bytes.Split(data, []byte(recordSeparator)) {
		part = bytes.TrimSpace(part)
		if len(part) > 0 {
			out = append(out, part)
		}
	}
	return out
}

// UpdateDirectory downloads a fresh directory if force is set or the
// last download predates today's midnight, verifies its signer
// fingerprint, and rescans.
func (d *Directory) UpdateDirectory(ctx context.Context, force bool, now time.Time) error {
	const op = "directory.UpdateDirectory"

	release, err := d.lk.Acquire()
	if err != nil {
		return errs.E(op, err)
	}
	defer release()

	d.mu.Lock()
	due := force || d.lastDownload.Before(previousMidnight(now))
	d.mu.Unlock()
	if !due {
		return nil
	}

	data, err := d.fetcher.Fetch(ctx, d.url)
	if err != nil {
		return errs.E(op, errs.Mix, errs.DirectoryDownloadFailed, err)
	}

	records := splitRecords(data)
	if len(records) == 0 {
		return errs.E(op, errs.Mix, errs.DirectoryInvalid, errs.Str("downloaded directory contained no descriptors"))
	}
	signer, err := d.parser.Parse(records[0])
	if err != nil {
		return errs.E(op, errs.Mix, errs.DirectoryInvalid, err)
	}
	fp := d.fingerprintOf(signer)
	if !strings.EqualFold(fp, d.identityFingerprint) {
		return errs.E(op, errs.Mix, errs.DirectoryBadIdentity,
			errs.Str(fmt.Sprintf("signer fingerprint %s does not match embedded identity", fp)))
	}

	if err := os.MkdirAll(d.root, 0700); err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	tmp, err := os.CreateTemp(d.root, ".dir-*")
	if err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.E(op, errs.Fatal, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	os.Remove(d.cachePath())
	os.Remove(filepath.Join(d.root, dirGzFileName))
	if err := os.Rename(tmp.Name(), filepath.Join(d.root, dirFileName)); err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rescanLocked(false, now)
}

// fingerprintOf derives a descriptor's fingerprint as the upper-case
// hex encoding of its identity key. UpdateDirectory compares this
// value, case-insensitively, with the fingerprint supplied at Open and
// reports it on DirectoryBadIdentity.
func (d *Directory) fingerprintOf(desc mixnet.ServerDescriptor) string {
	return strings.ToUpper(hex.EncodeToString(desc.IdentityKey()))
}

// rescanLocked rebuilds the entry set from the directory file and the
// imported/ directory. Caller must hold d.mu (and, for any call that
// reaches disk, the global lock).
func (d *Directory) rescanLocked(force bool, now time.Time) error {
	const op = "directory.rescanLocked"

	if force {
		d.digests = make(map[string]originKind)
	}
	var entries []entry
	var maxMtime time.Time

	dirPath := filepath.Join(d.root, dirFileName)
	gzPath := filepath.Join(d.root, dirGzFileName)
	chosenPath := ""
	if info, err := os.Stat(gzPath); err == nil {
		chosenPath = gzPath
		maxMtime = info.ModTime()
	} else if info, err := os.Stat(dirPath); err == nil {
		chosenPath = dirPath
		maxMtime = info.ModTime()
	}

	if chosenPath != "" {
		data, err := os.ReadFile(chosenPath)
		if err != nil {
			return errs.E(op, errs.Fatal, err)
		}
		if strings.HasSuffix(chosenPath, ".gz") {
			gz, err := gzip.NewReader(bytes.NewReader(data))
			if err != nil {
				return errs.E(op, errs.Mix, errs.DirectoryInvalid, err)
			}
			data, err = io.ReadAll(gz)
			if err != nil {
				return errs.E(op, errs.Mix, errs.DirectoryInvalid, err)
			}
		}
		for _, rec := range splitRecords(data) {
			desc, err := d.parser.Parse(rec)
			if err != nil {
				mlog.Error.Printf("directory: skipping unparseable directory record: %v", err)
				continue
			}
			entries = append(entries, entry{Raw: append([]byte{}, rec...), Origin: originDirectory})
			d.digests[digestHex(desc.Digest())] = originDirectory
		}
		d.lastDownload = maxMtime
	}

	importedDir := filepath.Join(d.root, importedDirName)
	files, err := os.ReadDir(importedDir)
	if err != nil && !os.IsNotExist(err) {
		return errs.E(op, errs.Fatal, err)
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		path := filepath.Join(importedDir, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			mlog.Error.Printf("directory: skipping unreadable imported file %s: %v", f.Name(), err)
			continue
		}
		desc, err := d.parser.Parse(data)
		if err != nil {
			mlog.Error.Printf("directory: skipping unparseable imported file %s: %v", f.Name(), err)
			continue
		}
		entries = append(entries, entry{Raw: append([]byte{}, data...), Origin: originImported, Filename: f.Name()})
		d.digests[digestHex(desc.Digest())] = originImported
		if info, err := f.Info(); err == nil && info.ModTime().After(maxMtime) {
			maxMtime = info.ModTime()
		}
	}
	if maxMtime.After(d.lastModified) {
		d.lastModified = maxMtime
	}

	d.entries = entries
	d.rebuildIndices()
	return d.persistLocked()
}

// cleanLocked removes imported descriptors that are expired, stale
// relative to a newer descriptor of the same nickname, or already
// covered by the downloaded directory (this component Expunge and
// Clean).
func (d *Directory) cleanLocked(now time.Time) error {
	threshold := now.Add(-600 * time.Second)

	inDirectory := make(map[mixnet.Digest]bool)
	for _, e := range d.entries {
		if e.Origin != originDirectory {
			continue
		}
		if desc, err := d.parser.Parse(e.Raw); err == nil {
			inDirectory[desc.Digest()] = true
		}
	}

	var kept []entry
	changed := false
	for _, e := range d.entries {
		if e.Origin != originImported {
			kept = append(kept, e)
			continue
		}
		desc, err := d.parser.Parse(e.Raw)
		if err != nil {
			changed = true
			continue
		}
		if desc.ValidUntil().Before(threshold) {
			d.removeImportedFile(e.Filename)
			delete(d.digests, digestHex(desc.Digest()))
			changed = true
			continue
		}
		if d.supersededInCurrentSet(desc) {
			d.removeImportedFile(e.Filename)
			delete(d.digests, digestHex(desc.Digest()))
			changed = true
			continue
		}
		if inDirectory[desc.Digest()] {
			d.removeImportedFile(e.Filename)
			d.digests[digestHex(desc.Digest())] = originDirectory
			changed = true
			continue
		}
		kept = append(kept, e)
	}

	if !changed {
		return nil
	}
	d.entries = kept
	d.rebuildIndices()
	return d.persistLocked()
}

// supersededInCurrentSet reports whether some other currently tracked
// descriptor of the same nickname supersedes desc.
func (d *Directory) supersededInCurrentSet(desc mixnet.ServerDescriptor) bool {
	nick := strings.ToLower(desc.Nickname())
	for _, other := range d.byNickname[nick] {
		if other.Digest() == desc.Digest() {
			continue
		}
		if d.parser.IsSupersededBy(desc, other) {
			return true
		}
	}
	return false
}

func (d *Directory) removeImportedFile(filename string) {
	if filename == "" {
		return
	}
	if err := os.Remove(filepath.Join(d.root, importedDirName, filename)); err != nil && !os.IsNotExist(err) {
		mlog.Error.Printf("directory: failed to remove expunged file %s: %v", filename, err)
	}
}

// loadFromFile parses name as an on-disk descriptor file, for the
// third fallback step of GetServer.
func (d *Directory) loadFromFile(name string) (mixnet.ServerDescriptor, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return d.parser.Parse(data)
}

// ImportFromFile applies the ordered checks of this component's Import
// section and, on success, copies the descriptor into imported/ and
// persists the updated cache.
func (d *Directory) ImportFromFile(path string, now time.Time) error {
	const op = "directory.ImportFromFile"

	release, err := d.lk.Acquire()
	if err != nil {
		return errs.E(op, err)
	}
	defer release()

	data, err := os.ReadFile(path)
	if err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return errs.E(op, errs.Mix, errs.DirectoryInvalid, err)
		}
		data, err = io.ReadAll(gz)
		if err != nil {
			return errs.E(op, errs.Mix, errs.DirectoryInvalid, err)
		}
	}

	desc, err := d.parser.Parse(data)
	if err != nil {
		return errs.E(op, errs.Parse, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	nick := strings.ToLower(desc.Nickname())
	for _, other := range d.byNickname[nick] {
		if !bytesEqual(other.IdentityKey(), desc.IdentityKey()) {
			return errs.E(op, errs.Mix, errs.IdentityKeyConflict, errs.Str(nick))
		}
	}

	if origin, ok := d.hasDigest(desc.Digest()); ok && origin == originImported {
		return errs.E(op, errs.Mix, errs.AlreadyImported, errs.Str(nick))
	}

	if desc.ValidUntil().Before(now) {
		return errs.E(op, errs.Mix, errs.DescriptorExpired, errs.Str(nick))
	}

	for _, other := range d.byNickname[nick] {
		if d.parser.IsSupersededBy(desc, other) {
			return errs.E(op, errs.Mix, errs.DescriptorSuperseded, errs.Str(nick))
		}
	}

	filename := uniqueImportedFilename(filepath.Join(d.root, importedDirName), nick, now)
	if err := os.MkdirAll(filepath.Join(d.root, importedDirName), 0700); err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	if err := os.WriteFile(filepath.Join(d.root, importedDirName, filename), data, 0600); err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	d.entries = append(d.entries, entry{Raw: append([]byte{}, data...), Origin: originImported, Filename: filename})
	d.digests[digestHex(desc.Digest())] = originImported
	if now.After(d.lastModified) {
		d.lastModified = now
	}
	d.rebuildIndices()
	return d.persistLocked()
}

// Expunge removes every imported descriptor with the given (matched
// case-insensitively) nickname and returns the count removed.
func (d *Directory) Expunge(nickname string) (int, error) {
	const op = "directory.Expunge"

	release, err := d.lk.Acquire()
	if err != nil {
		return 0, errs.E(op, err)
	}
	defer release()

	d.mu.Lock()
	defer d.mu.Unlock()

	nick := strings.ToLower(nickname)
	var kept []entry
	removed := 0
	for _, e := range d.entries {
		if e.Origin == originImported {
			desc, err := d.parser.Parse(e.Raw)
			if err == nil && strings.ToLower(desc.Nickname()) == nick {
				d.removeImportedFile(e.Filename)
				delete(d.digests, digestHex(desc.Digest()))
				removed++
				continue
			}
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, nil
	}
	d.entries = kept
	d.rebuildIndices()
	if err := d.persistLocked(); err != nil {
		return 0, errs.E(op, err)
	}
	return removed, nil
}

// Clean acquires the global lock and runs the expiry/superseded/
// already-downloaded pruning pass over imported descriptors.
func (d *Directory) Clean(now time.Time) error {
	const op = "directory.Clean"
	release, err := d.lk.Acquire()
	if err != nil {
		return errs.E(op, err)
	}
	defer release()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cleanLocked(now)
}

func digestHex(dig mixnet.Digest) string {
	return hex.EncodeToString(dig[:])
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func uniqueImportedFilename(dir, nick string, now time.Time) string {
	base := fmt.Sprintf("%s-%d", nick, now.Unix())
	name := base
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, name)); os.IsNotExist(err) {
			return name
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
}
