// Package directory implements the server directory cache: the set
// of known server descriptors drawn from one downloaded directory
// file plus any number of individually imported descriptor files
// (this component).
package directory

import (
	"strings"
	"sync"
	"time"

	"mixminion.io/client/internal/errs"
	"mixminion.io/client/internal/lock"
	"mixminion.io/client/internal/mlog"
	"mixminion.io/client/mixnet"
)

type originKind string

const (
	originDirectory originKind = "directory"
	originImported  originKind = "imported"
)

// entry is one descriptor as tracked by the cache: its raw serialized
// bytes (re-parsed via Parser on load) plus where it came from.
type entry struct {
	Raw      []byte
	Origin   originKind
	Filename string // set only when Origin == originImported
}

// Directory is the server directory cache rooted at a user state
// directory. Open and the mutating methods (UpdateDirectory,
// ImportFromFile, Expunge, Clean) acquire the state directory's
// global lock themselves.
type Directory struct {
	root                string
	lk                   *lock.Lock
	parser               mixnet.DescriptorParser
	fetcher              mixnet.DirectoryFetcher
	url                  string
	identityFingerprint  string

	mu           sync.Mutex
	lastModified time.Time
	lastDownload time.Time
	entries      []entry
	digests      map[string]originKind // hex(digest) -> origin

	byNickname   map[string][]mixnet.ServerDescriptor
	byCapability map[mixnet.Capability][]mixnet.ServerDescriptor
	all          []mixnet.ServerDescriptor
}

// Config groups the external collaborators and fixed parameters a
// Directory needs.
type Config struct {
	Root                string
	Lock                *lock.Lock
	Parser              mixnet.DescriptorParser
	Fetcher             mixnet.DirectoryFetcher
	URL                 string
	IdentityFingerprint string // the embedded, expected signer fingerprint
}

// Open constructs a Directory, loading its cache (or rescanning from
// scratch if the cache is absent or corrupt) and running Clean, all
// under the global lock.
func Open(cfg Config, now time.Time) (*Directory, error) {
	const op = "directory.Open"

	d := &Directory{
		root:                cfg.Root,
		lk:                  cfg.Lock,
		parser:              cfg.Parser,
		fetcher:             cfg.Fetcher,
		url:                 cfg.URL,
		identityFingerprint: cfg.IdentityFingerprint,
		digests:             make(map[string]originKind),
	}

	release, err := d.lk.Acquire()
	if err != nil {
		return nil, errs.E(op, err)
	}
	defer release()

	if err := d.loadOrRescan(now); err != nil {
		return nil, errs.E(op, err)
	}
	if err := d.cleanLocked(now); err != nil {
		return nil, errs.E(op, err)
	}
	return d, nil
}

// loadOrRescan loads the on-disk cache; if it is missing or corrupt it
// rescans once from the directory/imported files. A second failure
// after that single rescan attempt is fatal: CacheCorrupt.
func (d *Directory) loadOrRescan(now time.Time) error {
	const op = "directory.loadOrRescan"

	ok, err := d.loadCache()
	if err == nil && ok {
		return nil
	}

	if err := d.rescanLocked(true, now); err != nil {
		return errs.E(op, errs.Fatal, errs.CacheCorrupt, err)
	}
	ok, err = d.loadCache()
	if err != nil || !ok {
		return errs.E(op, errs.Fatal, errs.CacheCorrupt,
			errs.Str("cache unreadable even immediately after a fresh rescan"))
	}
	return nil
}

// rebuildIndices reparses every tracked entry and rebuilds the
// derived nickname/capability/all indices.
func (d *Directory) rebuildIndices() {
	byNickname := make(map[string][]mixnet.ServerDescriptor)
	byCapability := make(map[mixnet.Capability][]mixnet.ServerDescriptor)
	var all []mixnet.ServerDescriptor

	for _, e := range d.entries {
		desc, err := d.parser.Parse(e.Raw)
		if err != nil {
			mlog.Error.Printf("directory: dropping cached entry that no longer parses: %v", err)
			continue
		}
		nick := strings.ToLower(desc.Nickname())
		byNickname[nick] = append(byNickname[nick], desc)
		for cap, ok := range desc.Capabilities() {
			if ok {
				byCapability[cap] = append(byCapability[cap], desc)
			}
		}
		all = append(all, desc)
	}

	d.byNickname = byNickname
	d.byCapability = byCapability
	d.all = all
}

// mostRecentByNickname returns, for each distinct lowercased nickname
// in descs, the descriptor with the greatest PublishedAt.
func mostRecentByNickname(descs []mixnet.ServerDescriptor) []mixnet.ServerDescriptor {
	best := make(map[string]mixnet.ServerDescriptor)
	var order []string
	for _, d := range descs {
		nick := strings.ToLower(d.Nickname())
		cur, ok := best[nick]
		if !ok {
			order = append(order, nick)
			best[nick] = d
			continue
		}
		if d.PublishedAt().After(cur.PublishedAt()) {
			best[nick] = d
		}
	}
	out := make([]mixnet.ServerDescriptor, 0, len(order))
	for _, nick := range order {
		out = append(out, best[nick])
	}
	return out
}

// GetServer implements the get-server query of this component.
func (d *Directory) GetServer(name string, start, end time.Time, strict bool) (mixnet.ServerDescriptor, error) {
	const op = "directory.GetServer"
	d.mu.Lock()
	defer d.mu.Unlock()

	if descs, ok := d.byNickname[strings.ToLower(name)]; ok && len(descs) > 0 {
		candidates := mostRecentByNickname(descs)
		best := candidates[0]
		if !mixnet.ValidOver(best, start, end) {
			return nil, errs.E(op, errs.Mix, errs.NoValidDescriptor, errs.Str(name))
		}
		return best, nil
	}

	if desc, err := d.loadFromFile(name); err == nil {
		return desc, nil
	}

	if strict {
		return nil, errs.E(op, errs.Mix, errs.UnknownDescriptor, errs.Str(name))
	}
	return nil, nil
}

// All returns the most-recently-published descriptor for every known
// nickname, valid over the whole of [start, end], regardless of
// capability. Used by the list-servers command.
func (d *Directory) All(start, end time.Time) []mixnet.ServerDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()

	var valid []mixnet.ServerDescriptor
	for _, desc := range d.all {
		if mixnet.ValidOver(desc, start, end) {
			valid = append(valid, desc)
		}
	}
	return mostRecentByNickname(valid)
}

// Candidates implements the candidates query of this component.
func (d *Directory) Candidates(capability mixnet.Capability, start, end time.Time) ([]mixnet.ServerDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pool := d.byCapability[capability]
	var valid []mixnet.ServerDescriptor
	for _, desc := range pool {
		if mixnet.ValidOver(desc, start, end) {
			valid = append(valid, desc)
		}
	}
	return mostRecentByNickname(valid), nil
}
