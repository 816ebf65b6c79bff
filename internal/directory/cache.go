package directory

import (
	"bytes"
	"encoding/gob"
	"encoding/hex"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"mixminion.io/client/internal/errs"
	"mixminion.io/client/mixnet"
)

const (
	cacheMagic    = "mixminion-client-cache-1"
	cacheFileName = "cache"
	boltFileName  = "cache.bolt"
	digestsBucket = "digests"
)

// onDiskCache is the gob-encoded 5-tuple of this component: magic,
// last-modified, last-download, descriptor sequence, digest map.
type onDiskCache struct {
	Magic        string
	LastModified int64
	LastDownload int64
	Entries      []entry
	Digests      map[string]originKind
}

func (d *Directory) cachePath() string { return filepath.Join(d.root, cacheFileName) }
func (d *Directory) boltPath() string  { return filepath.Join(d.root, boltFileName) }

// loadCache reads and gob-decodes the cache file. ok is false (with a
// nil error) if the file is simply absent; a non-nil error means the
// file exists but is unreadable or its magic does not match.
func (d *Directory) loadCache() (ok bool, err error) {
	const op = "directory.loadCache"

	data, err := os.ReadFile(d.cachePath())
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errs.E(op, errs.Fatal, err)
	}

	var c onDiskCache
	if derr := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); derr != nil {
		return false, errs.E(op, errs.Mix, errs.CacheCorrupt, derr)
	}
	if c.Magic != cacheMagic {
		return false, errs.E(op, errs.Mix, errs.CacheCorrupt, errs.Str("cache file has wrong magic"))
	}

	d.entries = c.Entries
	d.digests = c.Digests
	if d.digests == nil {
		d.digests = make(map[string]originKind)
	}
	d.lastModified = unixTime(c.LastModified)
	d.lastDownload = unixTime(c.LastDownload)
	d.rebuildIndices()
	return true, nil
}

// persistLocked atomically rewrites the cache file and its bbolt
// digest side-index to match the Directory's current in-memory state.
func (d *Directory) persistLocked() error {
	const op = "directory.persistLocked"

	if err := os.MkdirAll(d.root, 0700); err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	c := onDiskCache{
		Magic:        cacheMagic,
		LastModified: d.lastModified.Unix(),
		LastDownload: d.lastDownload.Unix(),
		Entries:      d.entries,
		Digests:      d.digests,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	tmp, err := os.CreateTemp(d.root, ".cache-*")
	if err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return errs.E(op, errs.Fatal, err)
	}
	if err := tmp.Close(); err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	if err := os.Rename(tmp.Name(), d.cachePath()); err != nil {
		return errs.E(op, errs.Fatal, err)
	}

	if err := d.writeBoltIndex(); err != nil {
		return errs.E(op, errs.Fatal, err)
	}
	return nil
}

// writeBoltIndex rewrites the cache.bolt side index from d.digests, a
// durable secondary index of digest -> origin kept alongside the
// primary gob cache. It is only written; lookups use the in-memory
// map (see hasDigest).
func (d *Directory) writeBoltIndex() error {
	db, err := bbolt.Open(d.boltPath(), 0600, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(digestsBucket)); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket([]byte(digestsBucket))
		if err != nil {
			return err
		}
		for digestHex, origin := range d.digests {
			raw, err := hex.DecodeString(digestHex)
			if err != nil {
				continue
			}
			if err := b.Put(raw, []byte(origin)); err != nil {
				return err
			}
		}
		return nil
	})
}

// hasDigest consults the in-memory digest map (which writeBoltIndex
// copies to the bolt side-index) for an existing entry.
func (d *Directory) hasDigest(digest mixnet.Digest) (originKind, bool) {
	o, ok := d.digests[hex.EncodeToString(digest[:])]
	return o, ok
}
