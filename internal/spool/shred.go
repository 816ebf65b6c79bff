package spool

import "os"

// ShredCommand, if set, names an external command (Host.ShredCommand)
// used to securely overwrite a spool file before it is unlinked.
// Package spool never shells out itself; a host integration layer may
// set this to something like "shred -u" by wiring its own os/exec
// call into a Shredder below. The zero value uses the built-in
// overwrite-then-unlink fallback.
var ShredCommand string

// Shredder overwrites a file's contents before it is removed. The
// default, zeroOverwrite, satisfies a "best-effort secure
// delete" requirement without depending on any external tool; a host
// may substitute one that shells out to ShredCommand.
type Shredder func(path string) error

// shred is the active Shredder, defaulting to zeroOverwrite.
var shred Shredder = zeroOverwrite

// SetShredder overrides the delete strategy, for hosts that want to
// invoke ShredCommand via os/exec instead of the built-in overwrite.
func SetShredder(s Shredder) {
	if s == nil {
		s = zeroOverwrite
	}
	shred = s
}

func shredBestEffort(path string) error {
	return shred(path)
}

// zeroOverwrite overwrites path's contents with zero bytes before the
// caller unlinks it. It is best-effort: on a stat, open or write
// failure it returns the error, and Remove still unlinks the file.
func zeroOverwrite(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	zeros := make([]byte, info.Size())
	if _, err := f.WriteAt(zeros, 0); err != nil {
		return err
	}
	return f.Sync()
}
