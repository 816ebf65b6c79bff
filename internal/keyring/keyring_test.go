package keyring

import (
	"os"
	"path/filepath"
	"testing"

	"mixminion.io/client/internal/errs"
	"mixminion.io/client/mixnet/refimpl"
)

func staticPassword(pw string) PasswordFunc {
	return func(string) (string, error) { return pw, nil }
}

func TestCreateThenLoadRoundTrips(t *testing.T) {
	crypto := refimpl.Crypto{}
	dir := filepath.Join(t.TempDir(), "keys")

	k1 := New(dir, crypto, staticPassword("hunter2"))
	created, err := k1.GetSURBKey(true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created) != keyMaterialLen {
		t.Fatalf("got %d bytes of key material, want %d", len(created), keyMaterialLen)
	}

	k2 := New(dir, crypto, staticPassword("hunter2"))
	loaded, err := k2.GetSURBKey(false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(loaded) != string(created) {
		t.Fatalf("loaded key material does not match created key material")
	}
}

func TestMissingKeyFileNoCreate(t *testing.T) {
	crypto := refimpl.Crypto{}
	dir := filepath.Join(t.TempDir(), "keys")

	k := New(dir, crypto, staticPassword("unused"))
	got, err := k.GetSURBKey(false)
	if err != nil {
		t.Fatalf("GetSURBKey: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil key when file absent and create=false")
	}
}

func TestWrongPasswordReprompts(t *testing.T) {
	crypto := refimpl.Crypto{}
	dir := filepath.Join(t.TempDir(), "keys")

	k1 := New(dir, crypto, staticPassword("correct horse"))
	created, err := k1.GetSURBKey(true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	attempts := []string{"wrong1", "wrong2", "correct horse"}
	i := 0
	k2 := New(dir, crypto, func(string) (string, error) {
		p := attempts[i]
		i++
		return p, nil
	})
	loaded, err := k2.GetSURBKey(false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if i != 3 {
		t.Fatalf("expected 3 password attempts, got %d", i)
	}
	if string(loaded) != string(created) {
		t.Fatalf("loaded key material does not match created key material")
	}
}

func TestBadMagicRejected(t *testing.T) {
	crypto := refimpl.Crypto{}
	dir := t.TempDir()
	path := filepath.Join(dir, "SURBKey")
	if err := os.WriteFile(path, []byte("NOTMAGIC"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	k := New(dir, crypto, staticPassword("anything"))
	_, err := k.GetSURBKey(false)
	if !errs.HasCode(errs.BadMagic, err) {
		t.Fatalf("expected BadMagic, got %v", err)
	}
}

func TestTruncatedFileRejected(t *testing.T) {
	crypto := refimpl.Crypto{}
	dir := t.TempDir()
	path := filepath.Join(dir, "SURBKey")
	if err := os.WriteFile(path, magic, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	k := New(dir, crypto, staticPassword("anything"))
	_, err := k.GetSURBKey(false)
	if !errs.HasCode(errs.Truncated, err) {
		t.Fatalf("expected Truncated, got %v", err)
	}
}
