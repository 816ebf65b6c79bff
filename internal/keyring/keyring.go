// Package keyring implements the password-protected, authenticated
// on-disk key store used to derive the SURB decryption key
// (this component).
package keyring

import (
	"bytes"
	"os"
	"path/filepath"

	"mixminion.io/client/internal/errs"
	"mixminion.io/client/mixnet"
)

// magic is the fixed 8-byte prefix of a key file.
var magic = []byte("MMSKv001")

const (
	saltLen        = 8
	keyMaterialLen = 20
	macLen         = 20 // SHA-1
)

// PasswordFunc acquires a password from the user, given a prompt. It
// is the side-effectful boundary (this design): production callers
// read from the controlling terminal; tests substitute a closure.
type PasswordFunc func(prompt string) (string, error)

// Keyring is a password-protected on-disk key store rooted at dir
// (typically "<statedir>/keys"). Only the SURB decryption key is
// currently stored, as "SURBKey".
type Keyring struct {
	dir      string
	crypto   mixnet.Crypto
	password PasswordFunc
}

// New returns a Keyring rooted at dir, using crypto for its
// primitives and password to acquire passwords interactively.
func New(dir string, crypto mixnet.Crypto, password PasswordFunc) *Keyring {
	return &Keyring{dir: dir, crypto: crypto, password: password}
}

func (k *Keyring) path() string {
	return filepath.Join(k.dir, "SURBKey")
}

// GetSURBKey returns the SURB decryption key. If the key file is
// absent and create is false, it returns (nil, nil). If absent and
// create is true, it generates new key material, prompts twice for a
// new password (retrying on mismatch), writes the key file, and
// returns the key. If present, it prompts for the password and
// decrypts, re-prompting indefinitely on MAC mismatch.
func (k *Keyring) GetSURBKey(create bool) ([]byte, error) {
	const op = "keyring.GetSURBKey"

	data, err := os.ReadFile(k.path())
	if os.IsNotExist(err) {
		if !create {
			return nil, nil
		}
		return k.create(op)
	}
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	return k.open(op, data)
}

func (k *Keyring) create(op string) ([]byte, error) {
	keyMaterial, err := k.crypto.RandomBytes(keyMaterialLen)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}

	var password string
	for {
		p1, err := k.password("New password for SURB key: ")
		if err != nil {
			return nil, errs.E(op, err)
		}
		p2, err := k.password("Confirm password: ")
		if err != nil {
			return nil, errs.E(op, err)
		}
		if p1 == p2 {
			password = p1
			break
		}
	}

	salt, err := k.crypto.RandomBytes(saltLen)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	if err := os.MkdirAll(k.dir, 0700); err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	data, err := k.seal(salt, password, keyMaterial)
	if err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	if err := os.WriteFile(k.path(), data, 0600); err != nil {
		return nil, errs.E(op, errs.Fatal, err)
	}
	return keyMaterial, nil
}

func (k *Keyring) open(op string, data []byte) ([]byte, error) {
	if len(data) >= len(magic) && !bytes.Equal(data[:len(magic)], magic) {
		return nil, errs.E(op, errs.Mix, errs.BadMagic, errs.Str("key file has wrong magic"))
	}
	if len(data) < len(magic)+saltLen {
		return nil, errs.E(op, errs.Mix, errs.Truncated, errs.Str("key file truncated"))
	}
	salt := data[len(magic) : len(magic)+saltLen]
	ciphertext := data[len(magic)+saltLen:]
	if len(ciphertext) != keyMaterialLen+macLen {
		return nil, errs.E(op, errs.Mix, errs.Truncated, errs.Str("key file truncated"))
	}

	for {
		password, err := k.password("Password for SURB key: ")
		if err != nil {
			return nil, errs.E(op, err)
		}
		keyMaterial, ok, err := k.unseal(salt, password, ciphertext)
		if err != nil {
			return nil, errs.E(op, errs.Fatal, err)
		}
		if ok {
			return keyMaterial, nil
		}
		// MAC mismatch: wrong password. Re-prompt indefinitely.
	}
}

// wrappingKey derives the CTR key from salt and password:
// SHA-1(salt || password || salt)[:16].
func (k *Keyring) wrappingKey(salt []byte, password string) []byte {
	h := k.crypto.SHA1(append(append(append([]byte{}, salt...), password...), salt...))
	return h[:16]
}

// seal encrypts keyMaterial with its MAC under salt/password and
// returns the full on-disk file contents.
func (k *Keyring) seal(salt []byte, password string, keyMaterial []byte) ([]byte, error) {
	mac := k.crypto.SHA1(concat(keyMaterial, salt, magic))
	plaintext := append(append([]byte{}, keyMaterial...), mac[:]...)

	stream, err := k.crypto.NewCTRStream(k.wrappingKey(salt, password))
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(plaintext))
	stream.XORKeyStream(ciphertext, plaintext)

	out := append([]byte{}, magic...)
	out = append(out, salt...)
	out = append(out, ciphertext...)
	return out, nil
}

// unseal decrypts ciphertext and verifies its MAC, returning
// (keyMaterial, true, nil) on success or (nil, false, nil) on MAC
// mismatch (wrong password).
func (k *Keyring) unseal(salt []byte, password string, ciphertext []byte) ([]byte, bool, error) {
	stream, err := k.crypto.NewCTRStream(k.wrappingKey(salt, password))
	if err != nil {
		return nil, false, err
	}
	plaintext := make([]byte, len(ciphertext))
	stream.XORKeyStream(plaintext, ciphertext)

	keyMaterial := plaintext[:keyMaterialLen]
	gotMAC := plaintext[keyMaterialLen:]
	wantMAC := k.crypto.SHA1(concat(keyMaterial, salt, magic))
	if !bytes.Equal(gotMAC, wantMAC[:]) {
		return nil, false, nil
	}
	return keyMaterial, true, nil
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
