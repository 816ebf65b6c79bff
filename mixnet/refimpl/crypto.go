// Package refimpl provides reference implementations of the external
// collaborator interfaces declared in package mixnet. They exist so
// this module builds and tests end-to-end without a real Mixminion
// PKI, Sphinx packet builder, or network transport; production
// deployments are expected to supply their own.
package refimpl

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"mixminion.io/client/mixnet"
)

// Crypto is the stdlib-backed implementation of mixnet.Crypto.
type Crypto struct{}

var _ mixnet.Crypto = Crypto{}

// SHA1 returns the SHA-1 digest of data.
func (Crypto) SHA1(data []byte) [20]byte {
	return sha1.Sum(data)
}

// NewCTRStream returns an AES-CTR key stream for key, with a zero IV as
// the Mixminion keyfile format requires (the salt, not the IV, supplies
// the per-file entropy).
func (Crypto) NewCTRStream(key []byte) (mixnet.CipherStream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, aes.BlockSize)
	return cipher.NewCTR(block, iv), nil
}

// RandomBytes returns n bytes read from crypto/rand.
func (Crypto) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Fingerprint returns the 40 uppercase hex character SHA-1 of identityKey.
func (Crypto) Fingerprint(identityKey []byte) string {
	sum := sha1.Sum(identityKey)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
