// Package masking implements the secret-key-derived masking transform:
// a key-derivation function expands an opaque secret into a pseudorandom
// byte stream, and a frozen convolutional network built entirely from
// that stream gates decoder access to image content.
package masking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20"
)

// KeySize is the number of secret bytes every Deriver consumes.
const KeySize = 32

// ErrInvalidKeyLength is returned when a secret is shorter than KeySize.
var ErrInvalidKeyLength = errors.Errorf("secret key must be at least %d bytes", KeySize)

// Deriver deterministically expands a secret into numBytes of pseudorandom
// output. Identical (secret, numBytes) always yield identical output, and
// the output is indistinguishable from uniform random without the secret.
type Deriver interface {
	Derive(secret []byte, numBytes int) ([]byte, error)
}

// ChaCha20Deriver derives bytes by running the ChaCha20 keystream over a
// zero plaintext, keyed with the first KeySize bytes of the secret.
//
// The nonce is fixed at zero: the plaintext side is itself fixed, so the
// construction is used for reproducible expansion, not confidentiality.
type ChaCha20Deriver struct{}

// Derive implements Deriver.
func (ChaCha20Deriver) Derive(secret []byte, numBytes int) ([]byte, error) {
	if len(secret) < KeySize {
		return nil, errors.WithStack(ErrInvalidKeyLength)
	}
	nonce := make([]byte, chacha20.NonceSize)
	cipher, err := chacha20.NewUnauthenticatedCipher(secret[:KeySize], nonce)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build ChaCha20 keystream")
	}
	out := make([]byte, numBytes)
	cipher.XORKeyStream(out, out)
	return out, nil
}

// HMACDeriver derives bytes with an HMAC-SHA256 counter-mode expansion:
// the secret keys an HMAC over an incrementing 4-byte big-endian counter,
// and the digests are concatenated and truncated to the requested length.
type HMACDeriver struct{}

// Derive implements Deriver.
func (HMACDeriver) Derive(secret []byte, numBytes int) ([]byte, error) {
	if len(secret) < KeySize {
		return nil, errors.WithStack(ErrInvalidKeyLength)
	}
	out := make([]byte, 0, numBytes+sha256.Size)
	var counter [4]byte
	for block := uint32(0); len(out) < numBytes; block++ {
		binary.BigEndian.PutUint32(counter[:], block)
		mac := hmac.New(sha256.New, secret)
		mac.Write(counter[:])
		out = mac.Sum(out)
	}
	return out[:numBytes], nil
}

// SecretKey is an opaque 256-bit masking key plus the integer seed it was
// derived from. Immutable once created.
type SecretKey struct {
	seed  int64
	bytes [KeySize]byte
}

// NewSecretKey deterministically derives a 256-bit key from seed.
func NewSecretKey(seed int64) SecretKey {
	var seedBytes [8]byte
	binary.BigEndian.PutUint64(seedBytes[:], uint64(seed))
	k := SecretKey{seed: seed}
	k.bytes = sha256.Sum256(seedBytes[:])
	return k
}

// Seed returns the integer seed the key was derived from.
func (k SecretKey) Seed() int64 { return k.seed }

// Bytes returns a copy of the key material.
func (k SecretKey) Bytes() []byte {
	out := make([]byte, KeySize)
	copy(out, k.bytes[:])
	return out
}

// String redacts the key material so the key never lands in logs.
func (k SecretKey) String() string {
	return fmt.Sprintf("SecretKey(seed=%d, <%d bytes redacted>)", k.seed, KeySize)
}
