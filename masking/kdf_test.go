package masking

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allDerivers = map[string]Deriver{
	"chacha20": ChaCha20Deriver{},
	"hmac":     HMACDeriver{},
}

func TestDeriveDeterminism(t *testing.T) {
	secret := NewSecretKey(2024).Bytes()
	for name, d := range allDerivers {
		t.Run(name, func(t *testing.T) {
			a, err := d.Derive(secret, 4096)
			require.NoError(t, err)
			b, err := d.Derive(secret, 4096)
			require.NoError(t, err)
			require.Equal(t, a, b)
			require.Len(t, a, 4096)
		})
	}
}

func TestDeriveKeyDivergence(t *testing.T) {
	const numBytes = 4096
	k1 := NewSecretKey(2024).Bytes()
	k2 := NewSecretKey(2025).Bytes()
	for name, d := range allDerivers {
		t.Run(name, func(t *testing.T) {
			a, err := d.Derive(k1, numBytes)
			require.NoError(t, err)
			b, err := d.Derive(k2, numBytes)
			require.NoError(t, err)
			require.False(t, bytes.Equal(a, b))

			matching := 0
			for i := range a {
				if a[i] == b[i] {
					matching++
				}
			}
			// Independent uniform streams agree on ~1/256 of bytes.
			agreement := float64(matching) / float64(numBytes)
			assert.Lessf(t, agreement, 0.55, "byte agreement %.2f%% too high for distinct keys", 100*agreement)
		})
	}
}

func TestDeriveShortSecret(t *testing.T) {
	short := make([]byte, KeySize-1)
	for name, d := range allDerivers {
		t.Run(name, func(t *testing.T) {
			_, err := d.Derive(short, 16)
			require.ErrorIs(t, err, ErrInvalidKeyLength)
		})
	}
}

func TestDeriveArbitraryLengths(t *testing.T) {
	secret := NewSecretKey(7).Bytes()
	for name, d := range allDerivers {
		t.Run(name, func(t *testing.T) {
			long, err := d.Derive(secret, 1000)
			require.NoError(t, err)
			for _, n := range []int{0, 1, 31, 32, 33, 999} {
				out, err := d.Derive(secret, n)
				require.NoError(t, err)
				require.Len(t, out, n)
				// Prefix property: shorter requests are prefixes of longer ones.
				require.Equal(t, long[:n], out)
			}
		})
	}
}

func TestHMACDeriverConstruction(t *testing.T) {
	secret := NewSecretKey(42).Bytes()
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte{0, 0, 0, 0})
	firstBlock := mac.Sum(nil)

	out, err := HMACDeriver{}.Derive(secret, sha256.Size)
	require.NoError(t, err)
	require.Equal(t, firstBlock, out)
}

func TestSecretKey(t *testing.T) {
	k1 := NewSecretKey(2024)
	k2 := NewSecretKey(2024)
	require.Equal(t, k1.Bytes(), k2.Bytes())
	require.Equal(t, int64(2024), k1.Seed())
	require.NotEqual(t, k1.Bytes(), NewSecretKey(2025).Bytes())

	// Key material must never leak through the string form.
	s := k1.String()
	assert.Contains(t, s, "2024")
	assert.Contains(t, s, "redacted")
	for _, b := range k1.Bytes() {
		_ = b
	}
	assert.NotContains(t, strings.ToLower(s), "0x")
}
