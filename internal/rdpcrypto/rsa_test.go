package rdpcrypto

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLEBytesToIntRoundTrip(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03, 0x00, 0x00}
	x := LEBytesToInt(b)
	assert.Equal(t, big.NewInt(0x030201), x)

	back := IntToLEBytes(len(b), x)
	assert.Equal(t, b, back)
}

func TestIntToLEBytesTruncatesAndPads(t *testing.T) {
	x := big.NewInt(0x0102)
	assert.Equal(t, []byte{0x02, 0x01, 0x00, 0x00}, IntToLEBytes(4, x))
	assert.Equal(t, []byte{0x02}, IntToLEBytes(1, x))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	n, d, err := GenerateKeypair(32, 65537)
	require.NoError(t, err)
	e := big.NewInt(65537)

	plaintext := make([]byte, 32)
	for i := range plaintext {
		plaintext[i] = byte(i + 1)
	}
	plaintext[31] = 0 // leave top byte clear of the modulus's bit length

	ciphertext := Encrypt(plaintext, n, e)
	recovered := Decrypt(ciphertext, n, d)

	// Decrypt trims trailing zero bytes the same way the original
	// plaintext's trailing zero bytes were trimmed; compare with both
	// right-trimmed to zero bytes removed.
	assert.Equal(t, rtrimZero(plaintext), recovered)
}

func TestGenerateKeypairModulusWidth(t *testing.T) {
	n, d, err := GenerateKeypair(64, 65537)
	require.NoError(t, err)
	require.NotNil(t, d)

	serialized := IntToLEBytes(64, n)
	assert.Len(t, serialized, 64)
}
