// Package rdpcrypto implements the raw, unpadded RSA primitive the legacy
// RDP Proprietary Certificate format uses, plus keypair generation.
//
// crypto/rsa's public API only exposes PKCS#1v1.5 or OAEP operations; the
// Proprietary Certificate format signs and encrypts fixed-width
// little-endian integers with no padding scheme at all, so it cannot be
// expressed through that API. The raw modular exponentiation is done with
// math/big instead, grounded on how nakagami-grdp's sec package reaches for
// crypto/rsa only for key machinery and does the RDP-specific byte layout
// by hand.
package rdpcrypto

import (
	"crypto/rand"
	"crypto/rsa"
	"math/big"
)

// LEBytesToInt interprets b as a little-endian arbitrary-precision integer.
func LEBytesToInt(b []byte) *big.Int {
	rev := make([]byte, len(b))
	for i, c := range b {
		rev[len(b)-1-i] = c
	}
	return new(big.Int).SetBytes(rev)
}

// IntToLEBytes serializes x as a little-endian byte string exactly n bytes
// wide, truncating or zero-padding as needed.
func IntToLEBytes(n int, x *big.Int) []byte {
	be := x.Bytes()
	out := make([]byte, n)
	for i, c := range be {
		pos := len(be) - 1 - i
		if pos < n {
			out[pos] = c
		}
	}
	return out
}

// Encrypt computes m^e mod n over the little-endian integer held in m,
// returning the result as little-endian bytes of the same width as m with
// trailing zero bytes trimmed off, matching the wire encoding RDP expects
// for an encrypted client random.
func Encrypt(m []byte, n, e *big.Int) []byte {
	return rtrimZero(ModExpLE(m, e, n, len(m)))
}

// Decrypt computes c^d mod n, the inverse of Encrypt.
func Decrypt(c []byte, n, d *big.Int) []byte {
	return rtrimZero(ModExpLE(c, d, n, len(c)))
}

// ModExpLE computes in^exp mod mod over the little-endian integer held in
// in, returning the result as fixed-width little-endian bytes with no
// trimming. Used directly by the certificate forger, whose signature tail
// is a fixed-width field that must not be truncated.
func ModExpLE(in []byte, exp, mod *big.Int, width int) []byte {
	x := LEBytesToInt(in)
	y := new(big.Int).Exp(x, exp, mod)
	return IntToLEBytes(width, y)
}

func rtrimZero(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}

// GenerateKeypair produces a fresh RSA keypair whose modulus occupies
// exactly modulusBytes bytes once serialized little-endian, and whose
// public exponent is forced to match e (the certificate forger must reuse
// the original certificate's exponent so no other pubkey-blob field
// shifts).
func GenerateKeypair(modulusBytes int, e uint) (n, d *big.Int, err error) {
	for {
		key, err := rsa.GenerateKey(rand.Reader, modulusBytes*8)
		if err != nil {
			return nil, nil, err
		}

		// crypto/rsa.GenerateKey always uses E=65537; forging with the
		// certificate's own exponent requires rederiving D for the target
		// E when it differs from the generated key's.
		if key.E == int(e) {
			return key.N, key.D, nil
		}

		phi := new(big.Int).Mul(
			new(big.Int).Sub(key.Primes[0], big.NewInt(1)),
			new(big.Int).Sub(key.Primes[1], big.NewInt(1)),
		)
		eBig := new(big.Int).SetUint64(uint64(e))
		if d := new(big.Int).ModInverse(eBig, phi); d != nil {
			return key.N, d, nil
		}
		// e is not invertible mod phi(n) for this keypair; draw another.
	}
}
