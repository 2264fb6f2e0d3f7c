package tamper

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdp-mitm/internal/certforge"
	"github.com/rcarmo/rdp-mitm/internal/inspect"
	"github.com/rcarmo/rdp-mitm/internal/rdpcrypto"
	"github.com/rcarmo/rdp-mitm/internal/session"
)

func le16(v uint16) []byte { return []byte{byte(v), byte(v >> 8)} }
func le32(v uint32) []byte { return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)} }

func newSession(t *testing.T) *session.Session {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return session.New(a, b)
}

// buildServerCertificatePDU mirrors inspect's own test fixture builder: a
// correctly-signed Proprietary Certificate behind the 010c/030c/020c
// marker sequence, so the fixture is a realistic Server MCS Connect
// Response rather than arbitrary bytes.
func buildServerCertificatePDU(modulus []byte, pubExp uint32, serverRandom [32]byte) []byte {
	mcsMarker1 := []byte{0x01, 0x0c}
	mcsMarker2 := []byte{0x03, 0x0c}
	mcsMarker3 := []byte{0x02, 0x0c}
	rsa1Magic := []byte("RSA1")

	firstFive := []byte{
		0x01, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x06, 0x00,
		0x00, 0x00,
	}

	keyLen := len(modulus)
	bitLen := keyLen*8 - 64
	dataLen := keyLen - 8

	pubkeyBlob := append([]byte{}, rsa1Magic...)
	pubkeyBlob = append(pubkeyBlob, le32(uint32(keyLen))...)
	pubkeyBlob = append(pubkeyBlob, le32(uint32(bitLen))...)
	pubkeyBlob = append(pubkeyBlob, le32(uint32(dataLen))...)
	pubkeyBlob = append(pubkeyBlob, le32(pubExp)...)
	pubkeyBlob = append(pubkeyBlob, modulus...)

	pubkeyLen := uint16(len(pubkeyBlob))
	firstFive[14] = byte(pubkeyLen)
	firstFive[15] = byte(pubkeyLen >> 8)

	sigInput := append(append([]byte{}, firstFive...), pubkeyBlob...)
	h := md5.Sum(sigInput)
	m := make([]byte, 0, 64)
	m = append(m, h[:]...)
	m = append(m, 0x00)
	m = append(m, bytes.Repeat([]byte{0xFF}, 45)...)
	m = append(m, 0x01)

	signature := rdpcrypto.ModExpLE(m, certforge.TSSigningKeyD, certforge.TSSigningKeyN, keyLen)

	cert := append(append([]byte{}, firstFive...), pubkeyBlob...)
	cert = append(cert, le16(0x0008)...)
	cert = append(cert, le16(uint16(len(signature)))...)
	cert = append(cert, signature...)

	secData := make([]byte, 18)
	binary.LittleEndian.PutUint16(secData[0:2], uint16(18+32+len(cert)))
	binary.LittleEndian.PutUint32(secData[2:6], 0x00000002)  // 128-bit encryption method
	binary.LittleEndian.PutUint32(secData[6:10], 0x00000003) // encryption level
	binary.LittleEndian.PutUint32(secData[10:14], 32)
	binary.LittleEndian.PutUint32(secData[14:18], uint32(len(cert)))
	secData = append(secData, serverRandom[:]...)
	secData = append(secData, cert...)

	pdu := []byte{0xAA, 0xBB}
	pdu = append(pdu, mcsMarker1...)
	pdu = append(pdu, 0x01, 0x02, 0x03)
	pdu = append(pdu, mcsMarker2...)
	pdu = append(pdu, 0x04, 0x05)
	pdu = append(pdu, mcsMarker3...)
	pdu = append(pdu, secData...)
	return pdu
}

func TestTamperServerToClientForgesCertificateOnce(t *testing.T) {
	modulus := make([]byte, 72)
	for i := range modulus {
		modulus[i] = byte(i + 1)
	}
	var serverRandom [32]byte
	pdu := buildServerCertificatePDU(modulus, 0x00010001, serverRandom)

	ctx, ok := inspect.FindServerCertificate(pdu)
	require.True(t, ok)

	sess := newSession(t)
	sess.SetCertContext(ctx)

	out := Tamper(sess, session.ServerToClient, pdu, inspect.Findings{ServerCertCaptured: true}, 3)

	assert.NotEqual(t, pdu, out)
	assert.True(t, sess.CertForged)
	require.NotNil(t, sess.GetForgedKeys())
	assert.NotEqual(t, ctx.Modulus, rdpcrypto.IntToLEBytes(len(ctx.Modulus), sess.GetForgedKeys().Modulus))

	// A second pass over a fresh copy of the same PDU must not re-forge.
	out2 := Tamper(sess, session.ServerToClient, append([]byte{}, pdu...), inspect.Findings{ServerCertCaptured: true}, 3)
	assert.Equal(t, pdu, out2)
}

func TestTamperServerToClientPassesThroughWithoutFinding(t *testing.T) {
	sess := newSession(t)
	pdu := bytes.Repeat([]byte{0x01}, 20)
	out := Tamper(sess, session.ServerToClient, pdu, inspect.Findings{}, 3)
	assert.Equal(t, pdu, out)
}

func TestTamperClientToServerDowngradesFirstPDU(t *testing.T) {
	sess := newSession(t)
	pdu := []byte{0x03, 0x00, 0x00, 0x13, 0x0e, 0xe0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x08, 0x00, 0x0b, 0x00, 0x00, 0x00}

	out := Tamper(sess, session.ClientToServer, pdu, inspect.Findings{}, 3)

	assert.Equal(t, []byte{0x00, 0x08, 0x00, 0x03, 0x00, 0x00, 0x00}, out[len(out)-7:])
	assert.Equal(t, session.ProtocolCredSSP, sess.ProtocolNegotiated)
	assert.Equal(t, session.ProtocolCredSSPEarly, sess.ProtocolOriginal)
}

func TestTamperClientToServerOnlyDowngradesFirstPDU(t *testing.T) {
	sess := newSession(t)
	first := []byte{0x03, 0x00, 0x00, 0x13, 0x0e, 0xe0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x08, 0x00, 0x0b, 0x00, 0x00, 0x00}
	Tamper(sess, session.ClientToServer, first, inspect.Findings{}, 3)

	second := append([]byte{}, first...)
	out := Tamper(sess, session.ClientToServer, second, inspect.Findings{}, 3)
	assert.Equal(t, second, out)
}

func TestTamperClientToServerReencryptsClientRandom(t *testing.T) {
	sess := newSession(t)
	sess.ConsumeNegotiationRequest() // simulate negotiation already handled

	modulus := make([]byte, 72)
	for i := range modulus {
		modulus[i] = byte(200 + i)
	}
	sess.SetCertContext(&session.CertContext{Modulus: modulus, PubExponent: 0x00010001})

	var clientRandom [32]byte
	for i := range clientRandom {
		clientRandom[i] = byte(i)
	}
	originalCiphertext := append(bytes.Repeat([]byte{0xAB}, 64), make([]byte, 8)...)
	sess.SetClientRandom(clientRandom, originalCiphertext)

	pdu := append([]byte{0xDE, 0xAD}, originalCiphertext...)

	out := Tamper(sess, session.ClientToServer, pdu, inspect.Findings{ClientRandomCaptured: true}, 3)

	assert.NotEqual(t, pdu, out)
	assert.Len(t, out, len(pdu))

	// Recompute the expected re-encryption independently and confirm the
	// tamperer produced exactly that ciphertext, padded the same way.
	n := rdpcrypto.LEBytesToInt(modulus)
	e := rdpcrypto.LEBytesToInt([]byte{0x01, 0x00, 0x01, 0x00})
	wantCipher := rdpcrypto.ModExpLE(clientRandom[:], e, n, 64)
	assert.Equal(t, wantCipher, out[len(out)-72:len(out)-8])
	assert.Equal(t, make([]byte, 8), out[len(out)-8:])
}
