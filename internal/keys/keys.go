// Package keys derives RDP Standard Security session keys from the client
// and server randoms exchanged during the Security Exchange, grounded on
// nakagami-grdp/protocol/sec/sec.go's saltedHash/masterSecret/
// sessionKeyBlob/finalHash/generateKeys sequence.
package keys

import (
	"crypto/md5"
	"crypto/sha1"

	"github.com/rcarmo/rdp-mitm/internal/rc4stream"
)

// SessionKeys holds the five 16-byte keys MS-RDPBCGR §5.3.5.1 derives from
// a pair of 32-byte randoms. Only the 128-bit path is implemented; 40/56-bit
// variants are out of scope.
type SessionKeys struct {
	MACKey           [16]byte
	ClientEncryptKey [16]byte
	ClientDecryptKey [16]byte
	ServerEncryptKey [16]byte
	ServerDecryptKey [16]byte
}

// Derive computes the full RDP Standard Security key schedule from the
// client and server randoms.
func Derive(clientRandom, serverRandom [32]byte) *SessionKeys {
	preMasterSecret := append(append([]byte{}, clientRandom[:24]...), serverRandom[:24]...)

	masterSecret := append(append(
		saltedHash(preMasterSecret, []byte("A"), clientRandom, serverRandom),
		saltedHash(preMasterSecret, []byte("BB"), clientRandom, serverRandom)...),
		saltedHash(preMasterSecret, []byte("CCC"), clientRandom, serverRandom)...)

	sessionKeyBlob := append(append(
		saltedHash(masterSecret, []byte("X"), clientRandom, serverRandom),
		saltedHash(masterSecret, []byte("YY"), clientRandom, serverRandom)...),
		saltedHash(masterSecret, []byte("ZZZ"), clientRandom, serverRandom)...)

	var macKey, initialServerEncrypt, initialServerDecrypt [16]byte
	copy(macKey[:], sessionKeyBlob[0:16])
	copy(initialServerEncrypt[:], sessionKeyBlob[16:32])
	copy(initialServerDecrypt[:], sessionKeyBlob[32:48])

	serverEncryptKey := finalHash(initialServerEncrypt[:], clientRandom, serverRandom)
	serverDecryptKey := finalHash(initialServerDecrypt[:], clientRandom, serverRandom)

	keys := &SessionKeys{MACKey: macKey}
	copy(keys.ServerEncryptKey[:], serverEncryptKey)
	copy(keys.ServerDecryptKey[:], serverDecryptKey)
	keys.ClientEncryptKey = keys.ServerDecryptKey
	keys.ClientDecryptKey = keys.ServerEncryptKey

	return keys
}

// saltedHash implements MS-RDPBCGR's SaltedHash(S, I): MD5(S || SHA1(I || S
// || ClientRandom || ServerRandom)).
func saltedHash(s, salt []byte, clientRandom, serverRandom [32]byte) []byte {
	sha := sha1.New()
	sha.Write(salt)
	sha.Write(s)
	sha.Write(clientRandom[:])
	sha.Write(serverRandom[:])
	shaSum := sha.Sum(nil)

	md := md5.New()
	md.Write(s)
	md.Write(shaSum)
	return md.Sum(nil)
}

// finalHash implements MS-RDPBCGR's FinalHash(K): MD5(K || ClientRandom ||
// ServerRandom).
func finalHash(k []byte, clientRandom, serverRandom [32]byte) []byte {
	md := md5.New()
	md.Write(k)
	md.Write(clientRandom[:])
	md.Write(serverRandom[:])
	return md.Sum(nil)
}

// NewRC4Pair builds the two independent RC4 streams used to decrypt each
// direction: rc4Client decrypts client->server traffic using the server's
// decrypt key, rc4Server decrypts server->client traffic using the client's
// decrypt key.
func NewRC4Pair(k *SessionKeys) (rc4Client, rc4Server *rc4stream.Cipher) {
	rc4Client = rc4stream.New(k.ServerDecryptKey[:])
	rc4Server = rc4stream.New(k.ClientDecryptKey[:])
	return rc4Client, rc4Server
}
