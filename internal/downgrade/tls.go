package downgrade

import (
	"crypto/tls"
	"fmt"
	"net"
)

// UpgradeTLS wraps both sockets in TLS once the negotiated protocol commits
// to anything past standard RDP security, per spec section 4.8's last
// paragraph. The client-facing socket becomes a TLS server authenticated
// with the operator-supplied certificate/key; the server-facing socket
// becomes a TLS client with verification disabled, since the interceptor
// is already in the business of impersonating that server to the client
// and has no independent basis to trust (or reject) whatever certificate
// the real server presents.
func UpgradeTLS(clientConn, serverConn net.Conn, certFile, keyFile string) (net.Conn, net.Conn, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("downgrade: loading operator TLS certificate: %w", err)
	}

	tlsClientSide := tls.Server(clientConn, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err := tlsClientSide.Handshake(); err != nil {
		return nil, nil, fmt.Errorf("downgrade: TLS handshake with client: %w", err)
	}

	tlsServerSide := tls.Client(serverConn, &tls.Config{InsecureSkipVerify: true}) //nolint:gosec // intentional: MITM forwards whatever cert the real server presents
	if err := tlsServerSide.Handshake(); err != nil {
		tlsClientSide.Close()
		return nil, nil, fmt.Errorf("downgrade: TLS handshake with server: %w", err)
	}

	return tlsClientSide, tlsServerSide, nil
}
