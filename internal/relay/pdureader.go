package relay

import (
	"net"

	"github.com/rcarmo/rdp-mitm/internal/framer"
)

// readChunkSize is the per-recv buffer size. Spec section 5 calls out a
// specific heuristic for "drain what's available": a read that returns
// exactly this many bytes is assumed to have more waiting, so readChunk
// keeps reading until a short (non-multiple) read arrives.
const readChunkSize = 4096

// readChunk drains conn the way spec section 5 describes: keep reading
// 4096-byte chunks for as long as each read fills the buffer completely,
// stopping at the first short read (which, per the heuristic, signals the
// socket has given up everything it currently has buffered).
func readChunk(conn net.Conn) ([]byte, error) {
	var out []byte
	buf := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if err != nil {
			if len(out) > 0 {
				return out, nil
			}
			return nil, err
		}
		if n != readChunkSize {
			return out, nil
		}
	}
}

// pduReader turns a raw byte-stream connection into a sequence of framed
// PDUs, buffering any trailing partial PDU across reads (spec section 4.5's
// fix for the original tool's "trailing partial PDU is an error" fragility).
type pduReader struct {
	conn     net.Conn
	pending  [][]byte
	leftover []byte
}

func newPDUReader(conn net.Conn) *pduReader {
	return &pduReader{conn: conn}
}

// Next returns the next complete PDU read from conn, blocking on socket
// reads as needed.
func (r *pduReader) Next() ([]byte, error) {
	for {
		if len(r.pending) > 0 {
			pdu := r.pending[0]
			r.pending = r.pending[1:]
			return pdu, nil
		}

		chunk, err := readChunk(r.conn)
		if err != nil {
			return nil, err
		}

		buf := append(r.leftover, chunk...)
		pdus, leftover, ferr := framer.Frame(buf)
		if ferr != nil {
			// Unrecognized framing: pass the whole buffer through as one
			// opaque unit rather than drop it, per the "malformed PDU:
			// pass through unmodified" error-handling rule.
			r.leftover = nil
			return buf, nil
		}

		r.leftover = leftover
		r.pending = pdus
	}
}
