// Package framer splits a raw byte stream into individual RDP PDUs, using
// either TPKT (slow path) or fast-path length encoding to find boundaries.
//
// The original tool assumed a full PDU arrived per socket recv and treated
// a trailing partial PDU as an error condition — spec.md calls this out as
// a known fragility ("implementers should buffer partials"). Frame buffers
// any trailing partial PDU and returns it as leftover instead of erroring.
package framer

import (
	"encoding/binary"
	"errors"
)

// ErrInvalidLength is returned when a framing header declares an
// impossible PDU length (too small to contain its own header).
var ErrInvalidLength = errors.New("framer: invalid PDU length in header")

// ErrUnknownFraming is returned when the leading bytes match neither the
// TPKT slow-path marker nor the fast-path action-byte discriminator.
var ErrUnknownFraming = errors.New("framer: leading bytes match no known RDP framing")

// Frame splits buf into complete PDUs in order, returning any trailing
// partial PDU as leftover. When err is nil, the concatenation of the
// returned PDUs and leftover equals buf; on error both are nil.
func Frame(buf []byte) (pdus [][]byte, leftover []byte, err error) {
	for len(buf) > 0 {
		if len(buf) < 2 {
			return pdus, buf, nil
		}

		if buf[0] == 0x03 && buf[1] == 0x00 {
			if len(buf) < 4 {
				return pdus, buf, nil
			}
			length := int(binary.BigEndian.Uint16(buf[2:4]))
			if length < 4 {
				return nil, nil, ErrInvalidLength
			}
			if len(buf) < length {
				return pdus, buf, nil
			}
			pdus = append(pdus, buf[:length])
			buf = buf[length:]
			continue
		}

		if buf[0]%4 != 0 {
			return nil, nil, ErrUnknownFraming
		}

		if buf[1] < 0x80 {
			length := int(buf[1])
			if length < 2 {
				return nil, nil, ErrInvalidLength
			}
			if len(buf) < length {
				return pdus, buf, nil
			}
			pdus = append(pdus, buf[:length])
			buf = buf[length:]
			continue
		}

		if len(buf) < 3 {
			return pdus, buf, nil
		}
		length := int(binary.BigEndian.Uint16(buf[1:3])) - 0x8000
		if length < 3 {
			return nil, nil, ErrInvalidLength
		}
		if len(buf) < length {
			return pdus, buf, nil
		}
		pdus = append(pdus, buf[:length])
		buf = buf[length:]
	}

	return pdus, nil, nil
}

// IsSlowPath reports whether pdu begins with the TPKT slow-path marker.
func IsSlowPath(pdu []byte) bool {
	return len(pdu) >= 2 && pdu[0] == 0x03 && pdu[1] == 0x00
}
