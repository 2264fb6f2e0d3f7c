// Package rc4stream implements the keyed, stateful RC4 stream used by RDP
// Standard Security to protect slow-path and fast-path PDUs.
package rc4stream

import "errors"

// RekeyThreshold is the packet count at which MS-RDPBCGR §5.3.7 requires a
// key update. This package does not implement the update itself; callers
// observe NeedsRekey and decide whether to continue unmodified or close the
// session.
const RekeyThreshold = 4096

// ErrRekeyRequired describes a stream that has reached RekeyThreshold
// without an implemented key-update step. This package never returns it;
// internal/inspect logs it as a warning when a stream reaches the threshold.
var ErrRekeyRequired = errors.New("rc4stream: session key update required after 4096 packets")

// Cipher is one direction of an RDP RC4 stream: a 256-byte permutation, two
// running indices, and a packet counter.
type Cipher struct {
	s    [256]byte
	i, j byte
	pkts int
}

// New runs the standard RC4 key-scheduling algorithm over key and returns a
// ready-to-use stream.
func New(key []byte) *Cipher {
	c := &Cipher{}
	for i := 0; i < 256; i++ {
		c.s[i] = byte(i)
	}

	var x byte
	for i := 0; i < 256; i++ {
		x = x + c.s[i] + key[i%len(key)]
		c.s[i], c.s[x] = c.s[x], c.s[i]
	}
	return c
}

// XORKeyStream runs RC4's PRGA over src into dst (which may alias src) and
// increments the packet counter. decrypt and encrypt are the same operation.
func (c *Cipher) XORKeyStream(dst, src []byte) {
	for k, b := range src {
		c.i++
		c.j += c.s[c.i]
		c.s[c.i], c.s[c.j] = c.s[c.j], c.s[c.i]
		dst[k] = b ^ c.s[byte(c.s[c.i]+c.s[c.j])]
	}
	c.pkts++
}

// PacketCount returns the number of PDUs run through XORKeyStream so far.
func (c *Cipher) PacketCount() int {
	return c.pkts
}

// NeedsRekey reports whether PacketCount has crossed RekeyThreshold.
func (c *Cipher) NeedsRekey() bool {
	return c.pkts >= RekeyThreshold
}
