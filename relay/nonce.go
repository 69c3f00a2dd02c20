package relay

// NonceSize is the width of a channel nonce, per the box/XSalsa20 construction.
const NonceSize = 24

// Nonce is transmitted big-endian on the wire. Incrementing it is specified
// as a little-endian increment of the reversed bytes, which is the same
// operation as incrementing the byte string from its last (wire) byte
// backward with carry propagation — so that is what Increment does directly,
// without an intermediate reversal.
type Nonce [NonceSize]byte

func (n *Nonce) Increment() {
	for i := len(n) - 1; i >= 0; i-- {
		n[i]++
		if n[i] != 0 {
			return
		}
	}
}
