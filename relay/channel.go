package relay

import (
	"errors"

	"golang.org/x/crypto/nacl/box"
)

// MaxPlaintextSize is the largest packet payload a Channel will encrypt, and
// the largest a caller should expect back from Open.
const MaxPlaintextSize = 2032

var errDecryptFailed = errors.New("relay: channel decrypt failed")

// Channel is the symmetric state established after the handshake: the
// precomputed shared secret, our outgoing nonce, and the peer's incoming
// nonce. It is used by exactly one reader goroutine and one writer goroutine
// for its lifetime, so nonce advancement needs no additional locking.
type Channel struct {
	shared   [32]byte
	outNonce Nonce
	inNonce  Nonce
}

// NewChannel builds a Channel from a precomputed shared secret and the two
// session nonces exchanged during the handshake.
func NewChannel(shared [32]byte, outNonce, inNonce Nonce) *Channel {
	return &Channel{shared: shared, outNonce: outNonce, inNonce: inNonce}
}

// Seal encrypts plaintext under the channel's current outgoing key and
// nonce, then advances the outgoing nonce by one.
func (c *Channel) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintextSize {
		return nil, &FrameError{Reason: "plaintext exceeds maximum packet size"}
	}
	nonce := [NonceSize]byte(c.outNonce)
	sealed := box.SealAfterPrecomputation(nil, plaintext, &nonce, &c.shared)
	c.outNonce.Increment()
	return sealed, nil
}

// Open decrypts ciphertext under the channel's current incoming key and
// nonce, then advances the incoming nonce by one on success. The nonce is
// not advanced on failure, since the caller must close the connection rather
// than continue with a desynchronized nonce.
func (c *Channel) Open(ciphertext []byte) ([]byte, error) {
	nonce := [NonceSize]byte(c.inNonce)
	opened, ok := box.OpenAfterPrecomputation(nil, ciphertext, &nonce, &c.shared)
	if !ok {
		return nil, errDecryptFailed
	}
	c.inNonce.Increment()
	return opened, nil
}
