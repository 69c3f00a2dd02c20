package relay

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	PublicKeySize = 32
	SecretKeySize = 32
)

// PublicKey is a long-term or ephemeral session public key on the curve25519
// group.
type PublicKey [PublicKeySize]byte

func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }

// SecretKey is the matching scalar. Never logged or serialized except by an
// explicit caller (the CLI's key-file persistence).
type SecretKey [SecretKeySize]byte

// Public derives the public key for any 32-byte secret. ScalarBaseMult clamps
// the scalar itself, so the result matches the public key GenerateKeyPair
// returns for the same secret.
func (s SecretKey) Public() PublicKey {
	var pub [32]byte
	scalar := [32]byte(s)
	curve25519.ScalarBaseMult(&pub, &scalar)
	return PublicKey(pub)
}

// KeyPair is a bound (public, secret) pair, used for both long-term identity
// keys and per-connection ephemeral session keys.
type KeyPair struct {
	Public PublicKey
	Secret SecretKey
}

// GenerateKeyPair produces a fresh X25519 key pair suitable for either a
// long-term identity or an ephemeral session key.
func GenerateKeyPair() (KeyPair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: PublicKey(*pub), Secret: SecretKey(*sec)}, nil
}

// PrecomputeShared caches the scalar multiplication between peerPublic and
// ownSecret, amortizing it across every Seal/Open performed over the
// resulting channel.
func PrecomputeShared(peerPublic PublicKey, ownSecret SecretKey) [32]byte {
	var shared [32]byte
	pk := [32]byte(peerPublic)
	sk := [32]byte(ownSecret)
	box.Precompute(&shared, &pk, &sk)
	return shared
}
