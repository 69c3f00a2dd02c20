package relay

import (
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/box"
)

const (
	clientHelloSize     = PublicKeySize + NonceSize + helloCiphertextSize // 128
	serverHelloSize     = NonceSize + helloCiphertextSize                 // 96
	helloPayloadSize    = PublicKeySize + NonceSize                       // 56
	helloCiphertextSize = helloPayloadSize + box.Overhead                 // 72
)

var errHandshakeDecrypt = errors.New("relay: handshake payload decryption failed")

// ClientHandshake performs the client side of the two-message handshake:
// send ClientHello, read ServerHello, derive the session Channel.
func ClientHandshake(rw io.ReadWriter, identity KeyPair, serverPublic PublicKey) (*Channel, error) {
	sessionKeys, err := GenerateKeyPair()
	if err != nil {
		return nil, &HandshakeError{Err: err}
	}
	var sessionNonce Nonce
	if _, err := io.ReadFull(rand.Reader, sessionNonce[:]); err != nil {
		return nil, &HandshakeError{Err: err}
	}
	var clientNonce Nonce
	if _, err := io.ReadFull(rand.Reader, clientNonce[:]); err != nil {
		return nil, &HandshakeError{Err: err}
	}

	longTermShared := PrecomputeShared(serverPublic, identity.Secret)

	payload := make([]byte, 0, helloPayloadSize)
	payload = append(payload, sessionKeys.Public[:]...)
	payload = append(payload, sessionNonce[:]...)

	clientWireNonce := [NonceSize]byte(clientNonce)
	sealed := box.SealAfterPrecomputation(nil, payload, &clientWireNonce, &longTermShared)

	hello := make([]byte, 0, clientHelloSize)
	hello = append(hello, identity.Public[:]...)
	hello = append(hello, clientNonce[:]...)
	hello = append(hello, sealed...)

	if _, err := rw.Write(hello); err != nil {
		return nil, &HandshakeError{Err: err}
	}

	resp := make([]byte, serverHelloSize)
	if _, err := io.ReadFull(rw, resp); err != nil {
		return nil, &HandshakeError{Err: err}
	}

	var serverNonce Nonce
	copy(serverNonce[:], resp[:NonceSize])
	serverWireNonce := [NonceSize]byte(serverNonce)
	ciphertext := resp[NonceSize:]

	opened, ok := box.OpenAfterPrecomputation(nil, ciphertext, &serverWireNonce, &longTermShared)
	if !ok || len(opened) != helloPayloadSize {
		return nil, &HandshakeError{Err: errHandshakeDecrypt}
	}

	var peerSessionPublic PublicKey
	copy(peerSessionPublic[:], opened[:PublicKeySize])
	var peerSessionNonce Nonce
	copy(peerSessionNonce[:], opened[PublicKeySize:])

	sessionShared := PrecomputeShared(peerSessionPublic, sessionKeys.Secret)
	return NewChannel(sessionShared, sessionNonce, peerSessionNonce), nil
}

// ServerHandshake performs the server side: read ClientHello, send
// ServerHello, derive the session Channel. Returns the client's long-term
// public key alongside the channel, since the server only learns it here.
func ServerHandshake(rw io.ReadWriter, identity KeyPair) (*Channel, PublicKey, error) {
	req := make([]byte, clientHelloSize)
	if _, err := io.ReadFull(rw, req); err != nil {
		return nil, PublicKey{}, &HandshakeError{Err: err}
	}

	var clientPublic PublicKey
	copy(clientPublic[:], req[:PublicKeySize])
	var clientNonce Nonce
	copy(clientNonce[:], req[PublicKeySize:PublicKeySize+NonceSize])
	ciphertext := req[PublicKeySize+NonceSize:]

	longTermShared := PrecomputeShared(clientPublic, identity.Secret)
	clientWireNonce := [NonceSize]byte(clientNonce)

	opened, ok := box.OpenAfterPrecomputation(nil, ciphertext, &clientWireNonce, &longTermShared)
	if !ok || len(opened) != helloPayloadSize {
		return nil, PublicKey{}, &HandshakeError{Err: errHandshakeDecrypt}
	}

	var peerSessionPublic PublicKey
	copy(peerSessionPublic[:], opened[:PublicKeySize])
	var peerSessionNonce Nonce
	copy(peerSessionNonce[:], opened[PublicKeySize:])

	sessionKeys, err := GenerateKeyPair()
	if err != nil {
		return nil, PublicKey{}, &HandshakeError{Err: err}
	}
	var sessionNonce Nonce
	if _, err := io.ReadFull(rand.Reader, sessionNonce[:]); err != nil {
		return nil, PublicKey{}, &HandshakeError{Err: err}
	}
	var serverNonce Nonce
	if _, err := io.ReadFull(rand.Reader, serverNonce[:]); err != nil {
		return nil, PublicKey{}, &HandshakeError{Err: err}
	}

	payload := make([]byte, 0, helloPayloadSize)
	payload = append(payload, sessionKeys.Public[:]...)
	payload = append(payload, sessionNonce[:]...)
	serverWireNonce := [NonceSize]byte(serverNonce)
	sealed := box.SealAfterPrecomputation(nil, payload, &serverWireNonce, &longTermShared)

	hello := make([]byte, 0, serverHelloSize)
	hello = append(hello, serverNonce[:]...)
	hello = append(hello, sealed...)
	if _, err := rw.Write(hello); err != nil {
		return nil, PublicKey{}, &HandshakeError{Err: err}
	}

	sessionShared := PrecomputeShared(peerSessionPublic, sessionKeys.Secret)
	return NewChannel(sessionShared, sessionNonce, peerSessionNonce), clientPublic, nil
}
