package relay

import (
	"bytes"
	"testing"
)

// pairedChannels returns two Channels sharing a precomputed secret, with
// Seal on writerCh generating ciphertext decrypts with readerCh's Open:
// writerCh's outNonce track lines up with readerCh's inNonce track, and
// vice versa for replies.
func pairedChannels(t *testing.T) (writerCh, readerCh *Channel) {
	t.Helper()
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair a: %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("keypair b: %v", err)
	}
	shared := PrecomputeShared(b.Public, a.Secret)
	var zero Nonce
	return NewChannel(shared, zero, zero), NewChannel(shared, zero, zero)
}

func TestFrameRoundTrip(t *testing.T) {
	writerCh, readerCh := pairedChannels(t)

	var wire bytes.Buffer
	fw := NewFrameWriter(&wire, writerCh)
	fr := NewFrameReader(&wire, readerCh)

	packets := []Packet{
		&RouteRequest{PeerPublic: mustPublicKey(7)},
		&Data{ConnectionID: 42, Payload: []byte("payload one")},
		&Data{ConnectionID: 42, Payload: []byte("payload two")},
		&PingRequest{PingID: 9999},
	}

	for _, p := range packets {
		if err := fw.WritePacket(p); err != nil {
			t.Fatalf("write %#v: %v", p, err)
		}
	}
	for _, want := range packets {
		got, err := fr.ReadPacket()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		wantEnc, _ := EncodePacket(want)
		gotEnc, _ := EncodePacket(got)
		if !bytes.Equal(wantEnc, gotEnc) {
			t.Fatalf("got %#v, want %#v", got, want)
		}
	}
}

func TestFrameReaderRejectsTruncatedLengthPrefix(t *testing.T) {
	_, readerCh := pairedChannels(t)
	fr := NewFrameReader(bytes.NewReader([]byte{0x00}), readerCh)
	if _, err := fr.ReadPacket(); err == nil {
		t.Fatal("expected error on truncated length prefix")
	}
}

func TestFrameReaderRejectsZeroLengthFrame(t *testing.T) {
	_, readerCh := pairedChannels(t)
	fr := NewFrameReader(bytes.NewReader([]byte{0x00, 0x00}), readerCh)
	if _, err := fr.ReadPacket(); err == nil {
		t.Fatal("expected error on zero-length frame")
	}
}

func TestFrameReaderRejectsOversizeFrame(t *testing.T) {
	_, readerCh := pairedChannels(t)
	// 0x0801 = 2049, one past maxFrameCiphertext.
	fr := NewFrameReader(bytes.NewReader([]byte{0x08, 0x01}), readerCh)
	if _, err := fr.ReadPacket(); err == nil {
		t.Fatal("expected error on oversize frame length")
	}
}

func TestFrameReaderRejectsWrongKeyCiphertext(t *testing.T) {
	writerCh, _ := pairedChannels(t)
	_, otherReaderCh := pairedChannels(t)

	var wire bytes.Buffer
	fw := NewFrameWriter(&wire, writerCh)
	if err := fw.WritePacket(&PingRequest{PingID: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}

	fr := NewFrameReader(&wire, otherReaderCh)
	if _, err := fr.ReadPacket(); err == nil {
		t.Fatal("expected decrypt failure under an unrelated channel")
	}
}

func TestFrameWriterRejectsOversizePlaintext(t *testing.T) {
	writerCh, _ := pairedChannels(t)
	var wire bytes.Buffer
	fw := NewFrameWriter(&wire, writerCh)
	big := &Data{ConnectionID: 16, Payload: bytes.Repeat([]byte{1}, maxDataSize)}
	// maxDataSize (2031) + 1-byte tag = 2032 = MaxPlaintextSize, still legal.
	if err := fw.WritePacket(big); err != nil {
		t.Fatalf("expected max-size packet to encode, got %v", err)
	}
	over := &Data{ConnectionID: 16, Payload: bytes.Repeat([]byte{1}, maxDataSize+1)}
	if err := fw.WritePacket(over); err == nil {
		t.Fatal("expected packet one byte over the maximum to be rejected")
	}
}
