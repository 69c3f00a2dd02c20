package relay

import (
	"encoding/binary"
	"io"

	"github.com/valyala/bytebufferpool"
)

const (
	maxFrameCiphertext = 2048
	minFrameCiphertext = 1
	frameLengthSize    = 2
)

// bufferGrow resizes buffer to exactly n bytes, reusing its backing array
// when it is already large enough. Adapted from the donor's
// bytebufferpool-based scratch-buffer discipline.
func bufferGrow(buffer *bytebufferpool.ByteBuffer, n int) {
	if cap(buffer.B) < n {
		buffer.B = make([]byte, n)
		return
	}
	buffer.B = buffer.B[:n]
}

// FrameReader decodes length-prefixed encrypted frames off r into plaintext
// packets, advancing channel's incoming nonce on every successful frame.
type FrameReader struct {
	r       io.Reader
	channel *Channel
}

func NewFrameReader(r io.Reader, channel *Channel) *FrameReader {
	return &FrameReader{r: r, channel: channel}
}

// ReadPacket blocks for exactly one frame and returns its decoded packet.
func (f *FrameReader) ReadPacket() (Packet, error) {
	var lenBuf [frameLengthSize]byte
	if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
		return nil, &TransportError{Err: err}
	}
	length := binary.BigEndian.Uint16(lenBuf[:])
	if length < minFrameCiphertext || int(length) > maxFrameCiphertext {
		return nil, &FrameError{Reason: "frame length out of range"}
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	bufferGrow(buf, int(length))

	if _, err := io.ReadFull(f.r, buf.B); err != nil {
		return nil, &TransportError{Err: err}
	}

	plaintext, err := f.channel.Open(buf.B)
	if err != nil {
		return nil, &FrameError{Reason: "decrypt failed", Err: err}
	}
	return DecodePacket(plaintext)
}

// FrameWriter encodes packets as length-prefixed encrypted frames onto w,
// advancing channel's outgoing nonce on every successful frame.
type FrameWriter struct {
	w       io.Writer
	channel *Channel
}

func NewFrameWriter(w io.Writer, channel *Channel) *FrameWriter {
	return &FrameWriter{w: w, channel: channel}
}

// WritePacket encodes, encrypts, and writes one frame for p.
func (f *FrameWriter) WritePacket(p Packet) error {
	plaintext, err := EncodePacket(p)
	if err != nil {
		return err
	}
	if len(plaintext) > MaxPlaintextSize {
		return &FrameError{Reason: "encode too large"}
	}

	ciphertext, err := f.channel.Seal(plaintext)
	if err != nil {
		return err
	}
	if len(ciphertext) > maxFrameCiphertext {
		return &FrameError{Reason: "ciphertext exceeds frame maximum"}
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)
	var lenBuf [frameLengthSize]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(ciphertext)))
	buf.Write(lenBuf[:])
	buf.Write(ciphertext)

	if _, err := f.w.Write(buf.B); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}
