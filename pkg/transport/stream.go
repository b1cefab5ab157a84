package transport

import (
	"github.com/mtwire/mtwire/pkg/obfs"
	"github.com/mtwire/mtwire/pkg/wire"
)

// Stream turns the inbound bytes of one connection into frames.
//
// Bytes are deobfuscated as they are fed, in arrival order, and parked in a
// connection-owned buffer. Next yields whole frames until the buffer runs
// short, then returns wire.ErrIncomplete and picks up at the same position
// after the next Feed.
type Stream struct {
	codec Codec
	ctx   *obfs.Context
	buf   *wire.Buffer
}

// NewStream creates a stream decoding with codec. ctx may be nil for a
// plain connection.
func NewStream(codec Codec, ctx *obfs.Context, buf *wire.Buffer) *Stream {
	return &Stream{codec: codec, ctx: ctx, buf: buf}
}

// Codec returns the stream's codec.
func (s *Stream) Codec() Codec {
	return s.codec
}

// Feed appends bytes read from the connection. p is not modified.
func (s *Stream) Feed(p []byte) error {
	before := s.buf.Len()
	if _, err := s.buf.Write(p); err != nil {
		return err
	}
	if s.ctx != nil {
		s.ctx.Decrypt(s.buf.Bytes()[before:])
	}
	return nil
}

// Next returns the next complete frame. The payload is a fresh copy owned
// by the caller.
func (s *Stream) Next() (Frame, error) {
	f, n, err := s.codec.Decode(s.buf.Bytes())
	if err != nil {
		return Frame{}, err
	}
	f.Payload = append([]byte(nil), f.Payload...)
	s.buf.Consume(n)
	return f, nil
}

// NextQuickAck consumes a quick acknowledgement at the head of the buffer.
// Servers interleave 4-byte acks with frames, so a client calls it before
// Next. ok is false when the head is a frame.
func (s *Stream) NextQuickAck() (token uint32, ok bool, err error) {
	b := s.buf.Bytes()
	v := s.codec.Variant()
	switch {
	case len(b) == 0:
		return 0, false, wire.ErrIncomplete
	case v == Abridged && b[0]&quickAckByte == 0:
		return 0, false, nil
	case len(b) < 4:
		return 0, false, wire.ErrIncomplete
	case v != Abridged && b[3]&0x80 == 0:
		return 0, false, nil
	}
	var w [4]byte
	copy(w[:], b)
	token, _ = ParseQuickAck(w, v)
	s.buf.Consume(4)
	return token, true, nil
}

// Buffered returns the number of fed bytes not yet returned as frames.
func (s *Stream) Buffered() int {
	return s.buf.Len()
}

// Release drops any partial frame and the buffer's memory.
func (s *Stream) Release() {
	s.buf.Release()
}

// Writer frames outbound payloads for one connection and obfuscates them
// when the connection is obfuscated.
type Writer struct {
	codec Codec
	ctx   *obfs.Context
}

// NewWriter creates a writer encoding with codec. ctx may be nil.
func NewWriter(codec Codec, ctx *obfs.Context) *Writer {
	return &Writer{codec: codec, ctx: ctx}
}

// Variant returns the framing variant.
func (w *Writer) Variant() Variant {
	return w.codec.Variant()
}

// AppendFrame appends the wire bytes of f to dst.
func (w *Writer) AppendFrame(dst []byte, f Frame) ([]byte, error) {
	start := len(dst)
	dst, err := w.codec.Encode(dst, f)
	if err != nil {
		return dst[:start], err
	}
	if w.ctx != nil {
		w.ctx.Encrypt(dst[start:])
	}
	return dst, nil
}

// AppendQuickAck appends the acknowledgement for token to dst.
func (w *Writer) AppendQuickAck(dst []byte, token uint32) []byte {
	ack := QuickAck(token, w.codec.Variant())
	start := len(dst)
	dst = append(dst, ack[:]...)
	if w.ctx != nil {
		w.ctx.Encrypt(dst[start:])
	}
	return dst
}
