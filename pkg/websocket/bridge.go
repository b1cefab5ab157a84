package websocket

import (
	"encoding/binary"
	"errors"

	"github.com/mtwire/mtwire/pkg/wire"
)

// Opcode is a WebSocket frame opcode.
type Opcode uint8

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

func (o Opcode) isControl() bool {
	return o&0x8 != 0
}

// Close status codes.
const (
	CloseNormal          = 1000
	CloseProtocolError   = 1002
	CloseUnsupportedData = 1003
	CloseMessageTooBig   = 1009
)

const (
	finBit  = 0x80
	rsvBits = 0x70
	maskBit = 0x80

	maxControlPayload = 125
)

// DefaultMaxPayload caps a single client frame.
const DefaultMaxPayload = 16<<20 + 64

// ErrClosed is returned by Feed after the close handshake.
var ErrClosed = errors.New("websocket: connection closed")

// Output is what one Feed call produced.
type Output struct {
	// Data is the unwrapped inner byte stream, in arrival order.
	Data []byte
	// Reply holds frames to write back to the client (pong, close).
	Reply []byte
	// Closed is set once a close frame was received or sent; write Reply,
	// then drop the connection.
	Closed bool
}

// Bridge unwraps client WebSocket frames after a completed handshake.
//
// Feed buffers partial frames across calls. Binary and continuation
// payloads are forwarded; ping, pong and close are answered inline and never
// reach the inner stream. Protocol violations produce a close frame in
// Reply and a *wire.FormatError.
type Bridge struct {
	buf        *wire.Buffer
	maxPayload int
	inMessage  bool
	closed     bool
}

// NewBridge creates a bridge. maxPayload <= 0 means DefaultMaxPayload.
func NewBridge(maxPayload int) *Bridge {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Bridge{buf: wire.NewBuffer(4096, 0), maxPayload: maxPayload}
}

// Feed adds bytes received from the client.
func (b *Bridge) Feed(p []byte) (Output, error) {
	var out Output
	if b.closed {
		return out, ErrClosed
	}
	b.buf.Write(p)
	for {
		n, err := b.frame(b.buf.Bytes(), &out)
		if errors.Is(err, wire.ErrIncomplete) {
			return out, nil
		}
		if err != nil {
			b.closed = true
			out.Closed = true
			b.buf.Release()
			return out, err
		}
		b.buf.Consume(n)
		if out.Closed {
			b.closed = true
			b.buf.Release()
			return out, nil
		}
	}
}

// frame handles one complete frame at the head of buf.
func (b *Bridge) frame(buf []byte, out *Output) (int, error) {
	if len(buf) < 2 {
		return 0, wire.ErrIncomplete
	}
	fin := buf[0]&finBit != 0
	op := Opcode(buf[0] & 0x0f)
	masked := buf[1]&maskBit != 0
	size := uint64(buf[1] &^ maskBit)
	off := 2
	switch size {
	case 126:
		if len(buf) < off+2 {
			return 0, wire.ErrIncomplete
		}
		size = uint64(binary.BigEndian.Uint16(buf[off:]))
		off += 2
	case 127:
		if len(buf) < off+8 {
			return 0, wire.ErrIncomplete
		}
		size = binary.BigEndian.Uint64(buf[off:])
		off += 8
	}

	if buf[0]&rsvBits != 0 {
		return 0, b.fail(out, CloseProtocolError, "reserved bits set")
	}
	if !masked {
		return 0, b.fail(out, CloseProtocolError, "client frame is not masked")
	}
	if op.isControl() {
		if !fin {
			return 0, b.fail(out, CloseProtocolError, "fragmented control frame")
		}
		if size > maxControlPayload {
			return 0, b.fail(out, CloseProtocolError, "control frame of %d bytes", size)
		}
	}
	if size > uint64(b.maxPayload) {
		return 0, b.fail(out, CloseMessageTooBig, "frame of %d bytes exceeds limit %d", size, b.maxPayload)
	}

	if len(buf) < off+4 {
		return 0, wire.ErrIncomplete
	}
	var key [4]byte
	copy(key[:], buf[off:off+4])
	off += 4
	end := off + int(size)
	if len(buf) < end {
		return 0, wire.ErrIncomplete
	}
	payload := buf[off:end]
	mask(payload, key)

	switch op {
	case OpBinary:
		if b.inMessage {
			return 0, b.fail(out, CloseProtocolError, "new message inside a fragmented one")
		}
		b.inMessage = !fin
		out.Data = append(out.Data, payload...)
	case OpContinuation:
		if !b.inMessage {
			return 0, b.fail(out, CloseProtocolError, "continuation without a message")
		}
		b.inMessage = !fin
		out.Data = append(out.Data, payload...)
	case OpText:
		return 0, b.fail(out, CloseUnsupportedData, "text frames are not supported")
	case OpPing:
		out.Reply = appendFrame(out.Reply, OpPong, payload)
	case OpPong:
	case OpClose:
		if len(payload) == 1 {
			return 0, b.fail(out, CloseProtocolError, "close frame with 1-byte payload")
		}
		echo := payload
		if len(echo) > 2 {
			echo = echo[:2]
		}
		out.Reply = appendFrame(out.Reply, OpClose, echo)
		out.Closed = true
	default:
		return 0, b.fail(out, CloseProtocolError, "reserved opcode %#x", byte(op))
	}
	return end, nil
}

func (b *Bridge) fail(out *Output, code uint16, format string, args ...any) error {
	out.Reply = CloseFrame(out.Reply, code)
	return wire.Formatf("websocket", -1, format, args...)
}

// Wrap appends payload as a single unmasked binary frame with the shortest
// length header.
func Wrap(dst, payload []byte) []byte {
	return appendFrame(dst, OpBinary, payload)
}

// CloseFrame appends a close frame carrying code.
func CloseFrame(dst []byte, code uint16) []byte {
	return appendFrame(dst, OpClose, binary.BigEndian.AppendUint16(nil, code))
}

// ClientWrap appends payload as a masked binary frame, as a client sends it.
func ClientWrap(dst, payload []byte, key [4]byte) []byte {
	dst = appendHeader(dst, OpBinary, len(payload), true)
	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	mask(dst[start:], key)
	return dst
}

func appendFrame(dst []byte, op Opcode, payload []byte) []byte {
	dst = appendHeader(dst, op, len(payload), false)
	return append(dst, payload...)
}

func appendHeader(dst []byte, op Opcode, n int, masked bool) []byte {
	var m byte
	if masked {
		m = maskBit
	}
	dst = append(dst, finBit|byte(op))
	switch {
	case n <= 125:
		dst = append(dst, m|byte(n))
	case n <= 0xffff:
		dst = append(dst, m|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, m|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	return dst
}

func mask(p []byte, key [4]byte) {
	for i := range p {
		p[i] ^= key[i&3]
	}
}
