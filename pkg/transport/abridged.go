package transport

import "github.com/mtwire/mtwire/pkg/wire"

const (
	tagAbridged = 0xef

	abridgedLongMarker = 0x7f
	abridgedMaxWords   = 1<<24 - 1
	quickAckByte       = 0x80
)

// AbridgedCodec frames payloads with a length counted in 4-byte words.
//
// Lengths below 0x7f words take one byte; longer ones take 0x7f followed by
// a 3-byte little-endian word count.
type AbridgedCodec struct {
	MaxFrameSize int
}

// Variant returns Abridged.
func (c *AbridgedCodec) Variant() Variant {
	return Abridged
}

// Decode parses one abridged frame.
func (c *AbridgedCodec) Decode(buf []byte) (Frame, int, error) {
	if len(buf) < 1 {
		return Frame{}, 0, wire.ErrIncomplete
	}
	quick := buf[0]&quickAckByte != 0
	words := int(buf[0] &^ quickAckByte)
	header := 1
	if words == abridgedLongMarker {
		if len(buf) < 4 {
			return Frame{}, 0, wire.ErrIncomplete
		}
		words = int(buf[1]) | int(buf[2])<<8 | int(buf[3])<<16
		header = 4
	}
	size := words * 4
	if size > c.MaxFrameSize {
		return Frame{}, 0, wire.Formatf("abridged", 0, "frame of %d bytes exceeds limit %d", size, c.MaxFrameSize)
	}
	if len(buf) < header+size {
		return Frame{}, 0, wire.ErrIncomplete
	}
	return Frame{Payload: buf[header : header+size], QuickAck: quick}, header + size, nil
}

// Encode appends an abridged frame. The payload length must be a multiple of 4.
func (c *AbridgedCodec) Encode(dst []byte, f Frame) ([]byte, error) {
	n := len(f.Payload)
	if n%4 != 0 {
		return dst, wire.Formatf("abridged", -1, "payload length %d is not a multiple of 4", n)
	}
	if n > c.MaxFrameSize || n/4 > abridgedMaxWords {
		return dst, wire.Formatf("abridged", -1, "frame of %d bytes exceeds limit %d", n, c.MaxFrameSize)
	}
	var flag byte
	if f.QuickAck {
		flag = quickAckByte
	}
	words := n / 4
	if words < abridgedLongMarker {
		dst = append(dst, byte(words)|flag)
	} else {
		dst = append(dst, abridgedLongMarker|flag, byte(words), byte(words>>8), byte(words>>16))
	}
	return append(dst, f.Payload...), nil
}
