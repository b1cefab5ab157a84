package transport

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/mtwire/mtwire/pkg/wire"
)

const (
	quickAckBit  = 1 << 31
	maxPadding   = 15
	plainHeader  = 20 // auth_key_id + message_id + message_data_length
	cipherHeader = 24 // auth_key_id + msg_key
)

// IntermediateCodec frames payloads with a 4-byte little-endian byte length.
type IntermediateCodec struct {
	MaxFrameSize int
}

// Variant returns Intermediate.
func (c *IntermediateCodec) Variant() Variant {
	return Intermediate
}

// Decode parses one intermediate frame.
func (c *IntermediateCodec) Decode(buf []byte) (Frame, int, error) {
	return c.decode("intermediate", buf)
}

func (c *IntermediateCodec) decode(layer string, buf []byte) (Frame, int, error) {
	if len(buf) < 4 {
		return Frame{}, 0, wire.ErrIncomplete
	}
	word := binary.LittleEndian.Uint32(buf)
	quick := word&quickAckBit != 0
	size := int(word &^ quickAckBit)
	if size > c.MaxFrameSize {
		return Frame{}, 0, wire.Formatf(layer, 0, "frame of %d bytes exceeds limit %d", size, c.MaxFrameSize)
	}
	if len(buf) < 4+size {
		return Frame{}, 0, wire.ErrIncomplete
	}
	return Frame{Payload: buf[4 : 4+size], QuickAck: quick}, 4 + size, nil
}

// Encode appends an intermediate frame.
func (c *IntermediateCodec) Encode(dst []byte, f Frame) ([]byte, error) {
	return c.encode("intermediate", dst, f, nil)
}

func (c *IntermediateCodec) encode(layer string, dst []byte, f Frame, padding []byte) ([]byte, error) {
	n := len(f.Payload)
	if n > c.MaxFrameSize {
		return dst, wire.Formatf(layer, -1, "frame of %d bytes exceeds limit %d", n, c.MaxFrameSize)
	}
	word := uint32(n + len(padding))
	if f.QuickAck {
		word |= quickAckBit
	}
	dst = binary.LittleEndian.AppendUint32(dst, word)
	dst = append(dst, f.Payload...)
	return append(dst, padding...), nil
}

// PaddedCodec is Intermediate with 0-15 random bytes appended to every frame
// and folded into the declared length.
//
// Padding is stripped on decode from the message envelope at the start of
// the payload: unencrypted messages end after their declared body,
// encrypted ones after the last whole 16-byte block. Only such envelopes
// survive the trip. Encode rejects any other payload with a
// *wire.FormatError, since its decoded length could not be recovered.
type PaddedCodec struct {
	IntermediateCodec
	Padding func(n int) []byte
}

// Variant returns Padded.
func (c *PaddedCodec) Variant() Variant {
	return Padded
}

// Decode parses one padded frame and strips its padding.
func (c *PaddedCodec) Decode(buf []byte) (Frame, int, error) {
	f, n, err := c.decode("padded", buf)
	if err != nil {
		return f, n, err
	}
	f.Payload = f.Payload[:paddedPayloadLen(f.Payload)]
	return f, n, nil
}

// Encode appends a padded frame.
func (c *PaddedCodec) Encode(dst []byte, f Frame) ([]byte, error) {
	if !paddedEnvelope(f.Payload) {
		return dst, wire.Formatf("padded", -1, "payload of %d bytes is not a message envelope", len(f.Payload))
	}
	pad := c.padding()
	return c.encode("padded", dst, f, pad)
}

func (c *PaddedCodec) padding() []byte {
	var b [1]byte
	rand.Read(b[:])
	n := int(b[0]) % (maxPadding + 1)
	if c.Padding != nil {
		return c.Padding(n)
	}
	pad := make([]byte, n)
	rand.Read(pad)
	return pad
}

// paddedEnvelope reports whether p decodes back to itself after any
// padding is appended.
func paddedEnvelope(p []byte) bool {
	n := len(p)
	if n >= 8 && binary.LittleEndian.Uint64(p) == 0 {
		return n >= plainHeader && int(int32(binary.LittleEndian.Uint32(p[16:20]))) == n-plainHeader
	}
	return n >= cipherHeader && (n-cipherHeader)%16 == 0
}

// paddedPayloadLen returns the unpadded length of a padded payload.
func paddedPayloadLen(p []byte) int {
	n := len(p)
	if n >= 8 && binary.LittleEndian.Uint64(p) == 0 {
		if n >= plainHeader {
			body := int(int32(binary.LittleEndian.Uint32(p[16:20])))
			if body >= 0 && plainHeader+body <= n {
				return plainHeader + body
			}
		}
		return n - n%4
	}
	if n >= cipherHeader {
		return cipherHeader + (n-cipherHeader)/16*16
	}
	return n - n%4
}
