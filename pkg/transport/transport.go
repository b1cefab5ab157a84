// Package transport splits a connection byte stream into length-delimited
// frames and builds frames back from payloads.
//
// Four framing variants exist. Each connection uses exactly one, chosen by
// the Detector from the first bytes the client sends:
//
//	Abridged      len/4 (1 byte, or 0x7f + 3 bytes LE)        payload
//	Intermediate  len (4 bytes LE)                            payload
//	Padded        len (4 bytes LE, includes padding)          payload padding(0-15)
//	Full          len (4 bytes LE) seq (4 bytes LE)           payload crc32 (4 bytes LE)
//
// The top bit of an Abridged, Intermediate or Padded length requests a
// quick acknowledgement of the frame.
//
// Codecs are synchronous and do no I/O. Decode returns wire.ErrIncomplete
// without consuming anything when the buffered bytes do not hold a whole
// frame yet.
package transport

import (
	"fmt"
	"strings"
)

// DefaultMaxFrameSize caps a single frame payload.
const DefaultMaxFrameSize = 16 << 20

// QUICProtocol is the ALPN token of QUIC connections whose streams each
// carry one transport connection.
const QUICProtocol = "mtwire"

// Variant identifies a framing scheme.
type Variant uint8

const (
	Abridged Variant = iota + 1
	Intermediate
	Padded
	Full
)

// String returns the lowercase variant name.
func (v Variant) String() string {
	switch v {
	case Abridged:
		return "abridged"
	case Intermediate:
		return "intermediate"
	case Padded:
		return "padded"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

// ParseVariant parses a variant name as returned by String.
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "abridged":
		return Abridged, nil
	case "intermediate":
		return Intermediate, nil
	case "padded", "padded_intermediate", "padded-intermediate":
		return Padded, nil
	case "full":
		return Full, nil
	}
	return 0, fmt.Errorf("transport: unknown variant %q", s)
}

// Variants lists every framing variant in detection order.
var Variants = []Variant{Abridged, Intermediate, Padded, Full}

// Frame is one decoded payload.
type Frame struct {
	Payload []byte

	// QuickAck is set when the sender asked for a quick acknowledgement.
	// On encode it sets the request bit where the variant carries one.
	QuickAck bool

	// Seq is the sequence number of a Full frame.
	Seq int32
}

// Codec decodes and encodes frames of one variant.
//
// A codec belongs to one connection; Full keeps sequence numbers and the
// others may keep a random source, so codecs are not safe for concurrent use.
type Codec interface {
	Variant() Variant

	// Decode parses one frame from the head of buf and reports how many
	// bytes it occupied. The payload aliases buf.
	Decode(buf []byte) (Frame, int, error)

	// Encode appends the framed payload to dst.
	Encode(dst []byte, f Frame) ([]byte, error)
}

// Options tune codec construction.
type Options struct {
	// MaxFrameSize caps payloads; zero means DefaultMaxFrameSize.
	MaxFrameSize int
	// Padding returns n random padding bytes for the Padded variant.
	// Nil uses crypto/rand.
	Padding func(n int) []byte
}

func (o Options) maxFrame() int {
	if o.MaxFrameSize > 0 {
		return o.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

// NewCodec creates a codec for v.
func NewCodec(v Variant, opts Options) (Codec, error) {
	switch v {
	case Abridged:
		return &AbridgedCodec{MaxFrameSize: opts.maxFrame()}, nil
	case Intermediate:
		return &IntermediateCodec{MaxFrameSize: opts.maxFrame()}, nil
	case Padded:
		return &PaddedCodec{IntermediateCodec: IntermediateCodec{MaxFrameSize: opts.maxFrame()}, Padding: opts.Padding}, nil
	case Full:
		return &FullCodec{MaxFrameSize: opts.maxFrame()}, nil
	default:
		return nil, fmt.Errorf("transport: unknown variant %d", v)
	}
}

// Tag returns the plain prologue a client sends to select v.
// Full has no tag: its first frame starts directly.
func Tag(v Variant) []byte {
	switch v {
	case Abridged:
		return []byte{tagAbridged}
	case Intermediate:
		return []byte{0xee, 0xee, 0xee, 0xee}
	case Padded:
		return []byte{0xdd, 0xdd, 0xdd, 0xdd}
	default:
		return nil
	}
}
