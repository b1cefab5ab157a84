package transport

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/mtwire/mtwire/pkg/wire"
)

const fullOverhead = 12 // len + seq + crc

// FullCodec frames payloads with a total length, a per-direction sequence
// number and a trailing CRC32 (IEEE) over everything before it.
//
// Inbound sequence numbers must count up from 0 without gaps. A checksum
// mismatch yields *wire.ChecksumError and a sequence gap a
// *wire.FormatError; both end the connection.
type FullCodec struct {
	MaxFrameSize int

	recvSeq int32
	sendSeq int32
}

// Variant returns Full.
func (c *FullCodec) Variant() Variant {
	return Full
}

// Decode parses and verifies one full frame.
func (c *FullCodec) Decode(buf []byte) (Frame, int, error) {
	if len(buf) < 4 {
		return Frame{}, 0, wire.ErrIncomplete
	}
	word := binary.LittleEndian.Uint32(buf)
	quick := word&quickAckBit != 0
	total := int(word &^ quickAckBit)
	if total < fullOverhead {
		return Frame{}, 0, wire.Formatf("full", 0, "length %d below minimum %d", total, fullOverhead)
	}
	if total-fullOverhead > c.MaxFrameSize {
		return Frame{}, 0, wire.Formatf("full", 0, "frame of %d bytes exceeds limit %d", total-fullOverhead, c.MaxFrameSize)
	}
	if len(buf) < total {
		return Frame{}, 0, wire.ErrIncomplete
	}

	seq := int32(binary.LittleEndian.Uint32(buf[4:8]))
	want := binary.LittleEndian.Uint32(buf[total-4 : total])
	if got := crc32.ChecksumIEEE(buf[:total-4]); got != want {
		return Frame{}, 0, &wire.ChecksumError{Seq: seq, Expected: want, Actual: got}
	}
	if seq != c.recvSeq {
		return Frame{}, 0, wire.Formatf("full", 4, "sequence %d, expected %d", seq, c.recvSeq)
	}
	c.recvSeq++
	return Frame{Payload: buf[8 : total-4], QuickAck: quick, Seq: seq}, total, nil
}

// Encode appends a full frame carrying the next outbound sequence number.
func (c *FullCodec) Encode(dst []byte, f Frame) ([]byte, error) {
	n := len(f.Payload)
	if n > c.MaxFrameSize {
		return dst, wire.Formatf("full", -1, "frame of %d bytes exceeds limit %d", n, c.MaxFrameSize)
	}
	start := len(dst)
	word := uint32(n + fullOverhead)
	if f.QuickAck {
		word |= quickAckBit
	}
	dst = binary.LittleEndian.AppendUint32(dst, word)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(c.sendSeq))
	dst = append(dst, f.Payload...)
	dst = binary.LittleEndian.AppendUint32(dst, crc32.ChecksumIEEE(dst[start:]))
	c.sendSeq++
	return dst, nil
}
