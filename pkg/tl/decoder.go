package tl

import (
	"math"

	"github.com/mtwire/mtwire/pkg/wire"
)

// Decoder is a cursor over a borrowed TL byte buffer.
//
// Truncation is reported as wire.ErrIncomplete; malformed data as a
// *wire.FormatError carrying the offset where decoding stopped.
type Decoder struct {
	buf    []byte
	pos    int
	limits Limits
}

// NewDecoder creates a new decoder from the given byte slice.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf, limits: DefaultLimits()}
}

// NewDecoderAt creates a decoder positioned at offset.
func NewDecoderAt(buf []byte, offset int, limits Limits) *Decoder {
	return &Decoder{buf: buf, pos: offset, limits: limits}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// EOF returns true if all bytes have been read.
func (d *Decoder) EOF() bool {
	return d.pos >= len(d.buf)
}

// Position returns the current read position.
func (d *Decoder) Position() int {
	return d.pos
}

func (d *Decoder) formatf(format string, args ...any) error {
	return wire.Formatf("tl", d.pos, format, args...)
}

func (d *Decoder) need(n int) error {
	if n < 0 || d.pos+n > len(d.buf) {
		return wire.ErrIncomplete
	}
	return nil
}

// Skip advances the position by n bytes.
func (d *Decoder) Skip(n int) error {
	if err := d.need(n); err != nil {
		return err
	}
	d.pos += n
	return nil
}

// ReadRaw reads exactly n bytes.
// The returned slice references the decoder's buffer; do not modify.
func (d *Decoder) ReadRaw(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// PeekUint32 returns the next uint32 without advancing.
func (d *Decoder) PeekUint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	b := d.buf[d.pos:]
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

// ReadUint32 reads a uint32.
func (d *Decoder) ReadUint32() (uint32, error) {
	v, err := d.PeekUint32()
	if err != nil {
		return 0, err
	}
	d.pos += 4
	return v, nil
}

// ReadInt32 reads an int32.
func (d *Decoder) ReadInt32() (int32, error) {
	v, err := d.ReadUint32()
	return int32(v), err
}

// ReadInt64 reads an int64.
func (d *Decoder) ReadInt64() (int64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	b := d.buf[d.pos:]
	v := uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
	d.pos += 8
	return int64(v), nil
}

// ReadInt128 reads a 128-bit value.
func (d *Decoder) ReadInt128() (Int128, error) {
	var v Int128
	b, err := d.ReadRaw(len(v))
	if err != nil {
		return v, err
	}
	copy(v[:], b)
	return v, nil
}

// ReadInt256 reads a 256-bit value.
func (d *Decoder) ReadInt256() (Int256, error) {
	var v Int256
	b, err := d.ReadRaw(len(v))
	if err != nil {
		return v, err
	}
	copy(v[:], b)
	return v, nil
}

// ReadDouble reads a float64 in IEEE 754 format.
func (d *Decoder) ReadDouble() (float64, error) {
	v, err := d.ReadInt64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(uint64(v)), nil
}

// ReadBytes reads a length-prefixed, 4-byte padded byte string.
// Returns a copy of the bytes (safe to retain).
//
// Padding must be zero and the long form must not be used for short strings:
// either would break byte-exact re-encoding.
func (d *Decoder) ReadBytes() ([]byte, error) {
	start := d.pos
	if err := d.need(1); err != nil {
		return nil, err
	}
	var n, head int
	switch first := d.buf[d.pos]; {
	case first < longStringMarker:
		n, head = int(first), 1
	case first == longStringMarker:
		if err := d.need(4); err != nil {
			return nil, err
		}
		b := d.buf[d.pos:]
		n, head = int(b[1])|int(b[2])<<8|int(b[3])<<16, 4
		if n < longStringMarker {
			return nil, d.formatf("non-canonical long string prefix for %d bytes", n)
		}
	default:
		return nil, d.formatf("invalid string length marker %#x", first)
	}
	if n > d.limits.MaxStringLen {
		return nil, d.formatf("string length %d exceeds limit %d", n, d.limits.MaxStringLen)
	}
	total := align4(head + n)
	if err := d.need(total); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos+head:d.pos+head+n])
	for _, p := range d.buf[d.pos+head+n : d.pos+total] {
		if p != 0 {
			d.pos = start
			return nil, wire.Formatf("tl", start, "non-zero string padding")
		}
	}
	d.pos += total
	return out, nil
}

// ReadString reads a TL string.
func (d *Decoder) ReadString() (string, error) {
	b, err := d.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBool reads a boxed Bool.
func (d *Decoder) ReadBool() (bool, error) {
	id, err := d.ReadUint32()
	if err != nil {
		return false, err
	}
	switch id {
	case BoolTrueID:
		return true, nil
	case BoolFalseID:
		return false, nil
	default:
		d.pos -= 4
		return false, d.formatf("expected Bool, got constructor %08x", id)
	}
}

// ReadVectorHeader reads the boxed vector constructor and returns the count.
func (d *Decoder) ReadVectorHeader() (int, error) {
	id, err := d.ReadUint32()
	if err != nil {
		return 0, err
	}
	if id != VectorID {
		d.pos -= 4
		return 0, d.formatf("expected vector, got constructor %08x", id)
	}
	return d.ReadCount(1)
}

// ReadCount reads a vector element count and validates it against limits.
// minSize is the smallest possible encoded element, used to reject counts
// that cannot fit in any buffer.
func (d *Decoder) ReadCount(minSize int) (int, error) {
	n, err := d.ReadInt32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, d.formatf("negative vector count %d", n)
	}
	if int(n) > d.limits.MaxVectorLen {
		return 0, d.formatf("vector count %d exceeds limit %d", n, d.limits.MaxVectorLen)
	}
	if minSize > 0 && int(n) > d.Remaining()/minSize {
		return 0, wire.ErrIncomplete
	}
	return int(n), nil
}

// ReadInt32Vector reads a boxed Vector<int>.
func (d *Decoder) ReadInt32Vector() ([]int32, error) {
	n, err := d.ReadVectorHeader()
	if err != nil {
		return nil, err
	}
	return d.readInt32s(n)
}

// ReadInt64Vector reads a boxed Vector<long>.
func (d *Decoder) ReadInt64Vector() ([]int64, error) {
	n, err := d.ReadVectorHeader()
	if err != nil {
		return nil, err
	}
	return d.readInt64s(n)
}

func (d *Decoder) readInt32s(n int) ([]int32, error) {
	if err := d.need(4 * n); err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		out[i], _ = d.ReadInt32()
	}
	return out, nil
}

func (d *Decoder) readInt64s(n int) ([]int64, error) {
	if err := d.need(8 * n); err != nil {
		return nil, err
	}
	out := make([]int64, n)
	for i := range out {
		out[i], _ = d.ReadInt64()
	}
	return out, nil
}

func align4(n int) int {
	return (n + 3) &^ 3
}
