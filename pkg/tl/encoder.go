package tl

import "math"

// Encoder is a binary encoder that appends TL primitives to an internal buffer.
// All fixed-width integers are little-endian.
type Encoder struct {
	buf []byte
}

// NewEncoder creates a new encoder with a default initial capacity.
func NewEncoder() *Encoder {
	return &Encoder{
		buf: make([]byte, 0, 256),
	}
}

// NewEncoderWithCap creates a new encoder with the specified initial capacity.
func NewEncoderWithCap(cap int) *Encoder {
	return &Encoder{
		buf: make([]byte, 0, cap),
	}
}

// Reset resets the encoder to empty state, reusing the underlying buffer.
func (e *Encoder) Reset() {
	e.buf = e.buf[:0]
}

// Bytes returns the encoded bytes. The returned slice is valid until
// the next call to Reset or any Write method.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Len returns the number of bytes currently encoded.
func (e *Encoder) Len() int {
	return len(e.buf)
}

// WriteRaw appends raw bytes without a length prefix.
func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// WriteUint32 appends a uint32.
func (e *Encoder) WriteUint32(v uint32) {
	e.buf = append(e.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// WriteInt32 appends an int32.
func (e *Encoder) WriteInt32(v int32) {
	e.WriteUint32(uint32(v))
}

// WriteInt64 appends an int64.
func (e *Encoder) WriteInt64(v int64) {
	u := uint64(v)
	e.buf = append(e.buf,
		byte(u), byte(u>>8), byte(u>>16), byte(u>>24),
		byte(u>>32), byte(u>>40), byte(u>>48), byte(u>>56))
}

// WriteInt128 appends a 128-bit value as stored.
func (e *Encoder) WriteInt128(v Int128) {
	e.buf = append(e.buf, v[:]...)
}

// WriteInt256 appends a 256-bit value as stored.
func (e *Encoder) WriteInt256(v Int256) {
	e.buf = append(e.buf, v[:]...)
}

// WriteDouble appends a float64 in IEEE 754 format.
func (e *Encoder) WriteDouble(v float64) {
	e.WriteInt64(int64(math.Float64bits(v)))
}

// WriteBytes appends a length-prefixed byte string padded to 4 bytes.
//
// Format: len < 254 → 1-byte length; otherwise 0xFE + 3-byte length.
// Zero padding brings prefix+payload to a multiple of 4.
func (e *Encoder) WriteBytes(b []byte) {
	n := len(b)
	var head int
	if n < longStringMarker {
		e.buf = append(e.buf, byte(n))
		head = 1
	} else {
		e.buf = append(e.buf, longStringMarker, byte(n), byte(n>>8), byte(n>>16))
		head = 4
	}
	e.buf = append(e.buf, b...)
	if r := (head + n) % 4; r != 0 {
		e.buf = append(e.buf, zeroPad[:4-r]...)
	}
}

// WriteString appends a string with the same encoding as WriteBytes.
func (e *Encoder) WriteString(s string) {
	e.WriteBytes([]byte(s))
}

// WriteBool appends a boxed Bool.
func (e *Encoder) WriteBool(v bool) {
	if v {
		e.WriteUint32(BoolTrueID)
	} else {
		e.WriteUint32(BoolFalseID)
	}
}

// WriteVectorHeader appends the boxed vector constructor and element count.
func (e *Encoder) WriteVectorHeader(count int) {
	e.WriteUint32(VectorID)
	e.WriteInt32(int32(count))
}

// WriteInt32Vector appends a boxed Vector<int> in one pass.
func (e *Encoder) WriteInt32Vector(v []int32) {
	e.WriteVectorHeader(len(v))
	e.grow(4 * len(v))
	for _, x := range v {
		e.WriteInt32(x)
	}
}

// WriteInt64Vector appends a boxed Vector<long> in one pass.
func (e *Encoder) WriteInt64Vector(v []int64) {
	e.WriteVectorHeader(len(v))
	e.grow(8 * len(v))
	for _, x := range v {
		e.WriteInt64(x)
	}
}

func (e *Encoder) grow(n int) {
	if cap(e.buf)-len(e.buf) >= n {
		return
	}
	nb := make([]byte, len(e.buf), 2*cap(e.buf)+n)
	copy(nb, e.buf)
	e.buf = nb
}
