package wire

// Buffer is a connection-owned byte arena.
//
// Bytes are appended at the tail as they arrive and consumed from the head as
// decoders accept them. The unread window is exposed through Bytes; callers
// hold positions into it, never pointers, and must re-read Bytes after any
// Write because the backing array may move.
type Buffer struct {
	buf []byte
	off int
	max int
}

// NewBuffer creates a buffer with the given initial capacity and a hard
// ceiling on buffered bytes (0 means unlimited).
func NewBuffer(capacity, max int) *Buffer {
	return &Buffer{buf: make([]byte, 0, capacity), max: max}
}

// ErrBufferFull is returned by Write when the ceiling would be exceeded.
var ErrBufferFull = &FormatError{Layer: "buffer", Offset: -1, Reason: "buffered data exceeds limit"}

// Write appends p to the unread window.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.max > 0 && b.Len()+len(p) > b.max {
		return 0, ErrBufferFull
	}
	if b.off > 0 && len(b.buf)+len(p) > cap(b.buf) {
		b.compact()
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Bytes returns the unread window. Valid until the next Write or Consume.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.off:]
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return len(b.buf) - b.off
}

// Consume drops n bytes from the head of the unread window.
func (b *Buffer) Consume(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.off += n
	if b.off == len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
	}
}

// Next consumes n bytes and returns a copy of them.
func (b *Buffer) Next(n int) []byte {
	if n > b.Len() {
		n = b.Len()
	}
	out := make([]byte, n)
	copy(out, b.buf[b.off:b.off+n])
	b.Consume(n)
	return out
}

// Release drops all buffered data and the backing array.
func (b *Buffer) Release() {
	b.buf = nil
	b.off = 0
}

func (b *Buffer) compact() {
	n := copy(b.buf, b.buf[b.off:])
	b.buf = b.buf[:n]
	b.off = 0
}
