package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"

	"github.com/mtwire/mtwire/pkg/tl"
	"github.com/mtwire/mtwire/pkg/wire"
)

// envelope builds an unencrypted message payload with a body of n bytes.
func envelope(n int, seed byte) []byte {
	body := make([]byte, n)
	for i := range body {
		body[i] = byte(i*7) + seed
	}
	return tl.EncodePlain(0x51e57ac42770964a+int64(seed), body)
}

func mustCodec(t *testing.T, v Variant) Codec {
	t.Helper()
	c, err := NewCodec(v, Options{})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

var bodySizes = []int{0, 4, 484, 488, 1000, 70000}

func TestCodecRoundTrip(t *testing.T) {
	for _, v := range Variants {
		t.Run(v.String(), func(t *testing.T) {
			enc := mustCodec(t, v)
			dec := mustCodec(t, v)
			for i, size := range bodySizes {
				payload := envelope(size, byte(i))
				out, err := enc.Encode(nil, Frame{Payload: payload})
				if err != nil {
					t.Fatalf("Encode(%d) error = %v", size, err)
				}
				f, n, err := dec.Decode(out)
				if err != nil {
					t.Fatalf("Decode(%d) error = %v", size, err)
				}
				if n != len(out) {
					t.Errorf("consumed %d of %d", n, len(out))
				}
				if !bytes.Equal(f.Payload, payload) {
					t.Errorf("payload of %d bytes corrupted", size)
				}
				if f.QuickAck {
					t.Errorf("spurious quick-ack flag")
				}
			}
		})
	}
}

func TestCodecQuickAckFlag(t *testing.T) {
	payload := envelope(8, 1)
	for _, v := range Variants {
		t.Run(v.String(), func(t *testing.T) {
			out, err := mustCodec(t, v).Encode(nil, Frame{Payload: payload, QuickAck: true})
			if err != nil {
				t.Fatal(err)
			}
			f, _, err := mustCodec(t, v).Decode(out)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !f.QuickAck {
				t.Errorf("quick-ack flag lost")
			}
			if !bytes.Equal(f.Payload, payload) {
				t.Errorf("payload corrupted after clearing quick-ack bit")
			}
		})
	}
}

func TestAbridgedHeader(t *testing.T) {
	tests := []struct {
		name   string
		size   int
		quick  bool
		header []byte
	}{
		{"short", 8, false, []byte{0x02}},
		{"short_max", 0x7e * 4, false, []byte{0x7e}},
		{"long_min", 0x7f * 4, false, []byte{0x7f, 0x7f, 0x00, 0x00}},
		{"long", 0x12345 * 4, false, []byte{0x7f, 0x45, 0x23, 0x01}},
		{"short_quick", 8, true, []byte{0x82}},
		{"long_quick", 0x100 * 4, true, []byte{0xff, 0x00, 0x01, 0x00}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := &AbridgedCodec{MaxFrameSize: DefaultMaxFrameSize}
			out, err := c.Encode(nil, Frame{Payload: make([]byte, tc.size), QuickAck: tc.quick})
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.HasPrefix(out, tc.header) || len(out) != len(tc.header)+tc.size {
				t.Errorf("header = % x, want % x", out[:len(tc.header)], tc.header)
			}
		})
	}

	if _, err := (&AbridgedCodec{MaxFrameSize: 64}).Encode(nil, Frame{Payload: make([]byte, 6)}); err == nil {
		t.Errorf("unaligned abridged payload accepted")
	}
}

func TestPaddedStripping(t *testing.T) {
	encrypted := tl.EncodeEncrypted(0x1122334455667788, tl.Int128{1}, bytes.Repeat([]byte{9}, 48))
	payloads := map[string][]byte{
		"plain":     envelope(36, 3),
		"encrypted": encrypted,
	}
	for name, payload := range payloads {
		for pad := 0; pad <= maxPadding; pad++ {
			c := &PaddedCodec{
				IntermediateCodec: IntermediateCodec{MaxFrameSize: DefaultMaxFrameSize},
				Padding:           func(int) []byte { return bytes.Repeat([]byte{0xAA}, pad) },
			}
			out, err := c.Encode(nil, Frame{Payload: payload})
			if err != nil {
				t.Fatal(err)
			}
			if got := int(binary.LittleEndian.Uint32(out)); got != len(payload)+pad {
				t.Fatalf("%s pad %d: declared length %d", name, pad, got)
			}
			f, n, err := c.Decode(out)
			if err != nil {
				t.Fatalf("%s pad %d: Decode() error = %v", name, pad, err)
			}
			if n != len(out) || !bytes.Equal(f.Payload, payload) {
				t.Errorf("%s pad %d: got %d bytes, want %d", name, pad, len(f.Payload), len(payload))
			}
		}
	}
}

func TestPaddedRandomLength(t *testing.T) {
	c := mustCodec(t, Padded)
	payload := envelope(16, 0)
	for i := 0; i < 64; i++ {
		out, err := c.Encode(nil, Frame{Payload: payload})
		if err != nil {
			t.Fatal(err)
		}
		if pad := len(out) - 4 - len(payload); pad < 0 || pad > maxPadding {
			t.Fatalf("padding of %d bytes", pad)
		}
	}
}

func TestFullSequenceAndChecksum(t *testing.T) {
	enc := &FullCodec{MaxFrameSize: DefaultMaxFrameSize}
	var stream []byte
	for i := 0; i < 3; i++ {
		var err error
		stream, err = enc.Encode(stream, Frame{Payload: envelope(4*i, byte(i))})
		if err != nil {
			t.Fatal(err)
		}
	}

	dec := &FullCodec{MaxFrameSize: DefaultMaxFrameSize}
	buf := stream
	for i := int32(0); i < 3; i++ {
		f, n, err := dec.Decode(buf)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if f.Seq != i {
			t.Errorf("frame %d has seq %d", i, f.Seq)
		}
		buf = buf[n:]
	}

	first, _ := (&FullCodec{MaxFrameSize: DefaultMaxFrameSize}).Encode(nil, Frame{Payload: envelope(8, 0)})
	if want := crc32.ChecksumIEEE(first[:len(first)-4]); binary.LittleEndian.Uint32(first[len(first)-4:]) != want {
		t.Errorf("trailer is not CRC32 IEEE of the frame")
	}

	corrupt := append([]byte(nil), first...)
	corrupt[10] ^= 0x01
	_, n, err := (&FullCodec{MaxFrameSize: DefaultMaxFrameSize}).Decode(corrupt)
	var ce *wire.ChecksumError
	if !errors.As(err, &ce) {
		t.Fatalf("Decode(corrupt) error = %v, want ChecksumError", err)
	}
	if n != 0 || !wire.IsFatal(err) {
		t.Errorf("checksum failure consumed %d bytes or is not fatal", n)
	}

	skipped := &FullCodec{MaxFrameSize: DefaultMaxFrameSize, recvSeq: 1}
	_, _, err = skipped.Decode(first)
	var fe *wire.FormatError
	if !errors.As(err, &fe) {
		t.Errorf("out-of-order seq error = %v, want FormatError", err)
	}

	short := binary.LittleEndian.AppendUint32(nil, 8)
	if _, _, err := dec.Decode(append(short, 0, 0, 0, 0)); !errors.As(err, &fe) {
		t.Errorf("undersized length error = %v, want FormatError", err)
	}
}

func TestMaxFrameSize(t *testing.T) {
	for _, v := range Variants {
		t.Run(v.String(), func(t *testing.T) {
			c, _ := NewCodec(v, Options{MaxFrameSize: 64})
			big := envelope(100, 0)
			if _, err := c.Encode(nil, Frame{Payload: big}); err == nil {
				t.Errorf("oversized Encode succeeded")
			}

			header := binary.LittleEndian.AppendUint32(nil, 1<<20)
			if v == Abridged {
				header = []byte{0x7f, 0x00, 0x00, 0x01}
			}
			_, n, err := c.Decode(header)
			var fe *wire.FormatError
			if !errors.As(err, &fe) || n != 0 {
				t.Errorf("oversized Decode error = %v, n = %d", err, n)
			}
		})
	}
}

func TestDecodeTruncated(t *testing.T) {
	for _, v := range Variants {
		t.Run(v.String(), func(t *testing.T) {
			out, err := mustCodec(t, v).Encode(nil, Frame{Payload: envelope(600, 2)})
			if err != nil {
				t.Fatal(err)
			}
			dec := mustCodec(t, v)
			for cut := 0; cut < len(out); cut++ {
				_, n, err := dec.Decode(out[:cut])
				if !errors.Is(err, wire.ErrIncomplete) || n != 0 {
					t.Fatalf("cut %d: n = %d, err = %v", cut, n, err)
				}
			}
			if _, _, err := dec.Decode(out); err != nil {
				t.Errorf("whole frame after truncated attempts: %v", err)
			}
		})
	}
}

func TestQuickAck(t *testing.T) {
	tests := []struct {
		token uint32
		le    [4]byte
	}{
		{0x00000000, [4]byte{0x00, 0x00, 0x00, 0x80}},
		{0x12345678, [4]byte{0x78, 0x56, 0x34, 0x92}},
		{0x7fffffff, [4]byte{0xff, 0xff, 0xff, 0xff}},
		{0x80000001, [4]byte{0x01, 0x00, 0x00, 0x80}},
	}
	for _, tc := range tests {
		for _, v := range []Variant{Intermediate, Padded, Full} {
			if got := QuickAck(tc.token, v); got != tc.le {
				t.Errorf("QuickAck(%08x, %s) = % x, want % x", tc.token, v, got, tc.le)
			}
		}
		ab := QuickAck(tc.token, Abridged)
		want := [4]byte{tc.le[3], tc.le[2], tc.le[1], tc.le[0]}
		if ab != want {
			t.Errorf("QuickAck(%08x, abridged) = % x, want % x", tc.token, ab, want)
		}
		if ab[0]&0x80 == 0 {
			t.Errorf("abridged ack lacks the top bit in its first byte")
		}

		for _, v := range Variants {
			token, ok := ParseQuickAck(QuickAck(tc.token, v), v)
			if !ok || token != tc.token&^quickAckBit {
				t.Errorf("ParseQuickAck(%s) = %08x, %v", v, token, ok)
			}
		}
	}
	if _, ok := ParseQuickAck([4]byte{1, 2, 3, 4}, Intermediate); ok {
		t.Errorf("ParseQuickAck accepted a word without the ack bit")
	}
}

func TestParseVariant(t *testing.T) {
	for _, v := range Variants {
		got, err := ParseVariant(v.String())
		if err != nil || got != v {
			t.Errorf("ParseVariant(%q) = %v, %v", v.String(), got, err)
		}
	}
	if got, _ := ParseVariant("Padded-Intermediate"); got != Padded {
		t.Errorf("alias not accepted")
	}
	if _, err := ParseVariant("http"); err == nil {
		t.Errorf("ParseVariant(http) succeeded")
	}
}

func TestStreamQuickAckInterleaved(t *testing.T) {
	for _, v := range Variants {
		t.Run(v.String(), func(t *testing.T) {
			payload := envelope(40, 3)
			var in []byte
			ack1 := QuickAck(0x11223344, v)
			ack2 := QuickAck(0x7fffffff, v)
			in = append(in, ack1[:]...)
			in, err := mustCodec(t, v).Encode(in, Frame{Payload: payload})
			if err != nil {
				t.Fatal(err)
			}
			in = append(in, ack2[:]...)

			s := NewStream(mustCodec(t, v), nil, wire.NewBuffer(64, 0))
			if err := s.Feed(in); err != nil {
				t.Fatal(err)
			}
			if tok, ok, err := s.NextQuickAck(); !ok || err != nil || tok != 0x11223344 {
				t.Fatalf("first ack = %#x, %v, %v", tok, ok, err)
			}
			if _, ok, err := s.NextQuickAck(); ok || err != nil {
				t.Fatalf("frame head read as ack: %v, %v", ok, err)
			}
			f, err := s.Next()
			if err != nil || !bytes.Equal(f.Payload, payload) {
				t.Fatalf("Next() = %d bytes, %v", len(f.Payload), err)
			}
			if tok, ok, _ := s.NextQuickAck(); !ok || tok != 0x7fffffff {
				t.Fatalf("second ack = %#x, %v", tok, ok)
			}
			if _, _, err := s.NextQuickAck(); !errors.Is(err, wire.ErrIncomplete) {
				t.Errorf("empty buffer: %v", err)
			}
		})
	}
}

func TestPaddedRejectsBareBytes(t *testing.T) {
	encrypted := tl.EncodeEncrypted(0x1122334455667788, tl.Int128{1}, bytes.Repeat([]byte{9}, 32))
	plain := envelope(8, 1)
	tests := []struct {
		name    string
		payload []byte
		ok      bool
	}{
		{"plain", plain, true},
		{"encrypted", encrypted, true},
		{"odd", []byte{1, 2, 3, 4, 5}, false},
		{"short", []byte{1, 2, 3, 4}, false},
		{"words", bytes.Repeat([]byte{1}, 28), false},
		{"plain_trailing", append(append([]byte(nil), plain...), 0, 0, 0, 0), false},
		{"plain_short_body", plain[:len(plain)-4], false},
		{"encrypted_partial_block", encrypted[:len(encrypted)-4], false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := mustCodec(t, Padded)
			out, err := c.Encode(nil, Frame{Payload: tc.payload})
			if !tc.ok {
				var fe *wire.FormatError
				if !errors.As(err, &fe) {
					t.Fatalf("Encode() error = %v, want FormatError", err)
				}
				if len(out) != 0 {
					t.Errorf("rejected frame still wrote %d bytes", len(out))
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			f, _, err := mustCodec(t, Padded).Decode(out)
			if err != nil || !bytes.Equal(f.Payload, tc.payload) {
				t.Errorf("round trip: % x, %v", f.Payload, err)
			}
		})
	}
}
