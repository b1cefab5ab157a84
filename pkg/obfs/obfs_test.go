package obfs

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"testing"
)

// Fixtures produced with `openssl enc -aes-256-ctr` over a fixed prologue.
const (
	fixturePrologue = "d4066a76a8a8a2b67443f02b0a95c4784ef1faeb3ccad244c2fb45620c2b2e88" +
		"142a59ddc2fb9066944672a0126be1ef3959ec03e997b21baafb998fcfbac284"
	fixturePlain = "d4066a76a8a8a2b67443f02b0a95c4784ef1faeb3ccad244c2fb45620c2b2e88" +
		"142a59ddc2fb9066944672a0126be1ef3959ec03e997b21beeeeeeee02001378"
	fixtureUp   = "33f4d85f5b5b43206cf9d1eaa44996fc87d342d3b4dfb3153ad724842f94ce"
	fixtureDown = "1677660f2332f0354f6cb2252d66"

	fixtureSecretPrologue = "09c672ffd40564a73ac04498e795e8f652dc32ecc7aad35ae2a76ada76cafaa0" +
		"aafcec52904d69c056dce89e30f0185d2835c27c0b10ac68d7f80bdb53546e9c"
	fixtureSecretUp = "9a68d37445cf174cd345133a8bac093da9b71ec7be1fde3dab30fa765b87bb"
)

var (
	upMessage   = []byte("obfuscated transport fixture 01")
	downMessage = []byte("server says hi")
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestAcceptFixture(t *testing.T) {
	prologue := mustHex(t, fixturePrologue)
	orig := append([]byte(nil), prologue...)

	ctx, err := Accept(prologue, nil)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if !bytes.Equal(prologue, orig) {
		t.Errorf("Accept modified the prologue")
	}
	if ctx.Tag != TagIntermediate {
		t.Errorf("Tag = %08x, want %08x", ctx.Tag, TagIntermediate)
	}
	if ctx.DC != 2 {
		t.Errorf("DC = %d, want 2", ctx.DC)
	}

	up := mustHex(t, fixtureUp)
	ctx.Decrypt(up)
	if !bytes.Equal(up, upMessage) {
		t.Errorf("Decrypt() = %q, want %q", up, upMessage)
	}

	down := append([]byte(nil), downMessage...)
	ctx.Encrypt(down)
	if want := mustHex(t, fixtureDown); !bytes.Equal(down, want) {
		t.Errorf("Encrypt() = %x, want %x", down, want)
	}
}

func TestAcceptWithSecret(t *testing.T) {
	secret := make([]byte, SecretSize)
	for i := range secret {
		secret[i] = byte(i)
	}
	ctx, err := Accept(mustHex(t, fixtureSecretPrologue), secret)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if ctx.Tag != TagAbridged || ctx.DC != -3 {
		t.Errorf("Tag, DC = %08x, %d; want %08x, -3", ctx.Tag, ctx.DC, TagAbridged)
	}
	up := mustHex(t, fixtureSecretUp)
	ctx.Decrypt(up)
	if !bytes.Equal(up, upMessage) {
		t.Errorf("Decrypt() = %q", up)
	}

	// The same prologue without the secret yields garbage.
	plain, err := Accept(mustHex(t, fixtureSecretPrologue), nil)
	if err != nil {
		t.Fatal(err)
	}
	if plain.Tag == TagAbridged {
		t.Errorf("prologue decoded without the secret")
	}
}

func TestAcceptErrors(t *testing.T) {
	if _, err := Accept(make([]byte, 63), nil); err == nil {
		t.Errorf("Accept(short) succeeded")
	}
	if _, err := Accept(mustHex(t, fixturePrologue), []byte{1, 2, 3}); !errors.Is(err, ErrSecretSize) {
		t.Errorf("Accept(bad secret) error = %v, want ErrSecretSize", err)
	}
}

func TestStreamingSplit(t *testing.T) {
	ctx, err := Accept(mustHex(t, fixturePrologue), nil)
	if err != nil {
		t.Fatal(err)
	}
	up := mustHex(t, fixtureUp)
	// Decrypting in uneven pieces must match decrypting at once.
	ctx.Decrypt(up[:1])
	ctx.Decrypt(up[1:7])
	ctx.Decrypt(up[7:])
	if !bytes.Equal(up, upMessage) {
		t.Errorf("split Decrypt() = %q", up)
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		tag    uint32
		dc     int16
		secret []byte
	}{
		{"abridged", TagAbridged, 1, nil},
		{"intermediate", TagIntermediate, -2, nil},
		{"padded_secret", TagPadded, 5, bytes.Repeat([]byte{0x42}, SecretSize)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			prologue, client, err := NewClientPrologue(tc.tag, tc.dc, tc.secret, rand.Reader)
			if err != nil {
				t.Fatalf("NewClientPrologue() error = %v", err)
			}
			if len(prologue) != PrologueSize {
				t.Fatalf("prologue length = %d", len(prologue))
			}
			if !validPrologue(prologue) {
				t.Errorf("generated prologue collides with a plain transport: % x", prologue[:8])
			}

			server, err := Accept(prologue, tc.secret)
			if err != nil {
				t.Fatalf("Accept() error = %v", err)
			}
			if server.Tag != tc.tag || server.DC != tc.dc {
				t.Errorf("server sees tag %08x dc %d", server.Tag, server.DC)
			}

			for i := 0; i < 3; i++ {
				msg := bytes.Repeat([]byte{byte(i + 1)}, 37+i)
				buf := append([]byte(nil), msg...)
				client.Encrypt(buf)
				server.Decrypt(buf)
				if !bytes.Equal(buf, msg) {
					t.Fatalf("upstream message %d corrupted", i)
				}

				buf = append(buf[:0], msg...)
				server.Encrypt(buf)
				client.Decrypt(buf)
				if !bytes.Equal(buf, msg) {
					t.Fatalf("downstream message %d corrupted", i)
				}
			}
		})
	}
}

func TestValidPrologue(t *testing.T) {
	base := mustHex(t, fixturePrologue)
	tests := []struct {
		name  string
		first []byte
		want  bool
	}{
		{"random", nil, true},
		{"abridged_byte", []byte{0xef}, false},
		{"intermediate", []byte{0xee, 0xee, 0xee, 0xee}, false},
		{"padded", []byte{0xdd, 0xdd, 0xdd, 0xdd}, false},
		{"get", []byte("GET "), false},
		{"post", []byte("POST"), false},
		{"head", []byte("HEAD"), false},
		{"options", []byte("OPTI"), false},
		{"tls", []byte{0x16, 0x03, 0x01, 0x02}, false},
		{"zero_second_word", []byte{1, 2, 3, 4, 0, 0, 0, 0}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := append([]byte(nil), base...)
			copy(p, tc.first)
			if got := validPrologue(p); got != tc.want {
				t.Errorf("validPrologue() = %v, want %v", got, tc.want)
			}
		})
	}
}

type repeatReader struct {
	chunks [][]byte
}

func (r *repeatReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks = r.chunks[1:]
	return n, nil
}

func TestNewClientPrologueRetries(t *testing.T) {
	bad := bytes.Repeat([]byte{0xef}, PrologueSize)
	good := mustHex(t, fixturePlain)
	rnd := &repeatReader{chunks: [][]byte{bad, good}}

	prologue, _, err := NewClientPrologue(TagIntermediate, 2, nil, rnd)
	if err != nil {
		t.Fatalf("NewClientPrologue() error = %v", err)
	}
	if !bytes.Equal(prologue, mustHex(t, fixturePrologue)) {
		t.Errorf("prologue = %x, want the fixture", prologue)
	}

	if _, _, err := NewClientPrologue(TagIntermediate, 2, nil, &repeatReader{}); err == nil {
		t.Errorf("NewClientPrologue() with exhausted random succeeded")
	}
}

func TestReaderWriter(t *testing.T) {
	prologue, client, err := NewClientPrologue(TagAbridged, 0, nil, rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	server, err := Accept(prologue, nil)
	if err != nil {
		t.Fatal(err)
	}

	var wire bytes.Buffer
	if _, err := client.Writer(&wire).Write([]byte("hello over the wire")); err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(server.Reader(&wire))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello over the wire" {
		t.Errorf("Reader() = %q", got)
	}
}
