// Package obfs implements the AES-256-CTR stream obfuscation that wraps a
// transport connection after a 64-byte random prologue.
//
// The prologue carries key material for both directions. The server keeps
// two independent keystreams: one decrypting client bytes, one encrypting
// its own. Both are advanced strictly in stream order and never rewound.
//
//	offset  0        8                       40               56    60   62  64
//	        ┌────────┬───────────────────────┬────────────────┬─────┬────┬───┐
//	        │ random │ key (32)              │ iv (16)        │ tag │ dc │ r │
//	        └────────┴───────────────────────┴────────────────┴─────┴────┴───┘
//
// Bytes 56..63 are only meaningful after decryption.
package obfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PrologueSize is the length of the obfuscation prologue.
const PrologueSize = 64

// SecretSize is the length of a proxy secret.
const SecretSize = 16

// Transport tags carried inside the encrypted prologue.
const (
	TagAbridged     uint32 = 0xefefefef
	TagIntermediate uint32 = 0xeeeeeeee
	TagPadded       uint32 = 0xdddddddd
)

// ErrSecretSize is returned for secrets that are not 16 bytes.
var ErrSecretSize = errors.New("obfs: secret must be 16 bytes")

// Context holds the keystreams of one obfuscated connection.
//
// A Context belongs to a single connection goroutine and is not safe for
// concurrent use.
type Context struct {
	// Tag is the decrypted transport tag, bytes 56..59 of the prologue.
	Tag uint32
	// DC is the signed data-center id, bytes 60..61 of the prologue.
	DC int16

	dec cipher.Stream
	enc cipher.Stream
}

// Decrypt deobfuscates p in place.
func (c *Context) Decrypt(p []byte) {
	c.dec.XORKeyStream(p, p)
}

// Encrypt obfuscates p in place.
func (c *Context) Encrypt(p []byte) {
	c.enc.XORKeyStream(p, p)
}

// Reader returns a reader that deobfuscates everything read from r.
func (c *Context) Reader(r io.Reader) io.Reader {
	return &cipher.StreamReader{S: c.dec, R: r}
}

// Writer returns a writer that obfuscates everything written to w.
func (c *Context) Writer(w io.Writer) io.Writer {
	return &cipher.StreamWriter{S: c.enc, W: w}
}

// Accept derives the server side of a connection from the 64-byte prologue
// sent by the client. The prologue is not modified.
//
// The returned context has already consumed the prologue from its decrypt
// keystream, so the next byte to Decrypt is the first frame byte.
func Accept(prologue, secret []byte) (*Context, error) {
	if len(prologue) < PrologueSize {
		return nil, fmt.Errorf("obfs: prologue is %d bytes, need %d", len(prologue), PrologueSize)
	}
	readKey, readIV, writeKey, writeIV := deriveKeys(prologue[:PrologueSize])
	return newContext(prologue[:PrologueSize], secret, readKey, readIV, writeKey, writeIV)
}

// NewClientPrologue generates a fresh prologue announcing tag and dc and
// returns it together with the client side context.
//
// The prologue is safe to send as-is: it never starts with a plain transport
// tag, an HTTP verb or a TLS record header, and its second word is non-zero.
func NewClientPrologue(tag uint32, dc int16, secret []byte, rand io.Reader) ([]byte, *Context, error) {
	prologue := make([]byte, PrologueSize)
	for {
		if _, err := io.ReadFull(rand, prologue); err != nil {
			return nil, nil, fmt.Errorf("obfs: read random: %w", err)
		}
		if validPrologue(prologue) {
			break
		}
	}
	binary.LittleEndian.PutUint32(prologue[56:60], tag)
	binary.LittleEndian.PutUint16(prologue[60:62], uint16(dc))

	// The client encrypts with the key the server decrypts with.
	encKey, encIV, decKey, decIV := deriveKeys(prologue)
	ctx, err := newContext(nil, secret, decKey, decIV, encKey, encIV)
	if err != nil {
		return nil, nil, err
	}
	ctx.Tag = tag
	ctx.DC = dc

	sealed := make([]byte, PrologueSize)
	copy(sealed, prologue)
	ctx.Encrypt(sealed)
	copy(prologue[56:], sealed[56:])
	return prologue, ctx, nil
}

var reservedFirstWords = map[uint32]bool{
	0x44414548: true, // HEAD
	0x54534f50: true, // POST
	0x20544547: true, // GET
	0x4954504f: true, // OPTI
	0x20545550: true, // PUT
	0x454c4544: true, // DELE
	0x43544150: true, // PATC
	0x4e4e4f43: true, // CONN
	0x02010316: true, // TLS handshake record
	0xdddddddd: true,
	0xeeeeeeee: true,
}

func validPrologue(p []byte) bool {
	if p[0] == 0xef {
		return false
	}
	if reservedFirstWords[binary.LittleEndian.Uint32(p[0:4])] {
		return false
	}
	return binary.LittleEndian.Uint32(p[4:8]) != 0
}

// deriveKeys splits a prologue into the key/iv pairs for the direction
// carried in order (client to server) and the reversed direction.
func deriveKeys(p []byte) (fwdKey, fwdIV, revKey, revIV []byte) {
	fwdKey = append([]byte(nil), p[8:40]...)
	fwdIV = append([]byte(nil), p[40:56]...)

	rev := make([]byte, 48)
	for i := range rev {
		rev[i] = p[55-i]
	}
	return fwdKey, fwdIV, rev[0:32], rev[32:48]
}

func newContext(prologue, secret, decKey, decIV, encKey, encIV []byte) (*Context, error) {
	if secret != nil {
		if len(secret) != SecretSize {
			return nil, ErrSecretSize
		}
		decKey = mixSecret(decKey, secret)
		encKey = mixSecret(encKey, secret)
	}
	dec, err := newCTR(decKey, decIV)
	if err != nil {
		return nil, err
	}
	enc, err := newCTR(encKey, encIV)
	if err != nil {
		return nil, err
	}
	c := &Context{dec: dec, enc: enc}
	if prologue != nil {
		plain := make([]byte, PrologueSize)
		dec.XORKeyStream(plain, prologue)
		c.Tag = binary.LittleEndian.Uint32(plain[56:60])
		c.DC = int16(binary.LittleEndian.Uint16(plain[60:62]))
	}
	return c, nil
}

func mixSecret(key, secret []byte) []byte {
	h := sha256.New()
	h.Write(key)
	h.Write(secret)
	return h.Sum(nil)
}

func newCTR(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("obfs: %w", err)
	}
	return cipher.NewCTR(block, iv), nil
}
