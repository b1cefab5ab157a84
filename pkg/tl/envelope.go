package tl

import (
	"time"

	"github.com/mtwire/mtwire/pkg/wire"
)

// Envelope layout sizes.
const (
	PlainHeaderSize     = 20 // auth_key_id + message_id + message_data_length
	EncryptedHeaderSize = 24 // auth_key_id + msg_key
)

// Envelope is the outer layer of a frame payload.
//
// Unencrypted messages (AuthKeyID == 0) expose MsgID and Body. Encrypted
// messages expose MsgKey and the opaque Data; decrypting them is the job of
// the key-management layer.
type Envelope struct {
	AuthKeyID int64
	MsgID     int64
	Body      []byte
	MsgKey    Int128
	Data      []byte
}

// Encrypted reports whether the envelope carries an encrypted message.
func (e *Envelope) Encrypted() bool {
	return e.AuthKeyID != 0
}

// ParseEnvelope splits a complete frame payload into its envelope fields.
// Slices reference payload.
func ParseEnvelope(payload []byte) (*Envelope, error) {
	d := NewDecoder(payload)
	authKeyID, err := d.ReadInt64()
	if err != nil {
		return nil, envelopeShort(err)
	}
	if authKeyID != 0 {
		key, err := d.ReadInt128()
		if err != nil {
			return nil, envelopeShort(err)
		}
		return &Envelope{AuthKeyID: authKeyID, MsgKey: key, Data: payload[EncryptedHeaderSize:]}, nil
	}
	msgID, err := d.ReadInt64()
	if err != nil {
		return nil, envelopeShort(err)
	}
	n, err := d.ReadInt32()
	if err != nil {
		return nil, envelopeShort(err)
	}
	if n < 0 || int(n) > d.Remaining() {
		return nil, wire.Formatf("envelope", 16, "message_data_length %d does not fit %d bytes", n, d.Remaining())
	}
	return &Envelope{MsgID: msgID, Body: payload[PlainHeaderSize : PlainHeaderSize+int(n)]}, nil
}

// The payload is a whole frame, so running out of bytes is malformed input.
func envelopeShort(err error) error {
	if wire.IsIncomplete(err) {
		return wire.Formatf("envelope", -1, "payload shorter than envelope header")
	}
	return err
}

// EncodePlain builds an unencrypted message payload.
func EncodePlain(msgID int64, body []byte) []byte {
	e := NewEncoderWithCap(PlainHeaderSize + len(body))
	e.WriteInt64(0)
	e.WriteInt64(msgID)
	e.WriteInt32(int32(len(body)))
	e.WriteRaw(body)
	return e.Bytes()
}

// EncodeEncrypted builds an encrypted message payload from already
// encrypted data.
func EncodeEncrypted(authKeyID int64, msgKey Int128, data []byte) []byte {
	e := NewEncoderWithCap(EncryptedHeaderSize + len(data))
	e.WriteInt64(authKeyID)
	e.WriteInt128(msgKey)
	e.WriteRaw(data)
	return e.Bytes()
}

// MsgIDGen produces server message identifiers: roughly unixtime*2^32,
// strictly increasing, with id%4 == 1 for responses and 3 for
// server-initiated messages.
//
// A generator belongs to one connection and is not safe for concurrent use.
type MsgIDGen struct {
	last int64
	now  func() time.Time
}

// NewMsgIDGen creates a generator using the wall clock.
func NewMsgIDGen() *MsgIDGen {
	return &MsgIDGen{now: time.Now}
}

// Next returns the next server identifier.
func (g *MsgIDGen) Next(response bool) int64 {
	id := g.base()
	if response {
		id |= 1
	} else {
		id |= 3
	}
	g.last = id
	return id
}

// NextClient returns the next client identifier, divisible by 4.
func (g *MsgIDGen) NextClient() int64 {
	id := g.base()
	g.last = id
	return id
}

func (g *MsgIDGen) base() int64 {
	t := g.now()
	id := t.Unix()<<32 | int64(uint32(t.Nanosecond())<<2)
	id &^= 3
	if id <= g.last {
		id = (g.last &^ 3) + 4
	}
	return id
}
