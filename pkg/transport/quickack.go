package transport

import "encoding/binary"

// QuickAck builds the 4-byte acknowledgement for token under variant v.
//
// The top bit is always set so the receiver can tell an ack from a frame
// length. Abridged sends the word big-endian, every other variant
// little-endian.
func QuickAck(token uint32, v Variant) [4]byte {
	var out [4]byte
	word := token | quickAckBit
	if v == Abridged {
		binary.BigEndian.PutUint32(out[:], word)
	} else {
		binary.LittleEndian.PutUint32(out[:], word)
	}
	return out
}

// ParseQuickAck recovers the token from an acknowledgement. The second
// result is false when the word does not carry the ack bit.
func ParseQuickAck(b [4]byte, v Variant) (uint32, bool) {
	var word uint32
	if v == Abridged {
		word = binary.BigEndian.Uint32(b[:])
	} else {
		word = binary.LittleEndian.Uint32(b[:])
	}
	if word&quickAckBit == 0 {
		return 0, false
	}
	return word &^ quickAckBit, true
}
