package gateway

import (
	"encoding/binary"
	"fmt"

	"github.com/mtwire/mtwire/pkg/tl"
)

// QuickAckPolicy decides which flagged frames get a quick acknowledgement.
type QuickAckPolicy uint8

const (
	// QuickAckEncrypted acknowledges encrypted messages only. Unencrypted
	// messages belong to key exchange and are answered directly.
	QuickAckEncrypted QuickAckPolicy = iota
	QuickAckAlways
	QuickAckNever
)

func (p QuickAckPolicy) String() string {
	switch p {
	case QuickAckAlways:
		return "always"
	case QuickAckNever:
		return "never"
	default:
		return "encrypted"
	}
}

// ParseQuickAckPolicy parses "always", "encrypted" or "never".
func ParseQuickAckPolicy(s string) (QuickAckPolicy, error) {
	switch s {
	case "always":
		return QuickAckAlways, nil
	case "encrypted", "":
		return QuickAckEncrypted, nil
	case "never":
		return QuickAckNever, nil
	}
	return 0, fmt.Errorf("gateway: unknown quick-ack policy %q", s)
}

func (p QuickAckPolicy) wants(env *tl.Envelope) bool {
	switch p {
	case QuickAckAlways:
		return true
	case QuickAckNever:
		return false
	default:
		return env.Encrypted()
	}
}

// quickAckToken derives the acknowledgement token of a message: the first
// word of msg_key for encrypted messages, the low word of msg_id otherwise.
// The top bit is reserved for the ack marker.
func quickAckToken(env *tl.Envelope) uint32 {
	var t uint32
	if env.Encrypted() {
		t = binary.LittleEndian.Uint32(env.MsgKey[:4])
	} else {
		t = uint32(env.MsgID)
	}
	return t &^ (1 << 31)
}
