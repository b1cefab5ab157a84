package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"slices"
	"strings"

	"github.com/mtwire/mtwire/pkg/obfs"
	"github.com/mtwire/mtwire/pkg/wire"
)

// ErrHTTP is returned by the detector when the connection starts with an
// HTTP request line. The caller hands such connections to the WebSocket
// bridge and runs a fresh detector on the unwrapped bytes.
var ErrHTTP = errors.New("transport: connection starts with an HTTP request")

// ErrDetected is returned when Feed is called after detection finished.
var ErrDetected = errors.New("transport: detection already complete")

// Kind describes how a connection is framed. It is fixed at detection time.
type Kind struct {
	Variant    Variant
	Obfuscated bool
	WebSocket  bool
}

// String returns e.g. "intermediate", "abridged+obfs" or "padded+obfs+ws".
func (k Kind) String() string {
	parts := []string{k.Variant.String()}
	if k.Obfuscated {
		parts = append(parts, "obfs")
	}
	if k.WebSocket {
		parts = append(parts, "ws")
	}
	return strings.Join(parts, "+")
}

// DetectOptions configure a Detector.
type DetectOptions struct {
	// Secret is the 16-byte proxy secret mixed into obfuscation keys.
	Secret []byte
	// RejectPlain refuses connections that are not obfuscated.
	RejectPlain bool
	// Variants restricts the accepted framing variants; empty allows all.
	Variants []Variant
	// WebSocket marks the connection as tunneled through the bridge.
	WebSocket bool
	// BufferLimit caps buffered inbound bytes; zero means 2×MaxFrameSize.
	BufferLimit int

	Codec Options
}

// Result is the outcome of detection.
type Result struct {
	Kind Kind
	// DC is the data-center id announced in an obfuscated prologue.
	DC int16
	// Consumed is the number of prologue bytes detection used up.
	Consumed int
	// Surplus holds the raw bytes fed after the prologue. They belong to
	// the first frame and must be passed to Stream.Feed.
	Surplus []byte

	Stream *Stream
	Writer *Writer
}

// Detector classifies a new connection from its first bytes.
//
// Feed may be called with arbitrarily small pieces; it returns
// wire.ErrIncomplete until the bytes seen so far decide the transport.
type Detector struct {
	opts DetectOptions
	buf  []byte
	done bool
}

// NewDetector creates a detector.
func NewDetector(opts DetectOptions) *Detector {
	return &Detector{opts: opts}
}

var httpVerbs = [][]byte{
	[]byte("GET "), []byte("POST"), []byte("HEAD"), []byte("OPTI"),
	[]byte("PUT "), []byte("DELE"), []byte("PATC"), []byte("CONN"),
}

const (
	wordIntermediate = 0xeeeeeeee
	wordPadded       = 0xdddddddd
	wordTLS          = 0x02010316
)

// Feed adds bytes read from the connection and attempts detection.
func (d *Detector) Feed(p []byte) (*Result, error) {
	if d.done {
		return nil, ErrDetected
	}
	d.buf = append(d.buf, p...)
	r, err := d.detect()
	if err != nil {
		if !wire.IsIncomplete(err) {
			d.done = true
		}
		return nil, err
	}
	d.done = true
	r.Surplus = d.buf[r.Consumed:]
	d.buf = nil
	return r, nil
}

func (d *Detector) detect() (*Result, error) {
	b := d.buf
	if len(b) == 0 {
		return nil, wire.ErrIncomplete
	}
	if b[0] == tagAbridged {
		return d.plain(Abridged, 1)
	}
	if len(b) < 4 {
		return nil, wire.ErrIncomplete
	}
	switch binary.LittleEndian.Uint32(b) {
	case wordIntermediate:
		return d.plain(Intermediate, 4)
	case wordPadded:
		return d.plain(Padded, 4)
	}
	for _, verb := range httpVerbs {
		if bytes.HasPrefix(b, verb) {
			return nil, ErrHTTP
		}
	}
	if w := binary.LittleEndian.Uint32(b); w == wordTLS {
		return nil, &wire.UnrecognizedTransportError{Tag: w, Reason: "TLS record"}
	}
	if len(b) < 8 {
		return nil, wire.ErrIncomplete
	}
	if binary.LittleEndian.Uint32(b[4:8]) == 0 {
		// A Full connection opens with frame 0: length, then seq 0.
		return d.plain(Full, 0)
	}
	if len(b) < obfs.PrologueSize {
		return nil, wire.ErrIncomplete
	}
	return d.obfuscated(b[:obfs.PrologueSize])
}

func (d *Detector) plain(v Variant, consumed int) (*Result, error) {
	if d.opts.RejectPlain {
		return nil, &wire.UnrecognizedTransportError{Tag: tagWord(d.buf), Reason: "plain transports disabled"}
	}
	return d.result(v, consumed, nil, 0)
}

func (d *Detector) obfuscated(prologue []byte) (*Result, error) {
	ctx, err := obfs.Accept(prologue, d.opts.Secret)
	if err != nil {
		return nil, err
	}
	var v Variant
	switch ctx.Tag {
	case obfs.TagAbridged:
		v = Abridged
	case obfs.TagIntermediate:
		v = Intermediate
	case obfs.TagPadded:
		v = Padded
	default:
		return nil, &wire.UnrecognizedTransportError{Tag: ctx.Tag, Reason: "unknown obfuscated tag"}
	}
	return d.result(v, obfs.PrologueSize, ctx, ctx.DC)
}

func (d *Detector) result(v Variant, consumed int, ctx *obfs.Context, dc int16) (*Result, error) {
	if len(d.opts.Variants) > 0 && !slices.Contains(d.opts.Variants, v) {
		return nil, &wire.UnrecognizedTransportError{Tag: tagWord(d.buf), Reason: v.String() + " disabled"}
	}
	codec, err := NewCodec(v, d.opts.Codec)
	if err != nil {
		return nil, err
	}
	limit := d.opts.BufferLimit
	if limit == 0 {
		limit = 2 * d.opts.Codec.maxFrame()
	}
	return &Result{
		Kind:     Kind{Variant: v, Obfuscated: ctx != nil, WebSocket: d.opts.WebSocket},
		DC:       dc,
		Consumed: consumed,
		Stream:   NewStream(codec, ctx, wire.NewBuffer(4096, limit)),
		Writer:   NewWriter(codec, ctx),
	}, nil
}

func tagWord(b []byte) uint32 {
	var w [4]byte
	copy(w[:], b)
	return binary.LittleEndian.Uint32(w[:])
}
