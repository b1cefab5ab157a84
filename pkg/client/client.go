// Package client dials a transport server the way a mobile client does:
// over TCP, a WebSocket tunnel or a QUIC stream, plain or obfuscated, with
// any of the framing variants.
package client

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/mtwire/mtwire/pkg/obfs"
	"github.com/mtwire/mtwire/pkg/tl"
	"github.com/mtwire/mtwire/pkg/transport"
	"github.com/mtwire/mtwire/pkg/wire"
)

// Network selects the outer connection.
type Network string

const (
	TCP       Network = "tcp"
	WebSocket Network = "websocket"
	QUIC      Network = "quic"
)

// ParseNetwork parses "tcp", "websocket" (or "ws") and "quic".
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(s) {
	case "tcp", "":
		return TCP, nil
	case "websocket", "ws":
		return WebSocket, nil
	case "quic":
		return QUIC, nil
	}
	return "", fmt.Errorf("client: unknown network %q", s)
}

// DefaultPath is the WebSocket path used when Options.Path is empty.
const DefaultPath = "/apiws"

// Options configure Dial.
type Options struct {
	// Addr is host:port, or a ws:// or wss:// URL for WebSocket.
	Addr    string
	Network Network

	Variant    transport.Variant
	Obfuscated bool
	// Secret is mixed into the obfuscation keys when set.
	Secret []byte
	// DC is announced in the obfuscated prologue.
	DC int16

	MaxFrameSize int

	// TLSConfig is used for QUIC and wss://. Nil skips verification.
	TLSConfig *tls.Config

	// Path is the WebSocket request path.
	Path string

	// Rand supplies the obfuscation prologue; nil uses crypto/rand.
	Rand io.Reader
}

// Message is one item received from the server.
type Message struct {
	Payload []byte
	// QuickAck holds the token when the server sent an acknowledgement
	// instead of a frame.
	QuickAck   uint32
	IsQuickAck bool
}

// Conn is a client transport connection. Send and Recv may run in separate
// goroutines; each is serialized on its own.
type Conn struct {
	nc     net.Conn
	kind   transport.Kind
	stream *transport.Stream
	writer *transport.Writer
	msgIDs *tl.MsgIDGen

	wmu sync.Mutex
	rmu sync.Mutex
	buf []byte
}

// Dial connects and sends the transport prologue.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if opts.Variant == 0 {
		opts.Variant = transport.Intermediate
	}
	if opts.Obfuscated && opts.Variant == transport.Full {
		return nil, errors.New("client: the full variant cannot be obfuscated")
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}

	var (
		nc  net.Conn
		err error
	)
	switch opts.Network {
	case TCP, "":
		var d net.Dialer
		nc, err = d.DialContext(ctx, "tcp", opts.Addr)
	case WebSocket:
		nc, err = dialWebSocket(ctx, opts)
	case QUIC:
		nc, err = dialQUIC(ctx, opts)
	default:
		err = fmt.Errorf("client: unknown network %q", opts.Network)
	}
	if err != nil {
		return nil, err
	}

	c, prologue, err := newConn(nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		nc.SetWriteDeadline(deadline)
		defer nc.SetWriteDeadline(time.Time{})
	}
	if len(prologue) > 0 {
		if _, err := nc.Write(prologue); err != nil {
			nc.Close()
			return nil, err
		}
	}
	return c, nil
}

func newConn(nc net.Conn, opts Options) (*Conn, []byte, error) {
	codec, err := transport.NewCodec(opts.Variant, transport.Options{MaxFrameSize: opts.MaxFrameSize})
	if err != nil {
		return nil, nil, err
	}
	var (
		ctx      *obfs.Context
		prologue []byte
	)
	if opts.Obfuscated {
		prologue, ctx, err = obfs.NewClientPrologue(obfsTag(opts.Variant), opts.DC, opts.Secret, opts.Rand)
		if err != nil {
			return nil, nil, err
		}
	} else {
		prologue = transport.Tag(opts.Variant)
	}
	limit := 2 * opts.MaxFrameSize
	if limit <= 0 {
		limit = 2 * transport.DefaultMaxFrameSize
	}
	c := &Conn{
		nc: nc,
		kind: transport.Kind{
			Variant:    opts.Variant,
			Obfuscated: opts.Obfuscated,
			WebSocket:  opts.Network == WebSocket,
		},
		stream: transport.NewStream(codec, ctx, wire.NewBuffer(4096, limit)),
		writer: transport.NewWriter(codec, ctx),
		msgIDs: tl.NewMsgIDGen(),
		buf:    make([]byte, 16<<10),
	}
	return c, prologue, nil
}

func obfsTag(v transport.Variant) uint32 {
	switch v {
	case transport.Abridged:
		return obfs.TagAbridged
	case transport.Padded:
		return obfs.TagPadded
	default:
		return obfs.TagIntermediate
	}
}

// Kind returns how the connection is framed.
func (c *Conn) Kind() transport.Kind {
	return c.kind
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.nc.LocalAddr()
}

// SetDeadline sets the read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.nc.SetDeadline(t)
}

// Send frames payload and writes it. quickAck asks the server to
// acknowledge receipt.
func (c *Conn) Send(payload []byte, quickAck bool) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	b, err := c.writer.AppendFrame(nil, transport.Frame{Payload: payload, QuickAck: quickAck})
	if err != nil {
		return err
	}
	_, err = c.nc.Write(b)
	return err
}

// WriteRaw writes bytes past the framing layer. Tests use it to inject
// malformed input.
func (c *Conn) WriteRaw(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.nc.Write(b)
	return err
}

// Recv returns the next frame or quick acknowledgement.
func (c *Conn) Recv() (Message, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	for {
		if token, ok, err := c.stream.NextQuickAck(); ok {
			return Message{QuickAck: token, IsQuickAck: true}, nil
		} else if err == nil {
			f, err := c.stream.Next()
			if err == nil {
				return Message{Payload: f.Payload}, nil
			}
			if !wire.IsIncomplete(err) {
				return Message{}, err
			}
		}
		n, err := c.nc.Read(c.buf)
		if n > 0 {
			if ferr := c.stream.Feed(c.buf[:n]); ferr != nil {
				return Message{}, ferr
			}
			continue
		}
		if err != nil {
			return Message{}, err
		}
	}
}

// Call sends obj as an unencrypted message and decodes the first reply
// frame, skipping quick acknowledgements.
func (c *Conn) Call(ctx context.Context, reg *tl.Registry, obj *tl.Object) (*tl.Object, error) {
	body, err := reg.Encode(obj)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.nc.SetDeadline(deadline)
		defer c.nc.SetDeadline(time.Time{})
	}
	if err := c.Send(tl.EncodePlain(c.nextMsgID(), body), false); err != nil {
		return nil, err
	}
	for {
		m, err := c.Recv()
		if err != nil {
			return nil, err
		}
		if m.IsQuickAck {
			continue
		}
		env, err := tl.ParseEnvelope(m.Payload)
		if err != nil {
			return nil, err
		}
		if env.Encrypted() {
			return nil, fmt.Errorf("client: encrypted reply to an unencrypted call")
		}
		reply, _, err := reg.Decode(env.Body, 0)
		return reply, err
	}
}

func (c *Conn) nextMsgID() int64 {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.msgIDs.NextClient()
}

// NewMsgID returns a fresh client message id.
func (c *Conn) NewMsgID() int64 {
	return c.nextMsgID()
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}
