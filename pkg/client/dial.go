package client

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"strings"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"

	"github.com/mtwire/mtwire/pkg/transport"
)

// wsConn adapts a gorilla WebSocket connection to a byte stream. Every
// Write is one binary message; Read concatenates binary messages.
type wsConn struct {
	ws *gws.Conn
	r  io.Reader
}

func dialWebSocket(ctx context.Context, opts Options) (net.Conn, error) {
	url := opts.Addr
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		path := opts.Path
		if path == "" {
			path = DefaultPath
		}
		url = "ws://" + opts.Addr + path
	}
	d := gws.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{"binary"},
		TLSClientConfig:  opts.TLSConfig,
	}
	ws, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws}, nil
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.r == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != gws.BinaryMessage {
				continue
			}
			c.r = r
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(gws.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.ws.WriteControl(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// streamConn wraps a QUIC stream as net.Conn; closing it closes the
// connection too since the client opens one stream per connection.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *streamConn) Close() error {
	c.Stream.Close()
	return c.conn.CloseWithError(0, "")
}

// DefaultQUICTLS is the client TLS config used when Options.TLSConfig is nil.
func DefaultQUICTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{transport.QUICProtocol},
	}
}

func dialQUIC(ctx context.Context, opts Options) (net.Conn, error) {
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = DefaultQUICTLS()
	}
	conn, err := quic.DialAddr(ctx, opts.Addr, tlsConfig, &quic.Config{
		MaxIdleTimeout: 30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}
