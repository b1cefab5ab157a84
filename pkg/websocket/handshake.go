// Package websocket tunnels a transport connection through RFC 6455
// WebSocket framing.
//
// The bridge works on raw connection bytes: Handshake consumes the HTTP
// upgrade request as it trickles in, Bridge unwraps client frames into the
// inner byte stream, and Wrap frames server bytes for the way back.
package websocket

import (
	"bufio"
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mtwire/mtwire/pkg/wire"
)

// MaxHeaderSize caps the upgrade request line plus headers.
const MaxHeaderSize = 8 << 10

const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

var headerEnd = []byte("\r\n\r\n")

// ErrHandshakeDone is returned by Feed after the handshake finished.
var ErrHandshakeDone = errors.New("websocket: handshake already complete")

// Upgrade is a validated upgrade request.
type Upgrade struct {
	Path     string
	Key      string
	Protocol string // Sec-WebSocket-Protocol as sent, "" when absent
	Header   http.Header

	// Response is the 101 reply to write before anything else.
	Response []byte
	// Surplus holds bytes received after the headers; they are the first
	// WebSocket frames and belong to Bridge.Feed.
	Surplus []byte
}

// Handshake accumulates an upgrade request across reads.
type Handshake struct {
	buf  []byte
	done bool
}

// Feed adds bytes and returns the upgrade once the headers are complete.
// Until then it returns wire.ErrIncomplete. A malformed request yields a
// *wire.HandshakeError; answer it with Reject.
func (h *Handshake) Feed(p []byte) (*Upgrade, error) {
	if h.done {
		return nil, ErrHandshakeDone
	}
	h.buf = append(h.buf, p...)
	end := bytes.Index(h.buf, headerEnd)
	if end < 0 {
		if len(h.buf) > MaxHeaderSize {
			h.done = true
			return nil, badRequest("request headers exceed %d bytes", MaxHeaderSize)
		}
		return nil, wire.ErrIncomplete
	}
	h.done = true
	end += len(headerEnd)
	if end > MaxHeaderSize {
		return nil, badRequest("request headers exceed %d bytes", MaxHeaderSize)
	}
	u, err := parseUpgrade(h.buf[:end])
	if err != nil {
		return nil, err
	}
	u.Surplus = h.buf[end:]
	h.buf = nil
	return u, nil
}

func parseUpgrade(head []byte) (*Upgrade, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return nil, badRequest("malformed request: %v", err)
	}
	if req.Method != http.MethodGet {
		return nil, badRequest("method %s, want GET", req.Method)
	}
	if !req.ProtoAtLeast(1, 1) {
		return nil, badRequest("protocol %s, want HTTP/1.1", req.Proto)
	}
	if !headerHasToken(req.Header, "Upgrade", "websocket") {
		return nil, badRequest("missing Upgrade: websocket")
	}
	if !headerHasToken(req.Header, "Connection", "upgrade") {
		return nil, badRequest("missing Connection: Upgrade")
	}
	if v := req.Header.Get("Sec-WebSocket-Version"); v != "13" {
		return nil, badRequest("unsupported Sec-WebSocket-Version %q", v)
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if raw, err := base64.StdEncoding.DecodeString(key); err != nil || len(raw) != 16 {
		return nil, badRequest("invalid Sec-WebSocket-Key %q", key)
	}

	u := &Upgrade{
		Path:     req.URL.RequestURI(),
		Key:      key,
		Protocol: req.Header.Get("Sec-WebSocket-Protocol"),
		Header:   req.Header,
	}
	u.Response = acceptResponse(key, u.Protocol)
	return u, nil
}

// AcceptKey computes Sec-WebSocket-Accept for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func acceptResponse(key, protocol string) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n")
	if protocol != "" {
		b.WriteString("Sec-WebSocket-Protocol: " + protocol + "\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// Reject builds the HTTP reply for a failed handshake.
func Reject(err error) []byte {
	status := http.StatusBadRequest
	var he *wire.HandshakeError
	if errors.As(err, &he) && he.Status != 0 {
		status = he.Status
	}
	return fmt.Appendf(nil, "HTTP/1.1 %d %s\r\nConnection: close\r\nSec-WebSocket-Version: 13\r\nContent-Length: 0\r\n\r\n",
		status, http.StatusText(status))
}

func badRequest(format string, args ...any) *wire.HandshakeError {
	return &wire.HandshakeError{Status: http.StatusBadRequest, Reason: fmt.Sprintf(format, args...)}
}

// headerHasToken reports whether a comma-separated header contains token,
// compared case-insensitively.
func headerHasToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}
