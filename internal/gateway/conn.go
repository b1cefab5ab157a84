package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mtwire/mtwire/internal/capture"
	"github.com/mtwire/mtwire/pkg/tl"
	"github.com/mtwire/mtwire/pkg/transport"
	"github.com/mtwire/mtwire/pkg/websocket"
	"github.com/mtwire/mtwire/pkg/wire"
)

const readBufferSize = 16 << 10

// errPeerClosed ends a connection whose peer finished the WebSocket close
// handshake.
var errPeerClosed = errors.New("gateway: peer closed")

// ConnInfo describes an open connection.
type ConnInfo struct {
	ID        uint64    `json:"id"`
	Listener  string    `json:"listener"`
	Remote    string    `json:"remote"`
	Transport string    `json:"transport,omitempty"`
	DC        int16     `json:"dc,omitempty"`
	Started   time.Time `json:"started"`
	BytesIn   int64     `json:"bytes_in"`
	BytesOut  int64     `json:"bytes_out"`
	FramesIn  int64     `json:"frames_in"`
	FramesOut int64     `json:"frames_out"`
}

// conn is one transport connection. Everything below mu is owned by the
// serve goroutine.
type conn struct {
	srv      *Server
	id       uint64
	nc       net.Conn
	listener string
	remote   string
	started  time.Time
	logger   *slog.Logger

	bytesIn, bytesOut   atomic.Int64
	framesIn, framesOut atomic.Int64

	mu   sync.Mutex
	kind transport.Kind
	dc   int16

	pending   []byte // raw bytes fed before detection, replayed into the handshake
	detector  *transport.Detector
	handshake *websocket.Handshake
	bridge    *websocket.Bridge
	wsClosed  bool
	stream    *transport.Stream
	writer    *transport.Writer
	msgIDs    *tl.MsgIDGen
	out       []byte
	capture   *capture.Buffer
}

func newConn(s *Server, nc net.Conn, listener string, id uint64) *conn {
	remote := nc.RemoteAddr().String()
	c := &conn{
		srv:      s,
		id:       id,
		nc:       nc,
		listener: listener,
		remote:   remote,
		started:  time.Now(),
		logger:   s.logger.With("conn_id", id, "remote", remote, "listener", listener),
		detector: transport.NewDetector(s.config.Detect),
		msgIDs:   tl.NewMsgIDGen(),
	}
	if s.captures != nil {
		c.capture = capture.NewBuffer(s.config.CaptureMaxBytes)
	}
	return c
}

func (c *conn) info() ConnInfo {
	c.mu.Lock()
	kind, dc := c.kind, c.dc
	c.mu.Unlock()
	info := ConnInfo{
		ID:        c.id,
		Listener:  c.listener,
		Remote:    c.remote,
		DC:        dc,
		Started:   c.started,
		BytesIn:   c.bytesIn.Load(),
		BytesOut:  c.bytesOut.Load(),
		FramesIn:  c.framesIn.Load(),
		FramesOut: c.framesOut.Load(),
	}
	if kind.Variant != 0 {
		info.Transport = kind.String()
	}
	return info
}

// interrupt wakes a blocked read so the connection notices shutdown.
func (c *conn) interrupt() {
	c.mu.Lock()
	c.nc.SetReadDeadline(time.Now())
	c.mu.Unlock()
}

func (c *conn) serve(ctx context.Context) {
	c.srv.metrics.ConnOpened(c.listener)
	defer c.srv.metrics.ConnClosed(c.listener)

	ctx, span := c.srv.tracer.Start(ctx, "mtwire.conn",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("net.peer.address", c.remote),
			attribute.String("mtwire.listener", c.listener),
		),
	)
	defer span.End()

	err := c.run(ctx)
	c.release()

	span.SetAttributes(
		attribute.Int64("mtwire.bytes_in", c.bytesIn.Load()),
		attribute.Int64("mtwire.bytes_out", c.bytesOut.Load()),
	)
	if err != nil {
		kind := wire.Kind(err)
		c.srv.metrics.Error(kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("connection closed", "error", err, "kind", kind)
		if c.capture != nil && kind != "other" {
			c.saveCapture(err, kind)
		}
		return
	}
	span.SetStatus(codes.Ok, "")
	c.logger.Debug("connection closed", "bytes_in", c.bytesIn.Load(), "bytes_out", c.bytesOut.Load())
}

func (c *conn) saveCapture(err error, kind string) {
	rec := &capture.Record{
		ConnID:    c.id,
		Listener:  c.listener,
		Remote:    c.remote,
		Error:     err.Error(),
		Kind:      kind,
		At:        c.started,
		Data:      c.capture.Bytes(),
		Truncated: c.capture.Truncated(),
	}
	if c.kind.Variant != 0 {
		rec.Transport = c.kind.String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := c.srv.captures.Save(ctx, rec)
	if err != nil {
		c.logger.Error("capture failed", "error", err)
		return
	}
	c.logger.Info("connection captured", "capture_id", id, "bytes", len(rec.Data))
}

func (c *conn) release() {
	if c.stream != nil {
		c.stream.Release()
	}
	c.nc.Close()
}

// run reads until the peer goes away, the server shuts down or a protocol
// error occurs. Only protocol and I/O errors are returned.
func (c *conn) run(ctx context.Context) error {
	buf := make([]byte, readBufferSize)
	for {
		if !c.armRead() {
			return nil
		}
		n, err := c.nc.Read(buf)
		if n > 0 {
			if c.capture != nil {
				c.capture.Write(buf[:n])
			}
			c.bytesIn.Add(int64(n))
			c.srv.metrics.BytesIn(n)
			ferr := c.feed(ctx, buf[:n])
			if ferr != nil && c.bridge != nil && !c.wsClosed {
				c.out = websocket.CloseFrame(c.out, websocket.CloseProtocolError)
			}
			if werr := c.flush(); werr != nil && ferr == nil {
				ferr = werr
			}
			if errors.Is(ferr, errPeerClosed) {
				return nil
			}
			if ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return c.readError(err)
		}
	}
}

// armRead sets the read deadline for the next read. It reports false once
// the server is shutting down.
func (c *conn) armRead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.srv.closing.Load() {
		return false
	}
	timeout := c.srv.config.ReadTimeout
	if c.stream != nil {
		timeout = c.srv.config.IdleTimeout
	}
	if timeout > 0 {
		c.nc.SetReadDeadline(time.Now().Add(timeout))
	}
	return true
}

func (c *conn) readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		if c.stream == nil && c.bytesIn.Load() > 0 {
			c.srv.metrics.Rejected("eof")
		}
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if c.srv.closing.Load() {
			return nil
		}
		if c.stream == nil {
			c.srv.metrics.Rejected("timeout")
		}
		c.logger.Debug("read timeout", "detected", c.stream != nil)
		return nil
	}
	return err
}

// feed pushes raw socket bytes through the outer layers.
func (c *conn) feed(ctx context.Context, p []byte) error {
	switch {
	case c.bridge != nil:
		out, err := c.bridge.Feed(p)
		c.out = append(c.out, out.Reply...)
		if out.Closed {
			c.wsClosed = true
		}
		if len(out.Data) > 0 {
			if ierr := c.inner(ctx, out.Data); ierr != nil {
				return ierr
			}
		}
		if err != nil {
			return err
		}
		if out.Closed {
			return errPeerClosed
		}
		return nil

	case c.handshake != nil:
		u, err := c.handshake.Feed(p)
		if wire.IsIncomplete(err) {
			return nil
		}
		if err != nil {
			c.out = append(c.out, websocket.Reject(err)...)
			return err
		}
		c.out = append(c.out, u.Response...)
		c.handshake = nil
		c.bridge = websocket.NewBridge(c.maxFrame() + 64)
		opts := c.srv.config.Detect
		opts.WebSocket = true
		c.detector = transport.NewDetector(opts)
		c.logger.Debug("websocket upgraded", "path", u.Path)
		if len(u.Surplus) > 0 {
			return c.feed(ctx, u.Surplus)
		}
		return nil
	}
	return c.inner(ctx, p)
}

// inner handles bytes of the transport connection proper.
func (c *conn) inner(ctx context.Context, p []byte) error {
	if c.stream == nil {
		if c.bridge == nil {
			c.pending = append(c.pending, p...)
		}
		r, err := c.detector.Feed(p)
		switch {
		case wire.IsIncomplete(err):
			return nil
		case errors.Is(err, transport.ErrHTTP) && c.srv.config.WebSocket && c.bridge == nil:
			c.handshake = &websocket.Handshake{}
			pending := c.pending
			c.pending = nil
			return c.feed(ctx, pending)
		case err != nil:
			return err
		}
		c.detected(r)
		p = r.Surplus
	}
	if len(p) > 0 {
		if err := c.stream.Feed(p); err != nil {
			return err
		}
	}
	return c.drain(ctx)
}

func (c *conn) detected(r *transport.Result) {
	c.mu.Lock()
	c.kind = r.Kind
	c.dc = r.DC
	c.stream = r.Stream
	c.writer = r.Writer
	c.mu.Unlock()
	c.pending = nil
	c.detector = nil

	took := time.Since(c.started)
	c.srv.metrics.Detected(c.listener, r.Kind.String(), took)
	c.logger = c.logger.With("transport", r.Kind.String())
	c.logger.Debug("transport detected", "dc", r.DC, "took", took)
}

func (c *conn) drain(ctx context.Context) error {
	for {
		f, err := c.stream.Next()
		if wire.IsIncomplete(err) {
			return nil
		}
		if err != nil {
			return err
		}
		c.framesIn.Add(1)
		c.srv.metrics.FrameIn(c.kind.Variant.String())
		if err := c.handleFrame(ctx, f); err != nil {
			return err
		}
	}
}

func (c *conn) handleFrame(ctx context.Context, f transport.Frame) error {
	env, err := tl.ParseEnvelope(f.Payload)
	if err != nil {
		return err
	}
	if f.QuickAck && c.srv.config.QuickAck.wants(env) {
		c.send(c.writer.AppendQuickAck(nil, quickAckToken(env)))
		c.srv.metrics.QuickAck()
	}
	if env.Encrypted() {
		return c.dispatchEncrypted(ctx, env)
	}
	return c.dispatch(ctx, env)
}

func (c *conn) dispatch(ctx context.Context, env *tl.Envelope) error {
	obj, n, err := c.srv.registry.Decode(env.Body, 0)
	if wire.IsIncomplete(err) {
		return wire.Formatf("tl", len(env.Body), "message body ends inside an object")
	}
	if err != nil {
		return err
	}
	if n != len(env.Body) {
		return wire.Formatf("tl", n, "%d trailing bytes after %s", len(env.Body)-n, obj.Predicate())
	}

	req := &Request{Conn: c.info(), Envelope: env, MsgID: env.MsgID, Object: obj}
	name := obj.Predicate()
	ctx, span := c.srv.tracer.Start(ctx, "mtwire.dispatch",
		trace.WithAttributes(attribute.String("mtwire.constructor", name)))
	defer span.End()

	start := time.Now()
	resp, err := c.srv.handler.ServeTL(ctx, req)
	if req.Object != nil {
		name = req.Object.Predicate()
	}
	if status := c.handlerStatus(span, name, err); status != "ok" {
		c.srv.metrics.Dispatched(name, status, time.Since(start))
		return nil
	}
	c.srv.metrics.Dispatched(name, "ok", time.Since(start))
	if resp == nil {
		return nil
	}
	body, err := c.srv.registry.Encode(resp)
	if err != nil {
		c.logger.Error("encode reply", "constructor", resp.Predicate(), "error", err)
		return nil
	}
	return c.writeFrame(tl.EncodePlain(c.msgIDs.Next(true), body))
}

func (c *conn) dispatchEncrypted(ctx context.Context, env *tl.Envelope) error {
	eh, ok := c.srv.handler.(EncryptedHandler)
	if !ok {
		c.srv.metrics.Dispatched("encrypted", "unhandled", 0)
		return nil
	}
	ctx, span := c.srv.tracer.Start(ctx, "mtwire.dispatch",
		trace.WithAttributes(attribute.Bool("mtwire.encrypted", true)))
	defer span.End()

	start := time.Now()
	resp, err := eh.ServeEncrypted(ctx, &Request{Conn: c.info(), Envelope: env})
	status := c.handlerStatus(span, "encrypted", err)
	c.srv.metrics.Dispatched("encrypted", status, time.Since(start))
	if status != "ok" || resp == nil {
		return nil
	}
	return c.writeFrame(resp)
}

// handlerStatus logs a handler error. Handler errors never close the
// connection: the frame was well formed.
func (c *conn) handlerStatus(span trace.Span, name string, err error) string {
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
		return "ok"
	case errors.Is(err, ErrNoHandler):
		c.logger.Debug("no handler", "constructor", name)
		return "unhandled"
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("handler failed", "constructor", name, "error", err)
		return "error"
	}
}

func (c *conn) writeFrame(payload []byte) error {
	b, err := c.writer.AppendFrame(nil, transport.Frame{Payload: payload})
	if err != nil {
		return err
	}
	c.framesOut.Add(1)
	c.srv.metrics.FrameOut(c.kind.Variant.String())
	c.send(b)
	return nil
}

// send queues transport bytes, wrapping them for WebSocket connections.
func (c *conn) send(b []byte) {
	if c.bridge != nil {
		c.out = websocket.Wrap(c.out, b)
		return
	}
	c.out = append(c.out, b...)
}

func (c *conn) flush() error {
	if len(c.out) == 0 {
		return nil
	}
	if t := c.srv.config.WriteTimeout; t > 0 {
		c.nc.SetWriteDeadline(time.Now().Add(t))
	}
	n, err := c.nc.Write(c.out)
	c.bytesOut.Add(int64(n))
	c.srv.metrics.BytesOut(n)
	c.out = c.out[:0]
	return err
}

func (c *conn) maxFrame() int {
	if m := c.srv.config.Detect.Codec.MaxFrameSize; m > 0 {
		return m
	}
	return transport.DefaultMaxFrameSize
}
