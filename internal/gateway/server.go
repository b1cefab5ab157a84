// Package gateway serves transport connections.
//
// Every accepted connection runs its own goroutine through the same
// pipeline: optional WebSocket upgrade, transport detection, frame
// decoding, envelope parsing and dispatch to a Handler. Replies travel the
// pipeline backwards. Nothing is shared between connections except the
// read-only Config, the Handler and the metric set.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mtwire/mtwire/internal/capture"
	"github.com/mtwire/mtwire/internal/metrics"
	"github.com/mtwire/mtwire/pkg/tl"
	"github.com/mtwire/mtwire/pkg/transport"
)

const tracerName = "github.com/mtwire/mtwire/internal/gateway"

// ErrServerClosed is returned by Serve and ServeQUIC after Shutdown.
var ErrServerClosed = errors.New("gateway: server closed")

// Config configures a Server.
type Config struct {
	// Addr is the TCP listen address used by ListenAndServe.
	Addr string

	// WebSocket accepts HTTP upgrade requests on the TCP listener.
	WebSocket bool

	// QUICAddr enables a QUIC listener in ListenAndServe.
	QUICAddr string

	// TLSConfig is the QUIC server TLS configuration.
	TLSConfig *tls.Config

	// ReadTimeout bounds the wait for detection to finish.
	ReadTimeout time.Duration

	// IdleTimeout closes a detected connection after this long without input.
	IdleTimeout time.Duration

	// WriteTimeout bounds a single write.
	WriteTimeout time.Duration

	// ShutdownTimeout bounds Shutdown.
	ShutdownTimeout time.Duration

	// MaxConnections caps concurrent connections; 0 means no cap.
	MaxConnections int

	// Detect configures transport detection and the frame codecs.
	Detect transport.DetectOptions

	QuickAck QuickAckPolicy

	// CaptureMaxBytes caps the bytes kept per connection for the capture
	// store; 0 means capture.DefaultMaxBytes.
	CaptureMaxBytes int

	// CaptureRetention removes older captures; 0 keeps them.
	CaptureRetention time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":8443",
		WebSocket:       true,
		ReadTimeout:     30 * time.Second,
		IdleTimeout:     5 * time.Minute,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxConnections:  10000,
		QuickAck:        QuickAckEncrypted,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the metric set.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithTracerProvider sets the tracer provider. The global provider is used
// by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) {
		s.tracer = tp.Tracer(tracerName)
	}
}

// WithRegistry sets the registry used to decode unencrypted messages.
func WithRegistry(r *tl.Registry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// WithCaptureStore archives connections that end in a protocol error.
func WithCaptureStore(store capture.Store) Option {
	return func(s *Server) {
		s.captures = store
	}
}

// Server accepts transport connections.
type Server struct {
	config   *Config
	handler  Handler
	registry *tl.Registry
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	captures capture.Store

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listeners []io.Closer
	conns     map[uint64]*conn
	wg        sync.WaitGroup
	closing   atomic.Bool
	nextID    atomic.Uint64
	sem       chan struct{}
}

// New creates a server. A nil config uses DefaultConfig; zero fields of a
// non-nil config take their defaults. A nil handler serves a Mux with the
// built-in handlers.
func New(config *Config, handler Handler, opts ...Option) *Server {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	} else {
		if config.ReadTimeout == 0 {
			config.ReadTimeout = defaults.ReadTimeout
		}
		if config.IdleTimeout == 0 {
			config.IdleTimeout = defaults.IdleTimeout
		}
		if config.WriteTimeout == 0 {
			config.WriteTimeout = defaults.WriteTimeout
		}
		if config.ShutdownTimeout == 0 {
			config.ShutdownTimeout = defaults.ShutdownTimeout
		}
	}

	s := &Server{
		config: config,
		tracer: otel.Tracer(tracerName),
		logger: slog.Default().With("component", "gateway"),
		conns:  map[uint64]*conn{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		if mux, ok := handler.(*Mux); ok {
			s.registry = mux.Registry()
		} else {
			s.registry = tl.NewCoreRegistry()
		}
	}
	if handler == nil {
		handler = NewMux(s.registry)
	}
	s.handler = handler
	if config.MaxConnections > 0 {
		s.sem = make(chan struct{}, config.MaxConnections)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Config returns the server configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// ListenAndServe listens on the configured TCP and QUIC addresses and
// serves until ctx is done or a listener fails, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 2)
	if s.config.Addr != "" {
		ln, err := net.Listen("tcp", s.config.Addr)
		if err != nil {
			return err
		}
		go func() { errCh <- s.Serve(ln) }()
	}
	if s.config.QUICAddr != "" {
		ql, err := ListenQUIC(s.config.QUICAddr, s.config.TLSConfig)
		if err != nil {
			s.Shutdown(context.Background())
			return err
		}
		go func() { errCh <- s.ServeQUIC(ql) }()
	}
	if s.captures != nil && s.config.CaptureRetention > 0 {
		go s.expireCaptures(s.ctx)
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	if serr := s.Shutdown(context.Background()); err == nil {
		err = serr
	}
	if errors.Is(err, ErrServerClosed) {
		err = nil
	}
	return err
}

// Serve accepts TCP connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	if !s.track(l) {
		return ErrServerClosed
	}
	s.logger.Info("listening", "listener", "tcp", "address", l.Addr().String(), "websocket", s.config.WebSocket)
	for {
		nc, err := l.Accept()
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return err
		}
		s.serveConn(nc, "tcp")
	}
}

// ServeQUIC accepts QUIC connections on l until Shutdown. Every stream a
// client opens is served as its own transport connection.
func (s *Server) ServeQUIC(l *quic.Listener) error {
	if !s.track(l) {
		return ErrServerClosed
	}
	s.logger.Info("listening", "listener", "quic", "address", l.Addr().String())
	for {
		qc, err := l.Accept(s.ctx)
		if err != nil {
			if s.closing.Load() {
				return ErrServerClosed
			}
			return err
		}
		go s.serveQUICConn(qc)
	}
}

func (s *Server) serveQUICConn(qc *quic.Conn) {
	defer qc.CloseWithError(0, "")
	for {
		stream, err := qc.AcceptStream(s.ctx)
		if err != nil {
			return
		}
		s.serveConn(&streamConn{Stream: stream, conn: qc}, "quic")
	}
}

// expireCaptures removes captures older than CaptureRetention until ctx
// is done.
func (s *Server) expireCaptures(ctx context.Context) {
	interval := min(s.config.CaptureRetention, time.Hour)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.captures.Cleanup(ctx, s.config.CaptureRetention)
			if err != nil {
				s.logger.Warn("capture cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expired captures removed", "count", n)
			}
		}
	}
}

func (s *Server) track(l io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		l.Close()
		return false
	}
	s.listeners = append(s.listeners, l)
	return true
}

func (s *Server) serveConn(nc net.Conn, listener string) {
	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
		default:
			s.metrics.Rejected("limit")
			s.logger.Warn("connection limit reached", "remote", nc.RemoteAddr().String(), "limit", s.config.MaxConnections)
			nc.Close()
			return
		}
	}

	c := newConn(s, nc, listener, s.nextID.Add(1))
	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		nc.Close()
		s.release()
		return
	}
	s.conns[c.id] = c
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		c.serve(s.ctx)
		s.release()
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
	}()
}

func (s *Server) release() {
	if s.sem != nil {
		<-s.sem
	}
}

// Connections returns a snapshot of the open connections ordered by id.
func (s *Server) Connections() []ConnInfo {
	s.mu.Lock()
	out := make([]ConnInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown stops the listeners and interrupts every connection's pending
// read. Connections flush what they already produced and exit. If they do
// not finish within ctx or ShutdownTimeout they are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.mu.Lock()
	s.closing.Store(true)
	for _, l := range s.listeners {
		l.Close()
	}
	s.listeners = nil
	for _, c := range s.conns {
		c.interrupt()
	}
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("gateway shutdown complete")
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for _, c := range s.conns {
			c.nc.Close()
		}
		s.mu.Unlock()
		<-done
		s.logger.Error("shutdown error", "error", ctx.Err())
		return ctx.Err()
	}
}
