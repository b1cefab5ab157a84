// Package metrics holds the Prometheus instruments of the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the metric set.
type Config struct {
	// Namespace is the metrics namespace (default: "mtwire").
	Namespace string

	// Subsystem is the metrics subsystem (default: "gateway").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for detection and dispatch latency.
	Buckets []float64

	// Registry is where the metrics are registered.
	// Default: a fresh *prometheus.Registry
	Registry prometheus.Registerer

	// Gatherer serves /metrics. Defaults to Registry when it is also a
	// Gatherer.
	Gatherer prometheus.Gatherer
}

// Option configures the metric set.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the registry. A *prometheus.Registry also becomes the
// gatherer.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
		if g, ok := registry.(prometheus.Gatherer); ok {
			c.Gatherer = g
		}
	}
}

func defaultConfig() Config {
	reg := prometheus.NewRegistry()
	return Config{
		Namespace: "mtwire",
		Subsystem: "gateway",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		Registry:  reg,
		Gatherer:  reg,
	}
}

// Metrics is the gateway's metric set. All methods are safe for concurrent
// use; a nil *Metrics records nothing.
type Metrics struct {
	connections     *prometheus.CounterVec
	activeConns     *prometheus.GaugeVec
	rejectedConns   *prometheus.CounterVec
	detectDuration  *prometheus.HistogramVec
	frames          *prometheus.CounterVec
	bytes           *prometheus.CounterVec
	quickAcks       prometheus.Counter
	errors          *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New registers the metric set.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Metrics{
		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_total",
			Help:        "Connections that completed transport detection",
			ConstLabels: config.ConstLabels,
		}, []string{"listener", "transport"}),

		activeConns: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_active",
			Help:        "Open connections",
			ConstLabels: config.ConstLabels,
		}, []string{"listener"}),

		rejectedConns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_rejected_total",
			Help:        "Connections closed before detection finished",
			ConstLabels: config.ConstLabels,
		}, []string{"reason"}),

		detectDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "detect_duration_seconds",
			Help:        "Time from accept to a classified transport",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"transport"}),

		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_total",
			Help:        "Frames decoded or encoded",
			ConstLabels: config.ConstLabels,
		}, []string{"direction", "variant"}),

		bytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "bytes_total",
			Help:        "Socket bytes read or written",
			ConstLabels: config.ConstLabels,
		}, []string{"direction"}),

		quickAcks: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "quick_acks_total",
			Help:        "Quick acknowledgements sent",
			ConstLabels: config.ConstLabels,
		}),

		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "errors_total",
			Help:        "Connections closed by a protocol error, by kind",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		dispatchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "dispatch_duration_seconds",
			Help:        "Handler latency per constructor",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"constructor", "status"}),

		gatherer: config.Gatherer,
	}
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ConnOpened records an accepted connection on listener.
func (m *Metrics) ConnOpened(listener string) {
	if m == nil {
		return
	}
	m.activeConns.WithLabelValues(listener).Inc()
}

// ConnClosed records a closed connection on listener.
func (m *Metrics) ConnClosed(listener string) {
	if m == nil {
		return
	}
	m.activeConns.WithLabelValues(listener).Dec()
}

// Detected records a classified connection.
func (m *Metrics) Detected(listener, transport string, took time.Duration) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(listener, transport).Inc()
	m.detectDuration.WithLabelValues(transport).Observe(took.Seconds())
}

// Rejected records a connection dropped before detection.
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedConns.WithLabelValues(reason).Inc()
}

// FrameIn records a decoded frame.
func (m *Metrics) FrameIn(variant string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("in", variant).Inc()
}

// FrameOut records an encoded frame.
func (m *Metrics) FrameOut(variant string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("out", variant).Inc()
}

// BytesIn records socket bytes read.
func (m *Metrics) BytesIn(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues("in").Add(float64(n))
}

// BytesOut records socket bytes written.
func (m *Metrics) BytesOut(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues("out").Add(float64(n))
}

// QuickAck records a quick acknowledgement.
func (m *Metrics) QuickAck() {
	if m == nil {
		return
	}
	m.quickAcks.Inc()
}

// Error records a connection-fatal error of kind.
func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

// Dispatched records one handler call.
func (m *Metrics) Dispatched(constructor, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.dispatchLatency.WithLabelValues(constructor, status).Observe(took.Seconds())
}
