package config

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mtwire/mtwire/internal/capture"
	"github.com/mtwire/mtwire/internal/errors"
	"github.com/mtwire/mtwire/pkg/obfs"
	"github.com/mtwire/mtwire/pkg/transport"
)

const (
	// DefaultListen is the default transport listen address.
	DefaultListen = ":8443"

	// DefaultAdminListen is the default admin HTTP address.
	DefaultAdminListen = "127.0.0.1:9090"

	// DefaultMaxConnections caps concurrent connections.
	DefaultMaxConnections = 10000

	// DefaultQuickAck is the default quick-ack policy.
	DefaultQuickAck = "encrypted"
)

// QuickAckPolicies lists the accepted transport.quick_ack values.
var QuickAckPolicies = []string{"always", "encrypted", "never"}

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the complete mtwire configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Transport TransportConfig `toml:"transport"`
	QUIC      QUICConfig      `toml:"quic"`
	Admin     AdminConfig     `toml:"admin"`
	Capture   CaptureConfig   `toml:"capture"`
	Log       LogConfig       `toml:"log"`

	path string
}

// ServerConfig contains the TCP listener settings.
type ServerConfig struct {
	// Listen is the TCP address for transport connections.
	Listen string `toml:"listen"`

	// WebSocket accepts HTTP upgrade requests on the same listener.
	WebSocket bool `toml:"websocket"`

	// ReadTimeout bounds the wait for the first bytes of a connection.
	ReadTimeout Duration `toml:"read_timeout"`

	// IdleTimeout closes connections with no inbound frame for this long.
	IdleTimeout Duration `toml:"idle_timeout"`

	// WriteTimeout bounds a single socket write.
	WriteTimeout Duration `toml:"write_timeout"`

	// MaxConnections caps concurrent connections; 0 disables the cap.
	MaxConnections int `toml:"max_connections"`

	// ShutdownTimeout is how long Shutdown waits for connections to drain.
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// TransportConfig contains framing settings shared by all listeners.
type TransportConfig struct {
	MaxFrameSize int `toml:"max_frame_size"`

	// Variants restricts the accepted frame variants. Empty allows all.
	Variants []string `toml:"variants"`

	// Secret is the hex-encoded 16-byte obfuscation secret.
	Secret string `toml:"secret"`

	// RejectPlain refuses connections that skip obfuscation.
	RejectPlain bool `toml:"reject_plain"`

	// QuickAck is one of QuickAckPolicies.
	QuickAck string `toml:"quick_ack"`
}

// QUICConfig contains the optional QUIC listener settings.
type QUICConfig struct {
	// Listen enables the QUIC listener when set.
	Listen   string `toml:"listen"`
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// AdminConfig contains the metrics and health endpoint settings.
type AdminConfig struct {
	// Listen enables the admin server when set.
	Listen string `toml:"listen"`
}

// CaptureConfig controls archiving of connections that fail with a
// protocol error.
type CaptureConfig struct {
	// Location is a directory or s3://bucket/prefix. Empty disables capture.
	Location string `toml:"location"`

	// MaxBytes caps the bytes kept per connection.
	MaxBytes int `toml:"max_bytes"`

	// Retention removes older captures; 0 keeps them forever.
	Retention Duration `toml:"retention"`

	// S3 connection settings. Credentials come from AWS_ACCESS_KEY_ID and
	// AWS_SECRET_ACCESS_KEY.
	Region    string `toml:"s3_region"`
	Endpoint  string `toml:"s3_endpoint"`
	PathStyle bool   `toml:"s3_path_style"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          DefaultListen,
			WebSocket:       true,
			ReadTimeout:     Duration{30 * time.Second},
			IdleTimeout:     Duration{5 * time.Minute},
			WriteTimeout:    Duration{10 * time.Second},
			MaxConnections:  DefaultMaxConnections,
			ShutdownTimeout: Duration{15 * time.Second},
		},
		Transport: TransportConfig{
			MaxFrameSize: transport.DefaultMaxFrameSize,
			QuickAck:     DefaultQuickAck,
		},
		Admin: AdminConfig{
			Listen: DefaultAdminListen,
		},
		Capture: CaptureConfig{
			MaxBytes: capture.DefaultMaxBytes,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the TOML file at path over the defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("M001").WithDetail("No file at " + path)
		}
		return nil, errors.New("M001").Wrap(err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes TOML data over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	meta, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, errors.New("M002").WithDetail(err.Error())
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.New("M002").
			WithDetail("Unknown keys: " + strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the config was loaded from, "" for defaults.
func (c *Config) Path() string {
	return c.path
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Listen == "" && c.QUIC.Listen == "" {
		return invalid("server.listen", "at least one of server.listen and quic.listen must be set")
	}
	if c.Server.MaxConnections < 0 {
		return invalid("server.max_connections", "must not be negative")
	}
	for key, d := range map[string]Duration{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.idle_timeout":     c.Server.IdleTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"capture.retention":       c.Capture.Retention,
	} {
		if d.Duration < 0 {
			return invalid(key, "must not be negative")
		}
	}
	if c.Transport.MaxFrameSize < 64 || c.Transport.MaxFrameSize > 1<<30 {
		return invalid("transport.max_frame_size", "must be between 64 and 1073741824")
	}
	if _, err := c.VariantList(); err != nil {
		return invalid("transport.variants", err.Error())
	}
	if _, err := c.SecretBytes(); err != nil {
		return invalid("transport.secret", err.Error())
	}
	if !slices.Contains(QuickAckPolicies, c.Transport.QuickAck) {
		return invalid("transport.quick_ack", fmt.Sprintf("%q is not one of %s", c.Transport.QuickAck, strings.Join(QuickAckPolicies, ", ")))
	}
	if c.QUIC.Listen != "" && (c.QUIC.CertFile == "") != (c.QUIC.KeyFile == "") {
		return invalid("quic.cert_file", "cert_file and key_file must be set together")
	}
	if c.Capture.MaxBytes < 0 {
		return invalid("capture.max_bytes", "must not be negative")
	}
	if loc, ok := strings.CutPrefix(c.Capture.Location, "s3://"); ok && (loc == "" || loc[0] == '/') {
		return invalid("capture.location", "s3 location needs a bucket")
	}
	if _, err := c.LogLevel(); err != nil {
		return invalid("log.level", err.Error())
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log.format", fmt.Sprintf("%q is not text or json", c.Log.Format))
	}
	return nil
}

// VariantList parses Transport.Variants. Nil means all variants.
func (c *Config) VariantList() ([]transport.Variant, error) {
	if len(c.Transport.Variants) == 0 {
		return nil, nil
	}
	out := make([]transport.Variant, 0, len(c.Transport.Variants))
	for _, name := range c.Transport.Variants {
		v, err := transport.ParseVariant(name)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// SecretBytes decodes Transport.Secret. Nil means no secret.
func (c *Config) SecretBytes() ([]byte, error) {
	if c.Transport.Secret == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(strings.TrimSpace(c.Transport.Secret))
	if err != nil {
		return nil, fmt.Errorf("not hex: %w", err)
	}
	if len(b) != obfs.SecretSize {
		return nil, obfs.ErrSecretSize
	}
	return b, nil
}

// CaptureStore opens the configured capture store, or returns nil when
// capture is disabled.
func (c *Config) CaptureStore() (capture.Store, error) {
	if c.Capture.Location == "" {
		return nil, nil
	}
	return capture.Open(c.Capture.Location, c.S3Options(), c.Capture.MaxBytes)
}

// S3Options returns the S3 client settings of the capture section.
func (c *Config) S3Options() capture.S3Options {
	return capture.S3Options{
		Region:          c.Capture.Region,
		Endpoint:        c.Capture.Endpoint,
		PathStyle:       c.Capture.PathStyle,
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.Log.Level))
	return l, err
}

// Encode writes the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func invalid(key, detail string) error {
	return errors.New("M003").
		WithDetail(key + ": " + detail)
}
