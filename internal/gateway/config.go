package gateway

import (
	"github.com/mtwire/mtwire/internal/config"
	"github.com/mtwire/mtwire/pkg/transport"
)

// FromConfig builds a server Config from a loaded configuration file.
func FromConfig(cfg *config.Config) (*Config, error) {
	variants, err := cfg.VariantList()
	if err != nil {
		return nil, err
	}
	secret, err := cfg.SecretBytes()
	if err != nil {
		return nil, err
	}
	policy, err := ParseQuickAckPolicy(cfg.Transport.QuickAck)
	if err != nil {
		return nil, err
	}

	out := &Config{
		Addr:            cfg.Server.Listen,
		WebSocket:       cfg.Server.WebSocket,
		QUICAddr:        cfg.QUIC.Listen,
		ReadTimeout:     cfg.Server.ReadTimeout.Duration,
		IdleTimeout:     cfg.Server.IdleTimeout.Duration,
		WriteTimeout:    cfg.Server.WriteTimeout.Duration,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
		MaxConnections:  cfg.Server.MaxConnections,
		Detect: transport.DetectOptions{
			Secret:      secret,
			RejectPlain: cfg.Transport.RejectPlain,
			Variants:    variants,
			Codec:       transport.Options{MaxFrameSize: cfg.Transport.MaxFrameSize},
		},
		QuickAck:         policy,
		CaptureMaxBytes:  cfg.Capture.MaxBytes,
		CaptureRetention: cfg.Capture.Retention.Duration,
	}
	if out.QUICAddr != "" {
		if out.TLSConfig, err = ServerTLS(cfg.QUIC.CertFile, cfg.QUIC.KeyFile); err != nil {
			return nil, err
		}
	}
	return out, nil
}
