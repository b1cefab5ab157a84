package main

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtwire/mtwire/internal/config"
	"github.com/mtwire/mtwire/internal/errors"
	"github.com/mtwire/mtwire/internal/gateway"
	"github.com/mtwire/mtwire/internal/metrics"
)

type serveOptions struct {
	configPath  string
	listen      string
	quicListen  string
	adminListen string
	logLevel    string
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the transport gateway",
		Long: `Run the transport gateway.

Settings come from the TOML file given with --config; flags override
single keys. The admin listener serves /healthz, /metrics and
/connections.

Examples:
  mtwire serve
  mtwire serve --config mtwire.toml
  mtwire serve --listen :443 --quic :443 --admin 127.0.0.1:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Path to mtwire.toml")
	cmd.Flags().StringVarP(&opts.listen, "listen", "l", "", "TCP listen address (overrides server.listen)")
	cmd.Flags().StringVar(&opts.quicListen, "quic", "", "QUIC listen address (overrides quic.listen)")
	cmd.Flags().StringVar(&opts.adminListen, "admin", "", "Admin listen address (overrides admin.listen)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level (overrides log.level)")

	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runServe(opts serveOptions) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.listen != "" {
		cfg.Server.Listen = opts.listen
	}
	if opts.quicListen != "" {
		cfg.QUIC.Listen = opts.quicListen
	}
	if opts.adminListen != "" {
		cfg.Admin.Listen = opts.adminListen
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	gwConfig, err := gateway.FromConfig(cfg)
	if err != nil {
		return errors.New("M003").Wrap(err)
	}
	m := metrics.New()
	options := []gateway.Option{
		gateway.WithLogger(logger.With("component", "gateway")),
		gateway.WithMetrics(m),
	}
	store, err := cfg.CaptureStore()
	if err != nil {
		return errors.New("M003").WithDetail("capture.location: " + err.Error())
	}
	if store != nil {
		logger.Info("capturing failed connections", "location", cfg.Capture.Location)
		options = append(options, gateway.WithCaptureStore(store))
	}
	srv := gateway.New(gwConfig, nil, options...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Admin.Listen != "" {
		admin := &http.Server{
			Addr:              cfg.Admin.Listen,
			Handler:           srv.AdminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("admin listening", "address", cfg.Admin.Listen)
			if err := admin.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			admin.Shutdown(shutdownCtx)
		}()
	}

	if p := cfg.Path(); p != "" {
		logger.Info("configuration loaded", "path", p)
	}
	if err := srv.ListenAndServe(ctx); err != nil {
		return errors.New("M202").Wrap(err)
	}
	return nil
}

// newLogger builds the process logger from the log section.
func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, errors.New("M003").WithDetail("log.level: " + err.Error())
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch cfg.Log.Format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), nil
}
