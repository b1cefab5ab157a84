package main

import (
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtwire/mtwire/internal/errors"
	"github.com/mtwire/mtwire/pkg/client"
	"github.com/mtwire/mtwire/pkg/tl"
	"github.com/mtwire/mtwire/pkg/transport"
)

type probeOptions struct {
	addr       string
	network    string
	variant    string
	obfuscated bool
	secret     string
	dc         int16
	count      int
	timeout    time.Duration
}

func probeCmd() *cobra.Command {
	var opts probeOptions

	cmd := &cobra.Command{
		Use:   "probe [address]",
		Short: "Ping a server over a chosen transport",
		Long: `Connect to a server the way a client does and exchange ping/pong.

Examples:
  mtwire probe 127.0.0.1:8443
  mtwire probe 127.0.0.1:8443 --variant abridged --obfuscated
  mtwire probe ws://127.0.0.1:8443/apiws --network ws --variant padded
  mtwire probe 127.0.0.1:8443 --network quic --count 10`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.addr = args[0]
			}
			return runProbe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.addr, "addr", "a", "127.0.0.1:8443", "Server address")
	cmd.Flags().StringVarP(&opts.network, "network", "n", "tcp", "Outer connection: tcp, ws or quic")
	cmd.Flags().StringVarP(&opts.variant, "variant", "v", "intermediate", "Framing: abridged, intermediate, padded or full")
	cmd.Flags().BoolVarP(&opts.obfuscated, "obfuscated", "o", false, "Send an obfuscated prologue")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "Proxy secret as 32 hex digits")
	cmd.Flags().Int16Var(&opts.dc, "dc", 2, "Data-center id announced in the prologue")
	cmd.Flags().IntVarP(&opts.count, "count", "c", 3, "Number of pings")
	cmd.Flags().DurationVarP(&opts.timeout, "timeout", "t", 5*time.Second, "Timeout per ping")

	return cmd
}

func runProbe(ctx context.Context, opts probeOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	network, err := client.ParseNetwork(opts.network)
	if err != nil {
		return errors.Newf(errors.CategoryCLI, "%v", err)
	}
	variant, err := transport.ParseVariant(opts.variant)
	if err != nil {
		return errors.Newf(errors.CategoryCLI, "%v", err)
	}
	var secret []byte
	if opts.secret != "" {
		if secret, err = hex.DecodeString(opts.secret); err != nil {
			return errors.Newf(errors.CategoryCLI, "secret is not hex: %v", err)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	conn, err := client.Dial(dialCtx, client.Options{
		Addr:       opts.addr,
		Network:    network,
		Variant:    variant,
		Obfuscated: opts.obfuscated,
		Secret:     secret,
		DC:         opts.dc,
	})
	if err != nil {
		return errors.New("M200").WithDetail(opts.addr).Wrap(err)
	}
	defer conn.Close()
	success("Connected to %s as %s", opts.addr, conn.Kind())

	reg := tl.NewCoreRegistry()
	for i := 0; i < opts.count; i++ {
		ping, err := reg.New("ping")
		if err != nil {
			return err
		}
		id := time.Now().UnixNano()
		ping.Set("ping_id", id)

		callCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		start := time.Now()
		reply, err := conn.Call(callCtx, reg, ping)
		cancel()
		if err != nil {
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				return errors.New("M201").Wrap(err)
			}
			return errors.FromWire(err, nil)
		}
		if reply.Predicate() != "pong" || reply.Long("ping_id") != id {
			return errors.Newf(errors.CategoryWire, "unexpected reply %s", reply.Predicate())
		}
		info("%s  pong #%d  %s", conn.LocalAddr(), i+1, time.Since(start).Round(time.Microsecond))
	}
	fmt.Println()
	return nil
}
