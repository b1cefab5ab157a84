package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mtwire/mtwire/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var noColor bool

	rootCmd := &cobra.Command{
		Use:   "mtwire",
		Short: "Transport gateway for the mobile RPC protocol",
		Long: `mtwire accepts client connections in every framing variant of the
mobile RPC transport, plain or obfuscated, over TCP, WebSocket or QUIC.

It detects the variant from the first bytes of each connection,
acknowledges frames that ask for it and hands decoded messages to
a dispatcher. The same packages drive the probe client and the
capture decoder.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor || os.Getenv("NO_COLOR") != "" {
				errors.DisableColors()
			}
		},
	}
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(
		serveCmd(),
		probeCmd(),
		decodeCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		errors.PrintError(os.Stderr, err)
		os.Exit(1)
	}
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
