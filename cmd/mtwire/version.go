package main

import (
	"fmt"
	"io"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mtwire/mtwire/pkg/client"
	"github.com/mtwire/mtwire/pkg/transport"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Print version and build information along with the wire features this binary speaks.`,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout(), short)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")

	return cmd
}

func printVersion(w io.Writer, short bool) {
	if short {
		fmt.Fprintln(w, version)
		return
	}
	names := make([]string, len(transport.Variants))
	for i, v := range transport.Variants {
		names[i] = v.String()
	}
	fmt.Fprintf(w, "mtwire %s (%s, built %s)\n", version, commit, date)
	fmt.Fprintf(w, "  go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(w, "  framing:    %s\n", strings.Join(names, ", "))
	fmt.Fprintf(w, "  websocket:  %s\n", client.DefaultPath)
	fmt.Fprintf(w, "  quic alpn:  %s\n", transport.QUICProtocol)
}
