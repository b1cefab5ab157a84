package main

import (
	"bytes"
	"context"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtwire/mtwire/internal/errors"
	"github.com/mtwire/mtwire/pkg/tl"
	"github.com/mtwire/mtwire/pkg/transport"
	"github.com/mtwire/mtwire/pkg/websocket"
	"github.com/mtwire/mtwire/pkg/wire"
)

type decodeOptions struct {
	hex          bool
	secret       []byte
	maxFrameSize int
}

func decodeCmd() *cobra.Command {
	var (
		opts       decodeOptions
		secret     string
		captureID  string
		store      string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "decode [file]",
		Short: "Decode a captured client byte stream",
		Long: `Decode the bytes a client sent on one connection, from the first
byte on. The transport is detected the way the server does it, then
every frame is printed with its envelope and, for unencrypted
messages, the decoded object.

Reads stdin when no file is given or the file is "-". With --capture
the bytes come from the capture store the server archived them in.

Examples:
  mtwire decode capture.bin
  echo 'ef 05 00000000...' | mtwire decode --hex
  mtwire decode --capture 20260304T050607-a1b2c3d4e5f6 --store s3://mtwire-captures/gw1`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			switch {
			case captureID != "":
				data, err = loadCapture(cmd.Context(), os.Stdout, captureID, store, configPath)
				opts.hex = false
			case len(args) == 0 || args[0] == "-":
				data, err = io.ReadAll(os.Stdin)
			default:
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			if secret != "" {
				if opts.secret, err = hex.DecodeString(secret); err != nil {
					return errors.Newf(errors.CategoryCLI, "secret is not hex: %v", err)
				}
			}
			return decodeCapture(os.Stdout, data, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.hex, "hex", "x", false, "Input is hex text; whitespace is ignored")
	cmd.Flags().StringVar(&secret, "secret", "", "Proxy secret as 32 hex digits")
	cmd.Flags().IntVar(&opts.maxFrameSize, "max-frame-size", 0, "Largest frame payload to accept")
	cmd.Flags().StringVar(&captureID, "capture", "", "Decode a stored capture by id")
	cmd.Flags().StringVar(&store, "store", "", "Capture store: a directory or s3://bucket/prefix (default from --config)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to mtwire.toml")

	return cmd
}

// loadCapture fetches a capture and prints its record.
func loadCapture(ctx context.Context, w io.Writer, id, location, configPath string) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if location != "" {
		cfg.Capture.Location = location
	}
	store, err := cfg.CaptureStore()
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.Newf(errors.CategoryCLI, "no capture store: pass --store or set capture.location")
	}
	rec, err := store.Load(ctx, id)
	if err != nil {
		return nil, errors.Newf(errors.CategoryCLI, "capture %s: %v", id, err)
	}
	fmt.Fprintf(w, "capture    %s\n", rec.ID)
	fmt.Fprintf(w, "remote     %s (%s, conn %d)\n", rec.Remote, rec.Listener, rec.ConnID)
	fmt.Fprintf(w, "at         %s\n", rec.At.Format(time.RFC3339))
	fmt.Fprintf(w, "error      %s\n", rec.Error)
	if rec.Truncated {
		fmt.Fprintf(w, "truncated  first %d bytes kept\n", len(rec.Data))
	}
	return rec.Data, nil
}

func decodeCapture(w io.Writer, data []byte, opts decodeOptions) error {
	if opts.hex {
		raw, err := hex.DecodeString(strings.Join(strings.Fields(string(data)), ""))
		if err != nil {
			return errors.Newf(errors.CategoryCLI, "input is not hex: %v", err)
		}
		data = raw
	}

	detect := transport.DetectOptions{
		Secret: opts.secret,
		Codec:  transport.Options{MaxFrameSize: opts.maxFrameSize},
	}
	inner := data
	r, err := transport.NewDetector(detect).Feed(inner)
	if stderrors.Is(err, transport.ErrHTTP) {
		if inner, err = unwrapWebSocket(w, data); err != nil {
			return errors.FromWire(err, data)
		}
		detect.WebSocket = true
		r, err = transport.NewDetector(detect).Feed(inner)
	}
	if err != nil {
		return errors.FromWire(err, inner)
	}

	fmt.Fprintf(w, "transport  %s\n", r.Kind)
	if r.Kind.Obfuscated {
		fmt.Fprintf(w, "dc         %d\n", r.DC)
	}
	fmt.Fprintf(w, "prologue   %d bytes\n\n", r.Consumed)

	if err := r.Stream.Feed(r.Surplus); err != nil {
		return errors.FromWire(err, nil)
	}
	reg := tl.NewCoreRegistry()
	for i := 0; ; i++ {
		f, err := r.Stream.Next()
		if wire.IsIncomplete(err) {
			if n := r.Stream.Buffered(); n > 0 {
				fmt.Fprintf(w, "%d trailing bytes do not form a frame\n", n)
			}
			return nil
		}
		if err != nil {
			return errors.FromWire(err, nil)
		}
		if err := printFrame(w, reg, i, f); err != nil {
			return err
		}
	}
}

// unwrapWebSocket strips the upgrade request and client framing.
func unwrapWebSocket(w io.Writer, data []byte) ([]byte, error) {
	var h websocket.Handshake
	u, err := h.Feed(data)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(w, "websocket  GET %s\n", u.Path)
	out, err := websocket.NewBridge(0).Feed(u.Surplus)
	if err != nil {
		return nil, err
	}
	return out.Data, nil
}

func printFrame(w io.Writer, reg *tl.Registry, i int, f transport.Frame) error {
	fmt.Fprintf(w, "frame %d  %d bytes", i, len(f.Payload))
	if f.QuickAck {
		fmt.Fprint(w, "  quick-ack")
	}
	fmt.Fprintln(w)

	env, err := tl.ParseEnvelope(f.Payload)
	if err != nil {
		return errors.FromWire(err, f.Payload)
	}
	if env.Encrypted() {
		fmt.Fprintf(w, "  auth_key_id  %016x\n", uint64(env.AuthKeyID))
		fmt.Fprintf(w, "  msg_key      %x\n", env.MsgKey[:])
		fmt.Fprintf(w, "  data         %d bytes\n\n", len(env.Data))
		return nil
	}
	fmt.Fprintf(w, "  msg_id       %016x\n", uint64(env.MsgID))
	obj, n, err := reg.Decode(env.Body, 0)
	if err != nil {
		return errors.FromWire(err, env.Body)
	}
	var b bytes.Buffer
	printObject(&b, obj, "  ")
	w.Write(b.Bytes())
	if n < len(env.Body) {
		fmt.Fprintf(w, "  %d trailing bytes\n", len(env.Body)-n)
	}
	fmt.Fprintln(w)
	return nil
}

// printObject writes o in schema field order, one field per line.
func printObject(b *bytes.Buffer, o *tl.Object, indent string) {
	fmt.Fprintf(b, "%s%s#%08x\n", indent, o.Predicate(), o.ID())
	indent += "  "
	seen := map[string]bool{}
	for _, p := range o.Constructor.Params {
		v, ok := o.Get(p.Name)
		if !ok {
			continue
		}
		seen[p.Name] = true
		printValue(b, p.Name, v, indent)
	}
	var rest []string
	for name := range o.Fields {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		printValue(b, name, o.Fields[name], indent)
	}
}

func printValue(b *bytes.Buffer, name string, v any, indent string) {
	switch v := v.(type) {
	case *tl.Object:
		fmt.Fprintf(b, "%s%s:\n", indent, name)
		printObject(b, v, indent+"  ")
	case []any:
		fmt.Fprintf(b, "%s%s: %d items\n", indent, name, len(v))
		for i, item := range v {
			printValue(b, fmt.Sprintf("[%d]", i), item, indent+"  ")
		}
	case tl.RawVector:
		fmt.Fprintf(b, "%s%s: %d items in %d raw bytes: %x\n", indent, name, v.Count, len(v.Data), v.Data)
	case []byte:
		fmt.Fprintf(b, "%s%s: %x\n", indent, name, v)
	case string:
		fmt.Fprintf(b, "%s%s: %q\n", indent, name, v)
	default:
		fmt.Fprintf(b, "%s%s: %v\n", indent, name, v)
	}
}
