package errors

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"

	"github.com/mtwire/mtwire/pkg/transport"
	"github.com/mtwire/mtwire/pkg/wire"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantMsg string
		wantCat Category
	}{
		{"config", "M001", "Config file not found", CategoryConfig},
		{"checksum", "M102", "Checksum mismatch", CategoryWire},
		{"network", "M200", "Could not connect", CategoryNetwork},
		{"unknown", "M999", "Unknown error", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := New(tc.code)
			if e.Code != tc.code || e.Message != tc.wantMsg || e.Category != tc.wantCat {
				t.Errorf("New(%q) = %+v", tc.code, e)
			}
			if e.Offset != -1 {
				t.Errorf("Offset = %d, want -1", e.Offset)
			}
		})
	}
}

func TestRegistryComplete(t *testing.T) {
	for code, tmpl := range registry {
		if tmpl.Message == "" || tmpl.Category == "" {
			t.Errorf("%s: incomplete template %+v", code, tmpl)
		}
		if len(code) != 4 || code[0] != 'M' {
			t.Errorf("malformed code %q", code)
		}
	}
}

func TestFromWire(t *testing.T) {
	input := []byte{1, 2, 3, 4}
	tests := []struct {
		name   string
		err    error
		code   string
		offset int
	}{
		{"incomplete", fmt.Errorf("frame: %w", wire.ErrIncomplete), "M100", 4},
		{"format", wire.Formatf("tl", 2, "bad length"), "M101", 2},
		{"checksum", &wire.ChecksumError{Seq: 3, Expected: 1, Actual: 2}, "M102", -1},
		{"unrecognized", &wire.UnrecognizedTransportError{Tag: 0x01020304, Reason: "no tag"}, "M103", 0},
		{"handshake", &wire.HandshakeError{Status: 400, Reason: "missing key"}, "M104", -1},
		{"http", transport.ErrHTTP, "M105", -1},
		{"plain", stderrors.New("boom"), "", -1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := FromWire(tc.err, input)
			if e.Code != tc.code {
				t.Errorf("Code = %q, want %q", e.Code, tc.code)
			}
			if e.Offset != tc.offset {
				t.Errorf("Offset = %d, want %d", e.Offset, tc.offset)
			}
			if tc.code != "" && !stderrors.Is(e, tc.err) {
				t.Errorf("errors.Is lost the wrapped error")
			}
		})
	}

	if FromWire(nil, nil) != nil {
		t.Error("FromWire(nil) != nil")
	}
	orig := New("M003")
	if got := FromWire(fmt.Errorf("load: %w", orig), nil); got != orig {
		t.Error("existing *Error was not passed through")
	}
	if e := FromWire(&wire.HandshakeError{Reason: "bad version"}, nil); e.Detail != "bad version" {
		t.Errorf("handshake detail = %q", e.Detail)
	}
}

func TestFormat(t *testing.T) {
	DisableColors()
	defer EnableColors()

	input := make([]byte, 40)
	for i := range input {
		input[i] = byte(i)
	}
	e := FromWire(wire.Formatf("tl", 18, "string length 200 exceeds input"), input)
	out := e.Format()

	for _, want := range []string{
		"ERROR M101: Malformed data",
		"tl: string length 200 exceeds input (offset 18)",
		"    00000000 │ 00 01 02",
		"  → 00000010 │ 10 11 12",
		"            │       ^^",
		"    00000020 │ 20 21",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Format() lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Hint: ") {
		t.Errorf("M101 has no suggestion, output has one:\n%s", out)
	}
}

func TestFormatCompact(t *testing.T) {
	e := New("M102").Wrap(&wire.ChecksumError{Seq: 1})
	got := e.FormatCompact()
	if !strings.HasPrefix(got, "M102: Checksum mismatch (") {
		t.Errorf("FormatCompact() = %q", got)
	}
	e = New("M101").WithInput([]byte{0}, 0)
	if got := e.FormatCompact(); got != "M101: Malformed data at offset 0" {
		t.Errorf("FormatCompact() = %q", got)
	}
}

func TestWrapText(t *testing.T) {
	lines := wrapText(strings.Repeat("word ", 40), 20)
	for _, l := range lines {
		if len(l) > 20 {
			t.Errorf("line %q longer than 20", l)
		}
	}
	if len(lines) != 10 {
		t.Errorf("got %d lines, want 10", len(lines))
	}
	if wrapText("", 10) != nil {
		t.Error("empty text produced lines")
	}
}

func TestPrintError(t *testing.T) {
	DisableColors()
	defer EnableColors()

	var buf bytes.Buffer
	PrintError(&buf, New("M001"))
	if !strings.Contains(buf.String(), "ERROR M001: Config file not found") {
		t.Errorf("PrintError() = %q", buf.String())
	}
	buf.Reset()
	PrintError(&buf, stderrors.New("plain failure"))
	if !strings.Contains(buf.String(), "ERROR: plain failure") {
		t.Errorf("PrintError() = %q", buf.String())
	}
}
