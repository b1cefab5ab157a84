// Package wire holds the pieces shared by every layer of the transport stack:
// the error taxonomy and the connection-owned byte buffer.
package wire

import (
	"errors"
	"fmt"
)

// ErrIncomplete reports that not enough bytes are buffered yet.
// It is a retry signal, never a failure: feed more bytes and call again.
var ErrIncomplete = errors.New("wire: incomplete data")

// FormatError reports a malformed length, constructor or bitmask.
type FormatError struct {
	Layer  string // "tl", "abridged", "full", ...
	Offset int    // byte offset in the input being decoded, -1 if unknown
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := e.Layer + ": " + e.Reason
	if e.Offset >= 0 {
		msg = fmt.Sprintf("%s (offset %d)", msg, e.Offset)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// Formatf builds a FormatError.
func Formatf(layer string, offset int, format string, args ...any) *FormatError {
	return &FormatError{Layer: layer, Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// ChecksumError reports a CRC mismatch in a checksummed frame.
type ChecksumError struct {
	Seq      int32
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("wire: checksum mismatch seq=%d expected=%08x actual=%08x", e.Seq, e.Expected, e.Actual)
}

// UnrecognizedTransportError reports a prologue that matches no known transport.
type UnrecognizedTransportError struct {
	Tag    uint32
	Reason string
}

func (e *UnrecognizedTransportError) Error() string {
	return fmt.Sprintf("wire: unrecognized transport tag=%08x: %s", e.Tag, e.Reason)
}

// HandshakeError reports a malformed WebSocket upgrade request.
type HandshakeError struct {
	Status int // HTTP status to answer with
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("wire: websocket handshake: %s", e.Reason)
}

// IsIncomplete reports whether err only asks for more bytes.
func IsIncomplete(err error) bool {
	return errors.Is(err, ErrIncomplete)
}

// IsFatal reports whether err must terminate the connection.
// Every non-nil error except ErrIncomplete is fatal.
func IsFatal(err error) bool {
	return err != nil && !IsIncomplete(err)
}

// Kind returns a short label for metrics and logs.
func Kind(err error) string {
	var (
		fe *FormatError
		ce *ChecksumError
		ue *UnrecognizedTransportError
		he *HandshakeError
	)
	switch {
	case err == nil:
		return "none"
	case IsIncomplete(err):
		return "incomplete"
	case errors.As(err, &fe):
		return "format"
	case errors.As(err, &ce):
		return "checksum"
	case errors.As(err, &ue):
		return "unrecognized_transport"
	case errors.As(err, &he):
		return "handshake"
	default:
		return "other"
	}
}
