package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/mtwire/mtwire/pkg/transport"
	"github.com/mtwire/mtwire/pkg/wire"
)

// Category groups diagnostics.
type Category string

const (
	CategoryConfig  Category = "config"
	CategoryWire    Category = "wire"
	CategoryNetwork Category = "network"
	CategoryCLI     Category = "cli"
)

// Error is a coded diagnostic.
type Error struct {
	// Code is a stable identifier such as "M102".
	Code string

	Category Category

	// Message is a short description.
	Message string

	// Detail is a longer explanation.
	Detail string

	// Offset is the byte offset in Input where decoding failed, -1 if unknown.
	Offset int

	// Input is the data being decoded, used for the hex excerpt.
	Input []byte

	// Suggestion is a hint on how to fix the problem.
	Suggestion string

	// Wrapped is the underlying error.
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.Wrapped != nil {
		msg += ": " + e.Wrapped.Error()
	}
	return msg
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// WithDetail sets the detailed explanation.
func (e *Error) WithDetail(d string) *Error {
	e.Detail = d
	return e
}

// WithSuggestion sets the hint.
func (e *Error) WithSuggestion(s string) *Error {
	e.Suggestion = s
	return e
}

// WithInput attaches the decoded bytes and the failing offset.
func (e *Error) WithInput(input []byte, offset int) *Error {
	e.Input = input
	e.Offset = offset
	return e
}

// Wrap sets the underlying error.
func (e *Error) Wrap(err error) *Error {
	e.Wrapped = err
	return e
}

// New creates an Error from a registered code.
func New(code string) *Error {
	t, ok := registry[code]
	if !ok {
		return &Error{Code: code, Message: "Unknown error", Offset: -1}
	}
	return &Error{
		Code:       code,
		Category:   t.Category,
		Message:    t.Message,
		Detail:     t.Detail,
		Suggestion: t.Suggestion,
		Offset:     -1,
	}
}

// Newf creates an uncoded Error with a formatted message.
func Newf(category Category, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...), Offset: -1}
}

// FromWire classifies an error returned by the wire packages. input, when
// non-nil, is the buffer the failing decode ran over.
func FromWire(err error, input []byte) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}

	var (
		fe *wire.FormatError
		ce *wire.ChecksumError
		ue *wire.UnrecognizedTransportError
		he *wire.HandshakeError
	)
	switch {
	case wire.IsIncomplete(err):
		return New("M100").Wrap(err).WithInput(input, len(input))
	case stderrors.As(err, &fe):
		return New("M101").Wrap(err).WithInput(input, fe.Offset)
	case stderrors.As(err, &ce):
		return New("M102").Wrap(err).WithInput(input, -1)
	case stderrors.As(err, &ue):
		return New("M103").Wrap(err).WithInput(input, 0)
	case stderrors.As(err, &he):
		return New("M104").Wrap(err).WithDetail(he.Reason)
	case stderrors.Is(err, transport.ErrHTTP):
		return New("M105").Wrap(err)
	}
	return Newf(CategoryCLI, "%v", err)
}
