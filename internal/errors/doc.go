// Package errors provides coded diagnostics for the mtwire command line.
//
// Library packages return plain Go errors (see pkg/wire). The CLI converts
// them with FromWire into an *Error carrying a stable code, a hint and,
// for decode failures, a hex excerpt around the failing byte.
//
// # Codes
//
//	M0xx  configuration
//	M1xx  wire decoding and transport detection
//	M2xx  network and client
//
// # Usage
//
//	if err := run(); err != nil {
//	    errors.PrintError(errors.FromWire(err, input))
//	}
package errors
