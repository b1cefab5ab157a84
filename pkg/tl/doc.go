// Package tl implements the compact binary object format carried inside
// transport frames.
//
// # Wire Format
//
// Every boxed object starts with a 4-byte little-endian constructor id that
// selects its schema, followed by the constructor's fields back to back:
//
//	┌────────────────┬─────────────┬─────────────┬─────
//	│ constructor id │ field 1     │ field 2     │ ...
//	│ (4 bytes, LE)  │             │             │
//	└────────────────┴─────────────┴─────────────┴─────
//
// Primitives:
//
//   - int, long: 4 / 8 bytes little-endian
//   - int128, int256: 16 / 32 raw bytes
//   - double: IEEE 754, little-endian
//   - string, bytes: length prefix (1 byte below 254, else 0xFE + 3 bytes),
//     payload, zero padding to a multiple of 4
//   - Bool: boolTrue#997275b5 / boolFalse#bc799737
//   - Vector<T>: 0x1cb5c415, int32 count, elements
//   - vector<T>: int32 count, elements (bare)
//   - #: a 32-bit flags word; `name:flags.N?T` fields follow only when bit N
//     is set, and `flags.N?true` fields are pure presence bits
//
// # Schema
//
// Constructors are described by schema text and parsed at startup:
//
//	r := tl.NewCoreRegistry()
//	err := r.Parse(`user#938458c1 flags:# self:flags.10?true id:long = User;`)
//
// Encoding and decoding walk the schema generically, so the flags bit that
// gates a field is defined in exactly one place:
//
//	obj, n, err := r.Decode(payload, 0)
//	out, err := r.Encode(obj)   // bytes.Equal(out, payload[:n])
//
// # Errors
//
// Truncated input yields wire.ErrIncomplete. Unknown constructors, bad length
// prefixes, non-zero padding and limit violations yield *wire.FormatError.
package tl
