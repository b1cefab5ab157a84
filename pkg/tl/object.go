package tl

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/mtwire/mtwire/pkg/wire"
)

// ErrValueType is returned by encoding when a field holds the wrong Go type.
var ErrValueType = errors.New("tl: value does not match schema type")

// Object is a decoded TL value: a constructor and its field values.
//
// Field values by kind:
//
//	int → int32, long → int64, int128 → Int128, int256 → Int256,
//	double → float64, string → string, bytes → []byte, Bool → bool,
//	true → bool, # → uint32, Vector<int> → []int32, Vector<long> → []int64,
//	other vectors → []any, objects → *Object.
//
// An untyped slot (Object or a generic !X) holds whatever boxed value the
// peer sent: *Object, bool for boolTrue/boolFalse, or for a vector []any of
// boxed values, []int64 or []int32 when the elements are bare and fill the
// rest of the buffer, and RawVector otherwise.
//
// An optional field is absent when it has no entry (or a false `true`).
// Flags words are recomputed on encode from field presence; bits that no
// field claims are carried over from the stored value.
type Object struct {
	Constructor *Constructor
	Fields      map[string]any
}

// RawVector is a boxed vector from an untyped slot whose elements could not
// be told apart. Data holds the element bytes as received.
type RawVector struct {
	Count int
	Data  []byte
}

// NewObject creates an object with no fields set.
func NewObject(c *Constructor) *Object {
	return &Object{Constructor: c, Fields: map[string]any{}}
}

// ID returns the constructor id.
func (o *Object) ID() uint32 {
	return o.Constructor.ID
}

// Predicate returns the constructor name.
func (o *Object) Predicate() string {
	return o.Constructor.Predicate
}

// Set assigns a field and returns the object for chaining.
func (o *Object) Set(name string, v any) *Object {
	o.Fields[name] = v
	return o
}

// Get returns a field value.
func (o *Object) Get(name string) (any, bool) {
	v, ok := o.Fields[name]
	return v, ok
}

// Has reports whether an optional field is present.
func (o *Object) Has(name string) bool {
	v, ok := o.Fields[name]
	if !ok {
		return false
	}
	if b, isBool := v.(bool); isBool {
		if p, found := o.Constructor.Param(name); found && p.Type.Kind == KindTrue {
			return b
		}
	}
	return true
}

// Int returns an int field or 0.
func (o *Object) Int(name string) int32 {
	v, _ := o.Fields[name].(int32)
	return v
}

// Long returns a long field or 0.
func (o *Object) Long(name string) int64 {
	v, _ := o.Fields[name].(int64)
	return v
}

// Text returns a string field or "".
func (o *Object) Text(name string) string {
	v, _ := o.Fields[name].(string)
	return v
}

// Bytes returns a bytes field or nil.
func (o *Object) Bytes(name string) []byte {
	v, _ := o.Fields[name].([]byte)
	return v
}

// Object returns a nested object field or nil.
func (o *Object) Object(name string) *Object {
	v, _ := o.Fields[name].(*Object)
	return v
}

// Encode serializes a boxed object.
func (r *Registry) Encode(o *Object) ([]byte, error) {
	e := NewEncoder()
	if err := r.EncodeTo(e, o); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// EncodeTo serializes a boxed object using the provided encoder.
func (r *Registry) EncodeTo(e *Encoder, o *Object) error {
	if o == nil || o.Constructor == nil {
		return fmt.Errorf("tl: encode nil object: %w", ErrValueType)
	}
	e.WriteUint32(o.Constructor.ID)
	return r.encodeFields(e, o)
}

func (r *Registry) encodeFields(e *Encoder, o *Object) error {
	c := o.Constructor
	for i, p := range c.Params {
		if p.Type.Kind == KindFlags {
			word, err := o.flagsWord(i)
			if err != nil {
				return fmt.Errorf("tl: encode %s.%s: %w", c.Predicate, p.Name, err)
			}
			e.WriteUint32(word)
			continue
		}
		if p.Optional() && !o.Has(p.Name) {
			continue
		}
		if p.Type.Kind == KindTrue {
			continue
		}
		v, ok := o.Fields[p.Name]
		if !ok {
			return fmt.Errorf("tl: encode %s.%s: missing value: %w", c.Predicate, p.Name, ErrValueType)
		}
		if err := r.encodeValue(e, p.Type, v); err != nil {
			return fmt.Errorf("tl: encode %s.%s: %w", c.Predicate, p.Name, err)
		}
	}
	return nil
}

// flagsWord computes the flags param at index idx from field presence.
// A stored value must be a uint32.
func (o *Object) flagsWord(idx int) (uint32, error) {
	c := o.Constructor
	var stored uint32
	if v, ok := o.Fields[c.Params[idx].Name]; ok {
		if stored, ok = v.(uint32); !ok {
			return 0, fmt.Errorf("%w: flags stored as %T", ErrValueType, v)
		}
	}
	word := stored &^ c.flagMask[idx]
	for _, p := range c.Params {
		if p.Flags == idx && o.Has(p.Name) {
			word |= 1 << p.FlagBit
		}
	}
	return word, nil
}

func (r *Registry) encodeValue(e *Encoder, t Type, v any) error {
	switch t.Kind {
	case KindInt:
		x, ok := v.(int32)
		if !ok {
			return ErrValueType
		}
		e.WriteInt32(x)
	case KindLong:
		x, ok := v.(int64)
		if !ok {
			return ErrValueType
		}
		e.WriteInt64(x)
	case KindInt128:
		x, ok := v.(Int128)
		if !ok {
			return ErrValueType
		}
		e.WriteInt128(x)
	case KindInt256:
		x, ok := v.(Int256)
		if !ok {
			return ErrValueType
		}
		e.WriteInt256(x)
	case KindDouble:
		x, ok := v.(float64)
		if !ok {
			return ErrValueType
		}
		e.WriteDouble(x)
	case KindString, KindBytes:
		switch x := v.(type) {
		case string:
			e.WriteString(x)
		case []byte:
			e.WriteBytes(x)
		default:
			return ErrValueType
		}
	case KindBool:
		x, ok := v.(bool)
		if !ok {
			return ErrValueType
		}
		e.WriteBool(x)
	case KindVector, KindBareVector:
		return r.encodeVector(e, t, v)
	case KindObject:
		return r.encodeBoxed(e, t.Name, v)
	case KindBare:
		x, ok := v.(*Object)
		if !ok || x == nil {
			return ErrValueType
		}
		want, err := r.bareConstructor(t.Name)
		if err != nil {
			return err
		}
		if x.Constructor.ID != want.ID {
			return fmt.Errorf("%w: bare %s expects %s", ErrValueType, x.Predicate(), want.Predicate)
		}
		return r.encodeFields(e, x)
	default:
		return fmt.Errorf("%w: cannot encode kind %s", ErrValueType, t.Kind)
	}
	return nil
}

// encodeBoxed writes the value of an Object-typed slot. Besides objects,
// an untyped slot accepts the bool and vector values decodeBoxedValue
// produces.
func (r *Registry) encodeBoxed(e *Encoder, typeName string, v any) error {
	switch x := v.(type) {
	case *Object:
		if x == nil {
			return ErrValueType
		}
		if typeName != "" && !x.Constructor.Method && x.Constructor.Type != typeName && x.ID() != GzipPackedID {
			return fmt.Errorf("%w: %s is not a %s", ErrValueType, x.Predicate(), typeName)
		}
		return r.EncodeTo(e, x)
	case bool:
		if typeName != "" && typeName != "Bool" {
			return fmt.Errorf("%w: Bool is not a %s", ErrValueType, typeName)
		}
		e.WriteBool(x)
		return nil
	}
	if typeName != "" {
		return ErrValueType
	}
	switch x := v.(type) {
	case []int32:
		e.WriteInt32Vector(x)
	case []int64:
		e.WriteInt64Vector(x)
	case []any:
		e.WriteVectorHeader(len(x))
		for i, el := range x {
			if err := r.encodeBoxed(e, "", el); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
	case RawVector:
		e.WriteVectorHeader(x.Count)
		e.WriteRaw(x.Data)
	default:
		return ErrValueType
	}
	return nil
}

func (r *Registry) encodeVector(e *Encoder, t Type, v any) error {
	boxed := t.Kind == KindVector
	writeCount := func(n int) {
		if boxed {
			e.WriteVectorHeader(n)
		} else {
			e.WriteInt32(int32(n))
		}
	}
	switch x := v.(type) {
	case []int32:
		if t.Elem.Kind != KindInt {
			return ErrValueType
		}
		if boxed {
			e.WriteInt32Vector(x)
			return nil
		}
		writeCount(len(x))
		for _, el := range x {
			e.WriteInt32(el)
		}
	case []int64:
		if t.Elem.Kind != KindLong {
			return ErrValueType
		}
		if boxed {
			e.WriteInt64Vector(x)
			return nil
		}
		writeCount(len(x))
		for _, el := range x {
			e.WriteInt64(el)
		}
	case []any:
		writeCount(len(x))
		for i, el := range x {
			if err := r.encodeValue(e, *t.Elem, el); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
	default:
		return ErrValueType
	}
	return nil
}

// Decode decodes one boxed object starting at offset and returns it together
// with the number of bytes consumed.
//
// Truncated input yields wire.ErrIncomplete; anything malformed yields a
// *wire.FormatError. A failure never affects objects decoded before it.
func (r *Registry) Decode(buf []byte, offset int) (*Object, int, error) {
	d := NewDecoderAt(buf, offset, r.limits)
	o, err := r.DecodeFrom(d)
	if err != nil {
		return nil, 0, err
	}
	return o, d.Position() - offset, nil
}

// DecodeFrom decodes one boxed object from a decoder.
func (r *Registry) DecodeFrom(d *Decoder) (*Object, error) {
	dc := &depthContext{max: r.limits.MaxDepth}
	return r.decodeBoxed(d, dc, "")
}

func (r *Registry) decodeBoxed(d *Decoder, dc *depthContext, typeName string) (*Object, error) {
	if !dc.enter() {
		return nil, d.formatf("nesting exceeds depth %d", dc.max)
	}
	defer dc.leave()

	start := d.Position()
	id, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	if id == GzipPackedID && r.unpack {
		return r.decodePacked(d, dc, typeName)
	}
	c, ok := r.byID[id]
	if !ok {
		return nil, wire.Formatf("tl", start, "unknown constructor %08x", id)
	}
	if typeName != "" && !c.Method && c.Type != typeName && id != GzipPackedID {
		return nil, wire.Formatf("tl", start, "constructor %s is not a %s", c.Predicate, typeName)
	}
	return r.decodeFields(d, dc, c)
}

// decodeBoxedValue decodes an Object-typed slot. Bool and vector
// constructors have no registry entry, so they are recognized here.
func (r *Registry) decodeBoxedValue(d *Decoder, dc *depthContext, typeName string) (any, error) {
	id, err := d.PeekUint32()
	if err != nil {
		return nil, err
	}
	switch {
	case (id == BoolTrueID || id == BoolFalseID) && (typeName == "" || typeName == "Bool"):
		return d.ReadBool()
	case id == VectorID && typeName == "":
		return r.decodeUntypedVector(d, dc)
	}
	return r.decodeBoxed(d, dc, typeName)
}

// decodeUntypedVector reads a vector whose element type the schema leaves
// open. Boxed elements are tried first. Otherwise the elements are taken to
// run to the end of the buffer, as they do for a method result: longs or
// ints when the size matches exactly, RawVector when it doesn't.
func (r *Registry) decodeUntypedVector(d *Decoder, dc *depthContext) (any, error) {
	if !dc.enter() {
		return nil, d.formatf("nesting exceeds depth %d", dc.max)
	}
	defer dc.leave()

	n, err := d.ReadVectorHeader()
	if err != nil {
		return nil, err
	}
	trial := *d
	out := make([]any, 0, min(n, 1024))
	for i := 0; i < n; i++ {
		v, err := r.decodeBoxedValue(&trial, dc, "")
		if err != nil {
			out = nil
			break
		}
		out = append(out, v)
	}
	if out != nil {
		*d = trial
		return out, nil
	}

	rest := d.Remaining()
	switch {
	case rest < 4*n:
		return nil, wire.ErrIncomplete
	case rest == 8*n:
		return d.readInt64s(n)
	case rest == 4*n:
		return d.readInt32s(n)
	}
	data, err := d.ReadRaw(rest)
	if err != nil {
		return nil, err
	}
	return RawVector{Count: n, Data: append([]byte(nil), data...)}, nil
}

func (r *Registry) decodeFields(d *Decoder, dc *depthContext, c *Constructor) (*Object, error) {
	o := NewObject(c)
	declared := -1
	for _, p := range c.Params {
		if p.Optional() {
			word, _ := o.Fields[c.Params[p.Flags].Name].(uint32)
			if word&(1<<p.FlagBit) == 0 {
				continue
			}
		}
		if p.Type.Kind == KindTrue {
			o.Fields[p.Name] = true
			continue
		}
		if p.Type.Kind == KindFlags {
			word, err := d.ReadUint32()
			if err != nil {
				return nil, err
			}
			o.Fields[p.Name] = word
			continue
		}
		if p.Type.Kind == KindObject && declared >= 0 {
			v, err := r.decodeDeclared(d, dc, p.Type, declared)
			if err != nil {
				return nil, err
			}
			o.Fields[p.Name] = v
			declared = -1
			continue
		}
		v, err := r.decodeValue(d, dc, p.Type)
		if err != nil {
			return nil, err
		}
		o.Fields[p.Name] = v
		if n, ok := v.(int32); ok && p.Name == "bytes" {
			declared = int(n)
		}
	}
	return o, nil
}

// decodeDeclared decodes a body whose length an earlier bytes:int field
// gave, as message does inside a container. The body must fill exactly
// that many bytes.
func (r *Registry) decodeDeclared(d *Decoder, dc *depthContext, t Type, n int) (any, error) {
	if n > d.Remaining() {
		return r.decodeValue(d, dc, t)
	}
	start := d.Position()
	body := NewDecoderAt(d.buf[:start+n], start, d.limits)
	v, err := r.decodeValue(body, dc, t)
	if errors.Is(err, wire.ErrIncomplete) {
		return nil, wire.Formatf("tl", start, "body longer than its declared %d bytes", n)
	}
	if err != nil {
		return nil, err
	}
	if body.Remaining() != 0 {
		return nil, wire.Formatf("tl", body.Position(), "body shorter than its declared %d bytes", n)
	}
	d.pos = body.pos
	return v, nil
}

func (r *Registry) decodeValue(d *Decoder, dc *depthContext, t Type) (any, error) {
	switch t.Kind {
	case KindInt:
		return d.ReadInt32()
	case KindLong:
		return d.ReadInt64()
	case KindInt128:
		return d.ReadInt128()
	case KindInt256:
		return d.ReadInt256()
	case KindDouble:
		return d.ReadDouble()
	case KindString:
		return d.ReadString()
	case KindBytes:
		return d.ReadBytes()
	case KindBool:
		return d.ReadBool()
	case KindVector, KindBareVector:
		return r.decodeVector(d, dc, t)
	case KindObject:
		return r.decodeBoxedValue(d, dc, t.Name)
	case KindBare:
		c, err := r.bareConstructor(t.Name)
		if err != nil {
			return nil, d.formatf("%v", err)
		}
		if !dc.enter() {
			return nil, d.formatf("nesting exceeds depth %d", dc.max)
		}
		defer dc.leave()
		return r.decodeFields(d, dc, c)
	default:
		return nil, d.formatf("cannot decode kind %s", t.Kind)
	}
}

func (r *Registry) decodeVector(d *Decoder, dc *depthContext, t Type) (any, error) {
	var (
		n   int
		err error
	)
	if t.Kind == KindVector {
		n, err = d.ReadVectorHeader()
	} else {
		n, err = d.ReadCount(1)
	}
	if err != nil {
		return nil, err
	}
	switch t.Elem.Kind {
	case KindInt:
		return d.readInt32s(n)
	case KindLong:
		return d.readInt64s(n)
	}
	out := make([]any, 0, min(n, 1024))
	for i := 0; i < n; i++ {
		v, err := r.decodeValue(d, dc, *t.Elem)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *Registry) decodePacked(d *Decoder, dc *depthContext, typeName string) (*Object, error) {
	packed, err := d.ReadBytes()
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, d.formatf("gzip_packed: %v", err)
	}
	defer zr.Close()
	plain, err := io.ReadAll(io.LimitReader(zr, int64(r.limits.MaxUnpacked)+1))
	if err != nil {
		return nil, d.formatf("gzip_packed: %v", err)
	}
	if len(plain) > r.limits.MaxUnpacked {
		return nil, d.formatf("gzip_packed: inflated size exceeds %d", r.limits.MaxUnpacked)
	}
	inner := NewDecoderAt(plain, 0, r.limits)
	o, err := r.decodeBoxed(inner, dc, typeName)
	if errors.Is(err, wire.ErrIncomplete) {
		// The packed blob was complete, so a short inner object is malformed.
		return nil, d.formatf("gzip_packed: truncated inner object")
	}
	return o, err
}

// Pack wraps an encoded object in gzip_packed.
func Pack(encoded []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(encoded); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	e := NewEncoderWithCap(buf.Len() + 8)
	e.WriteUint32(GzipPackedID)
	e.WriteBytes(buf.Bytes())
	return e.Bytes(), nil
}
