package tl

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Kind classifies a parameter type.
type Kind uint8

const (
	KindInt Kind = iota
	KindLong
	KindInt128
	KindInt256
	KindDouble
	KindString
	KindBytes
	KindBool
	KindTrue       // presence-only, gated by a flags bit, no bytes on the wire
	KindFlags      // the `#` bitmask word
	KindVector     // boxed Vector<T>
	KindBareVector // bare vector<T>, count + elements
	KindObject     // boxed object of a named type; empty name means any type
	KindBare       // bare object: predicate name, or %Type with one constructor
)

var kindNames = [...]string{
	"int", "long", "int128", "int256", "double", "string", "bytes", "Bool",
	"true", "#", "Vector", "vector", "Object", "bare",
}

// String returns the TL spelling of the kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Type is a parameter type reference.
type Type struct {
	Kind Kind
	Name string // object type or bare predicate/type name
	Elem *Type  // vector element type
}

// String renders the type as it appears in schema text.
func (t Type) String() string {
	switch t.Kind {
	case KindVector:
		return "Vector<" + t.Elem.String() + ">"
	case KindBareVector:
		return "vector<" + t.Elem.String() + ">"
	case KindObject:
		if t.Name == "" {
			return "Object"
		}
		return t.Name
	case KindBare:
		return "%" + t.Name
	default:
		return t.Kind.String()
	}
}

// Param is one field of a constructor.
//
// When Flags >= 0 the field is present on the wire only if bit FlagBit of the
// flags field at index Flags is set.
type Param struct {
	Name    string
	Type    Type
	Flags   int
	FlagBit uint
}

// Optional reports whether the param is gated by a flags bit.
func (p Param) Optional() bool {
	return p.Flags >= 0
}

// Constructor is the schema of one TL combinator.
type Constructor struct {
	ID        uint32
	Predicate string
	Type      string // result type for methods, boxed type for constructors
	Params    []Param
	Method    bool

	// flagMask[i] holds the bits of flags param i that some field claims.
	flagMask map[int]uint32
}

// String renders the constructor back to schema text.
func (c *Constructor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s#%08x", c.Predicate, c.ID)
	for _, p := range c.Params {
		b.WriteByte(' ')
		b.WriteString(p.Name)
		b.WriteByte(':')
		if p.Optional() {
			fmt.Fprintf(&b, "%s.%d?", c.Params[p.Flags].Name, p.FlagBit)
		}
		b.WriteString(p.Type.String())
	}
	b.WriteString(" = ")
	b.WriteString(c.Type)
	b.WriteByte(';')
	return b.String()
}

// Param returns the parameter with the given name.
func (c *Constructor) Param(name string) (Param, bool) {
	for _, p := range c.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

var primitiveKinds = map[string]Kind{
	"int":    KindInt,
	"long":   KindLong,
	"int128": KindInt128,
	"int256": KindInt256,
	"double": KindDouble,
	"string": KindString,
	"bytes":  KindBytes,
	"Bool":   KindBool,
	"true":   KindTrue,
	"#":      KindFlags,
}

// ParseSchema parses TL schema text into constructors.
//
// Supported: `//` comments, `---types---` / `---functions---` sections,
// explicit `#id` (required), `flags:#` words, `name:flags.N?Type` fields,
// `Vector<T>`, `vector<T>`, `%Type` bare references, `{X:Type}` generic
// declarations and `!X` arguments (decoded as any boxed object).
func ParseSchema(text string) ([]*Constructor, error) {
	var (
		out    []*Constructor
		method bool
	)
	for lineNo, line := range strings.Split(text, "\n") {
		if i := strings.Index(line, "//"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "---functions---":
			method = true
			continue
		case "---types---":
			method = false
			continue
		}
		c, err := ParseConstructor(line)
		if err != nil {
			return nil, fmt.Errorf("tl: schema line %d: %w", lineNo+1, err)
		}
		c.Method = method
		out = append(out, c)
	}
	return out, nil
}

// ParseConstructor parses a single schema combinator line.
func ParseConstructor(line string) (*Constructor, error) {
	line = strings.TrimSuffix(strings.TrimSpace(line), ";")
	lhs, rhs, ok := strings.Cut(line, "=")
	if !ok {
		return nil, fmt.Errorf("missing '=' in %q", line)
	}
	resultType := strings.TrimSpace(rhs)
	if resultType == "" {
		return nil, fmt.Errorf("missing result type in %q", line)
	}

	fields := strings.Fields(lhs)
	if len(fields) == 0 {
		return nil, fmt.Errorf("missing combinator name in %q", line)
	}
	name, idText, ok := strings.Cut(fields[0], "#")
	if !ok || name == "" {
		return nil, fmt.Errorf("combinator %q has no explicit id", fields[0])
	}
	id, err := strconv.ParseUint(idText, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("combinator %q: bad id: %w", fields[0], err)
	}

	c := &Constructor{
		ID:        uint32(id),
		Predicate: name,
		Type:      resultType,
		flagMask:  map[int]uint32{},
	}
	generics := map[string]bool{}
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "{") {
			g := strings.Trim(f, "{}")
			gname, _, _ := strings.Cut(g, ":")
			generics[gname] = true
			continue
		}
		p, err := c.parseParam(f, generics)
		if err != nil {
			return nil, err
		}
		c.Params = append(c.Params, p)
	}
	return c, nil
}

func (c *Constructor) parseParam(f string, generics map[string]bool) (Param, error) {
	pname, ptype, ok := strings.Cut(f, ":")
	if !ok || pname == "" || ptype == "" {
		return Param{}, fmt.Errorf("%s: malformed param %q", c.Predicate, f)
	}
	p := Param{Name: pname, Flags: -1}

	if cond, rest, ok := strings.Cut(ptype, "?"); ok {
		flagName, bitText, ok := strings.Cut(cond, ".")
		if !ok {
			return Param{}, fmt.Errorf("%s.%s: malformed condition %q", c.Predicate, pname, cond)
		}
		bit, err := strconv.ParseUint(bitText, 10, 5)
		if err != nil {
			return Param{}, fmt.Errorf("%s.%s: bad flag bit %q", c.Predicate, pname, bitText)
		}
		idx := -1
		for i, prev := range c.Params {
			if prev.Name == flagName && prev.Type.Kind == KindFlags {
				idx = i
			}
		}
		if idx < 0 {
			return Param{}, fmt.Errorf("%s.%s: unknown flags field %q", c.Predicate, pname, flagName)
		}
		p.Flags = idx
		p.FlagBit = uint(bit)
		c.flagMask[idx] |= 1 << bit
		ptype = rest
	}

	t, err := parseType(ptype, generics)
	if err != nil {
		return Param{}, fmt.Errorf("%s.%s: %w", c.Predicate, pname, err)
	}
	if t.Kind == KindTrue && !p.Optional() {
		return Param{}, fmt.Errorf("%s.%s: true must be flag-gated", c.Predicate, pname)
	}
	if t.Kind == KindFlags && p.Optional() {
		return Param{}, fmt.Errorf("%s.%s: flags word cannot be optional", c.Predicate, pname)
	}
	p.Type = t
	return p, nil
}

func parseType(s string, generics map[string]bool) (Type, error) {
	if k, ok := primitiveKinds[s]; ok {
		return Type{Kind: k}, nil
	}
	if strings.HasPrefix(s, "!") {
		return Type{Kind: KindObject}, nil
	}
	if generics[s] || s == "Object" {
		return Type{Kind: KindObject}, nil
	}
	for _, prefix := range []string{"Vector<", "vector<"} {
		if strings.HasPrefix(s, prefix) && strings.HasSuffix(s, ">") {
			elem, err := parseType(s[len(prefix):len(s)-1], generics)
			if err != nil {
				return Type{}, err
			}
			if elem.Kind == KindTrue || elem.Kind == KindFlags {
				return Type{}, fmt.Errorf("invalid vector element %q", s)
			}
			kind := KindVector
			if prefix == "vector<" {
				kind = KindBareVector
			}
			return Type{Kind: kind, Elem: &elem}, nil
		}
	}
	if strings.HasPrefix(s, "%") {
		return Type{Kind: KindBare, Name: s[1:]}, nil
	}
	if s == "" {
		return Type{}, fmt.Errorf("empty type")
	}
	name := s
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		name = s[i+1:]
	}
	if r := []rune(name); len(r) > 0 && unicode.IsLower(r[0]) {
		return Type{Kind: KindBare, Name: s}, nil
	}
	return Type{Kind: KindObject, Name: s}, nil
}
