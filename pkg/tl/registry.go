package tl

import "fmt"

// Registry indexes constructors by id, predicate and type.
//
// A Registry is built once and then only read; it is safe for concurrent
// use by any number of connections after construction.
type Registry struct {
	byID        map[uint32]*Constructor
	byPredicate map[string]*Constructor
	byType      map[string][]*Constructor
	limits      Limits
	unpack      bool
}

// NewRegistry creates an empty registry with default limits.
func NewRegistry() *Registry {
	return &Registry{
		byID:        map[uint32]*Constructor{},
		byPredicate: map[string]*Constructor{},
		byType:      map[string][]*Constructor{},
		limits:      DefaultLimits(),
	}
}

// NewCoreRegistry creates a registry preloaded with the service-level schema.
func NewCoreRegistry() *Registry {
	r := NewRegistry()
	if err := r.Parse(CoreSchema); err != nil {
		panic(err)
	}
	return r
}

// SetLimits replaces the decode limits.
func (r *Registry) SetLimits(l Limits) {
	r.limits = l
}

// Limits returns the decode limits.
func (r *Registry) Limits() Limits {
	return r.limits
}

// SetUnpack controls whether gzip_packed objects are inflated on decode.
// Unpacked objects re-encode uncompressed, so round trips stop being
// byte-exact for packed input.
func (r *Registry) SetUnpack(v bool) {
	r.unpack = v
}

// Parse adds every constructor in schema text.
func (r *Registry) Parse(text string) error {
	cs, err := ParseSchema(text)
	if err != nil {
		return err
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a constructor. Duplicate ids are rejected.
func (r *Registry) Register(c *Constructor) error {
	if c.ID == VectorID || c.ID == BoolTrueID || c.ID == BoolFalseID {
		return fmt.Errorf("tl: constructor %s uses reserved id %08x", c.Predicate, c.ID)
	}
	if prev, ok := r.byID[c.ID]; ok {
		return fmt.Errorf("tl: duplicate id %08x for %s and %s", c.ID, prev.Predicate, c.Predicate)
	}
	if c.flagMask == nil {
		c.flagMask = map[int]uint32{}
	}
	r.byID[c.ID] = c
	r.byPredicate[c.Predicate] = c
	if !c.Method {
		r.byType[c.Type] = append(r.byType[c.Type], c)
	}
	return nil
}

// Lookup returns the constructor with the given id.
func (r *Registry) Lookup(id uint32) (*Constructor, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// LookupPredicate returns the constructor with the given name.
func (r *Registry) LookupPredicate(name string) (*Constructor, bool) {
	c, ok := r.byPredicate[name]
	return c, ok
}

// Len returns the number of registered constructors.
func (r *Registry) Len() int {
	return len(r.byID)
}

// bareConstructor resolves a bare type reference to its single constructor.
func (r *Registry) bareConstructor(name string) (*Constructor, error) {
	if c, ok := r.byPredicate[name]; ok {
		return c, nil
	}
	if cs := r.byType[name]; len(cs) == 1 {
		return cs[0], nil
	}
	return nil, fmt.Errorf("tl: bare type %q does not name exactly one constructor", name)
}

// New returns an empty object for the named predicate.
func (r *Registry) New(predicate string) (*Object, error) {
	c, ok := r.byPredicate[predicate]
	if !ok {
		return nil, fmt.Errorf("tl: unknown predicate %q", predicate)
	}
	return NewObject(c), nil
}
