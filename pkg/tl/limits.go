package tl

// Well-known constructor identifiers handled natively by the codec.
const (
	VectorID     uint32 = 0x1cb5c415
	BoolTrueID   uint32 = 0x997275b5
	BoolFalseID  uint32 = 0xbc799737
	GzipPackedID uint32 = 0x3072cfa1
)

const longStringMarker = 254

var zeroPad [4]byte

// Int128 is a 128-bit TL value kept in wire byte order.
type Int128 [16]byte

// Int256 is a 256-bit TL value kept in wire byte order.
type Int256 [32]byte

// Allocation and nesting limits to bound work on untrusted input.
const (
	// DefaultMaxStringLen caps a single string or byte blob (16MB, the
	// largest length a 3-byte prefix can express).
	DefaultMaxStringLen = 1<<24 - 1

	// DefaultMaxVectorLen caps the element count of one vector.
	DefaultMaxVectorLen = 1 << 20

	// DefaultMaxDepth caps object nesting.
	DefaultMaxDepth = 64

	// DefaultMaxUnpacked caps the inflated size of gzip_packed payloads.
	DefaultMaxUnpacked = 16 << 20
)

// Limits constrains decode memory use and recursion.
type Limits struct {
	MaxStringLen int
	MaxVectorLen int
	MaxDepth     int
	MaxUnpacked  int
}

// DefaultLimits returns the default decode limits.
func DefaultLimits() Limits {
	return Limits{
		MaxStringLen: DefaultMaxStringLen,
		MaxVectorLen: DefaultMaxVectorLen,
		MaxDepth:     DefaultMaxDepth,
		MaxUnpacked:  DefaultMaxUnpacked,
	}
}

// depthContext tracks the current decoding depth for recursive structures.
type depthContext struct {
	current int
	max     int
}

// enter increments the depth and reports whether the limit was exceeded.
// The depth is only incremented on success.
func (dc *depthContext) enter() bool {
	if dc.current >= dc.max {
		return false
	}
	dc.current++
	return true
}

func (dc *depthContext) leave() {
	dc.current--
}
