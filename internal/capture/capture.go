// Package capture archives the opening bytes of connections that ended in
// a protocol error, so they can be replayed through the decoder offline.
package capture

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a capture doesn't exist.
var ErrNotFound = errors.New("capture: not found")

// ErrTooLarge is returned when a capture exceeds the store's size limit.
var ErrTooLarge = errors.New("capture: too large")

// DefaultMaxBytes caps how much of a connection is kept.
const DefaultMaxBytes = 64 << 10

// Store is the interface for capture storage backends.
type Store interface {
	// Save stores rec and returns its id.
	Save(ctx context.Context, rec *Record) (id string, err error)

	// Load returns the capture stored under id.
	Load(ctx context.Context, id string) (*Record, error)

	// Cleanup removes captures older than maxAge and reports how many.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

// Record is one captured connection.
type Record struct {
	ID       string `json:"id"`
	ConnID   uint64 `json:"conn_id"`
	Listener string `json:"listener"`
	Remote   string `json:"remote"`
	// Transport is the detected transport, empty when detection failed.
	Transport string    `json:"transport,omitempty"`
	Error     string    `json:"error"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
	// Truncated is set when the connection sent more than was kept.
	Truncated bool `json:"truncated,omitempty"`

	// Data holds the raw bytes the client sent, from the first byte on.
	Data []byte `json:"-"`
}

// Buffer keeps the first max bytes written to it.
type Buffer struct {
	max       int
	data      []byte
	truncated bool
}

// NewBuffer creates a buffer. max <= 0 means DefaultMaxBytes.
func NewBuffer(max int) *Buffer {
	if max <= 0 {
		max = DefaultMaxBytes
	}
	return &Buffer{max: max}
}

// Write appends as much of p as fits. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	room := b.max - len(b.data)
	if len(p) > room {
		b.truncated = true
		p = p[:room]
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Bytes returns the kept bytes.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Truncated reports whether bytes were dropped.
func (b *Buffer) Truncated() bool {
	return b.truncated
}

// newID returns a sortable capture id: UTC time plus random suffix.
func newID(at time.Time) string {
	b := make([]byte, 6)
	rand.Read(b)
	return at.UTC().Format("20060102T150405") + "-" + hex.EncodeToString(b)
}

func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// Open returns the store a location names: s3://bucket/prefix selects S3,
// anything else is a directory.
func Open(location string, opts S3Options, maxSize int) (Store, error) {
	rest, ok := strings.CutPrefix(location, "s3://")
	if !ok {
		return NewDiskStore(location, maxSize)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return nil, errors.New("capture: s3 location without a bucket")
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return NewS3Store(NewS3Client(opts), bucket, prefix, maxSize), nil
}
