package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mtwire/mtwire/pkg/tl"
)

// ErrNoHandler is returned by a Mux for messages nothing is registered for.
// The server drops such messages without closing the connection.
var ErrNoHandler = errors.New("gateway: no handler")

// Request is one inbound message.
type Request struct {
	Conn     ConnInfo
	Envelope *tl.Envelope

	// MsgID and Object are set for unencrypted messages. Object is the
	// innermost query once invokeWithLayer and similar wrappers are removed.
	MsgID  int64
	Object *tl.Object
	// Wrappers lists the predicates that were unwrapped, outermost first.
	Wrappers []string
}

// Handler answers decoded unencrypted messages. A nil object means no reply.
type Handler interface {
	ServeTL(ctx context.Context, req *Request) (*tl.Object, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) (*tl.Object, error)

// ServeTL calls f.
func (f HandlerFunc) ServeTL(ctx context.Context, req *Request) (*tl.Object, error) {
	return f(ctx, req)
}

// EncryptedHandler answers encrypted messages. It receives the envelope
// untouched and returns a complete frame payload, or nil for no reply.
type EncryptedHandler interface {
	ServeEncrypted(ctx context.Context, req *Request) ([]byte, error)
}

// wrapperDepth bounds nested invoke wrappers.
const wrapperDepth = 8

// wrappers are constructors whose query field carries the real call.
var wrappers = map[string]bool{
	"invokeWithLayer":      true,
	"invokeWithoutUpdates": true,
	"invokeAfterMsg":       true,
	"initConnection":       true,
}

// Mux routes messages by constructor id.
type Mux struct {
	registry *tl.Registry

	mu        sync.RWMutex
	handlers  map[uint32]Handler
	encrypted EncryptedHandler
}

// NewMux creates a mux over registry with the built-in ping handler.
func NewMux(registry *tl.Registry) *Mux {
	m := &Mux{registry: registry, handlers: map[uint32]Handler{}}
	if err := m.HandleFunc("ping", m.ping); err != nil {
		panic(err)
	}
	return m
}

// Registry returns the registry the mux resolves predicates against.
func (m *Mux) Registry() *tl.Registry {
	return m.registry
}

// Handle registers h for predicate, replacing any earlier handler.
func (m *Mux) Handle(predicate string, h Handler) error {
	c, ok := m.registry.LookupPredicate(predicate)
	if !ok {
		return fmt.Errorf("gateway: unknown predicate %q", predicate)
	}
	m.mu.Lock()
	m.handlers[c.ID] = h
	m.mu.Unlock()
	return nil
}

// HandleFunc registers f for predicate.
func (m *Mux) HandleFunc(predicate string, f func(ctx context.Context, req *Request) (*tl.Object, error)) error {
	return m.Handle(predicate, HandlerFunc(f))
}

// HandleEncrypted sets the handler for encrypted messages.
func (m *Mux) HandleEncrypted(h EncryptedHandler) {
	m.mu.Lock()
	m.encrypted = h
	m.mu.Unlock()
}

// ServeTL unwraps invoke wrappers and calls the handler registered for the
// inner query.
func (m *Mux) ServeTL(ctx context.Context, req *Request) (*tl.Object, error) {
	obj := req.Object
	for i := 0; obj != nil && wrappers[obj.Predicate()]; i++ {
		if i == wrapperDepth {
			return nil, fmt.Errorf("gateway: more than %d nested wrappers", wrapperDepth)
		}
		req.Wrappers = append(req.Wrappers, obj.Predicate())
		obj = obj.Object("query")
	}
	if obj == nil {
		return nil, fmt.Errorf("gateway: wrapper without query")
	}
	req.Object = obj

	m.mu.RLock()
	h := m.handlers[obj.ID()]
	m.mu.RUnlock()
	if h == nil {
		return nil, ErrNoHandler
	}
	return h.ServeTL(ctx, req)
}

// ServeEncrypted forwards to the handler set with HandleEncrypted.
func (m *Mux) ServeEncrypted(ctx context.Context, req *Request) ([]byte, error) {
	m.mu.RLock()
	h := m.encrypted
	m.mu.RUnlock()
	if h == nil {
		return nil, ErrNoHandler
	}
	return h.ServeEncrypted(ctx, req)
}

func (m *Mux) ping(_ context.Context, req *Request) (*tl.Object, error) {
	pong, err := m.registry.New("pong")
	if err != nil {
		return nil, err
	}
	return pong.Set("msg_id", req.MsgID).Set("ping_id", req.Object.Long("ping_id")), nil
}
