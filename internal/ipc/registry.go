// Package ipc implements the manager<->trader transport: a framed JSON
// protocol (internal/protocol) over Unix domain sockets, with TCP supported
// for tests. The Server side lives in each trader; the Client side in each
// manager TraderProxy.
package ipc

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// HandlerFunc handles one request op. The returned value is marshalled into
// a success response; a returned error becomes an error response carrying
// only the message text.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

// Registry maps request op names to handlers. Components register their ops
// at trader startup via their Register method, which keeps the handler map
// static and explicit.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register inserts a handler for an op name. Later registrations of the same
// op overwrite earlier ones.
func (r *Registry) Register(op string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[op] = handler
}

// Get returns the handler for an op.
func (r *Registry) Get(op string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[op]
	return h, ok
}

// Ops returns the registered op names, sorted.
func (r *Registry) Ops() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.handlers))
	for op := range r.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
