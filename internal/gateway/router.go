package gateway

import (
	"fmt"
	"sort"
	"sync"
)

// MethodRouter maps method names to owning connections. Invariant: every
// method name is owned by exactly one connection at any moment.
type MethodRouter struct {
	mu      sync.RWMutex
	owners  map[string]string   // method → connID
	methods map[string][]string // connID → methods it owns
}

// NewMethodRouter creates an empty router.
func NewMethodRouter() *MethodRouter {
	return &MethodRouter{
		owners:  make(map[string]string),
		methods: make(map[string][]string),
	}
}

// Claim assigns methods to a connection. A method already owned by a
// different connection is a conflict and fails the whole claim; methods the
// same connection re-declares are fine.
func (r *MethodRouter) Claim(connID string, methods []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range methods {
		if owner, ok := r.owners[m]; ok && owner != connID {
			return fmt.Errorf("method %q already owned by another service", m)
		}
	}
	for _, m := range methods {
		if r.owners[m] != connID {
			r.owners[m] = connID
			r.methods[connID] = append(r.methods[connID], m)
		}
	}
	return nil
}

// Resolve returns the owning connection for a method.
func (r *MethodRouter) Resolve(method string) (connID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok = r.owners[method]
	return connID, ok
}

// RemoveOwner drops every method owned by the connection.
func (r *MethodRouter) RemoveOwner(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.methods[connID] {
		if r.owners[m] == connID {
			delete(r.owners, m)
		}
	}
	delete(r.methods, connID)
}

// Methods returns all currently routable method names, sorted.
func (r *MethodRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.owners))
	for m := range r.owners {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
