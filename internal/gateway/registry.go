package gateway

import (
	"sort"
	"sync"

	"github.com/nextlevelbuilder/switchboard/pkg/protocol"
)

// Registry tracks live services and their declarations. A registration's
// lifetime is one transport connection; re-registering a service name is
// last-writer-wins, with the prior connection treated as disconnected.
type Registry struct {
	mu        sync.RWMutex
	byService map[string]*registration
	byConn    map[string]*registration
}

type registration struct {
	reg    protocol.ServiceRegistration
	connID string
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{
		byService: make(map[string]*registration),
		byConn:    make(map[string]*registration),
	}
}

// Register records a service declaration for a connection. It returns the
// connection id of a displaced prior registration ("" when there was none).
func (r *Registry) Register(connID string, reg protocol.ServiceRegistration) (displacedConn string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.byService[reg.Service]; ok && prior.connID != connID {
		displacedConn = prior.connID
		delete(r.byConn, prior.connID)
	}
	entry := &registration{reg: reg, connID: connID}
	r.byService[reg.Service] = entry
	r.byConn[connID] = entry
	return displacedConn
}

// UnregisterConn removes whatever service the connection had registered and
// returns its name ("" if the connection never registered).
func (r *Registry) UnregisterConn(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byConn[connID]
	if !ok {
		return ""
	}
	delete(r.byConn, connID)
	if cur, ok := r.byService[entry.reg.Service]; ok && cur.connID == connID {
		delete(r.byService, entry.reg.Service)
	}
	return entry.reg.Service
}

// ServiceForConn returns the service name registered on a connection.
func (r *Registry) ServiceForConn(connID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.byConn[connID]; ok {
		return entry.reg.Service
	}
	return ""
}

// Services returns the sorted names of all registered services.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byService))
	for name := range r.byService {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
