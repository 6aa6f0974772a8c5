// Package connectors holds the target-system connector registry and the
// built-in connector implementations.
package connectors

import (
	"context"
	"sort"
	"sync"

	"github.com/identigate/identigate/pkg/core"
)

// Registry is a thread-safe name-to-connector map. Connectors register at
// startup; lookups during operation execution never mutate it.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]core.Connector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]core.Connector)}
}

// Register adds a connector under its own name. Re-registering a name fails.
func (r *Registry) Register(conn core.Connector) error {
	name := conn.Name()
	if name == "" {
		return core.NewValidationError("connector has no name", nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[name]; exists {
		return core.NewValidationError("connector already registered", nil).
			WithCode(core.ErrCodeAlreadyExists).
			WithTarget(name)
	}
	r.connectors[name] = conn
	return nil
}

// Get returns the connector for a target system.
func (r *Registry) Get(targetSystem string) (core.Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connectors[targetSystem]
	if !ok {
		return nil, core.NewConnectorError("no connector for target system", nil).
			WithCode(core.ErrCodeNotFound).
			WithTarget(targetSystem)
	}
	return conn, nil
}

// List returns the registered target-system names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TestAll probes every registered connector and returns the per-target
// reachability result.
func (r *Registry) TestAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]core.Connector, len(r.connectors))
	for name, conn := range r.connectors {
		snapshot[name] = conn
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(snapshot))
	for name, conn := range snapshot {
		results[name] = conn.TestConnection(ctx)
	}
	return results
}
