package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownType is returned by Resolve for an engine type with no client.
var ErrUnknownType = errors.New("unknown engine type")

// TypeInfo pairs an engine type with its capabilities.
type TypeInfo struct {
	Type         string       `json:"type"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds one engine client per engine type.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]Engine),
	}
}

// Register adds the client for an engine type, replacing any previous one.
func (r *Registry) Register(engineType string, e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[engineType] = e
}

// Resolve returns the client for the given engine type.
func (r *Registry) Resolve(engineType string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.engines[engineType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, engineType)
	}
	return e, nil
}

// Has reports whether a client is registered for engineType.
func (r *Registry) Has(engineType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.engines[engineType]
	return ok
}

// List returns every registered engine type, sorted by type for a stable API
// response.
func (r *Registry) List() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]TypeInfo, 0, len(r.engines))
	for typ, e := range r.engines {
		infos = append(infos, TypeInfo{
			Type:         typ,
			Capabilities: e.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}
