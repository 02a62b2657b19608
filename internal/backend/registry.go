package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/kiln/internal/model"
)

// DriverInfo pairs a backend name with its capabilities.
type DriverInfo struct {
	Backend      model.Backend `json:"backend"`
	Capabilities Capabilities  `json:"capabilities"`
}

// Registry maps backends to the drivers that implement them.
type Registry struct {
	mu      sync.RWMutex
	drivers map[model.Backend]Driver
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[model.Backend]Driver),
	}
}

// Register adds a driver to the registry under the given backend.
func (r *Registry) Register(b model.Backend, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[b] = d
}

// Resolve returns the driver registered for b.
func (r *Registry) Resolve(b model.Backend) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[b]
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", b, ErrUnsupportedBackend)
	}
	return d, nil
}

// Backends returns the registered backends in name order.
func (r *Registry) Backends() []model.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Backend, 0, len(r.drivers))
	for b := range r.drivers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// List returns information about all registered drivers, sorted by backend
// for a stable API response.
func (r *Registry) List() []DriverInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]DriverInfo, 0, len(r.drivers))
	for b, d := range r.drivers {
		infos = append(infos, DriverInfo{
			Backend:      b,
			Capabilities: d.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Backend < infos[j].Backend
	})
	return infos
}
