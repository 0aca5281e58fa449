// Package registry assigns stable instance identifiers to named components
// and records the dependency graph used for ordered shutdown.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry assigns and caches instance ids per component name.
// Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]string // name → instance_id
	infos     map[string]*Info  // name → registration record
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		instances: make(map[string]string),
		infos:     make(map[string]*Info),
	}
}

// GetID returns the instance id for name, allocating one on first use.
// The id is stable for the lifetime of the registry.
func (r *Registry) GetID(name string) string {
	r.mu.RLock()
	id, ok := r.instances[name]
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Re-check under the write lock — another goroutine may have won.
	if id, ok := r.instances[name]; ok {
		return id
	}
	id = uuid.New().String()
	r.instances[name] = id
	return id
}

// Resolve returns a copy of ident with its InstanceID re-resolved through
// the registry. Callers holding stale instance ids are de-aliased to the
// canonical id for the name.
func (r *Registry) Resolve(ident Identifier) Identifier {
	ident.InstanceID = r.GetID(ident.Name)
	return ident
}

// Register records a component's metadata. Idempotent: re-registering a
// name updates its record in place. The identifier's InstanceID is assigned
// by the registry regardless of what the caller supplied.
func (r *Registry) Register(info Info) Identifier {
	info.Identifier.InstanceID = r.GetID(info.Identifier.Name)
	if info.Status == "" {
		info.Status = StatusRegistered
	}
	info.LastActive = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	name := info.Identifier.Name
	if existing, ok := r.infos[name]; ok {
		// Preserve dependents accumulated from other registrations.
		info.Dependents = existing.Dependents
	}
	r.infos[name] = &info

	// Maintain the reverse edges for each declared dependency.
	for _, dep := range info.Dependencies {
		depInfo, ok := r.infos[dep]
		if !ok {
			// Dependency not registered yet — create a placeholder record so
			// the reverse edge survives registration ordering.
			depInfo = &Info{Identifier: Identifier{Name: dep}}
			r.infos[dep] = depInfo
		}
		if !contains(depInfo.Dependents, name) {
			depInfo.Dependents = append(depInfo.Dependents, name)
		}
	}

	return info.Identifier
}

// Info returns the record for name.
func (r *Registry) Info(name string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.infos[name]
	if !ok {
		return Info{}, fmt.Errorf("component not registered: %s", name)
	}
	return *info, nil
}

// Touch updates a component's last-active timestamp and status.
func (r *Registry) Touch(name string, status ComponentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.infos[name]; ok {
		info.Status = status
		info.LastActive = time.Now()
	}
}

// Names returns all registered component names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.infos))
	for name := range r.infos {
		names = append(names, name)
	}
	return names
}

// ShutdownOrder returns component names ordered so that dependents appear
// before their dependencies — the order in which components should be
// stopped. Cycles are broken arbitrarily (logged, never fatal).
func (r *Registry) ShutdownOrder() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	visited := make(map[string]bool, len(r.infos))
	inStack := make(map[string]bool, len(r.infos))
	order := make([]string, 0, len(r.infos))

	var visit func(name string)
	visit = func(name string) {
		if visited[name] {
			return
		}
		if inStack[name] {
			slog.Warn("Dependency cycle detected in component graph", "component", name)
			return
		}
		inStack[name] = true
		info := r.infos[name]
		if info != nil {
			for _, dependent := range info.Dependents {
				visit(dependent)
			}
		}
		inStack[name] = false
		visited[name] = true
		order = append(order, name)
	}

	for name := range r.infos {
		visit(name)
	}
	return order
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
