// Package registry holds the worker's task definitions: the mapping from
// task name to handler and execution options consulted on every dispatch.
package registry

import (
	"errors"
	"sort"
	"sync"

	"github.com/phietala/belt/pkg/api"
)

// Registry maps task names to definitions. Registration happens during
// worker setup; once Freeze is called the registry is read-only and safe
// for lock-cheap concurrent lookups from the dispatch path.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]*api.TaskDefinition
	frozen bool
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tasks: make(map[string]*api.TaskDefinition)}
}

// Register validates def and adds it under its name.
func (r *Registry) Register(def api.TaskDefinition) error {
	if def.Name == "" {
		return errors.New("task name is required")
	}
	if def.Handler == nil {
		return errors.New("task handler is required")
	}
	if def.Limits.Soft > 0 && def.Limits.Hard > 0 && def.Limits.Soft > def.Limits.Hard {
		return errors.New("soft time limit exceeds hard time limit")
	}
	if def.RateLimit != nil && (def.RateLimit.Limit <= 0 || def.RateLimit.Window <= 0) {
		return errors.New("rate limit requires a positive limit and window")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return api.ErrRegistryFrozen
	}
	if _, exists := r.tasks[def.Name]; exists {
		return &api.DuplicateTaskError{Name: def.Name}
	}

	d := def
	r.tasks[def.Name] = &d
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (*api.TaskDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tasks[name]
	if !ok {
		return nil, &api.UnknownTaskError{Name: name}
	}
	return def, nil
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Freeze seals the registry. Later Register calls fail with
// ErrRegistryFrozen; Lookup is unaffected. Workers freeze before they
// start consuming.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}
