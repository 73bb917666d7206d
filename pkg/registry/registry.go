// Package registry holds the versioned catalogue of component and action
// declarations plus the handler bound to each action. Declarations may carry
// an @suffix version tag; unversioned lookups resolve to the greatest suffix
// in lexicographic order.
package registry

import (
	"sort"
	"strings"
	"sync"

	"warden/pkg/models"
)

// Registry is the declaration catalogue consumed by the execution engine.
type Registry interface {
	RegisterComponent(c models.ComponentDeclaration)
	RegisterAction(a models.ActionDeclaration, h models.Handler)
	GetComponent(componentID string) (models.ComponentDeclaration, bool)
	GetAction(actionID string) (models.ActionDeclaration, bool)
	GetHandler(actionID string) (models.Handler, bool)
	ListComponents() []models.ComponentDeclaration
	ListActions() []models.ActionDeclaration
}

// InMemory is a mutex-guarded map-backed Registry suitable for a single
// process. Re-registering an ID replaces the prior declaration.
type InMemory struct {
	mu         sync.RWMutex
	components map[string]models.ComponentDeclaration
	actions    map[string]models.ActionDeclaration
	handlers   map[string]models.Handler
}

func NewInMemory() *InMemory {
	return &InMemory{
		components: map[string]models.ComponentDeclaration{},
		actions:    map[string]models.ActionDeclaration{},
		handlers:   map[string]models.Handler{},
	}
}

func (r *InMemory) RegisterComponent(c models.ComponentDeclaration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[c.ComponentID] = c
}

// RegisterAction binds a declaration and its handler. The handler may be nil
// for actions the engine services itself.
func (r *InMemory) RegisterAction(a models.ActionDeclaration, h models.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.ActionID] = a
	if h != nil {
		r.handlers[a.ActionID] = h
	}
}

func (r *InMemory) GetComponent(componentID string) (models.ComponentDeclaration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := resolveVersion(componentID, func(k string) bool { _, ok := r.components[k]; return ok }, r.componentKeys())
	c, ok := r.components[id]
	return c, ok
}

func (r *InMemory) GetAction(actionID string) (models.ActionDeclaration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := resolveVersion(actionID, func(k string) bool { _, ok := r.actions[k]; return ok }, r.actionKeys())
	a, ok := r.actions[id]
	return a, ok
}

func (r *InMemory) GetHandler(actionID string) (models.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id := resolveVersion(actionID, func(k string) bool { _, ok := r.actions[k]; return ok }, r.actionKeys())
	h, ok := r.handlers[id]
	return h, ok
}

func (r *InMemory) ListComponents() []models.ComponentDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ComponentDeclaration, 0, len(r.components))
	for _, c := range r.components {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ComponentID < out[j].ComponentID })
	return out
}

func (r *InMemory) ListActions() []models.ActionDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ActionDeclaration, 0, len(r.actions))
	for _, a := range r.actions {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActionID < out[j].ActionID })
	return out
}

func (r *InMemory) componentKeys() []string {
	keys := make([]string, 0, len(r.components))
	for k := range r.components {
		keys = append(keys, k)
	}
	return keys
}

func (r *InMemory) actionKeys() []string {
	keys := make([]string, 0, len(r.actions))
	for k := range r.actions {
		keys = append(keys, k)
	}
	return keys
}

// resolveVersion maps an unversioned ID to its latest registered @suffix.
// "Latest" is lexicographic, so v2 beats v10; versions are expected to stay
// single-digit or zero-padded.
func resolveVersion(id string, exists func(string) bool, keys []string) string {
	if strings.Contains(id, "@") || exists(id) {
		return id
	}
	prefix := id + "@"
	best := ""
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) && k > best {
			best = k
		}
	}
	if best == "" {
		return id
	}
	return best
}
