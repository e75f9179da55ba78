// Package registry implements C1: a name-to-implementation map with
// lifecycle-aware default-registration proxies, the runtime plug-in
// mechanism every other component is discovered through.
package registry

import (
	"fmt"
	"sync"

	"github.com/hearthnet/fleet/pkg/types"
)

// Constructor builds a fresh instance on every call. Registrations
// backed by a Constructor are never cached or proxied — each lookup
// gets a brand-new value, matching the spec's "constructor-style
// registrations get fresh instances without proxying" rule.
type Constructor func() (any, error)

// Registration is one named binding under a service type.
type Registration struct {
	ServiceType string
	Name        string
	Owner       string // plug-in/package that registered this, for UnregisterAllByOwner

	singleton   bool
	instance    any
	constructor Constructor
}

// Instance returns this registration's value: the cached singleton
// for singleton-style registrations, or a freshly built value for
// constructor-style ones.
func (r *Registration) Instance() (any, error) {
	if r.singleton {
		return r.instance, nil
	}
	return r.constructor()
}

// Registry holds every registration, grouped by service type, plus
// which registration is the default for each service type.
type Registry struct {
	mu       sync.RWMutex
	byType   map[string]map[string]*Registration
	defaults map[string]string
	order    map[string][]string // insertion order per service type, for first-registration-is-default
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byType:   make(map[string]map[string]*Registration),
		defaults: make(map[string]string),
		order:    make(map[string][]string),
	}
}

// Register adds a singleton-style registration: instance is returned
// as-is on every lookup. The first registration of a service type
// becomes its default automatically.
func (r *Registry) Register(serviceType, name, owner string, instance any) *Registration {
	reg := &Registration{ServiceType: serviceType, Name: name, Owner: owner, singleton: true, instance: instance}
	r.insert(serviceType, name, reg)
	return reg
}

// RegisterConstructor adds a constructor-style registration: every
// Instance() call invokes ctor fresh, with no caching or proxying.
func (r *Registry) RegisterConstructor(serviceType, name, owner string, ctor Constructor) *Registration {
	reg := &Registration{ServiceType: serviceType, Name: name, Owner: owner, singleton: false, constructor: ctor}
	r.insert(serviceType, name, reg)
	return reg
}

func (r *Registry) insert(serviceType, name string, reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byType[serviceType] == nil {
		r.byType[serviceType] = make(map[string]*Registration)
	}
	r.byType[serviceType][name] = reg
	r.order[serviceType] = append(r.order[serviceType], name)

	if _, hasDefault := r.defaults[serviceType]; !hasDefault {
		r.defaults[serviceType] = name
	}
}

// Registration looks up one binding by service type and name.
func (r *Registry) Registration(serviceType, name string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byType[serviceType][name]
	return reg, ok
}

// Registrations returns every binding under a service type, in
// registration order.
func (r *Registry) Registrations(serviceType string) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.order[serviceType]
	out := make([]*Registration, 0, len(names))
	for _, name := range names {
		if reg, ok := r.byType[serviceType][name]; ok {
			out = append(out, reg)
		}
	}
	return out
}

// MarkAsDefault makes (serviceType, name) the default registration
// for serviceType. Returns an error if no such registration exists.
func (r *Registry) MarkAsDefault(serviceType, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byType[serviceType][name]; !ok {
		return fmt.Errorf("registry: no registration %q for service type %q", name, serviceType)
	}
	r.defaults[serviceType] = name
	return nil
}

// Unregister removes one binding.
func (r *Registry) Unregister(serviceType, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byType[serviceType], name)
	r.order[serviceType] = removeName(r.order[serviceType], name)
	if r.defaults[serviceType] == name {
		delete(r.defaults, serviceType)
		if remaining := r.order[serviceType]; len(remaining) > 0 {
			r.defaults[serviceType] = remaining[0]
		}
	}
}

// UnregisterAllByOwner removes every registration whose Owner
// matches, across every service type.
func (r *Registry) UnregisterAllByOwner(owner string) {
	r.mu.Lock()
	var toRemove []struct{ serviceType, name string }
	for serviceType, byName := range r.byType {
		for name, reg := range byName {
			if reg.Owner == owner {
				toRemove = append(toRemove, struct{ serviceType, name string }{serviceType, name})
			}
		}
	}
	r.mu.Unlock()

	for _, e := range toRemove {
		r.Unregister(e.serviceType, e.name)
	}
}

func removeName(names []string, target string) []string {
	out := names[:0]
	for _, n := range names {
		if n != target {
			out = append(out, n)
		}
	}
	return out
}

// DefaultHandle is a proxy onto whichever registration is currently
// the default for T's service type. Per §9's guidance for languages
// without dynamic proxies, it never caches the resolved instance —
// every Instance() call re-resolves the default, so a default swap
// is observed immediately by every existing handle.
type DefaultHandle[T any] struct {
	r           *Registry
	serviceType string
}

// DefaultRegistration returns a handle tracking serviceType's current
// default registration, asserting each resolved instance to T.
func DefaultRegistration[T any](r *Registry, serviceType string) *DefaultHandle[T] {
	return &DefaultHandle[T]{r: r, serviceType: serviceType}
}

// Instance resolves the current default and asserts it to T. If the
// default was swapped to a registration of a different concrete
// type, this returns ErrRegistryAbsent rather than silently handing
// back a mismatched value.
func (h *DefaultHandle[T]) Instance() (T, error) {
	var zero T

	h.r.mu.RLock()
	name, ok := h.r.defaults[h.serviceType]
	var reg *Registration
	if ok {
		reg = h.r.byType[h.serviceType][name]
	}
	h.r.mu.RUnlock()

	if reg == nil {
		return zero, fmt.Errorf("registry: no default registration for service type %q", h.serviceType)
	}

	raw, err := reg.Instance()
	if err != nil {
		return zero, fmt.Errorf("registry: build default instance for %q: %w", h.serviceType, err)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, types.ErrRegistryAbsent
	}
	return v, nil
}
