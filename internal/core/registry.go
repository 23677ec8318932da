package core

import (
	"fmt"
)

// Registry maps a service name to its adapter. It is read-only after
// startup (spec §5).
type Registry struct {
	services map[string]WrappedService
}

// NewRegistry returns an empty registry. Nested conversations (via
// ConversationInput.Converse) are always handed an empty registry to
// prevent unbounded recursion (spec §4.2, §9 "Nested conversations with
// empty sub-registry").
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]WrappedService)}
}

// AddService registers svc under name in builder style, returning the
// registry for chaining. It panics on a duplicate name, matching the
// reference's #[must_use] builder which is only ever called at startup
// with a fixed, known set of names.
func (r *Registry) AddService(name string, svc Service) *Registry {
	if _, exists := r.services[name]; exists {
		panic(fmt.Sprintf("core: service %q already registered", name))
	}
	r.services[name] = wrap(svc)
	return r
}

// Service resolves name to its adapter, or an "Unregistered service" error.
func (r *Registry) Service(name string) (WrappedService, error) {
	svc, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("%q: unregistered service", name)
	}
	return svc, nil
}
