// Package fetch implements declarative data hydration: a name-keyed registry
// of providers that turn a declarative query into zero or more result records,
// and the step-level hydration algorithm that binds those records into the
// variable scope before an activity runs.
package fetch

import (
	"context"
	"sort"
	"sync"

	"github.com/flowstep-io/flowstep/internal/platform"
	"github.com/flowstep-io/flowstep/pkg/schema"
)

// Provider turns a declarative, already variable-resolved query into a list of
// result records. Implementations must respect the limit when positive;
// callers apply post-processing such as single-result unwrapping.
type Provider interface {
	Fetch(ctx context.Context, query any, limit int) ([]any, error)
}

// Factory constructs a provider bound to a platform client.
type Factory func(client *platform.Client) Provider

type instanceKey struct {
	name   string
	client *platform.Client
}

// Registry maps provider names to factories. It is populated at process
// start-up and read-only during step execution; provider instances are
// constructed lazily per (name, client) pair.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	instances map[instanceKey]Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[instanceKey]Provider),
	}
}

// Register binds a factory to a name. Re-registering a name overwrites the
// previous factory: last registration wins.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
	// Invalidate instances built from the replaced factory.
	for key := range r.instances {
		if key.name == name {
			delete(r.instances, key)
		}
	}
}

// Get returns the provider for the spec's name, constructing it on first use
// for the given client.
func (r *Registry) Get(client *platform.Client, spec schema.FetchSpec) (Provider, error) {
	key := instanceKey{name: spec.Provider, client: client}

	r.mu.RLock()
	if p, ok := r.instances[key]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	factory, ok := r.factories[spec.Provider]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownProvider,
			"no fetch provider registered under %q; available: %v", spec.Provider, r.Names())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.instances[key]; ok {
		return p, nil
	}
	p := factory(client)
	r.instances[key] = p
	return p, nil
}

// Has reports whether a factory is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
