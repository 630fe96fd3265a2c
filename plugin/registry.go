package plugin

import (
	"context"
	"sync"
)

// Factory builds a fresh, session-scoped Plugin instance. Each registered
// method owns exactly one Factory; Registry.Load calls it once per
// session, the way server/server.go's Config.Connectors constructs one
// connector.Connector per configured method.
type Factory func() (Plugin, error)

// BuiltinRegistry is an in-process Registry: every method it knows about
// runs in the daemon's own process rather than a subprocess. It's the
// registry used by default and by tests; ProcRegistry (procregistry.go)
// offers the process-isolated alternative described in SPEC_FULL.md.
type BuiltinRegistry struct {
	mu         sync.Mutex
	factories  map[string]Factory
	mechanisms map[string][]string // memoized per SPEC_FULL.md supplement 1
}

// NewBuiltinRegistry returns an empty registry; call Register for each
// method before serving traffic.
func NewBuiltinRegistry() *BuiltinRegistry {
	return &BuiltinRegistry{
		factories:  make(map[string]Factory),
		mechanisms: make(map[string][]string),
	}
}

// Register adds method, backed by factory. Calling Register twice for the
// same method replaces the previous factory and drops its memoized
// mechanism list.
func (r *BuiltinRegistry) Register(method string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[method] = factory
	delete(r.mechanisms, method)
}

func (r *BuiltinRegistry) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for m := range r.factories {
		out = append(out, m)
	}
	return out
}

func (r *BuiltinRegistry) Mechanisms(method string) ([]string, error) {
	r.mu.Lock()
	if cached, ok := r.mechanisms[method]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	factory, ok := r.factories[method]
	r.mu.Unlock()
	if !ok {
		return nil, &ErrMethodNotKnown{Method: method}
	}

	p, err := factory()
	if err != nil {
		return nil, err
	}
	defer p.Close()

	mechs := p.Mechanisms()
	r.mu.Lock()
	r.mechanisms[method] = mechs
	r.mu.Unlock()
	return mechs, nil
}

func (r *BuiltinRegistry) Load(_ context.Context, method string) (Plugin, error) {
	r.mu.Lock()
	factory, ok := r.factories[method]
	r.mu.Unlock()
	if !ok {
		return nil, &ErrMethodNotKnown{Method: method}
	}
	return factory()
}

var _ Registry = (*BuiltinRegistry)(nil)
