// Package decision produces the logic.* values workflow steps declare as
// prerequisites. Values come from declarative rules evaluated over a context
// snapshot; three expression engines are available per rule.
package decision

import "context"

// Engine evaluates one rule expression against a context snapshot. The
// snapshot exposes the five namespaces (db, state, input, logic, response)
// as top-level variables.
//
// Three implementations: CEL (guards and routing), Expr (arithmetic and
// collection logic), GoJQ (JSON reshaping).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Registry maps engine names to implementations.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry creates a Registry with the given engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[string]Engine, len(engines))}
	for _, e := range engines {
		r.engines[e.Name()] = e
	}
	return r
}

// DefaultRegistry wires all three engines.
func DefaultRegistry() (*Registry, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return NewRegistry(NewExprEngine(), celEngine, NewGoJQEngine()), nil
}

// Get returns the named engine, or nil when unknown.
func (r *Registry) Get(name string) Engine {
	return r.engines[name]
}
