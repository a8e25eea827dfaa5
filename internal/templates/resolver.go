// Package templates resolves {{namespace.path}} expressions against a run's
// context store. Resolution is pure: it never mutates the store and never
// performs I/O.
package templates

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/contextmesh/internal/runctx"
	"github.com/rendis/contextmesh/pkg/schema"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Resolver substitutes template expressions using values from a context
// store. A zero Resolver is ready to use.
type Resolver struct{}

// New creates a Resolver.
func New() *Resolver {
	return &Resolver{}
}

// ResolveValue resolves one template value of any shape. Maps and slices are
// walked depth-first; strings are scanned for expressions; every other type
// passes through unchanged. The first unresolvable reference aborts with an
// UNRESOLVED_REFERENCE error naming the namespace and path.
func (r *Resolver) ResolveValue(value any, store *runctx.Store) (any, error) {
	switch v := value.(type) {
	case string:
		return r.resolveString(v, store)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			resolved, err := r.ResolveValue(item, store)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := r.ResolveValue(item, store)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// ResolveParams resolves a full parameter map, as declared on a step.
func (r *Resolver) ResolveParams(params map[string]any, store *runctx.Store) (map[string]any, error) {
	if len(params) == 0 {
		return map[string]any{}, nil
	}
	resolved, err := r.ResolveValue(params, store)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// resolveString handles the two substitution modes. A string that is exactly
// one expression yields the referenced value with its type intact. A string
// that mixes expressions with literal text coerces each value into the
// surrounding text.
func (r *Resolver) resolveString(s string, store *runctx.Store) (any, error) {
	if expr, ok := singleExpression(s); ok {
		value, found := store.Get(expr)
		if !found {
			return nil, unresolved(expr)
		}
		return value, nil
	}

	if !strings.Contains(s, openDelim) {
		return s, nil
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], closeDelim)
		if end < 0 {
			// Unterminated delimiter, keep the literal text.
			b.WriteString(rest)
			break
		}
		end += start

		b.WriteString(rest[:start])
		expr := strings.TrimSpace(rest[start+len(openDelim) : end])
		value, found := store.Get(expr)
		if !found {
			return nil, unresolved(expr)
		}
		b.WriteString(coerce(value))
		rest = rest[end+len(closeDelim):]
	}
	return b.String(), nil
}

// singleExpression reports whether s is exactly one {{...}} expression and,
// if so, returns its trimmed inner path.
func singleExpression(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, openDelim) || !strings.HasSuffix(trimmed, closeDelim) {
		return "", false
	}
	inner := trimmed[len(openDelim) : len(trimmed)-len(closeDelim)]
	// A second opener inside means this is composite, not single.
	if strings.Contains(inner, openDelim) || strings.Contains(inner, closeDelim) {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// coerce renders a resolved value into string context. Non-scalar values are
// marshalled inline as JSON.
func coerce(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool, int, int32, int64, float32, float64, json.Number:
		return fmt.Sprintf("%v", v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

func unresolved(expr string) *schema.MeshError {
	namespace := expr
	path := ""
	if idx := strings.IndexByte(expr, '.'); idx > 0 {
		namespace = expr[:idx]
		path = expr[idx+1:]
	}
	return schema.NewErrorf(schema.ErrCodeUnresolvedReference,
		"reference {{%s}} did not resolve", expr).
		WithDetails(map[string]any{"namespace": namespace, "path": path})
}
