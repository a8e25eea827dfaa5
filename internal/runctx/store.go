package runctx

import (
	"strconv"
	"strings"

	"github.com/rendis/contextmesh/pkg/schema"
)

// Namespace names. The set is fixed and exhaustive: templates may reference
// no other top-level namespace.
const (
	NamespaceDB       = "db"
	NamespaceState    = "state"
	NamespaceInput    = "input"
	NamespaceLogic    = "logic"
	NamespaceResponse = "response"
)

// Namespaces lists the five fixed namespaces in canonical order.
var Namespaces = []string{NamespaceDB, NamespaceState, NamespaceInput, NamespaceLogic, NamespaceResponse}

// Store holds the per-run context: five fixed namespaces of arbitrarily
// nested mapping/sequence/scalar data. One Store per workflow run; steps
// within a run execute sequentially, so the Store is not locked.
type Store struct {
	namespaces map[string]map[string]any
}

// New creates a Store seeded from the caller-supplied initial context.
// Initial data may populate db, state, input, and logic; unknown top-level
// keys are rejected.
func New(initial map[string]any) (*Store, error) {
	s := &Store{namespaces: make(map[string]map[string]any, len(Namespaces))}
	for _, ns := range Namespaces {
		s.namespaces[ns] = make(map[string]any)
	}

	for key, value := range initial {
		ns, ok := s.namespaces[key]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"unknown context namespace %q; valid namespaces: %s", key, strings.Join(Namespaces, ", "))
		}
		data, ok := value.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"namespace %q must be a mapping, got %T", key, value)
		}
		deepMerge(ns, data)
	}

	return s, nil
}

// Get resolves a full dotted path ("db.customer.id"). The second return is
// false when the namespace is unknown or any segment is missing; traversal
// never panics.
func (s *Store) Get(path string) (any, bool) {
	ns, rest, ok := splitNamespace(path)
	if !ok {
		return nil, false
	}
	return s.Lookup(ns, rest)
}

// Lookup resolves a path within one namespace. Missing intermediate keys,
// out-of-range indices, and traversal into scalars all yield (nil, false).
func (s *Store) Lookup(namespace, path string) (any, bool) {
	root, ok := s.namespaces[namespace]
	if !ok {
		return nil, false
	}
	if path == "" {
		return deepCopyMap(root), true
	}
	return traverse(root, path)
}

// Set writes a value at a full dotted path, creating intermediate mappings
// as needed. Writing through an existing non-mapping value is an error.
func (s *Store) Set(path string, value any) error {
	ns, rest, ok := splitNamespace(path)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid context path %q: expected namespace.path", path)
	}
	root, known := s.namespaces[ns]
	if !known {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unknown context namespace %q; valid namespaces: %s", ns, strings.Join(Namespaces, ", "))
	}

	segments := strings.Split(rest, ".")
	current := root
	for _, seg := range segments[:len(segments)-1] {
		next, exists := current[seg]
		if !exists {
			child := make(map[string]any)
			current[seg] = child
			current = child
			continue
		}
		child, isMap := next.(map[string]any)
		if !isMap {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"cannot set %q: segment %q holds a non-mapping value", path, seg)
		}
		current = child
	}
	current[segments[len(segments)-1]] = value
	return nil
}

// Has reports whether a full dotted path resolves to a value.
func (s *Store) Has(path string) bool {
	_, ok := s.Get(path)
	return ok
}

// Merge shallow-merges data at a namespace root: each top-level key of data
// replaces the namespace's key wholesale. Used for response publication into
// db on context-refreshing operations.
func (s *Store) Merge(namespace string, data map[string]any) error {
	root, ok := s.namespaces[namespace]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unknown context namespace %q", namespace)
	}
	for key, value := range data {
		root[key] = deepCopyAny(value)
	}
	return nil
}

// SetResponse replaces the response namespace with the latest call's body.
// Prior response contents are discarded, per step.
func (s *Store) SetResponse(body map[string]any) {
	replacement := make(map[string]any, len(body))
	deepMerge(replacement, body)
	s.namespaces[NamespaceResponse] = replacement
}

// SetLogicValues writes decision-maker outputs into the logic namespace.
// Keys may carry an optional "logic." prefix. Once written, a logic key is
// immutable for the remainder of the run.
func (s *Store) SetLogicValues(values map[string]any) error {
	logic := s.namespaces[NamespaceLogic]
	for key, value := range values {
		key = strings.TrimPrefix(key, NamespaceLogic+".")
		if _, exists := traverse(logic, key); exists {
			return schema.NewErrorf(schema.ErrCodeDecision,
				"logic value %q already set; logic keys are immutable for the run", key)
		}
		if err := s.Set(NamespaceLogic+"."+key, value); err != nil {
			return err
		}
	}
	return nil
}

// LogicValues returns a deep copy of the logic namespace for the caller's
// end-of-run audit snapshot.
func (s *Store) LogicValues() map[string]any {
	return deepCopyMap(s.namespaces[NamespaceLogic])
}

// Snapshot returns a deep copy of the entire context keyed by namespace.
func (s *Store) Snapshot() map[string]any {
	snap := make(map[string]any, len(s.namespaces))
	for ns, data := range s.namespaces {
		snap[ns] = deepCopyMap(data)
	}
	return snap
}

// splitNamespace splits "db.customer.id" into ("db", "customer.id").
func splitNamespace(path string) (namespace, rest string, ok bool) {
	idx := strings.IndexByte(path, '.')
	if idx <= 0 || idx == len(path)-1 {
		return "", "", false
	}
	return path[:idx], path[idx+1:], true
}

// traverse walks dotted segments through nested mappings and sequences.
// Numeric segments index into sequences. Any miss returns (nil, false).
func traverse(root any, path string) (any, bool) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// deepMerge merges source into target, recursing where both sides are mappings.
func deepMerge(target, source map[string]any) {
	for key, value := range source {
		if existing, ok := target[key].(map[string]any); ok {
			if incoming, ok := value.(map[string]any); ok {
				deepMerge(existing, incoming)
				continue
			}
		}
		target[key] = deepCopyAny(value)
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		// Scalars are value types.
		return v
	}
}
