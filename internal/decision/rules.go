package decision

import (
	"context"
	"log/slog"

	"github.com/rendis/contextmesh/pkg/schema"
)

// Rule computes one logic key from a context snapshot.
type Rule struct {
	// Key is the logic key this rule produces, without the "logic." prefix.
	Key string `json:"key" yaml:"key"`

	// Engine names the expression engine: expr, cel, or jq.
	Engine string `json:"engine" yaml:"engine"`

	// Expression is evaluated with the snapshot namespaces in scope.
	Expression string `json:"expression" yaml:"expression"`
}

// RuleSet computes requested logic keys by evaluating their rules. It is the
// deterministic stand-in for an external decision maker: steps declare which
// logic keys they need, the rule set produces them on demand.
type RuleSet struct {
	registry *Registry
	rules    map[string]Rule
	logger   *slog.Logger
}

// NewRuleSet creates a RuleSet from rules, keyed by the logic key each one
// produces. Duplicate keys are rejected.
func NewRuleSet(registry *Registry, rules []Rule, logger *slog.Logger) (*RuleSet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	byKey := make(map[string]Rule, len(rules))
	for _, rule := range rules {
		if rule.Key == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "decision rule with empty key")
		}
		if _, dup := byKey[rule.Key]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate decision rule for key %q", rule.Key)
		}
		if registry.Get(rule.Engine) == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"decision rule %q names unknown engine %q", rule.Key, rule.Engine)
		}
		byKey[rule.Key] = rule
	}
	return &RuleSet{registry: registry, rules: byKey, logger: logger}, nil
}

// Decide evaluates the rules for every required logic key and returns the
// computed values. A required key with no rule, or a rule evaluation failure,
// is a decision error: the step that demanded the key cannot proceed.
func (rs *RuleSet) Decide(ctx context.Context, operationID string, required []string, snapshot map[string]any) (map[string]any, error) {
	values := make(map[string]any, len(required))
	for _, key := range required {
		rule, ok := rs.rules[key]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeDecision,
				"no decision rule produces logic key %q", key).
				WithOperation(operationID)
		}

		engine := rs.registry.Get(rule.Engine)
		value, err := engine.Evaluate(ctx, rule.Expression, snapshot)
		if err != nil {
			if me, isMesh := err.(*schema.MeshError); isMesh {
				return nil, me.WithOperation(operationID)
			}
			return nil, schema.NewErrorf(schema.ErrCodeDecision,
				"rule for %q failed: %s", key, err.Error()).
				WithOperation(operationID).WithCause(err)
		}

		rs.logger.DebugContext(ctx, "decision rule evaluated",
			slog.String("key", key),
			slog.String("engine", engine.Name()),
			slog.String("operation_id", operationID))
		values[key] = value
	}
	return values, nil
}
