package decision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/contextmesh/pkg/schema"
)

func snapshot() map[string]any {
	return map[string]any{
		"db": map[string]any{
			"customer": map[string]any{"id": "CUST-1", "tier": "gold"},
			"invoice":  map[string]any{"total": 120.5, "disputed_amount": 75.0},
		},
		"state":    map[string]any{},
		"input":    map[string]any{"ticket": map[string]any{"severity": "high"}},
		"logic":    map[string]any{},
		"response": map[string]any{},
	}
}

func TestExprEngineEvaluates(t *testing.T) {
	e := NewExprEngine()
	out, err := e.Evaluate(context.Background(), `db.invoice.disputed_amount * 1.0`, snapshot())
	require.NoError(t, err)
	assert.Equal(t, 75.0, out)
}

func TestExprEngineCompileError(t *testing.T) {
	e := NewExprEngine()
	_, err := e.Evaluate(context.Background(), `db.invoice.total +`, snapshot())
	require.Error(t, err)
	var me *schema.MeshError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeValidation, me.Code)
}

func TestCELEngineEvaluates(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `db.customer.tier == "gold" && input.ticket.severity == "high"`, snapshot())
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngineMissingNamespaceDefaultsEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(response) == 0`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestGoJQEngineEvaluates(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `.db.invoice.disputed_amount`, snapshot())
	require.NoError(t, err)
	assert.Equal(t, 75.0, out)
}

func TestGoJQEngineNormalizesIntegers(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"logic": map[string]any{"count": 3}}
	out, err := e.Evaluate(context.Background(), `.logic.count + 1`, data)
	require.NoError(t, err)
	assert.Equal(t, 4.0, out)
}

func TestRuleSetDecide(t *testing.T) {
	registry, err := DefaultRegistry()
	require.NoError(t, err)

	rs, err := NewRuleSet(registry, []Rule{
		{Key: "recommended_credit_amount", Engine: "jq", Expression: `.db.invoice.disputed_amount`},
		{Key: "escalate", Engine: "cel", Expression: `input.ticket.severity == "high"`},
	}, nil)
	require.NoError(t, err)

	values, err := rs.Decide(context.Background(), "createBillingAdjustment",
		[]string{"recommended_credit_amount", "escalate"}, snapshot())
	require.NoError(t, err)
	assert.Equal(t, 75.0, values["recommended_credit_amount"])
	assert.Equal(t, true, values["escalate"])
}

func TestRuleSetMissingRule(t *testing.T) {
	registry, err := DefaultRegistry()
	require.NoError(t, err)
	rs, err := NewRuleSet(registry, nil, nil)
	require.NoError(t, err)

	_, err = rs.Decide(context.Background(), "op", []string{"unknown_key"}, snapshot())
	require.Error(t, err)
	var me *schema.MeshError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeDecision, me.Code)
	assert.Equal(t, "op", me.OperationID)
}

func TestRuleSetRejectsDuplicateKeys(t *testing.T) {
	registry, err := DefaultRegistry()
	require.NoError(t, err)

	_, err = NewRuleSet(registry, []Rule{
		{Key: "k", Engine: "expr", Expression: "1"},
		{Key: "k", Engine: "expr", Expression: "2"},
	}, nil)
	require.Error(t, err)
}

func TestRuleSetRejectsUnknownEngine(t *testing.T) {
	registry, err := DefaultRegistry()
	require.NoError(t, err)

	_, err = NewRuleSet(registry, []Rule{{Key: "k", Engine: "lua", Expression: "1"}}, nil)
	require.Error(t, err)
}

func TestStaticDecide(t *testing.T) {
	s := &Static{Values: map[string]any{"approved": true}}

	values, err := s.Decide(context.Background(), "op", []string{"approved"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, values["approved"])

	_, err = s.Decide(context.Background(), "op", []string{"missing"}, nil)
	require.Error(t, err)
}
