package runctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/contextmesh/pkg/schema"
)

func TestNewRejectsUnknownNamespace(t *testing.T) {
	_, err := New(map[string]any{"session": map[string]any{"id": 1}})
	require.Error(t, err)
	var me *schema.MeshError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeValidation, me.Code)
}

func TestNewRejectsScalarNamespace(t *testing.T) {
	_, err := New(map[string]any{"db": "not-a-map"})
	require.Error(t, err)
}

func TestGetNestedPath(t *testing.T) {
	s, err := New(map[string]any{
		"db": map[string]any{
			"customer": map[string]any{"id": "CUST-1", "tier": "gold"},
			"invoices": []any{
				map[string]any{"number": "INV-1"},
				map[string]any{"number": "INV-2"},
			},
		},
	})
	require.NoError(t, err)

	v, ok := s.Get("db.customer.id")
	require.True(t, ok)
	assert.Equal(t, "CUST-1", v)

	v, ok = s.Get("db.invoices.1.number")
	require.True(t, ok)
	assert.Equal(t, "INV-2", v)
}

func TestGetMissingPath(t *testing.T) {
	s, err := New(map[string]any{"db": map[string]any{"customer": map[string]any{"id": "CUST-1"}}})
	require.NoError(t, err)

	cases := []string{
		"db.customer.name",     // missing leaf
		"db.order.id",          // missing intermediate
		"db.customer.id.extra", // traversal into scalar
		"db.invoices.0",        // missing sequence
		"session.id",           // unknown namespace
		"db",                   // no path portion
	}
	for _, path := range cases {
		_, ok := s.Get(path)
		assert.False(t, ok, "path %q should not resolve", path)
	}
}

func TestSetCreatesIntermediates(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	require.NoError(t, s.Set("state.retry.count", 3))
	v, ok := s.Get("state.retry.count")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestSetThroughScalarFails(t *testing.T) {
	s, err := New(map[string]any{"state": map[string]any{"flag": true}})
	require.NoError(t, err)

	err = s.Set("state.flag.nested", 1)
	require.Error(t, err)
}

func TestMergeIsShallow(t *testing.T) {
	s, err := New(map[string]any{
		"db": map[string]any{"customer": map[string]any{"id": "CUST-1", "tier": "gold"}},
	})
	require.NoError(t, err)

	require.NoError(t, s.Merge(NamespaceDB, map[string]any{
		"customer": map[string]any{"tier": "platinum"},
		"invoice":  map[string]any{"number": "INV-9"},
	}))

	v, _ := s.Get("db.customer.tier")
	assert.Equal(t, "platinum", v)
	v, _ = s.Get("db.invoice.number")
	assert.Equal(t, "INV-9", v, "keys absent from the incoming data are untouched")

	_, ok := s.Get("db.customer.id")
	assert.False(t, ok, "a merged top-level key replaces the prior subtree wholesale")
}

func TestSetResponseReplaces(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	s.SetResponse(map[string]any{"orderId": "ORD-1", "total": 10.5})
	s.SetResponse(map[string]any{"adjustmentId": "ADJ-1"})

	_, ok := s.Get("response.orderId")
	assert.False(t, ok, "previous response must be discarded")
	v, ok := s.Get("response.adjustmentId")
	require.True(t, ok)
	assert.Equal(t, "ADJ-1", v)
}

func TestLogicValuesImmutable(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	require.NoError(t, s.SetLogicValues(map[string]any{"recommended_credit_amount": 75}))

	err = s.SetLogicValues(map[string]any{"recommended_credit_amount": 100})
	require.Error(t, err)
	var me *schema.MeshError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeDecision, me.Code)

	v, _ := s.Get("logic.recommended_credit_amount")
	assert.Equal(t, 75, v)
}

func TestSetLogicValuesStripsPrefix(t *testing.T) {
	s, err := New(nil)
	require.NoError(t, err)

	require.NoError(t, s.SetLogicValues(map[string]any{"logic.approved": true}))
	v, ok := s.Get("logic.approved")
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s, err := New(map[string]any{"db": map[string]any{"customer": map[string]any{"id": "CUST-1"}}})
	require.NoError(t, err)

	snap := s.Snapshot()
	snap["db"].(map[string]any)["customer"].(map[string]any)["id"] = "MUTATED"

	v, _ := s.Get("db.customer.id")
	assert.Equal(t, "CUST-1", v)
}

func TestLookupEmptyPathReturnsNamespaceCopy(t *testing.T) {
	s, err := New(map[string]any{"input": map[string]any{"ticket": "T-1"}})
	require.NoError(t, err)

	root, ok := s.Lookup(NamespaceInput, "")
	require.True(t, ok)
	m := root.(map[string]any)
	assert.Equal(t, "T-1", m["ticket"])

	m["ticket"] = "T-2"
	v, _ := s.Get("input.ticket")
	assert.Equal(t, "T-1", v)
}
