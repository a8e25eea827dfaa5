package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/contextmesh/pkg/schema"
)

var adjustmentRequestSchema = json.RawMessage(`{
	"type": "object",
	"required": ["customerId", "amount"],
	"properties": {
		"customerId": {"type": "string"},
		"amount": {"type": "number", "minimum": 0}
	}
}`)

var adjustmentResponseSchema = json.RawMessage(`{
	"type": "object",
	"required": ["adjustmentId"],
	"properties": {
		"adjustmentId": {"type": "string"},
		"amount": {"type": "number"}
	}
}`)

func adjustmentDescriptor() *schema.OperationDescriptor {
	return &schema.OperationDescriptor{
		OperationID:    "createBillingAdjustment",
		Method:         "POST",
		PathTemplate:   "/billing/adjustments",
		RequestSchema:  adjustmentRequestSchema,
		ResponseSchema: adjustmentResponseSchema,
	}
}

func TestValidateParamsPasses(t *testing.T) {
	v := NewValidator()
	err := v.ValidateParams(adjustmentDescriptor(), map[string]any{
		"customerId": "CUST-1",
		"amount":     75,
	})
	require.NoError(t, err)
}

func TestValidateParamsRejectsMissingRequired(t *testing.T) {
	v := NewValidator()
	err := v.ValidateParams(adjustmentDescriptor(), map[string]any{"customerId": "CUST-1"})
	require.Error(t, err)

	var me *schema.MeshError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeSchemaValidation, me.Code)
	assert.Equal(t, "createBillingAdjustment", me.OperationID)
	assert.NotEmpty(t, me.Details["violations"])
}

func TestValidateParamsRejectsWrongType(t *testing.T) {
	v := NewValidator()
	err := v.ValidateParams(adjustmentDescriptor(), map[string]any{
		"customerId": "CUST-1",
		"amount":     "seventy-five",
	})
	require.Error(t, err)
}

func TestValidateResponseContractViolation(t *testing.T) {
	v := NewValidator()
	err := v.ValidateResponse(adjustmentDescriptor(), map[string]any{"amount": 75})
	require.Error(t, err)

	var me *schema.MeshError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeContractViolation, me.Code)
	assert.False(t, me.IsRetryable(), "contract violations are not transient")
}

func TestNoSchemaAlwaysPasses(t *testing.T) {
	v := NewValidator()
	desc := &schema.OperationDescriptor{OperationID: "getCustomer"}
	require.NoError(t, v.ValidateParams(desc, map[string]any{"anything": true}))
	require.NoError(t, v.ValidateResponse(desc, map[string]any{"anything": true}))
}

func TestCompileCacheReused(t *testing.T) {
	v := NewValidator()
	desc := adjustmentDescriptor()
	for i := 0; i < 3; i++ {
		require.NoError(t, v.ValidateParams(desc, map[string]any{"customerId": "CUST-1", "amount": 1}))
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
