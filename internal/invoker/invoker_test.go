package invoker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/contextmesh/pkg/schema"
)

func adjustmentDescriptor() *schema.OperationDescriptor {
	return &schema.OperationDescriptor{
		OperationID:  "createBillingAdjustment",
		Method:       http.MethodPost,
		PathTemplate: "/customers/{customerId}/adjustments",
		Parameters: map[string]schema.ParameterSpec{
			"customerId": {Location: schema.ParameterInPath, Required: true},
			"amount":     {Location: schema.ParameterInBody, Required: true},
			"reason":     {Location: schema.ParameterInBody},
		},
		ResponseSchema: json.RawMessage(`{
			"type": "object",
			"required": ["adjustmentId"],
			"properties": {"adjustmentId": {"type": "string"}, "amount": {"type": "number"}}
		}`),
	}
}

func noRetry() *schema.RetryPolicy {
	return &schema.RetryPolicy{MaxAttempts: 1}
}

func newInvoker(baseURL string) *Invoker {
	return New(Config{BaseURL: baseURL, Timeout: 2 * time.Second}, nil, nil, nil)
}

func TestInvokeSuccess(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"adjustmentId": "ADJ-9", "amount": 75})
	}))
	defer srv.Close()

	result := newInvoker(srv.URL).Invoke(context.Background(), adjustmentDescriptor(), map[string]any{
		"customerId": "CUST-1",
		"amount":     75,
		"reason":     "late delivery",
	}, noRetry())

	require.Nil(t, result.Error)
	assert.Equal(t, schema.StepStatusSucceeded, result.Status)
	assert.Equal(t, http.StatusCreated, result.StatusCode)
	assert.Equal(t, "/customers/CUST-1/adjustments", gotPath)
	assert.Equal(t, map[string]any{"amount": float64(75), "reason": "late delivery"}, gotBody)
	assert.Equal(t, "ADJ-9", result.Response["adjustmentId"])
	assert.Equal(t, 1, result.Attempts)
}

func TestInvokeQueryParams(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"items": []any{}})
	}))
	defer srv.Close()

	desc := &schema.OperationDescriptor{
		OperationID:  "listInvoices",
		Method:       http.MethodGet,
		PathTemplate: "/invoices",
		Parameters: map[string]schema.ParameterSpec{
			"status": {Location: schema.ParameterInQuery},
		},
	}
	result := newInvoker(srv.URL).Invoke(context.Background(), desc, map[string]any{
		"status": "open",
		"limit":  10, // undeclared on a GET, defaults to query
	}, noRetry())

	require.Nil(t, result.Error)
	assert.Contains(t, gotQuery, "status=open")
	assert.Contains(t, gotQuery, "limit=10")
}

func TestInvokeClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"bad request"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	result := newInvoker(srv.URL).Invoke(context.Background(), adjustmentDescriptor(), map[string]any{
		"customerId": "CUST-1",
		"amount":     75,
	}, &schema.RetryPolicy{MaxAttempts: 3, Delay: "1ms"})

	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeClientExecution, result.Error.Code)
	assert.Equal(t, schema.StepStatusFailed, result.Status)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestInvokeFailureBodyCaptured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error_code": "DUPLICATE_ADJUSTMENT",
			"message":    "customer already credited",
		})
	}))
	defer srv.Close()

	result := newInvoker(srv.URL).Invoke(context.Background(), adjustmentDescriptor(), map[string]any{
		"customerId": "CUST-1",
		"amount":     75,
	}, noRetry())

	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeClientExecution, result.Error.Code)
	assert.Equal(t, http.StatusConflict, result.StatusCode)
	assert.Equal(t, "DUPLICATE_ADJUSTMENT", result.Response["error_code"],
		"the failure body stays addressable for onFailure state updates")
}

func TestInvokeServerErrorRetriedThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"adjustmentId": "ADJ-1"})
	}))
	defer srv.Close()

	result := newInvoker(srv.URL).Invoke(context.Background(), adjustmentDescriptor(), map[string]any{
		"customerId": "CUST-1",
		"amount":     75,
	}, &schema.RetryPolicy{MaxAttempts: 3, Delay: "1ms", Backoff: "constant"})

	require.Nil(t, result.Error)
	assert.Equal(t, schema.StepStatusSucceeded, result.Status)
	assert.Equal(t, 3, result.Attempts)
}

func TestInvokeServerErrorExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	result := newInvoker(srv.URL).Invoke(context.Background(), adjustmentDescriptor(), map[string]any{
		"customerId": "CUST-1",
		"amount":     75,
	}, &schema.RetryPolicy{MaxAttempts: 2, Delay: "1ms"})

	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeTransientExecution, result.Error.Code)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, result.Attempts)
}

func TestInvokeResponseContractViolationNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"amount": 75}) // missing adjustmentId
	}))
	defer srv.Close()

	result := newInvoker(srv.URL).Invoke(context.Background(), adjustmentDescriptor(), map[string]any{
		"customerId": "CUST-1",
		"amount":     75,
	}, &schema.RetryPolicy{MaxAttempts: 3, Delay: "1ms"})

	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeContractViolation, result.Error.Code)
	assert.Equal(t, int32(1), calls.Load(), "contract violations must not be retried")
}

func TestInvokeTransportErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // closed up front, every attempt fails at the transport

	result := newInvoker(srv.URL).Invoke(context.Background(), adjustmentDescriptor(), map[string]any{
		"customerId": "CUST-1",
		"amount":     75,
	}, &schema.RetryPolicy{MaxAttempts: 2, Delay: "1ms"})

	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeTransientExecution, result.Error.Code)
	assert.Equal(t, 2, result.Attempts)
}

func TestInvokeMissingRequiredParam(t *testing.T) {
	result := newInvoker("http://unused.invalid").Invoke(context.Background(), adjustmentDescriptor(), map[string]any{
		"amount": 75,
	}, noRetry())

	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeValidation, result.Error.Code)
	assert.Zero(t, result.StatusCode, "no request may be sent with an unbound path parameter")
}

func TestInvokeNonObjectJSONWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]any{"a", "b"})
	}))
	defer srv.Close()

	desc := &schema.OperationDescriptor{OperationID: "listTags", Method: http.MethodGet, PathTemplate: "/tags"}
	result := newInvoker(srv.URL).Invoke(context.Background(), desc, nil, noRetry())

	require.Nil(t, result.Error)
	assert.Equal(t, []any{"a", "b"}, result.Response["body"])
}

func TestComputeBackoff(t *testing.T) {
	policy := &schema.RetryPolicy{Delay: "100ms", Backoff: "exponential", MaxDelay: "300ms"}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(policy, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(policy, 1))
	assert.Equal(t, 300*time.Millisecond, ComputeBackoff(policy, 2), "max_delay caps the growth")

	linear := &schema.RetryPolicy{Delay: "100ms", Backoff: "linear"}
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(linear, 1))

	assert.Zero(t, ComputeBackoff(nil, 5))
}

func TestInvokeCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := newInvoker(srv.URL).Invoke(ctx, adjustmentDescriptor(), map[string]any{
		"customerId": "CUST-1",
		"amount":     75,
	}, &schema.RetryPolicy{MaxAttempts: 3, Delay: "50ms"})

	require.NotNil(t, result.Error)
	assert.Equal(t, schema.ErrCodeCancelled, result.Error.Code)
}
