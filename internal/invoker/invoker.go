// Package invoker executes resolved API operations over HTTP and classifies
// their outcomes for the workflow engine.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/contextmesh/internal/validation"
	"github.com/rendis/contextmesh/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultTimeout         = 30 * time.Second
)

// Config configures the Invoker.
type Config struct {
	// BaseURL is prepended to every operation path.
	BaseURL string

	// Timeout bounds a single attempt, not the whole retry loop.
	Timeout time.Duration

	// MaxResponseBody caps how many response bytes are read.
	MaxResponseBody int64

	// BearerToken, when set, is sent as an Authorization header.
	BearerToken string

	// Headers are added to every outgoing request.
	Headers map[string]string
}

// Invoker performs HTTP invocations with schema validation and
// transient-failure retries.
type Invoker struct {
	cfg       Config
	client    *http.Client
	validator *validation.Validator
	logger    *slog.Logger
}

// New creates an Invoker. A nil client uses http.DefaultTransport.
func New(cfg Config, client *http.Client, validator *validation.Validator, logger *slog.Logger) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if client == nil {
		client = &http.Client{}
	}
	if validator == nil {
		validator = validation.NewValidator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{cfg: cfg, client: client, validator: validator, logger: logger}
}

// Invoke executes one operation with already-resolved parameters. The result
// is always non-nil; a failed invocation carries its classified error.
//
// Outcome classification:
//   - 2xx with a conformant body: succeeded
//   - 2xx violating the response schema: CONTRACT_VIOLATION, never retried
//   - 4xx: CLIENT_EXECUTION, never retried
//   - 5xx and transport failures: TRANSIENT_EXECUTION, retried per policy
func (inv *Invoker) Invoke(ctx context.Context, desc *schema.OperationDescriptor, params map[string]any, policy *schema.RetryPolicy) *schema.ExecutionResult {
	result := &schema.ExecutionResult{
		OperationID:    desc.OperationID,
		Status:         schema.StepStatusInvoking,
		ResolvedParams: params,
	}
	start := time.Now()
	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
	}()

	if err := inv.validator.ValidateParams(desc, params); err != nil {
		return fail(result, err)
	}

	reqURL, query, body, err := inv.placeParams(desc, params)
	if err != nil {
		return fail(result, err)
	}

	if policy == nil {
		p := DefaultRetryPolicy
		policy = &p
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		result.Attempts = attempt + 1
		if attempt > 0 {
			if err := WaitForBackoff(ctx, ComputeBackoff(policy, attempt-1)); err != nil {
				return fail(result, schema.NewError(schema.ErrCodeCancelled, "run cancelled while waiting to retry").
					WithOperation(desc.OperationID).WithCause(err))
			}
			inv.logger.InfoContext(ctx, "retrying operation",
				slog.String("operation_id", desc.OperationID),
				slog.Int("attempt", attempt+1))
		}

		statusCode, respBody, attemptErr := inv.attempt(ctx, desc, reqURL, query, body)
		result.StatusCode = statusCode
		// The parsed body is captured for failures too: onFailure state
		// updates template against the failure response.
		result.Response = respBody
		if attemptErr == nil {
			if verr := inv.validator.ValidateResponse(desc, respBody); verr != nil {
				return fail(result, verr)
			}
			result.Status = schema.StepStatusSucceeded
			result.Error = nil
			return result
		}

		lastErr = attemptErr
		if !IsRetryableError(attemptErr) {
			break
		}
	}

	return fail(result, lastErr)
}

// attempt performs a single HTTP exchange and classifies the status code.
func (inv *Invoker) attempt(ctx context.Context, desc *schema.OperationDescriptor, reqURL string, query url.Values, body map[string]any) (int, map[string]any, error) {
	var bodyReader io.Reader
	if len(body) > 0 {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, schema.NewError(schema.ErrCodeValidation, "marshal request body").
				WithOperation(desc.OperationID).WithCause(err)
		}
		bodyReader = strings.NewReader(string(raw))
	}

	full := reqURL
	if len(query) > 0 {
		full += "?" + query.Encode()
	}

	// The attempt runs under its own timeout, detached from run cancellation:
	// an in-flight call completes rather than leaving a remote side effect
	// unobserved. Cancellation is honored between attempts and between steps.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inv.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, desc.Method, full, bodyReader)
	if err != nil {
		return 0, nil, schema.NewError(schema.ErrCodeValidation, "build request").
			WithOperation(desc.OperationID).WithCause(err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range inv.cfg.Headers {
		req.Header.Set(k, v)
	}
	if inv.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+inv.cfg.BearerToken)
	}

	resp, err := inv.client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return 0, nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled during invocation").
				WithOperation(desc.OperationID).WithCause(err)
		}
		return 0, nil, schema.NewErrorf(schema.ErrCodeTransientExecution, "request failed: %v", err).
			WithOperation(desc.OperationID).WithCause(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, inv.cfg.MaxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, schema.NewError(schema.ErrCodeTransientExecution, "read response body").
			WithOperation(desc.OperationID).WithCause(err)
	}
	parsed := parseBody(resp.Header.Get("Content-Type"), bodyBytes)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, parsed, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return resp.StatusCode, parsed, schema.NewErrorf(schema.ErrCodeClientExecution,
			"operation rejected with status %d", resp.StatusCode).
			WithOperation(desc.OperationID).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": parsed})
	default:
		return resp.StatusCode, parsed, schema.NewErrorf(schema.ErrCodeTransientExecution,
			"provider returned status %d", resp.StatusCode).
			WithOperation(desc.OperationID).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
}

// placeParams splits resolved parameters by their declared location: path
// parameters substitute {name} segments, query parameters join the query
// string, and everything else forms the JSON body. Parameters absent from the
// descriptor default to the body for methods that carry one, otherwise query.
func (inv *Invoker) placeParams(desc *schema.OperationDescriptor, params map[string]any) (string, url.Values, map[string]any, error) {
	path := desc.PathTemplate
	query := url.Values{}
	body := map[string]any{}

	hasBody := desc.Method != http.MethodGet && desc.Method != http.MethodDelete && desc.Method != http.MethodHead

	for name, value := range params {
		spec, declared := desc.Parameters[name]
		location := spec.Location
		if !declared {
			if hasBody {
				location = schema.ParameterInBody
			} else {
				location = schema.ParameterInQuery
			}
		}

		switch location {
		case schema.ParameterInPath:
			placeholder := "{" + name + "}"
			if !strings.Contains(path, placeholder) {
				return "", nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
					"path parameter %q has no %s placeholder in %s", name, placeholder, desc.PathTemplate).
					WithOperation(desc.OperationID)
			}
			path = strings.ReplaceAll(path, placeholder, url.PathEscape(fmt.Sprintf("%v", value)))
		case schema.ParameterInQuery:
			query.Set(name, fmt.Sprintf("%v", value))
		default:
			body[name] = value
		}
	}

	if idx := strings.IndexByte(path, '{'); idx >= 0 {
		return "", nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"path template %s has unbound placeholders", path).
			WithOperation(desc.OperationID)
	}

	for name, spec := range desc.Parameters {
		if spec.Required {
			if _, ok := params[name]; !ok {
				return "", nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
					"missing required parameter %q", name).
					WithOperation(desc.OperationID)
			}
		}
	}

	return strings.TrimRight(inv.cfg.BaseURL, "/") + path, query, body, nil
}

// parseBody decodes a response body. JSON objects come back as maps; other
// JSON shapes and non-JSON payloads are wrapped under "body" so the response
// namespace stays a mapping.
func parseBody(contentType string, raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	if strings.Contains(contentType, "application/json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			if m, ok := decoded.(map[string]any); ok {
				return m
			}
			return map[string]any{"body": decoded}
		}
	}
	return map[string]any{"body": string(raw)}
}

func fail(result *schema.ExecutionResult, err error) *schema.ExecutionResult {
	result.Status = schema.StepStatusFailed
	if me, ok := err.(*schema.MeshError); ok {
		result.Error = me
	} else {
		result.Error = schema.NewError(schema.ErrCodeTransientExecution, err.Error()).WithCause(err)
	}
	return result
}
