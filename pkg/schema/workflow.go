package schema

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending         RunStatus = "pending"
	RunStatusRunning         RunStatus = "running"
	RunStatusCompleted       RunStatus = "completed"
	RunStatusPartiallyFailed RunStatus = "partially_failed"
	RunStatusFailed          RunStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusPartiallyFailed || s == RunStatusFailed
}

// StepStatus is the outcome of a single step invocation.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusResolving StepStatus = "resolving"
	StepStatusInvoking  StepStatus = "invoking"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// ParameterLocation identifies where a resolved parameter is placed in the
// outgoing request.
type ParameterLocation string

const (
	ParameterInPath  ParameterLocation = "path"
	ParameterInQuery ParameterLocation = "query"
	ParameterInBody  ParameterLocation = "body"
)

// ParameterSpec describes a single named parameter of an operation.
type ParameterSpec struct {
	Location ParameterLocation `json:"in"`
	Required bool              `json:"required,omitempty"`
}

// OperationDescriptor identifies one externally callable API operation.
// Descriptors come from the OpenAPI collaborator and are immutable for the
// duration of a run.
type OperationDescriptor struct {
	OperationID    string                   `json:"operation_id"`
	Method         string                   `json:"method"`
	PathTemplate   string                   `json:"path"`
	Summary        string                   `json:"summary,omitempty"`
	Parameters     map[string]ParameterSpec `json:"parameters,omitempty"`
	RequestSchema  json.RawMessage          `json:"request_schema,omitempty"`
	ResponseSchema json.RawMessage          `json:"response_schema,omitempty"`

	// Mandatory steps fail the whole run; non-mandatory failures degrade it.
	Mandatory bool `json:"mandatory,omitempty"`

	// ContextRefreshing operations have their response deep-merged into the
	// db namespace in addition to replacing the response namespace.
	ContextRefreshing bool `json:"context_refresh,omitempty"`
}

// Step is one planned invocation: an operation reference, its template
// parameters, and the declarative state updates tied to its outcome.
type Step struct {
	OperationID    string         `json:"operation_id"`
	TemplateParams map[string]any `json:"template_params,omitempty"`
	StateUpdates   StateUpdates   `json:"state_updates,omitempty"`

	// RequiresLogic lists logic.* keys that must be present before this
	// step resolves. The runner yields to the decision maker for them.
	RequiresLogic []string `json:"requires_logic,omitempty"`

	// Retry overrides the invoker's default policy for this step.
	Retry *RetryPolicy `json:"retry,omitempty"`
}

// StateUpdates groups instructions by the step outcome that triggers them.
type StateUpdates struct {
	OnSuccess []StateUpdateInstruction `json:"onSuccess,omitempty"`
	OnFailure []StateUpdateInstruction `json:"onFailure,omitempty"`
}

// Empty reports whether no instructions are declared.
func (u StateUpdates) Empty() bool {
	return len(u.OnSuccess) == 0 && len(u.OnFailure) == 0
}

// StateUpdateTrigger names the outcome an instruction list is bound to.
type StateUpdateTrigger string

const (
	TriggerOnSuccess StateUpdateTrigger = "onSuccess"
	TriggerOnFailure StateUpdateTrigger = "onFailure"
)

// StateUpdateInstruction is a declarative post-call write: a target table and
// field values that may contain template expressions, resolved against the
// context after the triggering step's response is merged in.
type StateUpdateInstruction struct {
	Table  string         `json:"table"`
	Values map[string]any `json:"values"`
}

// RetryPolicy configures transient-failure retries for operation invocations.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	Delay       string `json:"delay,omitempty"`     // initial delay (e.g. "500ms")
	Backoff     string `json:"backoff,omitempty"`   // none | constant | linear | exponential
	MaxDelay    string `json:"max_delay,omitempty"` // cap on computed delay
}

// ExecutionResult is the per-step outcome captured for audit.
type ExecutionResult struct {
	OperationID    string               `json:"operation_id"`
	Status         StepStatus           `json:"status"`
	ResolvedParams map[string]any       `json:"resolved_params,omitempty"`
	StatusCode     int                  `json:"status_code,omitempty"`
	Response       map[string]any       `json:"response,omitempty"`
	Error          *MeshError           `json:"error,omitempty"`
	StateUpdates   []StateUpdateOutcome `json:"state_updates,omitempty"`
	Attempts       int                  `json:"attempts,omitempty"`
	DurationMs     int64                `json:"duration_ms,omitempty"`
}

// Succeeded reports whether the step completed with a 2xx outcome.
func (r *ExecutionResult) Succeeded() bool {
	return r.Status == StepStatusSucceeded
}

// StateUpdateOutcome records one instruction's commit attempt.
type StateUpdateOutcome struct {
	Table          string             `json:"table"`
	Trigger        StateUpdateTrigger `json:"trigger"`
	Values         map[string]any     `json:"values,omitempty"`
	IdempotencyKey string             `json:"idempotency_key"`
	Committed      bool               `json:"committed"`
	Error          *MeshError         `json:"error,omitempty"`
}

// WorkflowResult is what the engine hands back to its caller: the terminal
// status, every per-step result, a snapshot of the logic namespace for
// auditing the decision maker, and the accumulated errors.
type WorkflowResult struct {
	RunID       string             `json:"run_id"`
	Status      RunStatus          `json:"status"`
	Steps       []*ExecutionResult `json:"steps"`
	LogicValues map[string]any     `json:"logic_values,omitempty"`
	Errors      []*MeshError       `json:"errors,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}
