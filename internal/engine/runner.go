// Package engine executes declared workflow step sequences: it resolves
// templates against the run context, invokes operations, applies post-call
// state updates, and drives the run lifecycle.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/contextmesh/internal/logging"
	"github.com/rendis/contextmesh/internal/runctx"
	"github.com/rendis/contextmesh/internal/stateupdate"
	"github.com/rendis/contextmesh/internal/store"
	"github.com/rendis/contextmesh/internal/templates"
	"github.com/rendis/contextmesh/pkg/schema"
)

// DescriptorSource resolves operation IDs to descriptors.
type DescriptorSource interface {
	Descriptor(operationID string) (*schema.OperationDescriptor, error)
}

// DecisionMaker produces required logic values from a context snapshot.
type DecisionMaker interface {
	Decide(ctx context.Context, operationID string, required []string, snapshot map[string]any) (map[string]any, error)
}

// OperationInvoker executes one resolved operation.
type OperationInvoker interface {
	Invoke(ctx context.Context, desc *schema.OperationDescriptor, params map[string]any, policy *schema.RetryPolicy) *schema.ExecutionResult
}

// Runner executes one step sequence against one run context. Steps run
// strictly in declaration order; there is no parallelism within a run.
type Runner struct {
	descriptors DescriptorSource
	decider     DecisionMaker
	invoker     OperationInvoker
	applier     *stateupdate.Applier
	resolver    *templates.Resolver
	fsm         *RunFSM
	appender    EventAppender
	logger      *slog.Logger
}

// NewRunner wires a Runner. The decision maker may be nil when no step
// declares logic prerequisites; the appender may be nil to skip audit events.
func NewRunner(descriptors DescriptorSource, decider DecisionMaker, inv OperationInvoker, applier *stateupdate.Applier, appender EventAppender, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		descriptors: descriptors,
		decider:     decider,
		invoker:     inv,
		applier:     applier,
		resolver:    templates.New(),
		fsm:         NewRunFSM(appender),
		appender:    appender,
		logger:      logger,
	}
}

// Run executes the steps and returns the terminal result.
//
// Failure semantics:
//   - an unresolved template reference aborts the run: the failing step and
//     everything after it never invokes
//   - a mandatory step failure fails the run and skips the remaining steps
//   - a non-mandatory step failure degrades the run to partially failed
//   - state update failures degrade the run but never stop it
//   - cancellation is honored between steps; the in-flight step finishes
func (r *Runner) Run(ctx context.Context, runID string, steps []schema.Step, rc *runctx.Store) *schema.WorkflowResult {
	ctx = logging.WithRunID(ctx, runID)

	result := &schema.WorkflowResult{
		RunID:     runID,
		Status:    schema.RunStatusRunning,
		Steps:     make([]*schema.ExecutionResult, 0, len(steps)),
		StartedAt: time.Now().UTC(),
	}

	if err := r.fsm.Transition(ctx, runID, schema.RunStatusPending, schema.RunStatusRunning); err != nil {
		return r.finish(ctx, result, rc, schema.RunStatusPending, schema.RunStatusFailed, asMeshError(err))
	}

	degraded := false
	for i, step := range steps {
		if ctx.Err() != nil {
			cancelErr := schema.NewError(schema.ErrCodeCancelled, "run cancelled before step").
				WithOperation(step.OperationID)
			r.skipRemaining(ctx, runID, i, result, steps[i:])
			return r.finish(ctx, result, rc, schema.RunStatusRunning, schema.RunStatusFailed, cancelErr)
		}

		stepCtx := logging.WithOperationID(ctx, step.OperationID)

		desc, err := r.descriptors.Descriptor(step.OperationID)
		if err != nil {
			r.skipRemaining(stepCtx, runID, i, result, steps[i:])
			return r.finish(ctx, result, rc, schema.RunStatusRunning, schema.RunStatusFailed, asMeshError(err))
		}

		if err := r.ensureLogicValues(stepCtx, runID, step, rc); err != nil {
			me := asMeshError(err)
			result.Errors = append(result.Errors, me)
			result.Steps = append(result.Steps, &schema.ExecutionResult{
				OperationID: step.OperationID,
				Status:      schema.StepStatusFailed,
				Error:       me,
			})
			r.emit(stepCtx, runID, i, schema.EventStepFailed, map[string]any{"error": me.Message})
			if desc.Mandatory {
				r.skipRemaining(stepCtx, runID, i+1, result, steps[i+1:])
				return r.finish(ctx, result, rc, schema.RunStatusRunning, schema.RunStatusFailed, nil)
			}
			degraded = true
			continue
		}

		r.emit(stepCtx, runID, i, schema.EventStepResolving, nil)
		params, err := r.resolver.ResolveParams(step.TemplateParams, rc)
		if err != nil {
			// An unresolved reference means the declared sequence and the
			// runtime context disagree. Nothing downstream can be trusted.
			me := asMeshError(err).WithOperation(step.OperationID)
			result.Steps = append(result.Steps, &schema.ExecutionResult{
				OperationID: step.OperationID,
				Status:      schema.StepStatusFailed,
				Error:       me,
			})
			r.emit(stepCtx, runID, i, schema.EventStepFailed, map[string]any{"error": me.Message})
			r.skipRemaining(stepCtx, runID, i+1, result, steps[i+1:])
			return r.finish(ctx, result, rc, schema.RunStatusRunning, schema.RunStatusFailed, me)
		}

		r.emit(stepCtx, runID, i, schema.EventStepInvoking, map[string]any{"params": params})
		stepResult := r.invoker.Invoke(stepCtx, desc, params, step.Retry)
		result.Steps = append(result.Steps, stepResult)

		if stepResult.Succeeded() {
			rc.SetResponse(stepResult.Response)
			if desc.ContextRefreshing {
				if err := rc.Merge(runctx.NamespaceDB, stepResult.Response); err != nil {
					r.logger.WarnContext(stepCtx, "context refresh merge failed", slog.String("error", err.Error()))
				}
			}
			degraded = r.applyUpdates(stepCtx, runID, i, schema.TriggerOnSuccess, step, stepResult, rc, result) || degraded
			r.emit(stepCtx, runID, i, schema.EventStepSucceeded, map[string]any{"status_code": stepResult.StatusCode})
			continue
		}

		// Failed step: the failure response is still visible to onFailure
		// update templates.
		rc.SetResponse(stepResult.Response)
		result.Errors = append(result.Errors, stepResult.Error)
		degraded = r.applyUpdates(stepCtx, runID, i, schema.TriggerOnFailure, step, stepResult, rc, result) || degraded
		r.emit(stepCtx, runID, i, schema.EventStepFailed, map[string]any{
			"error":       stepResult.Error.Message,
			"status_code": stepResult.StatusCode,
		})

		if stepResult.Error.Code == schema.ErrCodeCancelled {
			r.skipRemaining(stepCtx, runID, i+1, result, steps[i+1:])
			return r.finish(ctx, result, rc, schema.RunStatusRunning, schema.RunStatusFailed, nil)
		}
		if desc.Mandatory {
			r.logger.ErrorContext(stepCtx, "mandatory step failed, aborting run",
				slog.String("error", stepResult.Error.Message))
			r.skipRemaining(stepCtx, runID, i+1, result, steps[i+1:])
			return r.finish(ctx, result, rc, schema.RunStatusRunning, schema.RunStatusFailed, nil)
		}
		degraded = true
	}

	status := schema.RunStatusCompleted
	if degraded {
		status = schema.RunStatusPartiallyFailed
	}
	return r.finish(ctx, result, rc, schema.RunStatusRunning, status, nil)
}

// ensureLogicValues yields to the decision maker for every required logic
// key not yet present. Keys already written stay untouched.
func (r *Runner) ensureLogicValues(ctx context.Context, runID string, step schema.Step, rc *runctx.Store) error {
	var missing []string
	for _, key := range step.RequiresLogic {
		if _, ok := rc.Lookup(runctx.NamespaceLogic, key); !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	if r.decider == nil {
		return schema.NewErrorf(schema.ErrCodeDecision,
			"step requires logic keys %v but no decision maker is configured", missing).
			WithOperation(step.OperationID)
	}

	values, err := r.decider.Decide(ctx, step.OperationID, missing, rc.Snapshot())
	if err != nil {
		return err
	}
	if err := rc.SetLogicValues(values); err != nil {
		return err
	}
	r.emit(ctx, runID, -1, schema.EventDecisionApplied, map[string]any{"keys": missing})
	return nil
}

// applyUpdates runs the step's state updates for the trigger and reports
// whether any of them failed.
func (r *Runner) applyUpdates(ctx context.Context, runID string, stepIndex int, trigger schema.StateUpdateTrigger, step schema.Step, stepResult *schema.ExecutionResult, rc *runctx.Store, result *schema.WorkflowResult) bool {
	if r.applier == nil || step.StateUpdates.Empty() {
		return false
	}

	outcomes := r.applier.Apply(ctx, runID, stepIndex, trigger, step.StateUpdates, rc)
	stepResult.StateUpdates = append(stepResult.StateUpdates, outcomes...)

	failed := false
	for _, outcome := range outcomes {
		if outcome.Error != nil {
			failed = true
			result.Errors = append(result.Errors, outcome.Error)
			r.emit(ctx, runID, stepIndex, schema.EventStateFailed, map[string]any{
				"table": outcome.Table,
				"error": outcome.Error.Message,
			})
			continue
		}
		r.emit(ctx, runID, stepIndex, schema.EventStateCommitted, map[string]any{
			"table":           outcome.Table,
			"idempotency_key": outcome.IdempotencyKey,
		})
	}
	return failed
}

func (r *Runner) skipRemaining(ctx context.Context, runID string, firstIndex int, result *schema.WorkflowResult, remaining []schema.Step) {
	for n, step := range remaining {
		result.Steps = append(result.Steps, &schema.ExecutionResult{
			OperationID: step.OperationID,
			Status:      schema.StepStatusSkipped,
		})
		r.emit(ctx, runID, firstIndex+n, schema.EventStepSkipped, map[string]any{"operation_id": step.OperationID})
	}
	if len(remaining) > 0 {
		r.logger.InfoContext(ctx, "skipped remaining steps", slog.Int("count", len(remaining)))
	}
}

func (r *Runner) finish(ctx context.Context, result *schema.WorkflowResult, rc *runctx.Store, from, status schema.RunStatus, err *schema.MeshError) *schema.WorkflowResult {
	if err != nil {
		result.Errors = append(result.Errors, err)
	}
	result.LogicValues = rc.LogicValues()
	if terr := r.fsm.Transition(ctx, result.RunID, from, status); terr != nil {
		r.logger.ErrorContext(ctx, "run transition failed", slog.String("error", terr.Error()))
	}
	result.Status = status
	now := time.Now().UTC()
	result.CompletedAt = &now
	return result
}

// emit appends one audit event; event loss is logged, never fatal.
func (r *Runner) emit(ctx context.Context, runID string, stepIndex int, eventType string, payload map[string]any) {
	if r.appender == nil {
		return
	}
	event := &store.Event{RunID: runID, Type: eventType}
	if stepIndex >= 0 {
		idx := stepIndex
		event.StepIndex = &idx
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			event.Payload = raw
		}
	}
	if err := r.appender.AppendEvent(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "append event failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

func asMeshError(err error) *schema.MeshError {
	if me, ok := err.(*schema.MeshError); ok {
		return me
	}
	return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
}
