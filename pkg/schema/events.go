package schema

// Event type names recorded in the append-only run event log.
const (
	EventRunStarted         = "run.started"
	EventRunCompleted       = "run.completed"
	EventRunPartiallyFailed = "run.partially_failed"
	EventRunFailed          = "run.failed"

	EventStepResolving = "step.resolving"
	EventStepInvoking  = "step.invoking"
	EventStepSucceeded = "step.succeeded"
	EventStepFailed    = "step.failed"
	EventStepSkipped   = "step.skipped"

	EventStateCommitted = "state.committed"
	EventStateFailed    = "state.failed"

	EventDecisionApplied = "decision.applied"
)
