// Package stateupdate applies the declarative post-call writes attached to
// workflow steps. Updates are best-effort: a failed write degrades the run
// but never aborts it.
package stateupdate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rendis/contextmesh/internal/runctx"
	"github.com/rendis/contextmesh/internal/templates"
	"github.com/rendis/contextmesh/pkg/schema"
)

// Sink persists one resolved state record. CommitState must be idempotent on
// the key: committing the same key twice writes at most once and reports
// duplicate=true on the repeat.
type Sink interface {
	CommitState(ctx context.Context, table string, values map[string]any, idempotencyKey string) (duplicate bool, err error)
}

// Applier resolves and commits state update instructions for one step
// outcome.
type Applier struct {
	resolver *templates.Resolver
	sink     Sink
	logger   *slog.Logger
}

// New creates an Applier writing through the given sink.
func New(resolver *templates.Resolver, sink Sink, logger *slog.Logger) *Applier {
	if resolver == nil {
		resolver = templates.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{resolver: resolver, sink: sink, logger: logger}
}

// Apply runs every instruction bound to the step's outcome trigger. Each
// instruction resolves and commits independently; one failure never blocks
// the instructions after it. The returned outcomes cover every instruction
// attempted, in declaration order.
func (a *Applier) Apply(ctx context.Context, runID string, stepIndex int, trigger schema.StateUpdateTrigger, updates schema.StateUpdates, store *runctx.Store) []schema.StateUpdateOutcome {
	var instructions []schema.StateUpdateInstruction
	switch trigger {
	case schema.TriggerOnSuccess:
		instructions = updates.OnSuccess
	case schema.TriggerOnFailure:
		instructions = updates.OnFailure
	}
	if len(instructions) == 0 {
		return nil
	}

	outcomes := make([]schema.StateUpdateOutcome, 0, len(instructions))
	for i, instr := range instructions {
		outcome := schema.StateUpdateOutcome{
			Table:          instr.Table,
			Trigger:        trigger,
			IdempotencyKey: IdempotencyKey(runID, stepIndex, trigger, i),
		}

		values, err := a.resolver.ResolveParams(instr.Values, store)
		if err != nil {
			outcome.Error = asUpdateError(err, instr.Table)
			a.logger.WarnContext(ctx, "state update resolution failed",
				slog.String("run_id", runID),
				slog.String("table", instr.Table),
				slog.String("error", err.Error()))
			outcomes = append(outcomes, outcome)
			continue
		}
		outcome.Values = values

		duplicate, err := a.sink.CommitState(ctx, instr.Table, values, outcome.IdempotencyKey)
		if err != nil {
			outcome.Error = asUpdateError(err, instr.Table)
			a.logger.WarnContext(ctx, "state update commit failed",
				slog.String("run_id", runID),
				slog.String("table", instr.Table),
				slog.String("error", err.Error()))
			outcomes = append(outcomes, outcome)
			continue
		}

		outcome.Committed = true
		if duplicate {
			a.logger.InfoContext(ctx, "state update already committed, skipped",
				slog.String("run_id", runID),
				slog.String("idempotency_key", outcome.IdempotencyKey))
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// IdempotencyKey derives the deterministic commit key for one instruction.
// The key is stable across retries of the same run so a replayed step cannot
// double-write.
func IdempotencyKey(runID string, stepIndex int, trigger schema.StateUpdateTrigger, instructionIndex int) string {
	return fmt.Sprintf("%s:%d:%s:%d", runID, stepIndex, trigger, instructionIndex)
}

func asUpdateError(err error, table string) *schema.MeshError {
	if me, ok := err.(*schema.MeshError); ok && me.Code == schema.ErrCodeUnresolvedReference {
		return me
	}
	return schema.NewErrorf(schema.ErrCodeStateUpdate, "state update to %q failed", table).WithCause(err)
}
