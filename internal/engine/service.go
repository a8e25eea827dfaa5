package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/contextmesh/internal/logging"
	"github.com/rendis/contextmesh/internal/openapi"
	"github.com/rendis/contextmesh/internal/runctx"
	"github.com/rendis/contextmesh/internal/stateupdate"
	"github.com/rendis/contextmesh/internal/store"
	"github.com/rendis/contextmesh/pkg/schema"
)

// Service executes logic modules end to end: it owns the document, the
// decision maker, the runner, and the persistence of runs, events, and state
// records. CLI, MCP server, and scheduler all go through it.
type Service struct {
	doc     *openapi.Document
	decider DecisionMaker
	invoker OperationInvoker
	store   store.Store
	logger  *slog.Logger
}

// NewService wires a Service. The store is required; the decision maker may
// be nil when no module declares logic prerequisites.
func NewService(doc *openapi.Document, decider DecisionMaker, inv OperationInvoker, st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{doc: doc, decider: decider, invoker: inv, store: st, logger: logger}
}

// Document exposes the loaded OpenAPI document.
func (s *Service) Document() *openapi.Document {
	return s.doc
}

// ExecuteModule runs one logic module with the given initial context and
// persists the run row, audit events, and committed state. The returned
// result is terminal; the error covers setup failures only, never step
// failures.
func (s *Service) ExecuteModule(ctx context.Context, module string, initial map[string]any) (*schema.WorkflowResult, error) {
	steps, err := s.doc.StepsForModule(module)
	if err != nil {
		return nil, err
	}

	rc, err := runctx.New(initial)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	ctx = logging.WithModule(logging.WithRunID(ctx, runID), module)

	now := time.Now().UTC()
	if err := s.store.CreateRun(ctx, &store.Run{
		ID:             runID,
		Module:         module,
		Status:         schema.RunStatusPending,
		InitialContext: initial,
		StartedAt:      now,
		CreatedAt:      now,
	}); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}

	s.logger.InfoContext(ctx, "executing module",
		slog.String("module", module),
		slog.Int("steps", len(steps)))

	applier := stateupdate.New(nil, s.store, s.logger)
	runner := NewRunner(s.doc, s.decider, s.invoker, applier, s.store, s.logger)
	result := runner.Run(ctx, runID, steps, rc)

	status := result.Status
	completed := time.Now().UTC()
	var runErr string
	if len(result.Errors) > 0 {
		runErr = result.Errors[0].Error()
	}
	if err := s.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:      &status,
		Result:      result,
		Error:       &runErr,
		CompletedAt: &completed,
	}); err != nil {
		s.logger.ErrorContext(ctx, "persist run result failed", slog.String("error", err.Error()))
	}

	return result, nil
}

// RunStatus returns the persisted run row and its audit trail.
func (s *Service) RunStatus(ctx context.Context, runID string) (*store.Run, []*store.Event, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	events, err := s.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, nil, err
	}
	return run, events, nil
}

// ListRuns returns persisted runs matching the filter.
func (s *Service) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

// StateRecords returns committed state rows for one target table.
func (s *Service) StateRecords(ctx context.Context, table string, limit int) ([]*store.StateRecord, error) {
	return s.store.ListStateRecords(ctx, table, limit)
}

// Schedule registers a cron-triggered launch of a logic module. The job runs
// at the scheduler's next tick and advances along its cron expression from
// there.
func (s *Service) Schedule(ctx context.Context, module, cronExpr string, initial map[string]any, enabled bool) (*store.ScheduledJob, error) {
	if _, err := s.doc.StepsForModule(module); err != nil {
		return nil, err
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(cronExpr); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}

	job := &store.ScheduledJob{
		ID:             uuid.NewString(),
		Module:         module,
		CronExpr:       cronExpr,
		InitialContext: initial,
		Enabled:        enabled,
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create scheduled job: %s", err.Error()).WithCause(err)
	}

	s.logger.InfoContext(ctx, "scheduled job registered",
		slog.String("job_id", job.ID),
		slog.String("module", module),
		slog.String("cron", cronExpr))
	return job, nil
}

// Schedules lists every registered scheduled job, enabled or not.
func (s *Service) Schedules(ctx context.Context) ([]*store.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx, false)
}
