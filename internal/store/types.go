package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/contextmesh/pkg/schema"
)

// Run is one persisted workflow execution.
type Run struct {
	ID             string                 `json:"id"`
	Module         string                 `json:"module"`
	Status         schema.RunStatus       `json:"status"`
	InitialContext map[string]any         `json:"initial_context,omitempty"`
	Result         *schema.WorkflowResult `json:"result,omitempty"`
	Error          string                 `json:"error,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// RunUpdate carries partial run mutations. Nil fields are left untouched.
type RunUpdate struct {
	Status      *schema.RunStatus
	Result      *schema.WorkflowResult
	Error       *string
	CompletedAt *time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Module string
	Status schema.RunStatus
	Limit  int
}

// Event is one append-only audit record. Sequence is per-run monotonic and
// assigned by the store on append.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StepIndex *int            `json:"step_index,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// StateRecord is one committed state update row.
type StateRecord struct {
	ID             int64          `json:"id"`
	Table          string         `json:"table"`
	Values         map[string]any `json:"values"`
	IdempotencyKey string         `json:"idempotency_key"`
	RunID          string         `json:"run_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScheduledJob is a cron-triggered workflow launch.
type ScheduledJob struct {
	ID             string         `json:"id"`
	Module         string         `json:"module"`
	CronExpr       string         `json:"cron_expr"`
	InitialContext map[string]any `json:"initial_context,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ScheduledJobUpdate carries partial job mutations. Nil fields are untouched.
type ScheduledJobUpdate struct {
	CronExpr  *string
	Enabled   *bool
	LastRunAt *time.Time
	NextRunAt *time.Time
}
