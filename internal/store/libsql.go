package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/contextmesh/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/contextmesh.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	initialCtx, err := nullableJSON(run.InitialContext)
	if err != nil {
		return fmt.Errorf("marshal initial context: %w", err)
	}
	result, err := nullableJSON(run.Result)
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, module, status, initial_context, result, error, started_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Module, string(run.Status), initialCtx, result,
		nullStr(run.Error), timeOrNow(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, module, status, initial_context, result, error, started_at, completed_at, created_at
		 FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "run %s not found", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	sets := []string{}
	args := []any{}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Result != nil {
		result, err := nullableJSON(update.Result)
		if err != nil {
			return fmt.Errorf("marshal run result: %w", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, result)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return schema.NewErrorf(schema.ErrCodeStore, "run %s not found", id)
	}
	return nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, module, status, initial_context, result, error, started_at, completed_at, created_at
		 FROM workflow_runs`
	conds := []string{}
	args := []any{}
	if filter.Module != "" {
		conds = append(conds, "module = ?")
		args = append(args, filter.Module)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var initialCtx, result, errMsg sql.NullString
	var completedAt sql.NullTime
	var status string
	if err := row.Scan(&run.ID, &run.Module, &status, &initialCtx, &result, &errMsg,
		&run.StartedAt, &completedAt, &run.CreatedAt); err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.Error = errMsg.String
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	if initialCtx.Valid && initialCtx.String != "" {
		if err := json.Unmarshal([]byte(initialCtx.String), &run.InitialContext); err != nil {
			return nil, fmt.Errorf("unmarshal initial context: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &run.Result); err != nil {
			return nil, fmt.Errorf("unmarshal run result: %w", err)
		}
	}
	return run, nil
}

// --- Audit log ---

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. A write-intent statement forces lock acquisition up front so
// concurrent appenders cannot interleave the sequence read and write.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var stepIndex any
	if event.StepIndex != nil {
		stepIndex = *event.StepIndex
	}
	var payload any
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, step_index, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, stepIndex, event.Type, payload, event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// GetEvents returns events for a run with sequence > since, ordered by
// sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_index, event_type, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev := &Event{}
		var stepIndex sql.NullInt64
		var payload sql.NullString
		if err := rows.Scan(&ev.ID, &ev.RunID, &stepIndex, &ev.Type, &payload, &ev.Timestamp, &ev.Sequence); err != nil {
			return nil, err
		}
		if stepIndex.Valid {
			idx := int(stepIndex.Int64)
			ev.StepIndex = &idx
		}
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- State updates ---

// CommitState inserts one state record, deduplicating on the idempotency
// key. Returns duplicate=true when the key was committed before.
func (s *LibSQLStore) CommitState(ctx context.Context, table string, values map[string]any, idempotencyKey string) (bool, error) {
	raw, err := json.Marshal(values)
	if err != nil {
		return false, fmt.Errorf("marshal state values: %w", err)
	}
	runID := ""
	if idx := strings.IndexByte(idempotencyKey, ':'); idx > 0 {
		runID = idempotencyKey[:idx]
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO state_records (table_name, field_values, idempotency_key, run_id)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(idempotency_key) DO NOTHING`,
		table, string(raw), idempotencyKey, nullStr(runID))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 0, nil
}

func (s *LibSQLStore) ListStateRecords(ctx context.Context, table string, limit int) ([]*StateRecord, error) {
	query := `SELECT id, table_name, field_values, idempotency_key, run_id, created_at
		 FROM state_records WHERE table_name = ? ORDER BY id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StateRecord
	for rows.Next() {
		rec := &StateRecord{}
		var raw string
		var runID sql.NullString
		if err := rows.Scan(&rec.ID, &rec.Table, &raw, &rec.IdempotencyKey, &runID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.RunID = runID.String
		if err := json.Unmarshal([]byte(raw), &rec.Values); err != nil {
			return nil, fmt.Errorf("unmarshal state values: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	initialCtx, err := nullableJSON(job.InitialContext)
	if err != nil {
		return fmt.Errorf("marshal job context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, module, cron_expr, initial_context, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Module, job.CronExpr, initialCtx, boolInt(job.Enabled),
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), timeOrNow(job.CreatedAt))
	return err
}

func (s *LibSQLStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, module, cron_expr, initial_context, enabled, last_run_at, next_run_at, created_at
		 FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanScheduledJob(row)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "scheduled job %s not found", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	sets := []string{}
	args := []any{}
	if update.CronExpr != nil {
		sets = append(sets, "cron_expr = ?")
		args = append(args, *update.CronExpr)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	return err
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error) {
	query := `SELECT id, module, cron_expr, initial_context, enabled, last_run_at, next_run_at, created_at
		 FROM scheduled_jobs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		job, err := scanScheduledJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	return err
}

func scanScheduledJob(row rowScanner) (*ScheduledJob, error) {
	job := &ScheduledJob{}
	var initialCtx sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&job.ID, &job.Module, &job.CronExpr, &initialCtx, &enabled,
		&lastRun, &nextRun, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.Enabled = enabled != 0
	if lastRun.Valid {
		t := lastRun.Time
		job.LastRunAt = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		job.NextRunAt = &t
	}
	if initialCtx.Valid && initialCtx.String != "" {
		if err := json.Unmarshal([]byte(initialCtx.String), &job.InitialContext); err != nil {
			return nil, fmt.Errorf("unmarshal job context: %w", err)
		}
	}
	return job, nil
}

// --- helpers ---

// nullableJSON marshals v for a nullable column. A nil value, including a
// typed-nil pointer, map, or slice behind the interface, becomes SQL NULL
// rather than the JSON literal "null".
func nullableJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
