package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/stepwise/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database. The path should be a file URI,
// e.g. "file:/path/to/stepwise.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open libsql: %v", err).WithCause(err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so QueryRow is used and the result ignored.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}
	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return schema.NewError(schema.ErrCodeStore, err.Error()).WithCause(err)
	}
	return nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, e *Execution) error {
	if e.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution run_id is required")
	}
	inputs, err := marshalMapOrDefault(e.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (run_id, workflow_id, status, workflow, base_path, inputs, output, error, paused_at, current_step, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.WorkflowID, string(e.Status), string(e.Workflow), nullStr(e.BasePath), string(inputs),
		nullRaw(e.Output), nullStr(e.Error), nullStr(e.PausedAt), e.CurrentStep,
		timeOrNow(e.StartedAt), nullTime(e.CompletedAt), time.Now().UTC(),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", e.RunID).WithCause(err)
	}
	return err
}

const executionColumns = `run_id, workflow_id, status, workflow, base_path, inputs, output, error, paused_at, current_step, started_at, completed_at, updated_at`

func (s *LibSQLStore) GetExecution(ctx context.Context, runID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE run_id = ?`, runID)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("execution", runID)
	}
	return e, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, runID string, update ExecutionUpdate) error {
	if update.empty() {
		return nil
	}
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.PausedAt != nil {
		sets = append(sets, "paused_at = ?")
		args = append(args, nullStr(*update.PausedAt))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, *update.CurrentStep)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), runID)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE run_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", runID)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	e := &Execution{}
	var (
		status                             string
		workflow, inputs                   string
		basePath, output, errMsg, pausedAt sql.NullString
		completedAt                        sql.NullTime
	)
	err := row.Scan(&e.RunID, &e.WorkflowID, &status, &workflow, &basePath, &inputs,
		&output, &errMsg, &pausedAt, &e.CurrentStep, &e.StartedAt, &completedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = schema.RunStatus(status)
	e.Workflow = json.RawMessage(workflow)
	e.BasePath = basePath.String
	if inputs != "" {
		if err := json.Unmarshal([]byte(inputs), &e.Inputs); err != nil {
			return nil, fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	e.Output = rawOrNil(output)
	e.Error = errMsg.String
	e.PausedAt = pausedAt.String
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	return e, nil
}

// --- Checkpoints ---

func (s *LibSQLStore) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, step_index, step_id, status, output, error, retry_count, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, step_index) DO UPDATE SET
		   step_id=excluded.step_id, status=excluded.status, output=excluded.output,
		   error=excluded.error, retry_count=excluded.retry_count,
		   started_at=excluded.started_at, completed_at=excluded.completed_at`,
		cp.RunID, cp.StepIndex, cp.StepID, string(cp.Status), nullRaw(cp.Output), nullStr(cp.Error),
		cp.RetryCount, timeOrNow(cp.StartedAt), timeOrNow(cp.CompletedAt),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save checkpoint %s/%d: %v", cp.RunID, cp.StepIndex, err).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetCheckpoints(ctx context.Context, runID string) ([]*Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_index, step_id, status, output, error, retry_count, started_at, completed_at
		 FROM checkpoints WHERE run_id = ? ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{}
		var status string
		var output, errMsg sql.NullString
		if err := rows.Scan(&cp.RunID, &cp.StepIndex, &cp.StepID, &status, &output, &errMsg,
			&cp.RetryCount, &cp.StartedAt, &cp.CompletedAt); err != nil {
			return nil, err
		}
		cp.Status = schema.StepStatus(status)
		cp.Output = rawOrNil(output)
		cp.Error = errMsg.String
		out = append(out, cp)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
