package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

const executionColumns = `id, function_id, status, backend, stdout, stderr, exit_code,
	error, cold_start, duration_ms, created_at, started_at, finished_at`

func scanExecution(row scanner) (*model.Execution, error) {
	e := &model.Execution{}
	var backend string
	var stdout, stderr, errMsg sql.NullString
	if err := row.Scan(
		&e.ID, &e.FunctionID, &e.Status, &backend, &stdout, &stderr, &e.ExitCode,
		&errMsg, &e.ColdStart, &e.DurationMS, &e.CreatedAt, &e.StartedAt, &e.FinishedAt,
	); err != nil {
		return nil, err
	}
	e.Backend = model.Backend(backend)
	e.Stdout = stdout.String
	e.Stderr = stderr.String
	e.Error = errMsg.String
	return e, nil
}

// CreateExecution inserts a new execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.FunctionID, e.Status, string(e.Backend), e.Stdout, e.Stderr, e.ExitCode,
		e.Error, e.ColdStart, e.DurationMS, e.CreatedAt, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns the most recent executions of a function, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, functionID int64, limit int) ([]*model.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		WHERE function_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, functionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate executions: %w", err)
	}
	return out, nil
}

// currentStatus reads the status of an execution inside tx.
func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM executions WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read execution status: %w", err)
	}
	return status, nil
}

// UpdateExecutionStatus moves an execution to status. Moving to running also
// stamps started_at.
func (s *SQLiteStore) UpdateExecutionStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, status) {
		return fmt.Errorf("%s -> %s: %w", from, status, ErrInvalidTransition)
	}

	if status == model.StatusRunning {
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ?, started_at = ? WHERE id = ?",
			status, s.now().UTC(), id)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE executions SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update execution status: %w", err)
	}
	return tx.Commit()
}

// FinishExecution records the terminal state of an execution.
func (s *SQLiteStore) FinishExecution(ctx context.Context, e *model.Execution) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	from, err := currentStatus(ctx, tx, e.ID)
	if err != nil {
		return err
	}
	if !model.ValidTransition(from, e.Status) {
		return fmt.Errorf("%s -> %s: %w", from, e.Status, ErrInvalidTransition)
	}

	finished := e.FinishedAt
	if finished == nil {
		now := s.now().UTC()
		finished = &now
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, backend = ?, stdout = ?, stderr = ?,
			exit_code = ?, error = ?, cold_start = ?, duration_ms = ?,
			started_at = COALESCE(?, started_at), finished_at = ?
		WHERE id = ?`,
		e.Status, string(e.Backend), e.Stdout, e.Stderr,
		e.ExitCode, e.Error, e.ColdStart, e.DurationMS,
		e.StartedAt, finished, e.ID,
	)
	if err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return tx.Commit()
}

// InsertLogLine persists one output line of an execution.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, executionID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (execution_id, seq, line, created_at) VALUES (?, ?, ?, ?)`,
		executionID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the output lines of an execution in sequence order.
func (s *SQLiteStore) GetLogLines(ctx context.Context, executionID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, seq, line, created_at
		FROM execution_logs WHERE execution_id = ? ORDER BY seq`, executionID)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	lines := []model.LogLine{}
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}
