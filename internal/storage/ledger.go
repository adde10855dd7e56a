package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pointsched/internal/schedule"
)

// RecordExecution appends a new execution row (normally status=running) and
// fills in its ID.
func (s *Store) RecordExecution(ctx context.Context, ex *schedule.Execution) error {
	if ex.Status == "" {
		ex.Status = schedule.StatusRunning
	}
	if ex.ExecutionTime.IsZero() {
		ex.ExecutionTime = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_executions(schedule_id, scheduled_time, execution_time, status, actions_executed, actions_failed)
		 VALUES(?,?,?,?,?,?)`,
		ex.ScheduleID,
		ex.ScheduledTime.UTC().Format(time.RFC3339Nano),
		ex.ExecutionTime.UTC().Format(time.RFC3339Nano),
		string(ex.Status), ex.ActionsExecuted, ex.ActionsFailed,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	ex.ID = id
	return nil
}

// RecordActionResult appends one per-action outcome and fills in its ID.
func (s *Store) RecordActionResult(ctx context.Context, r *schedule.ActionResult) error {
	if r.ExecutedAt.IsZero() {
		r.ExecutedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO action_results(execution_id, action_id, status, error_message, command_id, executed_at)
		 VALUES(?,?,?,?,?,?)`,
		r.ExecutionID, r.ActionID, string(r.Status), nullStr(r.ErrorMessage), nullStr(r.CommandID),
		r.ExecutedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// FinalizeExecution writes the terminal status and counters of a run.
func (s *Store) FinalizeExecution(ctx context.Context, executionID int64, status schedule.ExecutionStatus, executed, failed int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedule_executions SET status=?, actions_executed=?, actions_failed=? WHERE id=?`,
		string(status), executed, failed, executionID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %d: %w", executionID, ErrNotFound)
	}
	return nil
}

const executionCols = `id, schedule_id, scheduled_time, execution_time, status, actions_executed, actions_failed`

// History returns the most recent executions of a schedule, newest first.
func (s *Store) History(ctx context.Context, scheduleID int64, limit int) ([]schedule.Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionCols+` FROM schedule_executions WHERE schedule_id=? ORDER BY scheduled_time DESC, id DESC LIMIT ?`,
		scheduleID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// LastCompleted returns the most recent fully successful execution, or
// ErrNotFound when the schedule has none.
func (s *Store) LastCompleted(ctx context.Context, scheduleID int64) (schedule.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionCols+` FROM schedule_executions
		 WHERE schedule_id=? AND status=? ORDER BY scheduled_time DESC, id DESC LIMIT 1`,
		scheduleID, string(schedule.StatusCompleted),
	)
	ex, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Execution{}, fmt.Errorf("schedule %d: no completed execution: %w", scheduleID, ErrNotFound)
	}
	return ex, err
}

// ActionResults returns the per-action outcomes of one execution in
// dispatch order.
func (s *Store) ActionResults(ctx context.Context, executionID int64) ([]schedule.ActionResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action_id, status, error_message, command_id, executed_at
		 FROM action_results WHERE execution_id=? ORDER BY id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []schedule.ActionResult
	for rows.Next() {
		var (
			r          schedule.ActionResult
			st         string
			errMsg     sql.NullString
			cmdID      sql.NullString
			executedAt string
		)
		if err := rows.Scan(&r.ID, &r.ActionID, &st, &errMsg, &cmdID, &executedAt); err != nil {
			return nil, err
		}
		r.ExecutionID = executionID
		r.Status = schedule.ResultStatus(st)
		r.ErrorMessage = errMsg.String
		r.CommandID = cmdID.String
		r.ExecutedAt, _ = time.Parse(time.RFC3339Nano, executedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// StaleRunning lists executions stuck in running for longer than olderThan.
// This is a monitoring signal; nothing reconciles these rows automatically.
func (s *Store) StaleRunning(ctx context.Context, olderThan time.Duration) ([]schedule.Execution, error) {
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionCols+` FROM schedule_executions
		 WHERE status=? AND execution_time < ? ORDER BY execution_time`,
		string(schedule.StatusRunning), cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// NextExecution computes the next due instant of a schedule from its stored
// definition. ok is false for inactive or exhausted schedules.
func (s *Store) NextExecution(ctx context.Context, scheduleID int64, asOf time.Time) (time.Time, bool, error) {
	def, err := s.GetSchedule(ctx, scheduleID)
	if err != nil {
		return time.Time{}, false, err
	}
	if !def.Schedule.Active {
		return time.Time{}, false, nil
	}
	next, ok := schedule.NextOccurrence(def, asOf)
	return next, ok, nil
}

func scanExecutions(rows *sql.Rows) ([]schedule.Execution, error) {
	var out []schedule.Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func scanExecution(r rowScanner) (schedule.Execution, error) {
	var (
		ex            schedule.Execution
		schedTime     string
		execTime      sql.NullString
		status        string
	)
	err := r.Scan(&ex.ID, &ex.ScheduleID, &schedTime, &execTime, &status, &ex.ActionsExecuted, &ex.ActionsFailed)
	if err != nil {
		return ex, err
	}
	ex.ScheduledTime, _ = time.Parse(time.RFC3339Nano, schedTime)
	if execTime.Valid {
		ex.ExecutionTime, _ = time.Parse(time.RFC3339Nano, execTime.String)
	}
	ex.Status = schedule.ExecutionStatus(status)
	return ex, nil
}
