package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pointsched/internal/schedule"
)

// SaveSchedule validates and persists a whole definition in one
// transaction. A zero schedule ID inserts; otherwise the row is updated and
// the nested times/actions/exceptions are replaced. Child IDs are filled in
// on return.
func (s *Store) SaveSchedule(ctx context.Context, def *schedule.Definition) error {
	if err := schedule.Validate(def); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	sch := &def.Schedule
	if sch.ID == 0 {
		sch.CreatedAt = now
		res, err := tx.ExecContext(ctx,
			`INSERT INTO schedules(site_id, name, schedule_type, is_active, timezone, start_date, end_date, owner, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?)`,
			sch.SiteID, sch.Name, string(sch.Type), boolInt(sch.Active), sch.Timezone,
			sch.StartDate, nullStr(sch.EndDate), nullStr(sch.Owner),
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		sch.ID = id
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE schedules SET site_id=?, name=?, schedule_type=?, is_active=?, timezone=?, start_date=?, end_date=?, owner=?, updated_at=?
			 WHERE id=?`,
			sch.SiteID, sch.Name, string(sch.Type), boolInt(sch.Active), sch.Timezone,
			sch.StartDate, nullStr(sch.EndDate), nullStr(sch.Owner),
			now.Format(time.RFC3339Nano), sch.ID,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("schedule %d: %w", sch.ID, ErrNotFound)
		}
		for _, table := range []string{"schedule_times", "schedule_actions", "schedule_exceptions"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE schedule_id=?", sch.ID); err != nil {
				return err
			}
		}
	}
	sch.UpdatedAt = now

	for i := range def.Times {
		tr := &def.Times[i]
		tr.ScheduleID = sch.ID
		res, err := tx.ExecContext(ctx,
			`INSERT INTO schedule_times(schedule_id, time_of_day, days_of_week, days_of_month, months)
			 VALUES(?,?,?,?,?)`,
			sch.ID, tr.TimeOfDay, intSetJSON(tr.DaysOfWeek), intSetJSON(tr.DaysOfMonth), intSetJSON(tr.Months),
		)
		if err != nil {
			return err
		}
		tr.ID, _ = res.LastInsertId()
	}

	for i := range def.Actions {
		a := &def.Actions[i]
		a.ScheduleID = sch.ID
		res, err := tx.ExecContext(ctx,
			`INSERT INTO schedule_actions(schedule_id, point_id, action_type, target_value, priority, sequence_order, delay_seconds)
			 VALUES(?,?,?,?,?,?,?)`,
			sch.ID, a.PointID, string(a.Type), nullFloat(a.TargetValue), a.Priority, a.SequenceOrder, a.DelaySeconds,
		)
		if err != nil {
			return err
		}
		a.ID, _ = res.LastInsertId()
	}

	for i := range def.Exceptions {
		e := &def.Exceptions[i]
		e.ScheduleID = sch.ID
		res, err := tx.ExecContext(ctx,
			`INSERT INTO schedule_exceptions(schedule_id, exception_date, exception_type, override_time, reason)
			 VALUES(?,?,?,?,?)`,
			sch.ID, e.Date, string(e.Type), nullStr(e.OverrideTime), nullStr(e.Reason),
		)
		if err != nil {
			return err
		}
		e.ID, _ = res.LastInsertId()
	}

	return tx.Commit()
}

func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) SetActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET is_active=?, updated_at=? WHERE id=?`,
		boolInt(active), time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	return nil
}

const scheduleCols = `id, site_id, name, schedule_type, is_active, timezone, start_date, end_date, owner, created_at, updated_at`

func (s *Store) GetSchedule(ctx context.Context, id int64) (schedule.Definition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE id=?`, id)
	def, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Definition{}, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return schedule.Definition{}, err
	}
	if err := s.loadChildren(ctx, &def); err != nil {
		return schedule.Definition{}, err
	}
	return def, nil
}

// ListActive returns all active schedules with their nested rules, the set
// the trigger scheduler registers timers for.
func (s *Store) ListActive(ctx context.Context) ([]schedule.Definition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules WHERE is_active=1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []schedule.Definition
	for rows.Next() {
		def, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range defs {
		if err := s.loadChildren(ctx, &defs[i]); err != nil {
			return nil, err
		}
	}
	return defs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (schedule.Definition, error) {
	var (
		def       schedule.Definition
		schType   string
		active    int
		endDate   sql.NullString
		owner     sql.NullString
		createdAt string
		updatedAt string
	)
	sch := &def.Schedule
	err := r.Scan(&sch.ID, &sch.SiteID, &sch.Name, &schType, &active, &sch.Timezone,
		&sch.StartDate, &endDate, &owner, &createdAt, &updatedAt)
	if err != nil {
		return def, err
	}
	sch.Type = schedule.Type(schType)
	sch.Active = active != 0
	sch.EndDate = endDate.String
	sch.Owner = owner.String
	sch.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sch.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return def, nil
}

func (s *Store) loadChildren(ctx context.Context, def *schedule.Definition) error {
	id := def.Schedule.ID

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, time_of_day, days_of_week, days_of_month, months FROM schedule_times WHERE schedule_id=? ORDER BY id`, id)
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			tr             schedule.TimeRule
			dow, dom, mons sql.NullString
		)
		if err := rows.Scan(&tr.ID, &tr.TimeOfDay, &dow, &dom, &mons); err != nil {
			rows.Close()
			return err
		}
		tr.ScheduleID = id
		tr.DaysOfWeek = intSetFromJSON(dow)
		tr.DaysOfMonth = intSetFromJSON(dom)
		tr.Months = intSetFromJSON(mons)
		def.Times = append(def.Times, tr)
	}
	if err := closeRows(rows); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, point_id, action_type, target_value, priority, sequence_order, delay_seconds
		 FROM schedule_actions WHERE schedule_id=? ORDER BY sequence_order`, id)
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			a  schedule.Action
			at string
			tv sql.NullFloat64
		)
		if err := rows.Scan(&a.ID, &a.PointID, &at, &tv, &a.Priority, &a.SequenceOrder, &a.DelaySeconds); err != nil {
			rows.Close()
			return err
		}
		a.ScheduleID = id
		a.Type = schedule.ActionType(at)
		if tv.Valid {
			v := tv.Float64
			a.TargetValue = &v
		}
		def.Actions = append(def.Actions, a)
	}
	if err := closeRows(rows); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT id, exception_date, exception_type, override_time, reason FROM schedule_exceptions WHERE schedule_id=? ORDER BY exception_date`, id)
	if err != nil {
		return err
	}
	for rows.Next() {
		var (
			e        schedule.Exception
			et       string
			ot, resn sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Date, &et, &ot, &resn); err != nil {
			rows.Close()
			return err
		}
		e.ScheduleID = id
		e.Type = schedule.ExceptionType(et)
		e.OverrideTime = ot.String
		e.Reason = resn.String
		def.Exceptions = append(def.Exceptions, e)
	}
	return closeRows(rows)
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func intSetJSON(v []int) any {
	if len(v) == 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func intSetFromJSON(v sql.NullString) []int {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []int
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}
