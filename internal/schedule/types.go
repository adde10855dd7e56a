// Package schedule defines the persisted scheduling entities and the pure
// recurrence resolver that decides when a schedule is due.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// DateFormat is the wire/storage format for calendar dates.
	DateFormat = "2006-01-02"
	// TimeFormat is the wire/storage format for times of day.
	TimeFormat = "15:04"
)

type Type string

const (
	TypeOnce    Type = "once"
	TypeDaily   Type = "daily"
	TypeWeekly  Type = "weekly"
	TypeMonthly Type = "monthly"
)

type ActionType string

const (
	ActionWrite   ActionType = "write"
	ActionRelease ActionType = "release"
)

type ExceptionType string

const (
	ExceptionSkip     ExceptionType = "skip"
	ExceptionOverride ExceptionType = "override"
)

type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusPartial   ExecutionStatus = "partial"
	StatusFailed    ExecutionStatus = "failed"
)

type ResultStatus string

const (
	ResultSent      ResultStatus = "sent"
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
)

// Schedule is the root entity. Dates are calendar dates in the schedule's
// timezone (DateFormat); an empty EndDate means no end bound.
type Schedule struct {
	ID        int64
	SiteID    int64
	Name      string
	Type      Type
	Active    bool
	Timezone  string
	StartDate string
	EndDate   string
	Owner     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TimeRule is one daily fire point of a schedule. The day/month sets narrow
// when it applies: DaysOfWeek for weekly schedules (0=Sunday..6=Saturday),
// DaysOfMonth and Months for monthly ones. A schedule may carry several.
type TimeRule struct {
	ID          int64
	ScheduleID  int64
	TimeOfDay   string
	DaysOfWeek  []int
	DaysOfMonth []int
	Months      []int
}

// Action is one step of a schedule run, targeting a single point.
type Action struct {
	ID            int64
	ScheduleID    int64
	PointID       string
	Type          ActionType
	TargetValue   *float64 // required for write
	Priority      int      // 1..16
	SequenceOrder int      // unique within the schedule
	DelaySeconds  int      // applied before this action's dispatch
}

// Exception modifies behavior on a single date: skip suppresses the run,
// override replaces that date's normal fire time(s) with OverrideTime.
type Exception struct {
	ID           int64
	ScheduleID   int64
	Date         string
	Type         ExceptionType
	OverrideTime string
	Reason       string
}

// Execution is one concrete run of a schedule.
type Execution struct {
	ID              int64
	ScheduleID      int64
	ScheduledTime   time.Time
	ExecutionTime   time.Time
	Status          ExecutionStatus
	ActionsExecuted int
	ActionsFailed   int
}

// ActionResult records the outcome of one action within one execution.
type ActionResult struct {
	ID           int64
	ExecutionID  int64
	ActionID     int64
	Status       ResultStatus
	ErrorMessage string
	CommandID    string
	ExecutedAt   time.Time
}

// Definition is a schedule together with its nested rules, loaded and saved
// as one unit.
type Definition struct {
	Schedule   Schedule
	Times      []TimeRule
	Actions    []Action
	Exceptions []Exception
}

// ErrInvalidConfig marks configuration errors rejected at save time. The
// resolver and the trigger layer assume input that passed Validate.
var ErrInvalidConfig = errors.New("invalid schedule configuration")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks a definition for structural errors. It is called by the
// store before any write; edge cases that merely never fire (e.g. a weekly
// rule with an empty day set) are allowed.
func Validate(def *Definition) error {
	if def == nil {
		return invalidf("definition is nil")
	}
	sch := &def.Schedule

	if strings.TrimSpace(sch.Name) == "" {
		return invalidf("name is required")
	}
	switch sch.Type {
	case TypeOnce, TypeDaily, TypeWeekly, TypeMonthly:
	default:
		return invalidf("unknown schedule type %q", sch.Type)
	}
	if _, err := time.LoadLocation(sch.Timezone); err != nil {
		return invalidf("timezone %q: %v", sch.Timezone, err)
	}
	start, err := time.Parse(DateFormat, sch.StartDate)
	if err != nil {
		return invalidf("start_date %q: %v", sch.StartDate, err)
	}
	if sch.EndDate != "" {
		end, err := time.Parse(DateFormat, sch.EndDate)
		if err != nil {
			return invalidf("end_date %q: %v", sch.EndDate, err)
		}
		if end.Before(start) {
			return invalidf("end_date %s is before start_date %s", sch.EndDate, sch.StartDate)
		}
	}

	for i := range def.Times {
		tr := &def.Times[i]
		if _, err := time.Parse(TimeFormat, tr.TimeOfDay); err != nil {
			return invalidf("time_of_day %q: %v", tr.TimeOfDay, err)
		}
		for _, d := range tr.DaysOfWeek {
			if d < 0 || d > 6 {
				return invalidf("day_of_week %d out of range 0..6", d)
			}
		}
		for _, d := range tr.DaysOfMonth {
			if d < 1 || d > 31 {
				return invalidf("day_of_month %d out of range 1..31", d)
			}
		}
		for _, m := range tr.Months {
			if m < 1 || m > 12 {
				return invalidf("month %d out of range 1..12", m)
			}
		}
	}

	seen := make(map[int]bool, len(def.Actions))
	for i := range def.Actions {
		a := &def.Actions[i]
		if strings.TrimSpace(a.PointID) == "" {
			return invalidf("action %d: point_id is required", i)
		}
		switch a.Type {
		case ActionWrite:
			if a.TargetValue == nil {
				return invalidf("action %d: write requires a target_value", i)
			}
		case ActionRelease:
		default:
			return invalidf("action %d: unknown action type %q", i, a.Type)
		}
		if a.Priority < 1 || a.Priority > 16 {
			return invalidf("action %d: priority %d out of range 1..16", i, a.Priority)
		}
		if a.DelaySeconds < 0 {
			return invalidf("action %d: negative delay", i)
		}
		if seen[a.SequenceOrder] {
			return invalidf("duplicate sequence_order %d", a.SequenceOrder)
		}
		seen[a.SequenceOrder] = true
	}

	for i := range def.Exceptions {
		e := &def.Exceptions[i]
		if _, err := time.Parse(DateFormat, e.Date); err != nil {
			return invalidf("exception %d: date %q: %v", i, e.Date, err)
		}
		switch e.Type {
		case ExceptionSkip:
		case ExceptionOverride:
			if _, err := time.Parse(TimeFormat, e.OverrideTime); err != nil {
				return invalidf("exception %d: override_time %q: %v", i, e.OverrideTime, err)
			}
		default:
			return invalidf("exception %d: unknown exception type %q", i, e.Type)
		}
	}

	return nil
}
