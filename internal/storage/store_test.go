package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"pointsched/internal/schedule"
	logx "pointsched/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "pointsched.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func fptr(v float64) *float64 { return &v }

func sampleDef() schedule.Definition {
	return schedule.Definition{
		Schedule: schedule.Schedule{
			SiteID:    1,
			Name:      "weekday occupancy",
			Type:      schedule.TypeWeekly,
			Active:    true,
			Timezone:  "UTC",
			StartDate: "2025-01-01",
			Owner:     "facilities",
		},
		Times: []schedule.TimeRule{{TimeOfDay: "07:00", DaysOfWeek: []int{1, 2, 3, 4, 5}}},
		Actions: []schedule.Action{
			{PointID: "ahu-1/sat-sp", Type: schedule.ActionWrite, TargetValue: fptr(21.0), Priority: 8, SequenceOrder: 0},
			{PointID: "ahu-1/fan-cmd", Type: schedule.ActionWrite, TargetValue: fptr(1.0), Priority: 8, SequenceOrder: 1, DelaySeconds: 5},
		},
		Exceptions: []schedule.Exception{
			{Date: "2025-12-25", Type: schedule.ExceptionSkip, Reason: "holiday"},
		},
	}
}

func TestSaveAndGetSchedule(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	def := sampleDef()
	if err := st.SaveSchedule(ctx, &def); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}
	if def.Schedule.ID == 0 {
		t.Fatal("schedule ID not assigned")
	}
	if def.Actions[0].ID == 0 {
		t.Fatal("action ID not assigned")
	}

	got, err := st.GetSchedule(ctx, def.Schedule.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if got.Schedule.Name != "weekday occupancy" || got.Schedule.Type != schedule.TypeWeekly {
		t.Fatalf("unexpected schedule: %+v", got.Schedule)
	}
	if len(got.Times) != 1 || len(got.Times[0].DaysOfWeek) != 5 {
		t.Fatalf("unexpected times: %+v", got.Times)
	}
	if len(got.Actions) != 2 || got.Actions[0].SequenceOrder != 0 || got.Actions[1].DelaySeconds != 5 {
		t.Fatalf("unexpected actions: %+v", got.Actions)
	}
	if got.Actions[0].TargetValue == nil || *got.Actions[0].TargetValue != 21.0 {
		t.Fatalf("target value lost: %+v", got.Actions[0])
	}
	if len(got.Exceptions) != 1 || got.Exceptions[0].Type != schedule.ExceptionSkip {
		t.Fatalf("unexpected exceptions: %+v", got.Exceptions)
	}
}

func TestSaveScheduleRejectsInvalid(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	def := sampleDef()
	def.Actions[0].Priority = 42
	err := st.SaveSchedule(context.Background(), &def)
	if !errors.Is(err, schedule.ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestSaveScheduleUpdateReplacesChildren(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	def := sampleDef()
	if err := st.SaveSchedule(ctx, &def); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}

	def.Times = []schedule.TimeRule{{TimeOfDay: "06:30", DaysOfWeek: []int{1}}}
	def.Actions = def.Actions[:1]
	if err := st.SaveSchedule(ctx, &def); err != nil {
		t.Fatalf("SaveSchedule update: %v", err)
	}

	got, err := st.GetSchedule(ctx, def.Schedule.ID)
	if err != nil {
		t.Fatalf("GetSchedule: %v", err)
	}
	if len(got.Times) != 1 || got.Times[0].TimeOfDay != "06:30" {
		t.Fatalf("times not replaced: %+v", got.Times)
	}
	if len(got.Actions) != 1 {
		t.Fatalf("actions not replaced: %+v", got.Actions)
	}
}

func TestListActive(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	a := sampleDef()
	if err := st.SaveSchedule(ctx, &a); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}
	b := sampleDef()
	b.Schedule.Name = "disabled one"
	b.Schedule.Active = false
	if err := st.SaveSchedule(ctx, &b); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}

	defs, err := st.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(defs) != 1 || defs[0].Schedule.ID != a.Schedule.ID {
		t.Fatalf("ListActive = %+v, want only schedule %d", defs, a.Schedule.ID)
	}

	if err := st.SetActive(ctx, b.Schedule.ID, true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	defs, err = st.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 active schedules, got %d", len(defs))
	}
}

func TestDeleteScheduleCascades(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	def := sampleDef()
	if err := st.SaveSchedule(ctx, &def); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}
	if err := st.DeleteSchedule(ctx, def.Schedule.ID); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if _, err := st.GetSchedule(ctx, def.Schedule.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := st.DeleteSchedule(ctx, def.Schedule.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestLedgerHistoryOrdering(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 1, 6, 7, 0, 0, 0, time.UTC)
	var last int64
	for i := 0; i < 3; i++ {
		ex := schedule.Execution{ScheduleID: 7, ScheduledTime: base.AddDate(0, 0, i)}
		if err := st.RecordExecution(ctx, &ex); err != nil {
			t.Fatalf("RecordExecution: %v", err)
		}
		last = ex.ID
	}

	hist, err := st.History(ctx, 7, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("History returned %d rows, want 2", len(hist))
	}
	if hist[0].ID != last {
		t.Fatalf("History[0].ID = %d, want newest %d", hist[0].ID, last)
	}
	if !hist[0].ScheduledTime.After(hist[1].ScheduledTime) {
		t.Fatalf("history not descending: %v then %v", hist[0].ScheduledTime, hist[1].ScheduledTime)
	}
}

func TestLedgerFinalizeAndLastCompleted(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	ex1 := schedule.Execution{ScheduleID: 3, ScheduledTime: time.Date(2025, 1, 6, 7, 0, 0, 0, time.UTC)}
	if err := st.RecordExecution(ctx, &ex1); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if err := st.FinalizeExecution(ctx, ex1.ID, schedule.StatusCompleted, 2, 0); err != nil {
		t.Fatalf("FinalizeExecution: %v", err)
	}

	ex2 := schedule.Execution{ScheduleID: 3, ScheduledTime: time.Date(2025, 1, 7, 7, 0, 0, 0, time.UTC)}
	if err := st.RecordExecution(ctx, &ex2); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if err := st.FinalizeExecution(ctx, ex2.ID, schedule.StatusPartial, 1, 1); err != nil {
		t.Fatalf("FinalizeExecution: %v", err)
	}

	got, err := st.LastCompleted(ctx, 3)
	if err != nil {
		t.Fatalf("LastCompleted: %v", err)
	}
	if got.ID != ex1.ID {
		t.Fatalf("LastCompleted = execution %d, want %d", got.ID, ex1.ID)
	}

	if _, err := st.LastCompleted(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestActionResultsRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	ex := schedule.Execution{ScheduleID: 5, ScheduledTime: time.Now().UTC()}
	if err := st.RecordExecution(ctx, &ex); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	r1 := schedule.ActionResult{ExecutionID: ex.ID, ActionID: 11, Status: schedule.ResultFailed, ErrorMessage: "device unreachable"}
	r2 := schedule.ActionResult{ExecutionID: ex.ID, ActionID: 12, Status: schedule.ResultSent, CommandID: "cmd-1"}
	for _, r := range []*schedule.ActionResult{&r1, &r2} {
		if err := st.RecordActionResult(ctx, r); err != nil {
			t.Fatalf("RecordActionResult: %v", err)
		}
	}

	got, err := st.ActionResults(ctx, ex.ID)
	if err != nil {
		t.Fatalf("ActionResults: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Status != schedule.ResultFailed || got[0].ErrorMessage != "device unreachable" {
		t.Fatalf("unexpected first result: %+v", got[0])
	}
	if got[1].Status != schedule.ResultSent || got[1].CommandID != "cmd-1" {
		t.Fatalf("unexpected second result: %+v", got[1])
	}
}

func TestNextExecution(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	def := sampleDef()
	if err := st.SaveSchedule(ctx, &def); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}

	// Sunday evening; the weekly Mon-Fri 07:00 rule fires Monday morning.
	asOf := time.Date(2025, 1, 5, 20, 0, 0, 0, time.UTC)
	next, ok, err := st.NextExecution(ctx, def.Schedule.ID, asOf)
	if err != nil || !ok {
		t.Fatalf("NextExecution = %v, %v, %v", next, ok, err)
	}
	want := time.Date(2025, 1, 6, 7, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if err := st.SetActive(ctx, def.Schedule.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, ok, err := st.NextExecution(ctx, def.Schedule.ID, asOf); err != nil || ok {
		t.Fatalf("inactive schedule: ok = %v, err = %v, want no occurrence", ok, err)
	}
}

func TestStaleRunning(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	old := schedule.Execution{
		ScheduleID:    9,
		ScheduledTime: time.Now().UTC().Add(-2 * time.Hour),
		ExecutionTime: time.Now().UTC().Add(-2 * time.Hour),
	}
	if err := st.RecordExecution(ctx, &old); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	fresh := schedule.Execution{ScheduleID: 9, ScheduledTime: time.Now().UTC()}
	if err := st.RecordExecution(ctx, &fresh); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}

	stale, err := st.StaleRunning(ctx, time.Hour)
	if err != nil {
		t.Fatalf("StaleRunning: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Fatalf("StaleRunning = %+v, want only execution %d", stale, old.ID)
	}
}
