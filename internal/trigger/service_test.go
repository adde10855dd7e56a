package trigger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pointsched/internal/schedule"
	"pointsched/internal/storage"
	logx "pointsched/pkg/logx"
)

type sinkCall struct {
	scheduleID int64
	source     string
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (r *recordingSink) Enqueue(scheduleID int64, _ time.Time, source string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sinkCall{scheduleID, source})
	return true
}

func (r *recordingSink) all() []sinkCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sinkCall(nil), r.calls...)
}

func newTestTrigger(t *testing.T) (*Service, *storage.Store, *recordingSink) {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "trigger.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sink := &recordingSink{}
	return New(Config{Enabled: true}, st, sink, logx.Nop()), st, sink
}

func fptr(v float64) *float64 { return &v }

func saveDef(t *testing.T, st *storage.Store, def schedule.Definition) int64 {
	t.Helper()
	if err := st.SaveSchedule(context.Background(), &def); err != nil {
		t.Fatalf("SaveSchedule: %v", err)
	}
	return def.Schedule.ID
}

func dailyDef(name, tz, timeOfDay string) schedule.Definition {
	return schedule.Definition{
		Schedule: schedule.Schedule{
			SiteID: 1, Name: name, Type: schedule.TypeDaily, Active: true,
			Timezone: tz, StartDate: "2025-01-01",
		},
		Times: []schedule.TimeRule{{TimeOfDay: timeOfDay}},
		Actions: []schedule.Action{
			{PointID: "p/1", Type: schedule.ActionWrite, TargetValue: fptr(1), Priority: 8, SequenceOrder: 0},
		},
	}
}

func (s *Service) entryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryCountLocked()
}

func TestLoadRegistersOnlyActiveSchedules(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestTrigger(t)
	ctx := context.Background()

	a := dailyDef("two rules", "UTC", "07:00")
	a.Times = append(a.Times, schedule.TimeRule{TimeOfDay: "18:00"})
	saveDef(t, st, a)

	b := dailyDef("disabled", "UTC", "09:00")
	b.Schedule.Active = false
	saveDef(t, st, b)

	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n := s.entryCount(); n != 2 {
		t.Fatalf("entry count = %d, want 2 (both rules of the active schedule)", n)
	}
}

func TestLoadSkipsRulesThatCannotFire(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestTrigger(t)

	def := dailyDef("no days", "UTC", "07:00")
	def.Schedule.Type = schedule.TypeWeekly
	def.Times[0].DaysOfWeek = nil
	saveDef(t, st, def)

	if err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n := s.entryCount(); n != 0 {
		t.Fatalf("entry count = %d, want 0 for an empty weekly day set", n)
	}
}

func TestReloadTracksActivation(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestTrigger(t)
	ctx := context.Background()

	id := saveDef(t, st, dailyDef("toggled", "UTC", "07:00"))
	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n := s.entryCount(); n != 1 {
		t.Fatalf("entry count = %d, want 1", n)
	}

	if err := st.SetActive(ctx, id, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := s.Reload(ctx, id); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := s.entryCount(); n != 0 {
		t.Fatalf("entry count after deactivate = %d, want 0", n)
	}

	if err := st.SetActive(ctx, id, true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if err := s.Reload(ctx, id); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if n := s.entryCount(); n != 1 {
		t.Fatalf("entry count after reactivate = %d, want 1", n)
	}

	if err := st.DeleteSchedule(ctx, id); err != nil {
		t.Fatalf("DeleteSchedule: %v", err)
	}
	if err := s.Reload(ctx, id); err != nil {
		t.Fatalf("Reload after delete: %v", err)
	}
	if n := s.entryCount(); n != 0 {
		t.Fatalf("entry count after delete = %d, want 0", n)
	}
}

func TestSweepEnqueuesDueSchedule(t *testing.T) {
	t.Parallel()
	s, st, sink := newTestTrigger(t)
	ctx := context.Background()

	id := saveDef(t, st, dailyDef("morning", "UTC", "07:00"))

	s.sweepOnce(ctx, time.Date(2025, 6, 2, 7, 0, 30, 0, time.UTC))
	calls := sink.all()
	if len(calls) != 1 || calls[0].scheduleID != id || calls[0].source != "sweep" {
		t.Fatalf("sweep calls = %+v, want one for schedule %d", calls, id)
	}

	// A different minute is not due.
	s.sweepOnce(ctx, time.Date(2025, 6, 2, 7, 1, 0, 0, time.UTC))
	if len(sink.all()) != 1 {
		t.Fatalf("sweep enqueued outside the due minute: %+v", sink.all())
	}
}

func TestSweepHonorsSkipException(t *testing.T) {
	t.Parallel()
	s, st, sink := newTestTrigger(t)
	ctx := context.Background()

	def := dailyDef("holiday aware", "UTC", "07:00")
	def.Exceptions = []schedule.Exception{{Date: "2025-12-25", Type: schedule.ExceptionSkip, Reason: "holiday"}}
	saveDef(t, st, def)

	s.sweepOnce(ctx, time.Date(2025, 12, 25, 7, 0, 0, 0, time.UTC))
	if len(sink.all()) != 0 {
		t.Fatalf("sweep ignored the skip exception: %+v", sink.all())
	}

	s.sweepOnce(ctx, time.Date(2025, 12, 26, 7, 0, 0, 0, time.UTC))
	if len(sink.all()) != 1 {
		t.Fatalf("sweep missed the day after the exception: %+v", sink.all())
	}
}

func TestSweepMatchesScheduleTimezone(t *testing.T) {
	t.Parallel()
	s, st, sink := newTestTrigger(t)
	ctx := context.Background()

	id := saveDef(t, st, dailyDef("jakarta afternoon", "Asia/Jakarta", "14:00"))

	// 14:00 WIB is 07:00 UTC.
	s.sweepOnce(ctx, time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC))
	calls := sink.all()
	if len(calls) != 1 || calls[0].scheduleID != id {
		t.Fatalf("sweep calls = %+v, want one for schedule %d", calls, id)
	}
}

func TestFireSuppressedBySkipException(t *testing.T) {
	t.Parallel()
	s, st, sink := newTestTrigger(t)

	today := time.Now().UTC().Format(schedule.DateFormat)
	def := dailyDef("skipped today", "UTC", "07:00")
	def.Exceptions = []schedule.Exception{{Date: today, Type: schedule.ExceptionSkip}}
	id := saveDef(t, st, def)

	s.fire(id)
	if len(sink.all()) != 0 {
		t.Fatalf("fire ignored today's skip exception: %+v", sink.all())
	}

	plain := saveDef(t, st, dailyDef("plain", "UTC", "07:00"))
	s.fire(plain)
	calls := sink.all()
	if len(calls) != 1 || calls[0].scheduleID != plain || calls[0].source != "timer" {
		t.Fatalf("fire calls = %+v, want one timer call for schedule %d", calls, plain)
	}
}
