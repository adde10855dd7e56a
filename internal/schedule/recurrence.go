package schedule

import (
	"time"
)

// nextScanDays bounds the day-by-day scan for the next occurrence. Five
// years covers any satisfiable day/month combination.
const nextScanDays = 366 * 5

// Location resolves the schedule's IANA timezone. Validate guarantees it
// loads; UTC is the fallback for unvalidated values.
func (s Schedule) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

// ShouldRun reports whether the schedule is due on asOf's date, evaluated in
// the schedule's timezone: inside the start/end window, not skipped by an
// exception, and matched by at least one time rule for its recurrence class.
func ShouldRun(def Definition, asOf time.Time) bool {
	loc := def.Schedule.Location()
	d := midnight(asOf.In(loc))

	if !inWindow(def.Schedule, d, loc) {
		return false
	}
	if skipOn(def.Exceptions, d) {
		return false
	}
	for _, tr := range def.Times {
		if ruleMatches(def.Schedule, tr, d) {
			return true
		}
	}
	return false
}

// NextOccurrence returns the minimal instant strictly after asOf at which
// the schedule is due, honoring skip exceptions and override times. The
// second return is false when no such instant exists.
func NextOccurrence(def Definition, asOf time.Time) (time.Time, bool) {
	loc := def.Schedule.Location()
	local := asOf.In(loc)

	day := midnight(local)
	if start, ok := dateIn(def.Schedule.StartDate, loc); ok && day.Before(start) {
		day = start
	}

	for i := 0; i < nextScanDays; i++ {
		d := day.AddDate(0, 0, i)
		if !inWindow(def.Schedule, d, loc) {
			if afterEnd(def.Schedule, d, loc) {
				break
			}
			continue
		}
		if skipOn(def.Exceptions, d) {
			continue
		}

		var best time.Time
		for _, tod := range fireTimesOn(def, d) {
			hh, mm, ok := clockOf(tod)
			if !ok {
				continue
			}
			inst := time.Date(d.Year(), d.Month(), d.Day(), hh, mm, 0, 0, loc)
			if inst.After(asOf) && (best.IsZero() || inst.Before(best)) {
				best = inst
			}
		}
		if !best.IsZero() {
			return best, true
		}
	}
	return time.Time{}, false
}

// fireTimesOn lists the times of day the schedule fires on date d. An
// override exception replaces the date's normal times with its single
// override time; dates the recurrence does not match stay empty.
func fireTimesOn(def Definition, d time.Time) []string {
	var out []string
	for _, tr := range def.Times {
		if ruleMatches(def.Schedule, tr, d) {
			out = append(out, tr.TimeOfDay)
		}
	}
	if len(out) == 0 {
		return nil
	}
	ds := d.Format(DateFormat)
	for _, e := range def.Exceptions {
		if e.Type == ExceptionOverride && e.Date == ds && e.OverrideTime != "" {
			return []string{e.OverrideTime}
		}
	}
	return out
}

func ruleMatches(sch Schedule, tr TimeRule, d time.Time) bool {
	switch sch.Type {
	case TypeOnce:
		return d.Format(DateFormat) == sch.StartDate
	case TypeDaily:
		return true
	case TypeWeekly:
		// An empty day set never fires.
		for _, wd := range tr.DaysOfWeek {
			if int(d.Weekday()) == wd {
				return true
			}
		}
		return false
	case TypeMonthly:
		// A day absent from the month (e.g. 31 in February) is skipped for
		// that month, never rolled to a neighboring day.
		dayOK := false
		for _, dm := range tr.DaysOfMonth {
			if d.Day() == dm {
				dayOK = true
				break
			}
		}
		if !dayOK {
			return false
		}
		if len(tr.Months) == 0 {
			return true
		}
		for _, m := range tr.Months {
			if int(d.Month()) == m {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func inWindow(sch Schedule, d time.Time, loc *time.Location) bool {
	if start, ok := dateIn(sch.StartDate, loc); ok && d.Before(start) {
		return false
	}
	return !afterEnd(sch, d, loc)
}

func afterEnd(sch Schedule, d time.Time, loc *time.Location) bool {
	if sch.EndDate == "" {
		return false
	}
	end, ok := dateIn(sch.EndDate, loc)
	return ok && d.After(end)
}

func skipOn(excs []Exception, d time.Time) bool {
	ds := d.Format(DateFormat)
	for _, e := range excs {
		if e.Type == ExceptionSkip && e.Date == ds {
			return true
		}
	}
	return false
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func dateIn(s string, loc *time.Location) (time.Time, bool) {
	d, err := time.ParseInLocation(DateFormat, s, loc)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

func clockOf(s string) (hh, mm int, ok bool) {
	t, err := time.Parse(TimeFormat, s)
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

// Recurrence is one concrete firing rule: a schedule's recurrence class and
// date window combined with a single time-of-day rule. Next satisfies
// robfig/cron's Schedule interface, so the trigger layer runs these on a
// stock cron runner without string specs. Exceptions are invisible at this
// level; the fire callback re-checks ShouldRun.
type Recurrence struct {
	Type        Type
	Hour        int
	Minute      int
	DaysOfWeek  []int
	DaysOfMonth []int
	Months      []int
	StartDate   string
	EndDate     string
	Loc         *time.Location
}

// NewRecurrence derives the firing rule for one (schedule, time rule) pair.
// It fails only on input that Validate would have rejected.
func NewRecurrence(sch Schedule, tr TimeRule) (*Recurrence, error) {
	t, err := time.Parse(TimeFormat, tr.TimeOfDay)
	if err != nil {
		return nil, invalidf("time_of_day %q: %v", tr.TimeOfDay, err)
	}
	loc, err := time.LoadLocation(sch.Timezone)
	if err != nil {
		return nil, invalidf("timezone %q: %v", sch.Timezone, err)
	}
	return &Recurrence{
		Type:        sch.Type,
		Hour:        t.Hour(),
		Minute:      t.Minute(),
		DaysOfWeek:  tr.DaysOfWeek,
		DaysOfMonth: tr.DaysOfMonth,
		Months:      tr.Months,
		StartDate:   sch.StartDate,
		EndDate:     sch.EndDate,
		Loc:         loc,
	}, nil
}

// CanFire reports whether the rule can produce any instant at all.
// Registering a timer for a rule that cannot fire is pointless.
func (r *Recurrence) CanFire() bool {
	switch r.Type {
	case TypeWeekly:
		return len(r.DaysOfWeek) > 0
	case TypeMonthly:
		return len(r.DaysOfMonth) > 0
	default:
		return true
	}
}

// Next returns the next fire instant strictly after t, or the zero time when
// the rule is exhausted (end date passed, once date gone) or cannot fire.
func (r *Recurrence) Next(t time.Time) time.Time {
	if !r.CanFire() {
		return time.Time{}
	}
	sch := Schedule{Type: r.Type, StartDate: r.StartDate, EndDate: r.EndDate}
	tr := TimeRule{DaysOfWeek: r.DaysOfWeek, DaysOfMonth: r.DaysOfMonth, Months: r.Months}

	local := t.In(r.Loc)
	day := midnight(local)
	if start, ok := dateIn(r.StartDate, r.Loc); ok && day.Before(start) {
		day = start
	}

	for i := 0; i < nextScanDays; i++ {
		d := day.AddDate(0, 0, i)
		if afterEnd(sch, d, r.Loc) {
			return time.Time{}
		}
		if start, ok := dateIn(r.StartDate, r.Loc); ok && d.Before(start) {
			continue
		}
		if !ruleMatches(sch, tr, d) {
			continue
		}
		inst := time.Date(d.Year(), d.Month(), d.Day(), r.Hour, r.Minute, 0, 0, r.Loc)
		if inst.After(t) {
			return inst
		}
	}
	return time.Time{}
}
