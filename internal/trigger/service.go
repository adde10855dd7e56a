// Package trigger decides when schedules are due. It keeps one cron entry
// per (schedule, time rule) pair and runs a minute sweep as a safety net, so
// a missed or misbehaving timer costs at most one minute of drift. Both
// paths only signal the execution engine; they never run actions.
package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pointsched/internal/runtime/supervisor"
	"pointsched/internal/schedule"
	"pointsched/internal/storage"
	logx "pointsched/pkg/logx"
)

type Config struct {
	Enabled bool

	// SweepInterval is the safety-net cadence. The sweep matches wall-clock
	// minutes, so anything other than one minute weakens the net.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Enqueuer is the downstream demand sink, satisfied by the execution engine.
type Enqueuer interface {
	Enqueue(scheduleID int64, at time.Time, source string) bool
}

// Service owns the timers. Entries are rebuilt wholesale by Load and per
// schedule by Reload; the cron runner itself stays up across both.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	store   *storage.Store
	sink    Enqueuer
	runner  *cron.Cron
	entries map[int64][]cron.EntryID

	sup    *supervisor.Supervisor
	stopCh chan struct{}
}

func New(cfg Config, store *storage.Store, sink Enqueuer, log logx.Logger) *Service {
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "trigger")),
		store:   store,
		sink:    sink,
		runner:  cron.New(),
		entries: map[int64][]cron.EntryID{},
	}
}

// Start begins firing timers and the sweep, after an initial Load.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.cfg.Enabled || s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	sup := s.sup
	s.mu.Unlock()

	if err := s.Load(ctx); err != nil {
		return err
	}
	s.runner.Start()
	sup.GoRestart("trigger-sweep", func(c context.Context) error {
		return s.sweepLoop(c, stopCh)
	})
	s.log.Info("trigger scheduler started", logx.Duration("sweep_interval", s.cfg.SweepInterval))
	return nil
}

// Stop halts the sweep and waits for the cron runner to finish in-flight
// callbacks or ctx to expire.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	cronDone := s.runner.Stop()
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("trigger scheduler stopped")
}

// Load rebuilds every timer from the active schedule set.
func (s *Service) Load(ctx context.Context) error {
	defs, err := s.store.ListActive(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.entries {
		s.removeLocked(id)
	}
	for _, def := range defs {
		s.registerLocked(def)
	}
	s.log.Info("timers loaded", logx.Int("schedules", len(defs)), logx.Int("entries", s.entryCountLocked()))
	return nil
}

// Reload refreshes the timers of one schedule after a definition change.
// A deleted or deactivated schedule simply loses its entries.
func (s *Service) Reload(ctx context.Context, scheduleID int64) error {
	def, err := s.store.GetSchedule(ctx, scheduleID)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(scheduleID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return err
	case !def.Schedule.Active:
		return nil
	}
	s.registerLocked(def)
	return nil
}

func (s *Service) removeLocked(scheduleID int64) {
	for _, id := range s.entries[scheduleID] {
		s.runner.Remove(id)
	}
	delete(s.entries, scheduleID)
}

func (s *Service) registerLocked(def schedule.Definition) {
	scheduleID := def.Schedule.ID
	for _, tr := range def.Times {
		rec, err := schedule.NewRecurrence(def.Schedule, tr)
		if err != nil {
			s.log.Warn("time rule rejected", logx.Int64("schedule_id", scheduleID), logx.String("time_of_day", tr.TimeOfDay), logx.Err(err))
			continue
		}
		if !rec.CanFire() {
			s.log.Debug("time rule can never fire, no timer", logx.Int64("schedule_id", scheduleID), logx.String("time_of_day", tr.TimeOfDay))
			continue
		}
		entryID := s.runner.Schedule(rec, cron.FuncJob(func() { s.fire(scheduleID) }))
		s.entries[scheduleID] = append(s.entries[scheduleID], entryID)
	}
}

func (s *Service) entryCountLocked() int {
	n := 0
	for _, ids := range s.entries {
		n += len(ids)
	}
	return n
}

// fire handles one timer callback. The definition is re-read so edits and
// exceptions added after registration are honored at the moment of firing.
func (s *Service) fire(scheduleID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	def, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		s.log.Warn("timer fired for unavailable schedule", logx.Int64("schedule_id", scheduleID), logx.Err(err))
		return
	}
	now := time.Now()
	if !def.Schedule.Active || !schedule.ShouldRun(def, now) {
		s.log.Debug("timer fire suppressed", logx.Int64("schedule_id", scheduleID), logx.Bool("active", def.Schedule.Active))
		return
	}
	s.sink.Enqueue(scheduleID, now, "timer")
}

func (s *Service) sweepLoop(ctx context.Context, stopCh chan struct{}) error {
	s.mu.Lock()
	interval := s.cfg.SweepInterval
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-stopCh:
			return nil
		case now := <-ticker.C:
			s.sweepOnce(ctx, now)
		}
	}
}

// sweepOnce enqueues every active schedule whose time-of-day equals the
// current wall-clock minute in its own timezone. The engine's dedup absorbs
// the overlap with timer fires.
func (s *Service) sweepOnce(ctx context.Context, now time.Time) {
	defs, err := s.store.ListActive(ctx)
	if err != nil {
		s.log.Warn("sweep could not list schedules", logx.Err(err))
		return
	}
	for _, def := range defs {
		if !dueThisMinute(def, now) {
			continue
		}
		if !schedule.ShouldRun(def, now) {
			continue
		}
		if s.sink.Enqueue(def.Schedule.ID, now, "sweep") {
			s.log.Debug("sweep caught due schedule", logx.Int64("schedule_id", def.Schedule.ID))
		}
	}
}

func dueThisMinute(def schedule.Definition, now time.Time) bool {
	local := now.In(def.Schedule.Location()).Format(schedule.TimeFormat)
	for _, tr := range def.Times {
		if tr.TimeOfDay == local {
			return true
		}
	}
	return false
}
