package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pointsched/internal/device"
	"pointsched/internal/eventbus"
	"pointsched/internal/runtime/supervisor"
	"pointsched/internal/schedule"
	"pointsched/internal/storage"
	logx "pointsched/pkg/logx"
)

// Service is the execution engine: a pending set fed by the trigger layer
// and by manual calls, drained by a single worker goroutine.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store    *storage.Store
	registry device.Registry
	executor device.CommandExecutor
	bus      eventbus.Bus
	limiter  *rate.Limiter

	// pending is the insert-if-absent dedup set; order preserves FIFO
	// across schedules.
	pmu     sync.Mutex
	pending map[int64]time.Time
	order   []int64

	gmu   sync.Mutex
	gates map[int64]*runGate

	sup    *supervisor.Supervisor
	stopCh chan struct{}

	// delayUnit scales Action.DelaySeconds; tests shrink it.
	delayUnit time.Duration
}

func New(cfg Config, store *storage.Store, registry device.Registry, executor device.CommandExecutor, bus eventbus.Bus, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "engine")),
		store:     store,
		registry:  registry,
		executor:  executor,
		bus:       bus,
		pending:   map[int64]time.Time{},
		gates:     map[int64]*runGate{},
		delayUnit: time.Second,
	}
	s.limiter = newLimiter(cfg.DispatchRate)
	return s
}

func newLimiter(perSec float64) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}

// Apply swaps runtime-tunable settings. Enabled transitions are handled by
// the app layer via Stop/Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = newLimiter(cfg.DispatchRate)
	s.mu.Unlock()
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Enqueue records that a schedule is due at the given instant. Returns false
// when the schedule is already pending; a day with several due times still
// yields one queued run per drain.
func (s *Service) Enqueue(scheduleID int64, at time.Time, source string) bool {
	s.pmu.Lock()
	if _, ok := s.pending[scheduleID]; ok {
		s.pmu.Unlock()
		s.log.Debug("enqueue skipped, already pending", logx.Int64("schedule_id", scheduleID), logx.String("source", source))
		return false
	}
	s.pending[scheduleID] = at
	s.order = append(s.order, scheduleID)
	s.pmu.Unlock()

	s.log.Debug("schedule queued", logx.Int64("schedule_id", scheduleID), logx.Time("at", at), logx.String("source", source))
	s.publish("schedule.triggered", TriggerEvent{ScheduleID: scheduleID, At: at, Source: source})
	return true
}

// PendingCount reports the size of the pending set.
func (s *Service) PendingCount() int {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	return len(s.pending)
}

func (s *Service) popPending() (int64, time.Time, bool) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if len(s.order) == 0 {
		return 0, time.Time{}, false
	}
	id := s.order[0]
	s.order = s.order[1:]
	at, ok := s.pending[id]
	delete(s.pending, id)
	if !ok {
		return 0, time.Time{}, false
	}
	return id, at, true
}

func (s *Service) removePending(scheduleID int64) bool {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if _, ok := s.pending[scheduleID]; !ok {
		return false
	}
	delete(s.pending, scheduleID)
	for i, id := range s.order {
		if id == scheduleID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *Service) gateFor(scheduleID int64) *runGate {
	s.gmu.Lock()
	defer s.gmu.Unlock()
	g, ok := s.gates[scheduleID]
	if !ok {
		g = &runGate{}
		s.gates[scheduleID] = g
	}
	return g
}

// Start launches the worker. Safe to call once per Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if !s.cfg.Enabled || s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	sup := s.sup
	poll := s.cfg.PollInterval
	s.mu.Unlock()

	sup.GoRestart("engine-worker", func(c context.Context) error {
		return s.worker(c, stopCh)
	})
	s.log.Info("execution engine started", logx.Duration("poll_interval", poll))
}

// Stop shuts the worker down and waits for an in-flight run to finish or
// ctx to expire.
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

	sup.Cancel()
	_ = sup.Wait(ctx)
	s.log.Info("execution engine stopped")
}

func (s *Service) worker(ctx context.Context, stopCh chan struct{}) error {
	cfg, _ := s.snapshot()
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-stopCh:
			return nil
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// drain runs every pending schedule sequentially. Each run is isolated:
// panics and errors are logged and, when an execution row exists, folded
// into a failed record.
func (s *Service) drain(ctx context.Context) {
	for {
		id, at, ok := s.popPending()
		if !ok {
			return
		}
		s.runQueued(ctx, id, at)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Service) runQueued(ctx context.Context, scheduleID int64, at time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("schedule run panicked", logx.Int64("schedule_id", scheduleID), logx.Any("panic", r))
		}
	}()

	def, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		// Deleted between trigger and drain; nothing to run.
		s.log.Warn("queued schedule unavailable", logx.Int64("schedule_id", scheduleID), logx.Err(err))
		return
	}
	if !def.Schedule.Active {
		s.log.Debug("queued schedule deactivated, dropping", logx.Int64("schedule_id", scheduleID))
		return
	}

	g := s.gateFor(scheduleID)
	if !g.tryAcquire() {
		// A manual run is in flight; it covers this demand.
		s.log.Debug("run skipped, execution in flight", logx.Int64("schedule_id", scheduleID))
		return
	}
	defer g.release()

	out, err := s.run(ctx, def, at, false, "scheduler")
	s.finishRun(ctx, def.Schedule.ID, out, false, "scheduler", err)
}

// ExecuteSchedule runs one schedule immediately, bypassing the queue, and
// returns the synchronous outcome. Recurrence rules and exceptions are not
// consulted. A pending queue entry for the schedule is consumed by this run.
func (s *Service) ExecuteSchedule(ctx context.Context, scheduleID int64, caller string) (Outcome, error) {
	cfg, _ := s.snapshot()
	if !cfg.Enabled {
		return Outcome{}, ErrDisabled
	}

	def, err := s.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return Outcome{}, err
	}

	g := s.gateFor(scheduleID)
	if !g.tryAcquire() {
		return Outcome{}, fmt.Errorf("schedule %d: %w", scheduleID, ErrAlreadyRunning)
	}
	defer g.release()

	s.removePending(scheduleID)

	out, err := s.run(ctx, def, time.Now(), true, caller)
	s.finishRun(ctx, scheduleID, out, true, caller, err)
	return out, err
}

// finishRun applies the top-level failure policy: an error after the
// execution row was created marks that row failed, best effort.
func (s *Service) finishRun(ctx context.Context, scheduleID int64, out Outcome, manual bool, caller string, err error) {
	if err == nil {
		return
	}
	s.log.Error("schedule run failed",
		logx.Int64("schedule_id", scheduleID), logx.Int64("execution_id", out.ExecutionID),
		logx.Bool("manual", manual), logx.Err(err))
	if out.ExecutionID != 0 {
		if ferr := s.store.FinalizeExecution(ctx, out.ExecutionID, schedule.StatusFailed, out.ActionsExecuted, out.ActionsFailed); ferr != nil {
			s.log.Error("failed marking execution failed", logx.Int64("execution_id", out.ExecutionID), logx.Err(ferr))
		}
	}
	s.publish("execution.failed", ExecutionEvent{
		ScheduleID: scheduleID, ExecutionID: out.ExecutionID, Status: schedule.StatusFailed,
		ActionsExecuted: out.ActionsExecuted, ActionsFailed: out.ActionsFailed,
		Manual: manual, Caller: caller, Error: err.Error(),
	})
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
