package engine

import (
	"context"
	"fmt"
	"time"

	"pointsched/internal/device"
	"pointsched/internal/schedule"
	logx "pointsched/pkg/logx"
)

// run executes one schedule: record the execution, dispatch the actions in
// sequence order, record each outcome, finalize. Action failures never abort
// the run; only ledger failures (and cancellation) return an error, which
// the caller folds into a failed execution row.
func (s *Service) run(ctx context.Context, def schedule.Definition, schedTime time.Time, manual bool, caller string) (Outcome, error) {
	ex := schedule.Execution{ScheduleID: def.Schedule.ID, ScheduledTime: schedTime}
	if err := s.store.RecordExecution(ctx, &ex); err != nil {
		return Outcome{}, fmt.Errorf("record execution: %w", err)
	}
	out := Outcome{ExecutionID: ex.ID, Status: schedule.StatusRunning}

	log := s.log.With(logx.Int64("schedule_id", def.Schedule.ID), logx.Int64("execution_id", ex.ID))
	log.Info("execution started",
		logx.String("schedule", def.Schedule.Name), logx.Int("actions", len(def.Actions)),
		logx.Bool("manual", manual))
	s.publish("execution.started", ExecutionEvent{
		ScheduleID: def.Schedule.ID, ExecutionID: ex.ID, Status: schedule.StatusRunning,
		Manual: manual, Caller: caller,
	})

	for i := range def.Actions {
		a := def.Actions[i]
		if a.DelaySeconds > 0 {
			if err := s.waitDelay(ctx, a.DelaySeconds); err != nil {
				return out, fmt.Errorf("action %d delay: %w", a.SequenceOrder, err)
			}
		}

		res := s.dispatch(ctx, a)
		res.ExecutionID = ex.ID
		res.ActionID = a.ID
		if err := s.store.RecordActionResult(ctx, &res); err != nil {
			return out, fmt.Errorf("record action result: %w", err)
		}
		out.Results = append(out.Results, res)
		if res.Status == schedule.ResultFailed {
			out.ActionsFailed++
			log.Warn("action failed",
				logx.String("point_id", a.PointID), logx.Int("sequence", a.SequenceOrder),
				logx.String("reason", res.ErrorMessage))
		} else {
			out.ActionsExecuted++
		}
	}

	switch {
	case out.ActionsFailed == 0:
		out.Status = schedule.StatusCompleted
	case out.ActionsExecuted > 0:
		out.Status = schedule.StatusPartial
	default:
		out.Status = schedule.StatusFailed
	}
	if err := s.store.FinalizeExecution(ctx, ex.ID, out.Status, out.ActionsExecuted, out.ActionsFailed); err != nil {
		return out, fmt.Errorf("finalize execution: %w", err)
	}

	log.Info("execution finished",
		logx.String("status", string(out.Status)),
		logx.Int("executed", out.ActionsExecuted), logx.Int("failed", out.ActionsFailed))
	s.publish("execution.finished", ExecutionEvent{
		ScheduleID: def.Schedule.ID, ExecutionID: ex.ID, Status: out.Status,
		ActionsExecuted: out.ActionsExecuted, ActionsFailed: out.ActionsFailed,
		Manual: manual, Caller: caller,
	})
	return out, nil
}

func (s *Service) waitDelay(ctx context.Context, seconds int) error {
	t := time.NewTimer(time.Duration(seconds) * s.delayUnit)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// dispatch validates and sends one action. Every failure mode maps onto a
// failed ActionResult so the run can carry on with the remaining actions.
func (s *Service) dispatch(ctx context.Context, a schedule.Action) schedule.ActionResult {
	res := schedule.ActionResult{Status: schedule.ResultSent}

	p, err := s.registry.Point(ctx, a.PointID)
	if err != nil {
		return failResult(fmt.Sprintf("point %s: %v", a.PointID, err))
	}
	if a.Type == schedule.ActionWrite {
		if a.TargetValue == nil {
			return failResult(fmt.Sprintf("point %s: write without target value", a.PointID))
		}
		if !p.Writable {
			return failResult(fmt.Sprintf("point %s: not writable", a.PointID))
		}
		if p.Min != nil && *a.TargetValue < *p.Min {
			return failResult(fmt.Sprintf("point %s: value %g below minimum %g", a.PointID, *a.TargetValue, *p.Min))
		}
		if p.Max != nil && *a.TargetValue > *p.Max {
			return failResult(fmt.Sprintf("point %s: value %g above maximum %g", a.PointID, *a.TargetValue, *p.Max))
		}
	}

	cfg, limiter := s.snapshot()
	if err := limiter.Wait(ctx); err != nil {
		return failResult(fmt.Sprintf("point %s: %v", a.PointID, err))
	}

	cmd := device.Command{PointID: a.PointID, Priority: a.Priority, Value: a.TargetValue}
	switch a.Type {
	case schedule.ActionWrite:
		cmd.Type = device.CommandWrite
	case schedule.ActionRelease:
		cmd.Type = device.CommandRelease
		cmd.Value = nil
	default:
		return failResult(fmt.Sprintf("point %s: unknown action type %q", a.PointID, a.Type))
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
	receipt, err := s.executor.Execute(dctx, cmd)
	cancel()
	if err != nil {
		return failResult(fmt.Sprintf("point %s: %v", a.PointID, err))
	}
	res.CommandID = receipt.CommandID
	if !receipt.Accepted {
		res.Status = schedule.ResultFailed
		res.ErrorMessage = receipt.Reason
	}
	return res
}

func failResult(msg string) schedule.ActionResult {
	return schedule.ActionResult{Status: schedule.ResultFailed, ErrorMessage: msg}
}
