package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"runit/internal/domain"
	"runit/internal/eventbus"
	"runit/internal/invoker"
	"runit/internal/runtime/dispatcher"
	"runit/internal/storage"
	logx "runit/pkg/logx"
)

// Execution is the payload of eventbus.ScheduleExecuted.
type Execution struct {
	ScheduleID   string
	ScheduleName string
	UserID       string
	ProjectID    string
	Function     string
	Outcome      string
	Success      bool
	Message      string // output on success, error text otherwise
	Duration     time.Duration
	At           time.Time
}

// outcome labels beyond the dispatcher's own.
const (
	outcomeMissingProject = "project_missing"
	outcomeError          = "error"
)

// Execute runs schedule id once and records the result. Function failures
// end up in the log row. A missing schedule or project aborts the firing
// with an error and writes no row.
func (s *Service) Execute(ctx context.Context, id string) (*domain.ScheduleLog, error) {
	start := time.Now()
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		s.log.Warn("scheduled run aborted: schedule unavailable", logx.String("id", id), logx.Err(err))
		return nil, fmt.Errorf("load schedule %s: %w", id, err)
	}
	log := s.log.With(logx.String("schedule", sc.ID), logx.String("project", sc.ProjectID), logx.String("func", sc.Function))

	if _, err := s.store.GetProject(ctx, sc.ProjectID); err != nil {
		log.Warn("scheduled run aborted: project unavailable", logx.Err(err))
		s.metrics.ScheduleRun(outcomeMissingProject)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, sc.ProjectID)
		}
		return nil, fmt.Errorf("load project %s: %w", sc.ProjectID, err)
	}

	res, err := s.inv.Dispatch(ctx, invoker.SourceSchedule, dispatcher.Request{ProjectID: sc.ProjectID, Function: sc.Function})
	if err != nil {
		log.Error("scheduled run failed", logx.Err(err))
		return s.record(ctx, sc, outcomeError, false, err.Error(), start)
	}
	if !completed(res) {
		log.Warn("scheduled run failed", logx.String("outcome", string(res.Outcome)))
		return s.record(ctx, sc, string(res.Outcome), false, failureText(res), start)
	}

	s.mu.Lock()
	err = s.markRun(ctx, sc.ID, res.ExecutedAt)
	s.mu.Unlock()
	if err != nil {
		log.Error("run count not updated", logx.Err(err))
	}
	log.Debug("scheduled run finished", logx.Duration("dur", time.Since(start)))
	return s.record(ctx, sc, string(res.Outcome), true, strings.TrimSpace(res.Output), start)
}

// markRun bumps run_count and last_run on the current record so a
// concurrent edit is not overwritten.
func (s *Service) markRun(ctx context.Context, id string, at time.Time) error {
	cur, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	cur.RunCount++
	cur.LastRun = &at
	if next, ok := s.cron.Next(cur.JobName()); ok {
		next = next.UTC()
		cur.NextRun = &next
	}
	return s.store.UpdateSchedule(ctx, cur)
}

// completed reports whether the dispatcher produced a function reply. An
// undefined name or a wrong argument count is returned to the caller as
// text, so the firing counts as a run; a missing project directory or a
// process failure does not.
func completed(res dispatcher.Result) bool {
	switch res.Outcome {
	case dispatcher.OutcomeOK, dispatcher.OutcomeUndefinedFunction, dispatcher.OutcomeArityMismatch:
		return true
	}
	return false
}

func failureText(res dispatcher.Result) string {
	switch res.Outcome {
	case dispatcher.OutcomeNotFound:
		return "project not found: " + res.ProjectID
	}
	if out := strings.TrimSpace(res.Output); out != "" {
		return out
	}
	return string(res.Outcome)
}

// record appends the log row, publishes the execution and counts it. A log
// write failure is logged and swallowed.
func (s *Service) record(ctx context.Context, sc *domain.Schedule, outcome string, ok bool, msg string, start time.Time) (*domain.ScheduleLog, error) {
	dur := time.Since(start)
	row := &domain.ScheduleLog{
		ID:         uuid.NewString(),
		ScheduleID: sc.ID,
		ProjectID:  sc.ProjectID,
		UserID:     sc.UserID,
		Function:   sc.Function,
		Success:    ok,
		DurationMS: dur.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if ok {
		row.Result = msg
	} else {
		row.ErrorMessage = msg
	}
	if err := s.store.AppendLog(ctx, row); err != nil {
		s.log.Error("schedule log not written", logx.String("schedule", sc.ID), logx.Err(err))
	}

	s.metrics.ScheduleRun(outcome)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleExecuted, Time: row.CreatedAt, Data: Execution{
			ScheduleID:   sc.ID,
			ScheduleName: sc.Name,
			UserID:       sc.UserID,
			ProjectID:    sc.ProjectID,
			Function:     sc.Function,
			Outcome:      outcome,
			Success:      ok,
			Message:      msg,
			Duration:     dur,
			At:           row.CreatedAt,
		}})
	}
	return row, nil
}
