// Package schedule manages persisted cron schedules of project functions:
// CRUD on the records, keeping the cron engine in step with them, and the
// firing pipeline that runs a function and records the outcome.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"runit/internal/domain"
	"runit/internal/eventbus"
	"runit/internal/invoker"
	"runit/internal/observability/metrics"
	"runit/internal/runtime/dispatcher"
	"runit/internal/storage"
	"runit/internal/task/scheduler"
	logx "runit/pkg/logx"
)

var (
	ErrInvalid         = errors.New("schedule: invalid")
	ErrDuplicate       = errors.New("schedule: name already used for this project")
	ErrForbidden       = errors.New("schedule: not the owner")
	ErrProjectNotFound = errors.New("schedule: project not found")
	ErrNotFound        = storage.ErrNotFound
)

const (
	DefaultTimezone = "UTC"
	DefaultLogLimit = 50
)

// Invoker runs one function call on behalf of a firing. Firings already run
// on an engine worker, so the call must not queue on the same pool.
type Invoker interface {
	Dispatch(ctx context.Context, source string, req dispatcher.Request) (dispatcher.Result, error)
}

type Config struct {
	LogLimit int           // default page size for Logs; 0 means DefaultLogLimit
	Timeout  time.Duration // per-firing bound handed to the engine; 0 uses the engine default
}

// Input is the body of Create. Enabled defaults to true.
type Input struct {
	UserID         string
	ProjectID      string
	Name           string
	Function       string
	CronExpression string
	Timezone       string
	Description    string
	Enabled        *bool
}

// Update changes only its non-nil fields.
type Update struct {
	Name           *string
	Function       *string
	CronExpression *string
	Timezone       *string
	Description    *string
	Enabled        *bool
}

// Change is the payload of eventbus.ScheduleChanged.
type Change struct {
	ScheduleID string
	Action     string // created, updated, toggled, deleted
	Enabled    bool
}

type Service struct {
	cfg     Config
	store   storage.Store
	cron    *scheduler.Service
	inv     Invoker
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	// mu serializes read-modify-write of schedule records and their jobs.
	mu sync.Mutex
}

func New(cfg Config, store storage.Store, cron *scheduler.Service, inv Invoker, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = DefaultLogLimit
	}
	return &Service{cfg: cfg, store: store, cron: cron, inv: inv, bus: bus, metrics: m, log: log}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// validate normalizes s in place.
func validate(s *domain.Schedule) error {
	s.Name = strings.TrimSpace(s.Name)
	s.ProjectID = strings.TrimSpace(s.ProjectID)
	s.Function = strings.TrimSpace(s.Function)
	s.CronExpression = strings.Join(strings.Fields(s.CronExpression), " ")
	s.Timezone = strings.TrimSpace(s.Timezone)
	if s.Name == "" {
		return invalid("name required")
	}
	if s.ProjectID == "" {
		return invalid("project required")
	}
	if s.Function == "" {
		s.Function = dispatcher.DefaultFunction
	}
	if s.Timezone == "" {
		s.Timezone = DefaultTimezone
	}
	if _, err := scheduler.Parse(s.CronExpression, s.Timezone); err != nil {
		return invalid("%v", err)
	}
	return nil
}

func (s *Service) Create(ctx context.Context, in Input) (*domain.Schedule, error) {
	now := time.Now().UTC()
	sc := domain.Schedule{
		ID:             uuid.NewString(),
		UserID:         strings.TrimSpace(in.UserID),
		ProjectID:      in.ProjectID,
		Name:           in.Name,
		Function:       in.Function,
		CronExpression: in.CronExpression,
		Timezone:       in.Timezone,
		Description:    in.Description,
		Enabled:        in.Enabled == nil || *in.Enabled,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := validate(&sc); err != nil {
		return nil, err
	}
	if _, err := s.store.GetProject(ctx, sc.ProjectID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, sc.ProjectID)
		}
		return nil, fmt.Errorf("load project: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sc.NextRun = s.nextFor(sc)
	if err := s.store.InsertSchedule(ctx, &sc); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	if err := s.sync(sc); err != nil {
		if derr := s.store.DeleteSchedule(ctx, sc.ID); derr != nil {
			s.log.Error("rollback of unregistrable schedule failed", logx.String("id", sc.ID), logx.Err(derr))
		}
		return nil, err
	}
	s.changed(sc, "created")
	s.log.Info("schedule created",
		logx.String("id", sc.ID),
		logx.String("project", sc.ProjectID),
		logx.String("cron", sc.CronExpression),
		logx.String("tz", sc.Timezone),
	)
	return &sc, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Service) List(ctx context.Context, f storage.ScheduleFilter) ([]domain.Schedule, error) {
	return s.store.FindSchedules(ctx, f)
}

func (s *Service) Update(ctx context.Context, id string, u Update) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil {
		sc.Name = *u.Name
	}
	if u.Function != nil {
		sc.Function = *u.Function
	}
	if u.CronExpression != nil {
		sc.CronExpression = *u.CronExpression
	}
	if u.Timezone != nil {
		sc.Timezone = *u.Timezone
	}
	if u.Description != nil {
		sc.Description = *u.Description
	}
	if u.Enabled != nil {
		sc.Enabled = *u.Enabled
	}
	if err := validate(sc); err != nil {
		return nil, err
	}
	return s.saveLocked(ctx, sc, "updated")
}

// Toggle flips enabled, keeping cron expression and timezone.
func (s *Service) Toggle(ctx context.Context, id string) (*domain.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	sc.Enabled = !sc.Enabled
	return s.saveLocked(ctx, sc, "toggled")
}

func (s *Service) saveLocked(ctx context.Context, sc *domain.Schedule, action string) (*domain.Schedule, error) {
	sc.UpdatedAt = time.Now().UTC()
	sc.NextRun = s.nextFor(*sc)
	if err := s.store.UpdateSchedule(ctx, sc); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	if err := s.sync(*sc); err != nil {
		return nil, err
	}
	s.changed(*sc, action)
	s.log.Info("schedule "+action, logx.String("id", sc.ID), logx.Bool("enabled", sc.Enabled))
	return sc, nil
}

// Delete removes the schedule, its job and its logs. A non-empty userID
// must own the schedule.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if userID != "" && userID != sc.UserID {
		return ErrForbidden
	}
	s.cron.Remove(sc.JobName())
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if _, err := s.store.DeleteLogs(ctx, storage.LogFilter{ScheduleID: id}); err != nil {
		s.log.Warn("schedule logs not deleted", logx.String("id", id), logx.Err(err))
	}
	s.metrics.SetScheduledJobs(s.cron.Len())
	s.changed(*sc, "deleted")
	s.log.Info("schedule deleted", logx.String("id", id))
	return nil
}

// DeleteByProject removes every schedule of projectID with jobs and logs.
func (s *Service) DeleteByProject(ctx context.Context, projectID string) (int, error) {
	if strings.TrimSpace(projectID) == "" {
		return 0, invalid("project required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.store.FindSchedules(ctx, storage.ScheduleFilter{ProjectID: projectID})
	if err != nil {
		return 0, err
	}
	for _, sc := range list {
		s.cron.Remove(sc.JobName())
	}
	n, err := s.store.DeleteSchedules(ctx, storage.ScheduleFilter{ProjectID: projectID})
	if err != nil {
		return 0, fmt.Errorf("delete schedules: %w", err)
	}
	if _, err := s.store.DeleteLogs(ctx, storage.LogFilter{ProjectID: projectID}); err != nil {
		s.log.Warn("project schedule logs not deleted", logx.String("project", projectID), logx.Err(err))
	}
	s.metrics.SetScheduledJobs(s.cron.Len())
	for _, sc := range list {
		s.changed(sc, "deleted")
	}
	return n, nil
}

// Logs returns the newest executions of schedule id first.
func (s *Service) Logs(ctx context.Context, id string, limit int) ([]domain.ScheduleLog, error) {
	return s.store.FindLogs(ctx, storage.LogFilter{ScheduleID: id, Limit: s.limit(limit)})
}

func (s *Service) LogsByUser(ctx context.Context, userID string, limit int) ([]domain.ScheduleLog, error) {
	return s.store.FindLogs(ctx, storage.LogFilter{UserID: userID, Limit: s.limit(limit)})
}

func (s *Service) LogsByProject(ctx context.Context, projectID string, limit int) ([]domain.ScheduleLog, error) {
	return s.store.FindLogs(ctx, storage.LogFilter{ProjectID: projectID, Limit: s.limit(limit)})
}

func (s *Service) limit(n int) int {
	if n <= 0 {
		return s.cfg.LogLimit
	}
	return n
}

// NextRun is the engine's next fire time; false when not registered.
func (s *Service) NextRun(id string) (time.Time, bool) {
	return s.cron.Next(domain.Schedule{ID: id}.JobName())
}

// Start registers every enabled schedule and starts the cron engine.
func (s *Service) Start(ctx context.Context) error {
	enabled := true
	list, err := s.store.FindSchedules(ctx, storage.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	s.mu.Lock()
	for _, sc := range list {
		if err := s.register(sc); err != nil {
			s.log.Error("schedule not registered", logx.String("id", sc.ID), logx.String("cron", sc.CronExpression), logx.Err(err))
		}
	}
	s.mu.Unlock()
	s.metrics.SetScheduledJobs(s.cron.Len())
	s.cron.Start(ctx)
	s.log.Info("schedules loaded", logx.Int("enabled", len(list)), logx.Int("registered", s.cron.Len()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.cron.Stop(ctx)
}

// sync makes the cron engine match sc.enabled.
func (s *Service) sync(sc domain.Schedule) error {
	defer func() { s.metrics.SetScheduledJobs(s.cron.Len()) }()
	if !sc.Enabled {
		s.cron.Remove(sc.JobName())
		return nil
	}
	if err := s.register(sc); err != nil {
		return invalid("%v", err)
	}
	return nil
}

func (s *Service) register(sc domain.Schedule) error {
	id := sc.ID
	return s.cron.Upsert(scheduler.Job{
		Name:     sc.JobName(),
		Expr:     sc.CronExpression,
		Timezone: sc.Timezone,
		Timeout:  s.cfg.Timeout,
		Run: func(ctx context.Context) error {
			_, err := s.Execute(ctx, id)
			return err
		},
	})
}

func (s *Service) nextFor(sc domain.Schedule) *time.Time {
	if !sc.Enabled {
		return nil
	}
	next, err := scheduler.NextAfter(sc.CronExpression, sc.Timezone, time.Now())
	if err != nil || next.IsZero() {
		return nil
	}
	next = next.UTC()
	return &next
}

func (s *Service) changed(sc domain.Schedule, action string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.ScheduleChanged, Data: Change{ScheduleID: sc.ID, Action: action, Enabled: sc.Enabled}})
}

var _ Invoker = (*invoker.Invoker)(nil)
