// Package storage persists projects, schedules, schedule logs and secrets.
//
// Drivers:
//   - "sqlite": SQLite database file (modernc.org/sqlite, goose migrations)
//   - "memory": process-local maps, for tests and throwaway runs
package storage

import (
	"context"
	"errors"
	"time"

	"runit/internal/domain"
)

var (
	ErrNotFound    = errors.New("storage: not found")
	ErrConflict    = errors.New("storage: conflict")
	ErrEmptyFilter = errors.New("storage: refusing to delete with an empty filter")
	ErrClosed      = errors.New("storage: closed")
)

// Config configures storage. An empty Driver selects "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// ScheduleFilter matches schedules; zero fields match anything.
type ScheduleFilter struct {
	UserID    string
	ProjectID string
	Name      string
	Enabled   *bool
}

func (f ScheduleFilter) empty() bool {
	return f.UserID == "" && f.ProjectID == "" && f.Name == "" && f.Enabled == nil
}

// LogFilter matches schedule logs. Results are newest first; Limit <= 0
// means no limit.
type LogFilter struct {
	ScheduleID string
	UserID     string
	ProjectID  string
	Limit      int
}

func (f LogFilter) empty() bool {
	return f.ScheduleID == "" && f.UserID == "" && f.ProjectID == ""
}

type ProjectStore interface {
	PutProject(ctx context.Context, p *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	DeleteProject(ctx context.Context, id string) error
}

type ScheduleStore interface {
	// InsertSchedule fails with ErrConflict when (user, name, project) is taken.
	InsertSchedule(ctx context.Context, s *domain.Schedule) error
	GetSchedule(ctx context.Context, id string) (*domain.Schedule, error)
	FindSchedules(ctx context.Context, f ScheduleFilter) ([]domain.Schedule, error)
	UpdateSchedule(ctx context.Context, s *domain.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	DeleteSchedules(ctx context.Context, f ScheduleFilter) (int, error)
}

type LogStore interface {
	AppendLog(ctx context.Context, l *domain.ScheduleLog) error
	FindLogs(ctx context.Context, f LogFilter) ([]domain.ScheduleLog, error)
	DeleteLogs(ctx context.Context, f LogFilter) (int, error)
}

type SecretStore interface {
	PutSecret(ctx context.Context, s *domain.Secret) error
	GetSecret(ctx context.Context, projectID string) (*domain.Secret, error)
}

// Store is the persistence API used by the rest of runit.
type Store interface {
	ProjectStore
	ScheduleStore
	LogStore
	SecretStore
	Close() error
}
