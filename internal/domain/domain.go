// Package domain holds the records shared by storage, the schedule service
// and the invocation path.
package domain

import "time"

// Project is the stored metadata of a user project. Its source tree and
// runit.json descriptor live under the projects root, keyed by ID.
type Project struct {
	ID        string
	UserID    string
	Name      string
	Language  string
	Runtime   string
	StartFile string
	CreatedAt time.Time
}

// Schedule is a persisted cron-triggered invocation of a project function.
type Schedule struct {
	ID             string
	UserID         string
	ProjectID      string
	Name           string
	Function       string
	CronExpression string
	Timezone       string
	Enabled        bool
	LastRun        *time.Time
	NextRun        *time.Time
	RunCount       int
	Description    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobName is the cron engine key for the schedule.
func (s Schedule) JobName() string { return "schedule_" + s.ID }

// ScheduleLog records one execution attempt. Never mutated once written.
type ScheduleLog struct {
	ID           string
	ScheduleID   string
	ProjectID    string
	UserID       string
	Function     string
	Success      bool
	Result       string
	ErrorMessage string
	DurationMS   int64
	CreatedAt    time.Time
}

// Secret is the environment overlay applied to every invocation of a project.
type Secret struct {
	ProjectID string
	UserID    string
	Variables map[string]string
	UpdatedAt time.Time
}
