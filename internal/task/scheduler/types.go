package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"runit/internal/eventbus"
	"runit/internal/task/engine"
	logx "runit/pkg/logx"
)

type Config struct {
	Enabled bool
	// Timezone is the engine default; jobs usually carry their own.
	Timezone string
}

// Job is one named cron registration.
type Job struct {
	Name     string
	Expr     string // 5-field cron expression
	Timezone string // IANA name; empty means the engine default
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

type jobDef struct {
	Job
	spec    string // expression with the CRON_TZ prefix
	sched   cron.Schedule
	entryID cron.EntryID
	state   *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	jobs   map[string]*jobDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

// JobInfo is a diagnostics view of a registered job.
type JobInfo struct {
	Name     string
	Expr     string
	Timezone string
	Next     time.Time
	Prev     time.Time
	Running  bool
}
