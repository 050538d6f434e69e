package scheduler

import (
	"errors"
	"strings"
	"time"

	"runit/internal/task/engine"
	logx "runit/pkg/logx"
)

// Upsert registers j, replacing any job with the same name. Registering the
// same job twice leaves exactly one live entry.
func (s *Service) Upsert(j Job) error {
	j.Name = strings.TrimSpace(j.Name)
	if j.Name == "" {
		return errors.New("job name required")
	}
	if j.Run == nil {
		return errors.New("job Run is nil")
	}
	sched, err := Parse(j.Expr, j.Timezone)
	if err != nil {
		return err
	}
	spec := strings.TrimSpace(j.Expr)
	if tz := strings.TrimSpace(j.Timezone); tz != "" {
		spec = "CRON_TZ=" + tz + " " + spec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state := &engine.RunState{}
	if old := s.jobs[j.Name]; old != nil {
		s.removeLocked(old)
		// Keep the overlap gate so a replacement cannot run beside an in-flight run.
		state = old.state
	}
	d := &jobDef{Job: j, spec: spec, sched: sched, state: state}
	s.jobs[j.Name] = d
	if s.c != nil {
		if err := s.addCronLocked(d); err != nil {
			delete(s.jobs, j.Name)
			return err
		}
	}
	if s.log.Enabled(logx.LevelDebug) {
		next, _ := s.nextLocked(d)
		s.log.Debug("job registered", logx.String("name", j.Name), logx.String("spec", spec), logx.Time("next", next))
	}
	return nil
}

// Remove unregisters name. It reports whether a job existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.jobs[strings.TrimSpace(name)]
	if d == nil {
		return false
	}
	s.removeLocked(d)
	delete(s.jobs, d.Name)
	s.log.Debug("job removed", logx.String("name", d.Name))
	return true
}

func (s *Service) removeLocked(d *jobDef) {
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	d.entryID = 0
}

func (s *Service) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[name]
	return ok
}

// Len is the number of registered jobs.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Next returns the next fire time of name. While running, the cron entry is
// authoritative; otherwise it is computed from the expression.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.jobs[name]
	if d == nil {
		return time.Time{}, false
	}
	return s.nextLocked(d)
}

func (s *Service) nextLocked(d *jobDef) (time.Time, bool) {
	if s.c != nil && d.entryID != 0 {
		if next := s.c.Entry(d.entryID).Next; !next.IsZero() {
			return next, true
		}
	}
	next := d.sched.Next(time.Now())
	return next, !next.IsZero()
}

// Fire triggers name immediately through the same path as a cron tick.
func (s *Service) Fire(name string) bool {
	if !s.Has(name) {
		return false
	}
	s.trigger(name)
	return true
}
