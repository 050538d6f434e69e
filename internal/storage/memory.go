package storage

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"runit/internal/domain"
)

// Memory is a process-local Store.
type Memory struct {
	mu        sync.RWMutex
	closed    bool
	projects  map[string]domain.Project
	schedules map[string]domain.Schedule
	logs      []domain.ScheduleLog // append order
	secrets   map[string]domain.Secret
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		projects:  map[string]domain.Project{},
		schedules: map[string]domain.Schedule{},
		secrets:   map[string]domain.Secret{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutProject(_ context.Context, p *domain.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.projects[p.ID] = cp
	return nil
}

func (m *Memory) GetProject(_ context.Context, id string) (*domain.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) DeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return ErrNotFound
	}
	delete(m.projects, id)
	return nil
}

func (m *Memory) InsertSchedule(_ context.Context, s *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.schedules[s.ID]; ok {
		return ErrConflict
	}
	if m.takenLocked(s) {
		return ErrConflict
	}
	m.schedules[s.ID] = cloneSchedule(*s)
	return nil
}

// takenLocked reports whether another schedule owns (user, name, project).
func (m *Memory) takenLocked(s *domain.Schedule) bool {
	for id, o := range m.schedules {
		if id != s.ID && o.UserID == s.UserID && o.Name == s.Name && o.ProjectID == s.ProjectID {
			return true
		}
	}
	return false
}

func (m *Memory) GetSchedule(_ context.Context, id string) (*domain.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := cloneSchedule(s)
	return &cp, nil
}

func (m *Memory) FindSchedules(_ context.Context, f ScheduleFilter) ([]domain.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Schedule, 0)
	for _, s := range m.schedules {
		if matchSchedule(s, f) {
			out = append(out, cloneSchedule(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateSchedule(_ context.Context, s *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.schedules[s.ID]; !ok {
		return ErrNotFound
	}
	if m.takenLocked(s) {
		return ErrConflict
	}
	m.schedules[s.ID] = cloneSchedule(*s)
	return nil
}

func (m *Memory) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *Memory) DeleteSchedules(_ context.Context, f ScheduleFilter) (int, error) {
	if f.empty() {
		return 0, ErrEmptyFilter
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.schedules {
		if matchSchedule(s, f) {
			delete(m.schedules, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendLog(_ context.Context, l *domain.ScheduleLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.logs = append(m.logs, *l)
	return nil
}

func (m *Memory) FindLogs(_ context.Context, f LogFilter) ([]domain.ScheduleLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.ScheduleLog, 0)
	// Walk backwards so equal timestamps keep newest-insert-first order.
	for i := len(m.logs) - 1; i >= 0; i-- {
		if matchLog(m.logs[i], f) {
			out = append(out, m.logs[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) DeleteLogs(_ context.Context, f LogFilter) (int, error) {
	if f.empty() {
		return 0, ErrEmptyFilter
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	n := 0
	for _, l := range m.logs {
		if matchLog(l, f) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	m.logs = kept
	return n, nil
}

func (m *Memory) PutSecret(_ context.Context, s *domain.Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *s
	cp.Variables = maps.Clone(s.Variables)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	m.secrets[s.ProjectID] = cp
	return nil
}

func (m *Memory) GetSecret(_ context.Context, projectID string) (*domain.Secret, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[projectID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Variables = maps.Clone(s.Variables)
	return &s, nil
}

func matchSchedule(s domain.Schedule, f ScheduleFilter) bool {
	switch {
	case f.UserID != "" && s.UserID != f.UserID:
		return false
	case f.ProjectID != "" && s.ProjectID != f.ProjectID:
		return false
	case f.Name != "" && s.Name != f.Name:
		return false
	case f.Enabled != nil && s.Enabled != *f.Enabled:
		return false
	}
	return true
}

func matchLog(l domain.ScheduleLog, f LogFilter) bool {
	switch {
	case f.ScheduleID != "" && l.ScheduleID != f.ScheduleID:
		return false
	case f.UserID != "" && l.UserID != f.UserID:
		return false
	case f.ProjectID != "" && l.ProjectID != f.ProjectID:
		return false
	}
	return true
}

func cloneSchedule(s domain.Schedule) domain.Schedule {
	if s.LastRun != nil {
		t := *s.LastRun
		s.LastRun = &t
	}
	if s.NextRun != nil {
		t := *s.NextRun
		s.NextRun = &t
	}
	return s
}
