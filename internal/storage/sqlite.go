package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"runit/internal/domain"
	logx "runit/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite is the durable Store backed by a single database file.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
}

var _ Store = (*SQLite)(nil)

func openSQLite(cfg Config, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; SQLite would do so anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := migrate(ctx, db, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite storage ready", logx.String("path", path))
	return &SQLite{db: db, log: log}, nil
}

func migrate(ctx context.Context, db *sql.DB, log logx.Logger) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("configure migrations: %w", err)
	}
	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		log.Debug("migration applied", logx.String("source", r.Source.Path), logx.Duration("took", r.Duration))
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) PutProject(ctx context.Context, p *domain.Project) error {
	created := p.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects(id, user_id, name, language, runtime, start_file, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET user_id=excluded.user_id, name=excluded.name,
		   language=excluded.language, runtime=excluded.runtime, start_file=excluded.start_file`,
		p.ID, p.UserID, p.Name, p.Language, p.Runtime, p.StartFile, created.UnixNano(),
	)
	return err
}

func (s *SQLite) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	var (
		p       domain.Project
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, language, runtime, start_file, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.UserID, &p.Name, &p.Language, &p.Runtime, &p.StartFile, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = fromNanos(created)
	return &p, nil
}

func (s *SQLite) DeleteProject(ctx context.Context, id string) error {
	return expectOne(s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id))
}

const scheduleColumns = `id, user_id, project_id, name, function, cron_expression, timezone, enabled,
	last_run, next_run, run_count, description, created_at, updated_at`

func (s *SQLite) InsertSchedule(ctx context.Context, sc *domain.Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sc.ID, sc.UserID, sc.ProjectID, sc.Name, sc.Function, sc.CronExpression, sc.Timezone,
		sc.Enabled, nullNanos(sc.LastRun), nullNanos(sc.NextRun), sc.RunCount, sc.Description,
		sc.CreatedAt.UnixNano(), sc.UpdatedAt.UnixNano(),
	)
	return mapConstraint(err)
}

func (s *SQLite) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *SQLite) FindSchedules(ctx context.Context, f ScheduleFilter) ([]domain.Schedule, error) {
	where, args := scheduleWhere(f)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Schedule, 0)
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdateSchedule(ctx context.Context, sc *domain.Schedule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET user_id=?, project_id=?, name=?, function=?, cron_expression=?, timezone=?,
		   enabled=?, last_run=?, next_run=?, run_count=?, description=?, updated_at=?
		 WHERE id = ?`,
		sc.UserID, sc.ProjectID, sc.Name, sc.Function, sc.CronExpression, sc.Timezone,
		sc.Enabled, nullNanos(sc.LastRun), nullNanos(sc.NextRun), sc.RunCount, sc.Description,
		sc.UpdatedAt.UnixNano(), sc.ID,
	)
	if err != nil {
		return mapConstraint(err)
	}
	return expectOne(res, nil)
}

func (s *SQLite) DeleteSchedule(ctx context.Context, id string) error {
	return expectOne(s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id))
}

func (s *SQLite) DeleteSchedules(ctx context.Context, f ScheduleFilter) (int, error) {
	if f.empty() {
		return 0, ErrEmptyFilter
	}
	where, args := scheduleWhere(f)
	return affected(s.db.ExecContext(ctx, `DELETE FROM schedules`+where, args...))
}

func (s *SQLite) AppendLog(ctx context.Context, l *domain.ScheduleLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_logs(id, schedule_id, project_id, user_id, function, success, result, error_message, duration_ms, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.ScheduleID, l.ProjectID, l.UserID, l.Function, l.Success,
		nullStr(l.Result), nullStr(l.ErrorMessage), l.DurationMS, l.CreatedAt.UnixNano(),
	)
	return mapConstraint(err)
}

func (s *SQLite) FindLogs(ctx context.Context, f LogFilter) ([]domain.ScheduleLog, error) {
	where, args := logWhere(f)
	q := `SELECT id, schedule_id, project_id, user_id, function, success, result, error_message, duration_ms, created_at
	      FROM schedule_logs` + where + ` ORDER BY created_at DESC, seq DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ScheduleLog, 0)
	for rows.Next() {
		var (
			l             domain.ScheduleLog
			result, errMs sql.NullString
			created       int64
		)
		if err := rows.Scan(&l.ID, &l.ScheduleID, &l.ProjectID, &l.UserID, &l.Function, &l.Success,
			&result, &errMs, &l.DurationMS, &created); err != nil {
			return nil, err
		}
		l.Result = result.String
		l.ErrorMessage = errMs.String
		l.CreatedAt = fromNanos(created)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteLogs(ctx context.Context, f LogFilter) (int, error) {
	if f.empty() {
		return 0, ErrEmptyFilter
	}
	where, args := logWhere(f)
	return affected(s.db.ExecContext(ctx, `DELETE FROM schedule_logs`+where, args...))
}

func (s *SQLite) PutSecret(ctx context.Context, sec *domain.Secret) error {
	vars := sec.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return err
	}
	updated := sec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO secrets(project_id, user_id, variables, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(project_id) DO UPDATE SET user_id=excluded.user_id, variables=excluded.variables, updated_at=excluded.updated_at`,
		sec.ProjectID, sec.UserID, string(b), updated.UnixNano(),
	)
	return err
}

func (s *SQLite) GetSecret(ctx context.Context, projectID string) (*domain.Secret, error) {
	var (
		sec     domain.Secret
		vars    string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, user_id, variables, updated_at FROM secrets WHERE project_id = ?`, projectID,
	).Scan(&sec.ProjectID, &sec.UserID, &vars, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(vars), &sec.Variables); err != nil {
		return nil, fmt.Errorf("decode secret variables for %s: %w", projectID, err)
	}
	sec.UpdatedAt = fromNanos(updated)
	return &sec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r scanner) (domain.Schedule, error) {
	var (
		sc                 domain.Schedule
		lastRun, nextRun   sql.NullInt64
		created, updatedAt int64
	)
	err := r.Scan(&sc.ID, &sc.UserID, &sc.ProjectID, &sc.Name, &sc.Function, &sc.CronExpression,
		&sc.Timezone, &sc.Enabled, &lastRun, &nextRun, &sc.RunCount, &sc.Description, &created, &updatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	if lastRun.Valid {
		t := fromNanos(lastRun.Int64)
		sc.LastRun = &t
	}
	if nextRun.Valid {
		t := fromNanos(nextRun.Int64)
		sc.NextRun = &t
	}
	sc.CreatedAt = fromNanos(created)
	sc.UpdatedAt = fromNanos(updatedAt)
	return sc, nil
}

func scheduleWhere(f ScheduleFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != "" {
		conds, args = append(conds, "user_id = ?"), append(args, f.UserID)
	}
	if f.ProjectID != "" {
		conds, args = append(conds, "project_id = ?"), append(args, f.ProjectID)
	}
	if f.Name != "" {
		conds, args = append(conds, "name = ?"), append(args, f.Name)
	}
	if f.Enabled != nil {
		conds, args = append(conds, "enabled = ?"), append(args, *f.Enabled)
	}
	return joinWhere(conds), args
}

func logWhere(f LogFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.ScheduleID != "" {
		conds, args = append(conds, "schedule_id = ?"), append(args, f.ScheduleID)
	}
	if f.UserID != "" {
		conds, args = append(conds, "user_id = ?"), append(args, f.UserID)
	}
	if f.ProjectID != "" {
		conds, args = append(conds, "project_id = ?"), append(args, f.ProjectID)
	}
	return joinWhere(conds), args
}

func joinWhere(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func expectOne(res sql.Result, err error) error {
	n, err := affected(res, err)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func affected(res sql.Result, err error) (int, error) {
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func mapConstraint(err error) error {
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func nullNanos(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
