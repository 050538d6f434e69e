package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"runit/internal/domain"
	logx "runit/pkg/logx"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "runit.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	mem, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	t.Cleanup(func() {
		_ = sq.Close()
		_ = mem.Close()
	})
	return map[string]Store{"sqlite": sq, "memory": mem}
}

func newSchedule(id, user, project, name string, created time.Time) *domain.Schedule {
	return &domain.Schedule{
		ID:             id,
		UserID:         user,
		ProjectID:      project,
		Name:           name,
		Function:       "index",
		CronExpression: "*/5 * * * *",
		Timezone:       "UTC",
		Enabled:        true,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestScheduleLifecycle(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			s := newSchedule("s1", "u1", "p1", "nightly", base)
			if err := st.InsertSchedule(ctx, s); err != nil {
				t.Fatalf("insert: %v", err)
			}
			dup := newSchedule("s2", "u1", "p1", "nightly", base)
			if err := st.InsertSchedule(ctx, dup); !errors.Is(err, ErrConflict) {
				t.Fatalf("duplicate insert err = %v, want ErrConflict", err)
			}
			other := newSchedule("s3", "u1", "p2", "nightly", base.Add(time.Second))
			if err := st.InsertSchedule(ctx, other); err != nil {
				t.Fatalf("same name other project: %v", err)
			}

			got, err := st.GetSchedule(ctx, "s1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.LastRun != nil || got.NextRun != nil {
				t.Fatalf("fresh schedule has run times: %+v", got)
			}
			if !got.CreatedAt.Equal(base) {
				t.Fatalf("created_at = %v, want %v", got.CreatedAt, base)
			}

			ran := base.Add(time.Hour)
			got.LastRun = &ran
			got.RunCount = 3
			got.Enabled = false
			if err := st.UpdateSchedule(ctx, got); err != nil {
				t.Fatalf("update: %v", err)
			}
			again, _ := st.GetSchedule(ctx, "s1")
			if again.RunCount != 3 || again.Enabled || again.LastRun == nil || !again.LastRun.Equal(ran) {
				t.Fatalf("after update = %+v", again)
			}

			off := false
			list, err := st.FindSchedules(ctx, ScheduleFilter{UserID: "u1", Enabled: &off})
			if err != nil || len(list) != 1 || list[0].ID != "s1" {
				t.Fatalf("find disabled = %v, %v", list, err)
			}
			all, _ := st.FindSchedules(ctx, ScheduleFilter{UserID: "u1"})
			if len(all) != 2 || all[0].ID != "s1" || all[1].ID != "s3" {
				t.Fatalf("find all order = %v", all)
			}

			if _, err := st.DeleteSchedules(ctx, ScheduleFilter{}); !errors.Is(err, ErrEmptyFilter) {
				t.Fatalf("empty filter err = %v", err)
			}
			n, err := st.DeleteSchedules(ctx, ScheduleFilter{ProjectID: "p2"})
			if err != nil || n != 1 {
				t.Fatalf("delete by project = %d, %v", n, err)
			}
			if err := st.DeleteSchedule(ctx, "s1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := st.GetSchedule(ctx, "s1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("get deleted err = %v, want ErrNotFound", err)
			}
			if err := st.DeleteSchedule(ctx, "s1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("double delete err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestLogsNewestFirst(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ids := []string{"l1", "l2", "l3", "l4"}
			for i, id := range ids {
				l := &domain.ScheduleLog{
					ID:         id,
					ScheduleID: "s1",
					ProjectID:  "p1",
					UserID:     "u1",
					Function:   "index",
					Success:    i%2 == 0,
					Result:     "out",
					CreatedAt:  base.Add(time.Duration(i) * time.Minute),
				}
				if !l.Success {
					l.Result = ""
					l.ErrorMessage = "boom"
				}
				if err := st.AppendLog(ctx, l); err != nil {
					t.Fatalf("append %s: %v", id, err)
				}
			}
			_ = st.AppendLog(ctx, &domain.ScheduleLog{ID: "x1", ScheduleID: "s2", ProjectID: "p2", UserID: "u2", CreatedAt: base})

			logs, err := st.FindLogs(ctx, LogFilter{ScheduleID: "s1", Limit: 3})
			if err != nil {
				t.Fatalf("find: %v", err)
			}
			if len(logs) != 3 {
				t.Fatalf("len = %d, want 3", len(logs))
			}
			for i, want := range []string{"l4", "l3", "l2"} {
				if logs[i].ID != want {
					t.Fatalf("logs[%d] = %s, want %s", i, logs[i].ID, want)
				}
			}
			if logs[0].Success || logs[0].ErrorMessage != "boom" || logs[0].Result != "" {
				t.Fatalf("failure log = %+v", logs[0])
			}

			byUser, _ := st.FindLogs(ctx, LogFilter{UserID: "u2"})
			if len(byUser) != 1 || byUser[0].ID != "x1" {
				t.Fatalf("by user = %v", byUser)
			}

			n, err := st.DeleteLogs(ctx, LogFilter{ScheduleID: "s1"})
			if err != nil || n != 4 {
				t.Fatalf("delete logs = %d, %v", n, err)
			}
		})
	}
}

func TestProjectsAndSecrets(t *testing.T) {
	ctx := context.Background()

	for name, st := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := st.GetProject(ctx, "p1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing project err = %v", err)
			}
			p := &domain.Project{ID: "p1", UserID: "u1", Name: "demo", Language: "python"}
			if err := st.PutProject(ctx, p); err != nil {
				t.Fatalf("put project: %v", err)
			}
			p.Name = "renamed"
			if err := st.PutProject(ctx, p); err != nil {
				t.Fatalf("upsert project: %v", err)
			}
			got, err := st.GetProject(ctx, "p1")
			if err != nil || got.Name != "renamed" || got.CreatedAt.IsZero() {
				t.Fatalf("get project = %+v, %v", got, err)
			}

			vars := map[string]string{"API_KEY": "k", "MODE": "test"}
			if err := st.PutSecret(ctx, &domain.Secret{ProjectID: "p1", UserID: "u1", Variables: vars}); err != nil {
				t.Fatalf("put secret: %v", err)
			}
			vars["API_KEY"] = "mutated"
			sec, err := st.GetSecret(ctx, "p1")
			if err != nil {
				t.Fatalf("get secret: %v", err)
			}
			if sec.Variables["API_KEY"] != "k" || sec.Variables["MODE"] != "test" {
				t.Fatalf("secret vars = %v", sec.Variables)
			}
			if _, err := st.GetSecret(ctx, "nope"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing secret err = %v", err)
			}

			if err := st.DeleteProject(ctx, "p1"); err != nil {
				t.Fatalf("delete project: %v", err)
			}
		})
	}
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "runit.db")

	st, err := Open(Config{Driver: "sqlite3", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.InsertSchedule(ctx, newSchedule("s1", "u1", "p1", "a", time.Now().UTC())); err != nil {
		t.Fatalf("insert: %v", err)
	}
	_ = st.Close()

	st, err = Open(Config{Driver: "sqlite3", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if _, err := st.GetSchedule(ctx, "s1"); err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
