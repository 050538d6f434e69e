package isolation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func lookup(env []string, key string) (string, bool) {
	m := envMap(env)
	v, ok := m[key]
	return v, ok
}

func TestProcessModeRestoresCwdAndEnv(t *testing.T) {
	t.Setenv("RUNIT_SHIM_KEEP", "original")
	before, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()

	shim := New(ModeProcess)
	err = shim.Do(context.Background(), RunContext{
		WorkingDir: dir,
		Env:        map[string]string{"RUNIT_SHIM_KEEP": "overlay", "RUNIT_SHIM_NEW": "x"},
	}, func(ctx context.Context, l Launch) error {
		wd, _ := os.Getwd()
		if resolved, _ := filepath.EvalSymlinks(dir); wd != dir && wd != resolved {
			t.Errorf("cwd inside = %q, want %q", wd, dir)
		}
		if got := os.Getenv("RUNIT_SHIM_KEEP"); got != "overlay" {
			t.Errorf("RUNIT_SHIM_KEEP inside = %q, want overlay", got)
		}
		if l.Dir != "" || l.Env != nil {
			t.Errorf("process launch = %+v, want zero", l)
		}
		os.Setenv("RUNIT_SHIM_LEAK", "1")
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}

	after, _ := os.Getwd()
	if after != before {
		t.Fatalf("cwd after = %q, want %q", after, before)
	}
	if got := os.Getenv("RUNIT_SHIM_KEEP"); got != "original" {
		t.Fatalf("RUNIT_SHIM_KEEP after = %q, want original", got)
	}
	for _, k := range []string{"RUNIT_SHIM_NEW", "RUNIT_SHIM_LEAK"} {
		if _, ok := os.LookupEnv(k); ok {
			t.Fatalf("%s survived the call", k)
		}
	}
}

func TestProcessModeRestoresOnErrorAndPanic(t *testing.T) {
	before, _ := os.Getwd()
	shim := New(ModeProcess)
	boom := errors.New("boom")

	err := shim.Do(context.Background(), RunContext{WorkingDir: t.TempDir(), Env: map[string]string{"RUNIT_SHIM_ERR": "1"}},
		func(context.Context, Launch) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = shim.Do(context.Background(), RunContext{WorkingDir: t.TempDir(), Env: map[string]string{"RUNIT_SHIM_ERR": "1"}},
			func(context.Context, Launch) error { panic("kaboom") })
	}()

	if after, _ := os.Getwd(); after != before {
		t.Fatalf("cwd after = %q, want %q", after, before)
	}
	if _, ok := os.LookupEnv("RUNIT_SHIM_ERR"); ok {
		t.Fatalf("RUNIT_SHIM_ERR survived")
	}
}

func TestProcessModeMissingDir(t *testing.T) {
	before, _ := os.Getwd()
	called := false
	err := New(ModeProcess).Do(context.Background(), RunContext{WorkingDir: filepath.Join(t.TempDir(), "missing")},
		func(context.Context, Launch) error { called = true; return nil })
	if err == nil || called {
		t.Fatalf("err = %v, called = %v", err, called)
	}
	if after, _ := os.Getwd(); after != before {
		t.Fatalf("cwd after = %q, want %q", after, before)
	}
}

func TestSpawnModeLeavesProcessAlone(t *testing.T) {
	before, _ := os.Getwd()
	dir := t.TempDir()
	t.Setenv("RUNIT_SHIM_BASE", "base")

	err := New(ModeSpawn).Do(context.Background(), RunContext{WorkingDir: dir, Env: map[string]string{"RUNIT_SHIM_SECRET": "s"}},
		func(ctx context.Context, l Launch) error {
			if l.Dir != dir {
				t.Errorf("launch dir = %q, want %q", l.Dir, dir)
			}
			if v, _ := lookup(l.Env, "RUNIT_SHIM_SECRET"); v != "s" {
				t.Errorf("launch env secret = %q", v)
			}
			if v, _ := lookup(l.Env, "RUNIT_SHIM_BASE"); v != "base" {
				t.Errorf("launch env base = %q", v)
			}
			if _, ok := os.LookupEnv("RUNIT_SHIM_SECRET"); ok {
				t.Errorf("secret leaked into process env")
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if after, _ := os.Getwd(); after != before {
		t.Fatalf("cwd changed to %q", after)
	}
}

// Two projects with different secrets run concurrently; neither may observe
// the other's value.
func TestConcurrentSecretsDoNotLeak(t *testing.T) {
	for _, mode := range []Mode{ModeSpawn, ModeProcess} {
		t.Run(string(mode), func(t *testing.T) {
			shim := New(mode)
			var wg sync.WaitGroup
			errs := make(chan error, 40)
			for i := 0; i < 40; i++ {
				project := fmt.Sprintf("p%d", i%2)
				wg.Add(1)
				go func() {
					defer wg.Done()
					err := shim.Do(context.Background(), RunContext{Env: map[string]string{"RUNIT_SHIM_KEY": project}},
						func(ctx context.Context, l Launch) error {
							time.Sleep(time.Millisecond)
							var got string
							if mode == ModeProcess {
								got = os.Getenv("RUNIT_SHIM_KEY")
							} else {
								got, _ = lookup(l.Env, "RUNIT_SHIM_KEY")
							}
							if got != project {
								return fmt.Errorf("%s saw %q", project, got)
							}
							return nil
						})
					if err != nil {
						errs <- err
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}
		})
	}
}

func TestMergeEnvOverlayWins(t *testing.T) {
	got := MergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "x", "C": "3"})
	want := []string{"A=1", "B=x", "C=3"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("MergeEnv = %v, want %v", got, want)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"": ModeSpawn, "spawn": ModeSpawn, "PROCESS": ModeProcess}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseMode("chroot"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}
