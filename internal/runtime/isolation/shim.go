// Package isolation scopes the working directory and environment overlay of
// one function invocation.
//
// Two modes exist. ModeSpawn hands the directory and merged environment to
// the child process and never touches process state. ModeProcess switches
// the process cwd and environment under a package-level mutex and restores
// both afterwards, so children simply inherit them.
package isolation

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Mode selects how a Shim scopes an invocation.
type Mode string

const (
	ModeSpawn   Mode = "spawn"
	ModeProcess Mode = "process"
)

// ParseMode maps a config value to a Mode. Empty selects ModeSpawn.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSpawn:
		return ModeSpawn, nil
	case ModeProcess:
		return ModeProcess, nil
	default:
		return "", fmt.Errorf("unknown isolation mode %q", s)
	}
}

// RunContext is what one invocation needs from its surroundings.
type RunContext struct {
	WorkingDir string
	Env        map[string]string
}

// Launch carries spawn parameters for child processes. Zero values mean
// "inherit from the current process".
type Launch struct {
	Dir string
	Env []string
}

// processMu serializes every ModeProcess critical section in the binary.
var processMu sync.Mutex

// Shim applies a RunContext around one invocation.
type Shim struct {
	mode Mode
}

// New returns a Shim for mode. Empty selects ModeSpawn.
func New(mode Mode) *Shim {
	if mode == "" {
		mode = ModeSpawn
	}
	return &Shim{mode: mode}
}

// Mode reports the configured mode.
func (s *Shim) Mode() Mode { return s.mode }

// Do runs fn inside rc. In ModeProcess the cwd and environment are restored
// on every exit path, panics included.
func (s *Shim) Do(ctx context.Context, rc RunContext, fn func(ctx context.Context, l Launch) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.mode == ModeProcess {
		return s.doProcess(ctx, rc, fn)
	}
	return fn(ctx, Launch{Dir: rc.WorkingDir, Env: MergeEnv(os.Environ(), rc.Env)})
}

func (s *Shim) doProcess(ctx context.Context, rc RunContext, fn func(ctx context.Context, l Launch) error) error {
	processMu.Lock()
	defer processMu.Unlock()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("snapshot cwd: %w", err)
	}
	snapshot := envMap(os.Environ())
	defer restore(cwd, snapshot)

	if rc.WorkingDir != "" {
		if err := os.Chdir(rc.WorkingDir); err != nil {
			return fmt.Errorf("enter %s: %w", rc.WorkingDir, err)
		}
	}
	for _, k := range sortedKeys(rc.Env) {
		if err := os.Setenv(k, rc.Env[k]); err != nil {
			return fmt.Errorf("set %s: %w", k, err)
		}
	}
	return fn(ctx, Launch{})
}

func restore(cwd string, snapshot map[string]string) {
	_ = os.Chdir(cwd)
	for k, v := range envMap(os.Environ()) {
		old, ok := snapshot[k]
		switch {
		case !ok:
			_ = os.Unsetenv(k)
		case old != v:
			_ = os.Setenv(k, old)
		}
	}
	for k, v := range snapshot {
		if _, ok := os.LookupEnv(k); !ok {
			_ = os.Setenv(k, v)
		}
	}
}

// MergeEnv returns base with overlay applied; overlay keys win.
func MergeEnv(base []string, overlay map[string]string) []string {
	out := make([]string, 0, len(base)+len(overlay))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, ok := overlay[k]; ok {
			continue
		}
		out = append(out, kv)
	}
	for _, k := range sortedKeys(overlay) {
		out = append(out, k+"="+overlay[k])
	}
	return out
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
