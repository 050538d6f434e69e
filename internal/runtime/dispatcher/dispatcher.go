// Package dispatcher resolves a project on disk and runs one of its
// functions through the language adapters inside the isolation shim.
package dispatcher

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"runit/internal/project"
	"runit/internal/runtime/isolation"
	"runit/internal/runtime/language"
	logx "runit/pkg/logx"
)

// DefaultFunction is invoked when a request names no function.
const DefaultFunction = "index"

//go:embed templates/404.html
var notFoundHTML string

// ErrProjectNotFound covers an unknown id, a missing directory or
// descriptor, and a missing entry file.
var ErrProjectNotFound = errors.New("dispatcher: project not found")

// Outcome classifies a Result. Only OutcomeOK means the function returned
// normally; the others still carry caller-facing text in Result.Output.
type Outcome string

const (
	OutcomeOK                Outcome = "ok"
	OutcomeNotFound          Outcome = "not_found"
	OutcomeUndefinedFunction Outcome = "undefined_function"
	OutcomeArityMismatch     Outcome = "arity_mismatch"
	OutcomeSubprocessError   Outcome = "subprocess_error"
)

// Request names one function call. An empty Function selects
// DefaultFunction; Env is overlaid on the process environment.
type Request struct {
	ProjectID string
	Function  string
	Args      []string
	Env       map[string]string
}

// Result is the outcome of one invocation. Output is always the text shown
// to the caller, whatever the outcome.
type Result struct {
	Function   string
	ProjectID  string
	Output     string
	ExecutedAt time.Time
	Outcome    Outcome
	Duration   time.Duration
}

// OK reports whether the function returned normally.
func (r Result) OK() bool { return r.Outcome == OutcomeOK }

// Config holds the dispatcher settings. Relative paths are resolved against
// the working directory at construction time.
type Config struct {
	ProjectsRoot     string
	NotFoundTemplate string        // optional override of the embedded 404 page
	Timeout          time.Duration // 0 disables the per-call bound
}

// Dispatcher runs project functions. It is safe for concurrent use.
type Dispatcher struct {
	cfg      Config
	adapters *language.Set
	shim     *isolation.Shim
	log      logx.Logger

	notFoundOnce sync.Once
	notFound     string
}

// New returns a Dispatcher. ProjectsRoot and NotFoundTemplate are made
// absolute here: in process mode the cwd belongs to whichever call holds the
// shim, so a relative path would resolve against another project.
func New(cfg Config, adapters *language.Set, shim *isolation.Shim, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.ProjectsRoot = absPath(cfg.ProjectsRoot)
	cfg.NotFoundTemplate = absPath(strings.TrimSpace(cfg.NotFoundTemplate))
	if shim == nil {
		shim = isolation.New(isolation.ModeSpawn)
	}
	return &Dispatcher{cfg: cfg, adapters: adapters, shim: shim, log: log}
}

// NotFoundPage returns the NOT-FOUND payload. The override file is read once.
func (d *Dispatcher) NotFoundPage() string {
	d.notFoundOnce.Do(func() {
		d.notFound = notFoundHTML
		if p := strings.TrimSpace(d.cfg.NotFoundTemplate); p != "" {
			b, err := os.ReadFile(p)
			if err != nil {
				d.log.Warn("not-found template unreadable; using built-in page", logx.String("path", p), logx.Err(err))
				return
			}
			d.notFound = string(b)
		}
	})
	return d.notFound
}

func absPath(p string) string {
	if p == "" {
		return p
	}
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

type target struct {
	dir   string
	entry string
	lang  language.Language
	desc  project.Descriptor
}

// resolve finds the project directory, descriptor and entry file. Nothing
// here changes process state.
func (d *Dispatcher) resolve(projectID string) (target, error) {
	dir, ok := project.Dir(d.cfg.ProjectsRoot, projectID)
	if !ok {
		return target{}, ErrProjectNotFound
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return target{}, ErrProjectNotFound
	}
	desc, err := project.Load(dir)
	if err != nil {
		if !errors.Is(err, project.ErrNoDescriptor) {
			d.log.Warn("descriptor unreadable", logx.String("project", projectID), logx.Err(err))
		}
		return target{}, ErrProjectNotFound
	}
	entry := desc.EntryFile()
	if entry == "" {
		return target{}, ErrProjectNotFound
	}
	if st, err := os.Stat(filepath.Join(dir, entry)); err != nil || st.IsDir() {
		return target{}, ErrProjectNotFound
	}
	lang, ok := language.ForDescriptor(desc.Language, entry)
	if !ok {
		return target{}, fmt.Errorf("unsupported language %q for %s", desc.Language, entry)
	}
	return target{dir: dir, entry: entry, lang: lang, desc: desc}, nil
}

// Start runs req.Function of req.ProjectID. Failures are reported through
// Result.Outcome and Result.Output, never as a Go error.
func (d *Dispatcher) Start(ctx context.Context, req Request) Result {
	started := time.Now()
	fn := strings.TrimSpace(req.Function)
	if fn == "" {
		fn = DefaultFunction
	}
	res := Result{Function: fn, ProjectID: req.ProjectID, ExecutedAt: started.UTC()}
	finish := func(out string, o Outcome) Result {
		res.Output, res.Outcome, res.Duration = out, o, time.Since(started)
		return res
	}

	t, err := d.resolve(req.ProjectID)
	if errors.Is(err, ErrProjectNotFound) {
		return finish(d.NotFoundPage(), OutcomeNotFound)
	}
	if err != nil {
		return finish(err.Error(), OutcomeSubprocessError)
	}

	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	adapter := d.adapters.Adapter(t.lang, t.desc.Runtime)
	var (
		reply   language.Reply
		loadErr string
	)
	err = d.shim.Do(ctx, isolation.RunContext{WorkingDir: t.dir, Env: req.Env}, func(ctx context.Context, l isolation.Launch) error {
		var mod *language.Module
		mod, loadErr = adapter.Load(ctx, l, t.entry)
		if loadErr != "" && len(mod.Names()) == 0 {
			return nil
		}
		loadErr = ""
		reply = mod.Call(ctx, l, fn, req.Args)
		return nil
	})
	if err != nil {
		return finish(err.Error(), OutcomeSubprocessError)
	}
	if loadErr != "" {
		d.log.Debug("discovery failed", logx.String("project", req.ProjectID), logx.String("err", loadErr))
		return finish(fmt.Sprintf("cannot load %s: %s", t.entry, loadErr), OutcomeSubprocessError)
	}

	out := finish(reply.Output, outcomeOf(reply.Status))
	d.log.Debug("function executed",
		logx.String("project", req.ProjectID),
		logx.String("func", fn),
		logx.String("outcome", string(out.Outcome)),
		logx.Duration("dur", out.Duration),
	)
	return out
}

// Functions lists the names discovered in the project's entry file.
func (d *Dispatcher) Functions(ctx context.Context, projectID string, env map[string]string) ([]string, error) {
	t, err := d.resolve(projectID)
	if err != nil {
		return nil, err
	}
	adapter := d.adapters.Adapter(t.lang, t.desc.Runtime)
	var (
		names   []string
		loadErr string
	)
	err = d.shim.Do(ctx, isolation.RunContext{WorkingDir: t.dir, Env: env}, func(ctx context.Context, l isolation.Launch) error {
		var mod *language.Module
		mod, loadErr = adapter.Load(ctx, l, t.entry)
		names = mod.Names()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(names) == 0 && loadErr != "" {
		return nil, fmt.Errorf("discover %s: %s", projectID, loadErr)
	}
	return names, nil
}

func outcomeOf(s language.Status) Outcome {
	switch s {
	case language.StatusOK:
		return OutcomeOK
	case language.StatusUndefined:
		return OutcomeUndefinedFunction
	case language.StatusArity:
		return OutcomeArityMismatch
	default:
		return OutcomeSubprocessError
	}
}
