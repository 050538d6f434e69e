package language

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"runit/internal/runtime/isolation"
	logx "runit/pkg/logx"
)

// exitArity is the runner's exit status for an argument count mismatch.
const exitArity = 3

// waitDelay bounds how long a killed child may keep its pipes open.
const waitDelay = 2 * time.Second

// Status classifies a Reply.
type Status int

const (
	StatusOK Status = iota
	StatusUndefined
	StatusArity
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUndefined:
		return "undefined_function"
	case StatusArity:
		return "arity_mismatch"
	default:
		return "subprocess_error"
	}
}

// Reply is the normalized output of one call.
type Reply struct {
	Output string
	Status Status
}

// Runtimes names the interpreter binary per language.
type Runtimes struct {
	Python     string
	PHP        string
	JavaScript string
}

// For returns the binary configured for l.
func (r Runtimes) For(l Language) string {
	switch l {
	case Python:
		return r.Python
	case PHP:
		return r.PHP
	default:
		return r.JavaScript
	}
}

// Set hands out adapters sharing one tools directory.
type Set struct {
	runtimes Runtimes
	toolsDir string
	log      logx.Logger
}

// NewSet returns a Set whose helper scripts live in toolsDir. A relative
// toolsDir is made absolute so children started from a project directory
// still find the scripts.
func NewSet(runtimes Runtimes, toolsDir string, log logx.Logger) *Set {
	if log.IsZero() {
		log = logx.Nop()
	}
	if toolsDir != "" {
		if abs, err := filepath.Abs(toolsDir); err == nil {
			toolsDir = abs
		}
	}
	return &Set{runtimes: runtimes, toolsDir: toolsDir, log: log}
}

// Install materializes the helper scripts into the tools directory.
func (s *Set) Install() error { return InstallTools(s.toolsDir) }

// Adapter returns the adapter for lang. A descriptor runtime naming an
// interpreter binary overrides the configured one.
func (s *Set) Adapter(lang Language, descriptorRuntime string) *Adapter {
	bin := s.runtimes.For(lang)
	if r := strings.TrimSpace(descriptorRuntime); r != "" && r != Multi {
		bin = r
	}
	loader, runner := scriptPaths(s.toolsDir, lang)
	return &Adapter{
		Lang:    lang,
		Runtime: bin,
		loader:  loader,
		runner:  runner,
		log:     s.log.With(logx.String("lang", string(lang))),
	}
}

// Adapter drives one interpreter through the loader and runner scripts.
type Adapter struct {
	Lang    Language
	Runtime string

	loader string
	runner string
	log    logx.Logger
}

// Func invokes one discovered function.
type Func func(ctx context.Context, l isolation.Launch, args []string) Reply

// Module is the discovered callable surface of an entry file.
type Module struct {
	Entry string
	funcs map[string]Func
}

// Names lists the discovered functions in sorted order.
func (m *Module) Names() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.funcs))
	for name := range m.funcs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Has reports whether name was discovered.
func (m *Module) Has(name string) bool {
	if m == nil {
		return false
	}
	_, ok := m.funcs[name]
	return ok
}

// Call runs name with args. An unknown name is reported as text, never as
// an error.
func (m *Module) Call(ctx context.Context, l isolation.Launch, name string, args []string) Reply {
	var fn Func
	if m != nil {
		fn = m.funcs[name]
	}
	if fn == nil {
		return Reply{Output: UndefinedMessage(name), Status: StatusUndefined}
	}
	return fn(ctx, l, args)
}

// UndefinedMessage is the reply text for a name the module does not export.
func UndefinedMessage(name string) string {
	return fmt.Sprintf("Function with name '%s' not defined!", name)
}

// Load discovers the functions exported by entry. Interpreter failures yield
// an empty module plus the error text.
func (a *Adapter) Load(ctx context.Context, l isolation.Launch, entry string) (*Module, string) {
	entry = resolveEntry(l, entry)
	mod := &Module{Entry: entry, funcs: map[string]Func{}}

	out, code, err := a.exec(ctx, l, a.loader, entry)
	if err != nil || code != 0 {
		msg := failureText(out, err)
		a.log.Debug("discovery failed", logx.String("entry", entry), logx.Int("exit", code), logx.String("err", msg))
		return mod, msg
	}

	var names []string
	if a.Lang == PHP {
		names = parseCSV(out)
	} else {
		var ok bool
		if names, ok = ParseList(out); !ok {
			return mod, out
		}
	}
	for _, name := range names {
		mod.funcs[name] = a.bind(entry, name)
	}
	return mod, ""
}

func (a *Adapter) bind(entry, name string) Func {
	return func(ctx context.Context, l isolation.Launch, args []string) Reply {
		r := a.invoke(ctx, l, entry, name, args)
		if r.Status == StatusArity && len(args) > 0 {
			a.log.Debug("arity mismatch, retrying without arguments", logx.String("func", name))
			r = a.invoke(ctx, l, entry, name, nil)
		}
		return r
	}
}

func (a *Adapter) invoke(ctx context.Context, l isolation.Launch, entry, name string, args []string) Reply {
	argv := []string{a.runner, entry, name}
	if len(args) > 0 {
		// One aggregated argument crosses the process boundary.
		argv = append(argv, strings.Join(args, ", "))
	}
	out, code, err := a.exec(ctx, l, argv...)
	switch {
	case err != nil:
		return Reply{Output: failureText(out, err), Status: StatusFailed}
	case code == exitArity:
		return Reply{Output: out, Status: StatusArity}
	case code != 0:
		if out == UndefinedMessage(name) {
			return Reply{Output: out, Status: StatusUndefined}
		}
		return Reply{Output: failureText(out, fmt.Errorf("exit status %d", code)), Status: StatusFailed}
	default:
		return Reply{Output: out, Status: StatusOK}
	}
}

// exec runs the interpreter and returns normalized stdout plus the exit code.
// err is set only when the process could not run to completion.
func (a *Adapter) exec(ctx context.Context, l isolation.Launch, argv ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, a.Runtime, argv...)
	cmd.Dir = l.Dir
	cmd.Env = l.Env
	cmd.WaitDelay = waitDelay
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Normalize(stdout.String())
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		if out == "" {
			out = Normalize(stderr.String())
		}
		return out, exitErr.ExitCode(), nil
	}
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%s: %w", a.Runtime, ctx.Err())
		}
		if msg := Normalize(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return out, -1, err
	}
	return out, 0, nil
}

func failureText(out string, err error) string {
	if out != "" {
		return out
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

func resolveEntry(l isolation.Launch, entry string) string {
	if !filepath.IsAbs(entry) && l.Dir != "" {
		entry = filepath.Join(l.Dir, entry)
	}
	if abs, err := filepath.Abs(entry); err == nil {
		return abs
	}
	return entry
}
