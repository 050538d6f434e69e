package language

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"runit/internal/runtime/isolation"
	logx "runit/pkg/logx"
)

// fakeSet installs shell scripts in place of the python helpers so the
// protocol can be exercised with /bin/sh as the interpreter.
func fakeSet(t *testing.T, loader, runner string) *Set {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "python"), 0o755); err != nil {
		t.Fatal(err)
	}
	for name, body := range map[string]string{"loader.py": loader, "runner.py": runner} {
		if err := os.WriteFile(filepath.Join(dir, "python", name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return NewSet(Runtimes{Python: "sh"}, dir, logx.Nop())
}

func TestAdapterDiscoveryAndCall(t *testing.T) {
	set := fakeSet(t,
		`echo "['index', 'greet']"`,
		`echo "called $2 with [$3]"`,
	)
	a := set.Adapter(Python, "")
	project := t.TempDir()
	l := isolation.Launch{Dir: project}

	mod, errText := a.Load(context.Background(), l, "application.py")
	if errText != "" {
		t.Fatalf("Load error text = %q", errText)
	}
	if got := mod.Names(); !reflect.DeepEqual(got, []string{"greet", "index"}) {
		t.Fatalf("Names = %v", got)
	}
	if !strings.HasSuffix(mod.Entry, filepath.Join(filepath.Base(project), "application.py")) {
		t.Fatalf("Entry = %q, want it under the launch dir", mod.Entry)
	}

	r := mod.Call(context.Background(), l, "greet", []string{"a", "b"})
	if r.Status != StatusOK || r.Output != "called greet with [a, b]" {
		t.Fatalf("Call = %+v", r)
	}

	r = mod.Call(context.Background(), l, "missing", nil)
	if r.Status != StatusUndefined || r.Output != "Function with name 'missing' not defined!" {
		t.Fatalf("Call(missing) = %+v", r)
	}
}

func TestAdapterArityRetry(t *testing.T) {
	set := fakeSet(t,
		`echo "['index']"`,
		`if [ $# -ge 3 ]; then echo "index() takes 0 positional arguments but 1 was given"; exit 3; fi; echo "no args"`,
	)
	a := set.Adapter(Python, "")
	mod, _ := a.Load(context.Background(), isolation.Launch{}, "app.py")

	r := mod.Call(context.Background(), isolation.Launch{}, "index", []string{"x"})
	if r.Status != StatusOK || r.Output != "no args" {
		t.Fatalf("retry reply = %+v, want ok/no args", r)
	}
}

func TestAdapterArityNoRetryWithoutArgs(t *testing.T) {
	set := fakeSet(t,
		`echo "['index']"`,
		`echo "missing 1 required positional argument: 'name'"; exit 3`,
	)
	mod, _ := set.Adapter(Python, "").Load(context.Background(), isolation.Launch{}, "app.py")
	r := mod.Call(context.Background(), isolation.Launch{}, "index", nil)
	if r.Status != StatusArity || !strings.Contains(r.Output, "required positional argument") {
		t.Fatalf("reply = %+v", r)
	}
}

func TestAdapterLoaderFailure(t *testing.T) {
	set := fakeSet(t, `echo "No module named 'app'"; exit 1`, `exit 0`)
	mod, errText := set.Adapter(Python, "").Load(context.Background(), isolation.Launch{}, "app.py")
	if len(mod.Names()) != 0 {
		t.Fatalf("Names = %v, want empty", mod.Names())
	}
	if errText != "No module named 'app'" {
		t.Fatalf("error text = %q", errText)
	}
}

func TestAdapterMissingInterpreter(t *testing.T) {
	set := NewSet(Runtimes{Python: "runit-no-such-interpreter"}, t.TempDir(), logx.Nop())
	mod, errText := set.Adapter(Python, "").Load(context.Background(), isolation.Launch{}, "app.py")
	if len(mod.Names()) != 0 || errText == "" {
		t.Fatalf("Load = %v, %q", mod.Names(), errText)
	}
}

func TestAdapterTimeout(t *testing.T) {
	set := fakeSet(t, `echo "['slow']"`, `sleep 5`)
	mod, _ := set.Adapter(Python, "").Load(context.Background(), isolation.Launch{}, "app.py")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	r := mod.Call(ctx, isolation.Launch{}, "slow", nil)
	if r.Status != StatusFailed {
		t.Fatalf("status = %v, want subprocess_error", r.Status)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatalf("timeout did not stop the child")
	}
}

func TestDescriptorRuntimeOverride(t *testing.T) {
	set := NewSet(Runtimes{Python: "python3"}, t.TempDir(), logx.Nop())
	if got := set.Adapter(Python, "python3.12").Runtime; got != "python3.12" {
		t.Fatalf("Runtime = %q, want override", got)
	}
	if got := set.Adapter(Python, "multi").Runtime; got != "python3" {
		t.Fatalf("Runtime = %q, want configured", got)
	}
}

func TestInstallToolsIdempotent(t *testing.T) {
	dir := t.TempDir()
	if err := InstallTools(dir); err != nil {
		t.Fatalf("InstallTools: %v", err)
	}
	loader, runner := scriptPaths(dir, JavaScript)
	for _, p := range []string{loader, runner} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("missing %s: %v", p, err)
		}
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(runner, past, past); err != nil {
		t.Fatal(err)
	}
	if err := InstallTools(dir); err != nil {
		t.Fatalf("second InstallTools: %v", err)
	}
	st, _ := os.Stat(runner)
	if !st.ModTime().Equal(past) {
		t.Fatalf("unchanged script was rewritten")
	}
}

// Interpreter-backed tests run the real helper scripts.

func realSet(t *testing.T, lang Language, bin string) *Set {
	t.Helper()
	if _, err := exec.LookPath(bin); err != nil {
		t.Skipf("%s not on PATH", bin)
	}
	dir := t.TempDir()
	if err := InstallTools(dir); err != nil {
		t.Fatal(err)
	}
	rt := Runtimes{}
	switch lang {
	case Python:
		rt.Python = bin
	case PHP:
		rt.PHP = bin
	default:
		rt.JavaScript = bin
	}
	return NewSet(rt, dir, logx.Nop())
}

func TestPythonRoundTrip(t *testing.T) {
	set := realSet(t, Python, "python3")
	project := t.TempDir()
	src := "def index():\n    print('hello world')\n\ndef greet(name):\n    return 'hi ' + name\n\ndef boom():\n    raise ValueError('bad things')\n"
	if err := os.WriteFile(filepath.Join(project, "application.py"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	l := isolation.Launch{Dir: project, Env: os.Environ()}
	mod, errText := set.Adapter(Python, "").Load(context.Background(), l, "application.py")
	if errText != "" {
		t.Fatalf("load: %s", errText)
	}
	if got := mod.Names(); !reflect.DeepEqual(got, []string{"boom", "greet", "index"}) {
		t.Fatalf("Names = %v", got)
	}
	if r := mod.Call(context.Background(), l, "index", nil); r.Output != "hello world" || r.Status != StatusOK {
		t.Fatalf("index = %+v", r)
	}
	if r := mod.Call(context.Background(), l, "greet", []string{"ama"}); r.Output != "hi ama" {
		t.Fatalf("greet = %+v", r)
	}
	// Extra argument: the zero-arg retry succeeds.
	if r := mod.Call(context.Background(), l, "index", []string{"x"}); r.Output != "hello world" {
		t.Fatalf("index(x) = %+v", r)
	}
	if r := mod.Call(context.Background(), l, "boom", nil); r.Status != StatusFailed || r.Output != "bad things" {
		t.Fatalf("boom = %+v", r)
	}
}

func TestJavaScriptRoundTrip(t *testing.T) {
	set := realSet(t, JavaScript, "node")
	project := t.TempDir()
	src := "module.exports = { index: () => 'from js', echo: (v) => { console.log('got ' + v) } }\n"
	if err := os.WriteFile(filepath.Join(project, "main.js"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	l := isolation.Launch{Dir: project, Env: os.Environ()}
	mod, errText := set.Adapter(JavaScript, "").Load(context.Background(), l, "main.js")
	if errText != "" {
		t.Fatalf("load: %s", errText)
	}
	if got := mod.Names(); !reflect.DeepEqual(got, []string{"echo", "index"}) {
		t.Fatalf("Names = %v", got)
	}
	if r := mod.Call(context.Background(), l, "index", nil); r.Output != "from js" {
		t.Fatalf("index = %+v", r)
	}
	if r := mod.Call(context.Background(), l, "echo", []string{"a", "b"}); r.Output != "got a, b" {
		t.Fatalf("echo = %+v", r)
	}
}

func TestPHPRoundTrip(t *testing.T) {
	set := realSet(t, PHP, "php")
	project := t.TempDir()
	src := "<?php\nfunction index() { echo 'from php'; }\nfunction greet($name) { return 'hi ' . $name; }\n"
	if err := os.WriteFile(filepath.Join(project, "index.php"), []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	l := isolation.Launch{Dir: project, Env: os.Environ()}
	mod, errText := set.Adapter(PHP, "").Load(context.Background(), l, "index.php")
	if errText != "" {
		t.Fatalf("load: %s", errText)
	}
	if got := mod.Names(); !reflect.DeepEqual(got, []string{"greet", "index"}) {
		t.Fatalf("Names = %v", got)
	}
	if r := mod.Call(context.Background(), l, "greet", []string{"kofi"}); r.Output != "hi kofi" {
		t.Fatalf("greet = %+v", r)
	}
	if r := mod.Call(context.Background(), l, "greet", nil); r.Status != StatusArity {
		t.Fatalf("greet() = %+v, want arity mismatch", r)
	}
}
