package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "test"))
	log.Info("hello", Int("n", 3), Bool("ok", true))

	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if got := m["message"]; got != "hello" {
		t.Fatalf("message = %v, want hello", got)
	}
	if got := m["comp"]; got != "test" {
		t.Fatalf("comp = %v, want test", got)
	}
	if got := m["n"]; got != float64(3) {
		t.Fatalf("n = %v, want 3", got)
	}
	if _, ok := m["caller"]; !ok {
		t.Fatalf("caller missing in %v", m)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelDebug) {
		t.Fatal("debug enabled at warn level")
	}
	log.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("warn missing: %q", buf.String())
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("nothing happens", Err(os.ErrNotExist))
	if Nop().IsZero() {
		t.Fatal("Nop logger should not be zero")
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runit.log")
	svc, log := New(Config{Level: "info", Format: "json", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	log.Info("first")
	svc.Apply(Config{Level: "error", Format: "json", File: FileConfig{Enabled: true, Path: path}})
	log.Info("second")
	_ = svc.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(b), "first") {
		t.Fatalf("first line missing: %q", b)
	}
	if strings.Contains(string(b), "second") {
		t.Fatalf("info written after level raised to error: %q", b)
	}
}

func TestValidLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want bool
	}{
		{"", true}, {"debug", true}, {"WARNING", true}, {"loud", false},
	} {
		if got := ValidLevel(tc.in); got != tc.want {
			t.Fatalf("ValidLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
