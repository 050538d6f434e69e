package alert

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"runit/internal/eventbus"
	"runit/internal/observability/metrics"
	"runit/internal/schedule"
	logx "runit/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
	got  chan struct{}
}

func newFakeSender() *fakeSender { return &fakeSender{got: make(chan struct{}, 16)} }

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	err := f.err
	f.mu.Unlock()
	f.got <- struct{}{}
	return err
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func waitSent(t *testing.T, f *fakeSender) {
	t.Helper()
	select {
	case <-f.got:
	case <-time.After(2 * time.Second):
		t.Fatalf("no alert sent")
	}
}

func TestOnlyFailuresAreSent(t *testing.T) {
	bus := eventbus.New()
	sender := newFakeSender()
	s := New(Config{Enabled: true, RatePerMinute: 6000}, sender, bus, metrics.New(), logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	bus.Publish(eventbus.Event{Type: eventbus.ScheduleExecuted, Data: schedule.Execution{ScheduleID: "ok", Success: true}})
	bus.Publish(eventbus.Event{Type: eventbus.ScheduleExecuted, Data: schedule.Execution{
		ScheduleID:   "s1",
		ScheduleName: "nightly",
		ProjectID:    "p1",
		Function:     "report",
		Outcome:      "subprocess_error",
		Message:      "Traceback: boom",
		At:           time.Now(),
	}})
	waitSent(t, sender)

	// let a stray success alert surface if there was one
	time.Sleep(50 * time.Millisecond)
	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d alerts, want 1: %q", len(msgs), msgs)
	}
	for _, want := range []string{`"nightly"`, "p1", "report", "subprocess_error", "boom"} {
		if !strings.Contains(msgs[0], want) {
			t.Fatalf("alert %q missing %q", msgs[0], want)
		}
	}
}

func TestSendErrorIsSwallowed(t *testing.T) {
	bus := eventbus.New()
	sender := newFakeSender()
	sender.err = errors.New("telegram down")
	s := New(Config{Enabled: true, RatePerMinute: 6000}, sender, bus, nil, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	for i := 0; i < 2; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.ScheduleExecuted, Data: schedule.Execution{ScheduleID: "s1"}})
		waitSent(t, sender)
	}
	if !s.Running() {
		t.Fatalf("service stopped after send errors")
	}
}

func TestDisabledDoesNotStart(t *testing.T) {
	s := New(Config{}, newFakeSender(), eventbus.New(), nil, logx.Nop())
	s.Start(context.Background())
	if s.Running() {
		t.Fatalf("disabled service started")
	}
	s = New(Config{Enabled: true}, nil, eventbus.New(), nil, logx.Nop())
	s.Start(context.Background())
	if s.Running() {
		t.Fatalf("service without sender started")
	}
}

func TestFormatTruncates(t *testing.T) {
	msg := Format(schedule.Execution{ScheduleName: "x", Message: strings.Repeat("e", 5000)})
	if len(msg) > 1200 {
		t.Fatalf("message length = %d", len(msg))
	}
}

func TestNewTelegramValidates(t *testing.T) {
	if _, err := NewTelegram("", 1, 0); err == nil {
		t.Fatalf("empty token accepted")
	}
	if _, err := NewTelegram("123:abc", 0, 0); err == nil {
		t.Fatalf("empty chat accepted")
	}
	if _, err := NewTelegram("123:abc", 42, 7); err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
}
