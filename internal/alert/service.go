// Package alert forwards failed scheduled runs to an operator chat.
package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"runit/internal/eventbus"
	"runit/internal/observability/metrics"
	rtsup "runit/internal/runtime/supervisor"
	"runit/internal/schedule"
	logx "runit/pkg/logx"
)

const (
	defaultRatePerMinute = 20
	sendTimeout          = 10 * time.Second
	maxMessageLen        = 900
)

type Config struct {
	Enabled       bool
	RatePerMinute int
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	sender  Sender

	cfg     Config
	limiter *rate.Limiter
	sup     *rtsup.Supervisor
}

func New(cfg Config, sender Sender, bus eventbus.Bus, m *metrics.Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log, bus: bus, metrics: m, sender: sender}
	s.applyLocked(cfg)
	return s
}

// Apply swaps config and sender, e.g. after a config reload. A running
// service keeps running; call Stop to disable it.
func (s *Service) Apply(cfg Config, sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMinute
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), min(cfg.RatePerMinute, 5))
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

// Start subscribes to schedule executions. Idempotent; no-op when disabled
// or without a sender.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled || s.sender == nil || s.bus == nil {
		s.mu.Unlock()
		return
	}
	events, unsubscribe := s.bus.Subscribe(64, eventbus.ScheduleExecuted)
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "alert"))), rtsup.WithCancelOnError(false))
	sup, perMinute := s.sup, s.cfg.RatePerMinute
	s.mu.Unlock()

	sup.Go("alert.loop", func(ctx context.Context) error {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				ex, ok := ev.Data.(schedule.Execution)
				if !ok || ex.Success {
					continue
				}
				s.send(ctx, ex)
			}
		}
	})
	s.log.Info("failure alerts enabled", logx.Int("rate_per_minute", perMinute))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

func (s *Service) send(ctx context.Context, ex schedule.Execution) {
	s.mu.Lock()
	lim, sender := s.limiter, s.sender
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := sender.Send(cctx, Format(ex))
	cancel()
	s.metrics.AlertSent(err == nil)
	if err != nil {
		s.log.Warn("alert not delivered", logx.String("schedule", ex.ScheduleID), logx.Err(err))
	}
}

// Format renders a failed execution as a plain-text message.
func Format(ex schedule.Execution) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Schedule %q failed\n", ex.ScheduleName)
	fmt.Fprintf(&b, "project: %s\nfunction: %s\noutcome: %s\n", ex.ProjectID, ex.Function, ex.Outcome)
	fmt.Fprintf(&b, "at: %s (%s)\n", ex.At.UTC().Format(time.RFC3339), ex.Duration.Round(time.Millisecond))
	msg := strings.TrimSpace(ex.Message)
	if r := []rune(msg); len(r) > maxMessageLen {
		msg = string(r[:maxMessageLen]) + "…"
	}
	if msg != "" {
		b.WriteString("\n")
		b.WriteString(msg)
	}
	return b.String()
}
