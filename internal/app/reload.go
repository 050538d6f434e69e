package app

import (
	"context"
	"reflect"
	"strings"

	"runit/internal/config"
	logx "runit/pkg/logx"
)

// restartSections cannot change while running.
var restartSections = map[string]bool{
	"storage":   true,
	"projects":  true,
	"runtimes":  true,
	"executor":  true,
	"scheduler": true,
}

// changedSections names the top-level config sections that differ.
func changedSections(prev, next *config.Config) []string {
	if prev == nil || next == nil {
		return nil
	}
	var out []string
	add := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			out = append(out, name)
		}
	}
	add("logging", prev.Logging, next.Logging)
	add("projects", prev.Projects, next.Projects)
	add("runtimes", prev.Runtimes, next.Runtimes)
	add("executor", prev.Executor, next.Executor)
	add("scheduler", prev.Scheduler, next.Scheduler)
	add("storage", prev.Storage, next.Storage)
	add("alerts", prev.Alerts, next.Alerts)
	add("ops", prev.Ops, next.Ops)
	return out
}

// applyReload applies the live-reloadable sections of next.
func (a *App) applyReload(ctx context.Context, prev, next *config.Config) {
	sections := changedSections(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch {
		case restartSections[s]:
			a.log.Warn("config section changed; restart required for it to take effect", logx.String("section", s))
		case s == "logging":
			a.logs.Apply(mapLogConfig(next))
		case s == "ops":
			ocfg, err := mapOpsConfig(next)
			if err != nil {
				a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
				continue
			}
			a.ops.Reconfigure(ctx, ocfg)
		case s == "alerts":
			acfg, sender, err := mapAlerts(next)
			if err != nil {
				a.log.Warn("invalid alerts config; keeping previous", logx.Err(err))
				continue
			}
			a.alerts.Stop(ctx)
			a.alerts.Apply(acfg, sender)
			a.alerts.Start(ctx)
		}
	}
	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}
