// Package invoker is the call path into the dispatcher: it overlays the
// project's secrets and, for ad-hoc calls, runs the dispatcher on the shared
// worker pool. Callers already running on a pool worker use Dispatch.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"runit/internal/observability/metrics"
	"runit/internal/runtime/dispatcher"
	"runit/internal/storage"
	"runit/internal/task/engine"
	logx "runit/pkg/logx"
)

// Runner is the part of the dispatcher the invoker drives.
type Runner interface {
	Start(ctx context.Context, req dispatcher.Request) dispatcher.Result
	Functions(ctx context.Context, projectID string, env map[string]string) ([]string, error)
}

// Source labels invocation metrics.
const (
	SourceAdhoc    = "adhoc"
	SourceSchedule = "schedule"
)

// Invoker binds the dispatcher to secrets, the worker pool and metrics.
type Invoker struct {
	runner  Runner
	secrets storage.SecretStore
	eng     *engine.Service
	metrics *metrics.Metrics
	log     logx.Logger
}

// New returns an Invoker. A nil eng runs every call inline.
func New(runner Runner, secrets storage.SecretStore, eng *engine.Service, m *metrics.Metrics, log logx.Logger) *Invoker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Invoker{runner: runner, secrets: secrets, eng: eng, metrics: m, log: log}
}

// Env returns the secret overlay for projectID; a project without secrets
// yields nil.
func (i *Invoker) Env(ctx context.Context, projectID string) (map[string]string, error) {
	if i.secrets == nil {
		return nil, nil
	}
	sec, err := i.secrets.GetSecret(ctx, projectID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load secrets for %s: %w", projectID, err)
	}
	return sec.Variables, nil
}

// Invoke runs function of projectID with args. Function-level failures are
// reported in the Result; the error covers only secrets and the pool.
func (i *Invoker) Invoke(ctx context.Context, projectID, function string, args []string) (dispatcher.Result, error) {
	return i.invoke(ctx, SourceAdhoc, dispatcher.Request{ProjectID: projectID, Function: function, Args: args})
}

// InvokeFor is Invoke with an explicit metrics source.
func (i *Invoker) InvokeFor(ctx context.Context, source string, req dispatcher.Request) (dispatcher.Result, error) {
	return i.invoke(ctx, source, req)
}

// Dispatch runs req on the calling goroutine instead of the pool. Scheduled
// firings use it: they already occupy a worker, and queueing a nested task
// behind them would starve the pool once every worker holds a firing.
func (i *Invoker) Dispatch(ctx context.Context, source string, req dispatcher.Request) (dispatcher.Result, error) {
	return i.call(ctx, source, req, false)
}

func (i *Invoker) invoke(ctx context.Context, source string, req dispatcher.Request) (dispatcher.Result, error) {
	return i.call(ctx, source, req, true)
}

func (i *Invoker) call(ctx context.Context, source string, req dispatcher.Request, pooled bool) (dispatcher.Result, error) {
	start := time.Now()
	env, err := i.Env(ctx, req.ProjectID)
	if err != nil {
		return dispatcher.Result{}, err
	}
	req.Env = env

	var res dispatcher.Result
	dispatch := func(ctx context.Context) error {
		res = i.runner.Start(ctx, req)
		return nil
	}
	if pooled {
		err = i.run(ctx, "invoke:"+req.ProjectID, dispatch)
	} else {
		err = dispatch(ctx)
	}
	if err != nil {
		return dispatcher.Result{}, fmt.Errorf("invoke %s: %w", req.ProjectID, err)
	}

	elapsed := time.Since(start)
	i.metrics.ObserveInvocation(source, string(res.Outcome), elapsed)
	i.log.Info("invocation finished",
		logx.String("source", source),
		logx.String("project", req.ProjectID),
		logx.String("func", res.Function),
		logx.String("outcome", string(res.Outcome)),
		logx.Duration("elapsed", elapsed),
	)
	return res, nil
}

// Functions lists the callable names of projectID through the same path.
func (i *Invoker) Functions(ctx context.Context, projectID string) ([]string, error) {
	env, err := i.Env(ctx, projectID)
	if err != nil {
		return nil, err
	}
	var names []string
	err = i.run(ctx, "functions:"+projectID, func(ctx context.Context) error {
		var ferr error
		names, ferr = i.runner.Functions(ctx, projectID, env)
		return ferr
	})
	return names, err
}

func (i *Invoker) run(ctx context.Context, name string, fn func(context.Context) error) error {
	if i.eng == nil {
		return fn(ctx)
	}
	return i.eng.Do(ctx, engine.Task{ID: uuid.NewString(), Name: name, Run: fn})
}
