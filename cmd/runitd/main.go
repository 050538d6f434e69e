package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"runit/internal/app"
	"runit/internal/runtime/dispatcher"
)

func main() {
	var (
		cfgPath   string
		run       string
		functions string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&run, "run", "", "invoke <project>[:<function>] once with the remaining args and exit")
	flag.StringVar(&functions, "functions", "", "list the functions of <project> and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch {
	case run != "":
		err = runOnce(ctx, cfgPath, run, flag.Args())
	case functions != "":
		err = listFunctions(ctx, cfgPath, functions)
	default:
		err = serve(ctx, cfgPath)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfgPath string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func oneShot(ctx context.Context, cfgPath string, fn func(a *app.App) error) error {
	a, err := app.New(cfgPath, app.OneShot())
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopOneShot)
	}()
	if err := a.Start(ctx); err != nil {
		return err
	}
	return fn(a)
}

func runOnce(ctx context.Context, cfgPath, target string, args []string) error {
	projectID, function, _ := strings.Cut(target, ":")
	return oneShot(ctx, cfgPath, func(a *app.App) error {
		res, err := a.Invoker().Invoke(ctx, projectID, function, args)
		if err != nil {
			return err
		}
		fmt.Println(res.Output)
		if res.Outcome != dispatcher.OutcomeOK {
			return errors.New(string(res.Outcome))
		}
		return nil
	})
}

func listFunctions(ctx context.Context, cfgPath, projectID string) error {
	return oneShot(ctx, cfgPath, func(a *app.App) error {
		names, err := a.Invoker().Functions(ctx, projectID)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	})
}
