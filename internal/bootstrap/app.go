// Package bootstrap assembles process startup: configuration loading with
// pre-flight checks, an early slog logger for the window before zap is
// constructed, and a Runner lifecycle that drives the orchestrator loop and
// the operator HTTP surface under one signal-aware errgroup.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// App carries the dependencies every runner shares.
type App struct {
	Cfg    *Config
	Logger *slog.Logger
}

// NewApp loads configuration from configPath and prepares the early logger.
// Any error here is a configuration error; the caller exits with code 1.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return &App{
		Cfg:    cfg,
		Logger: InitLogger(cfg),
	}, nil
}

// Runner is a long-lived component that blocks until ctx is canceled or it
// fails. The orchestrator loop and the health/metrics server both satisfy it.
type Runner interface {
	Run(ctx context.Context) error
}

// Run starts every runner under a signal-canceled errgroup and blocks until
// all have returned. The first runner failure cancels the rest; a failure
// caused by the termination signal itself is not an error.
func (a *App) Run(runners ...Runner) error {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(sigCtx)
	for _, runner := range runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && sigCtx.Err() == nil {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}
