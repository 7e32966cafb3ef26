// Package app assembles the control-plane and runs it.
package app

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/samber/do"
	"golang.org/x/sync/errgroup"

	"jobdispatch/internal/api"
	"jobdispatch/internal/config"
	"jobdispatch/internal/scheduler"
	"jobdispatch/internal/seed"
)

type App struct {
	i      *do.Injector
	cfg    config.Config
	logger zerolog.Logger
}

func NewApp(i *do.Injector) (*App, error) {
	cfg, err := do.Invoke[config.Config](i)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get config")
	}
	logger, err := do.Invoke[zerolog.Logger](i)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get logger")
	}
	return &App{i: i, cfg: cfg, logger: logger}, nil
}

// Run serves the control API and drives the trigger clock until ctx ends or
// either of them fails.
func (a *App) Run(ctx context.Context) error {
	err := a.run(ctx)
	if shutdownErr := a.i.Shutdown(); shutdownErr != nil {
		err = errors.CombineErrors(err, errors.Wrap(shutdownErr, "failed to shut down"))
	}
	return err
}

func (a *App) run(ctx context.Context) error {
	if a.cfg.SeedFile != "" {
		if _, err := a.Seed(ctx, a.cfg.SeedFile); err != nil {
			// bad definitions are reported but do not keep the valid ones from running
			a.logger.Error().Err(err).Str("seed_file", a.cfg.SeedFile).Msg("seed file applied with errors")
		}
	}

	server, err := do.Invoke[*api.Server](a.i)
	if err != nil {
		return errors.Wrap(err, "failed to initialize api server")
	}
	service, err := do.Invoke[*scheduler.Service](a.i)
	if err != nil {
		return errors.Wrap(err, "failed to initialize scheduler service")
	}

	a.logger.Info().
		Int("tick_seconds", a.cfg.TickIntervalSeconds).
		Str("storage_driver", string(a.cfg.Storage.Driver)).
		Str("timezone", a.cfg.Timezone).
		Msg("starting control-plane")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		if err := service.Run(gctx); err != nil {
			return errors.Wrap(err, "scheduler service failed")
		}
		return nil
	})

	err = g.Wait()
	if ctx.Err() != nil {
		a.logger.Info().Msg("got shutdown signal")
	}
	return err
}

// Seed applies the job definitions in path. A file that cannot be read
// fails outright; individual bad definitions are combined into the error.
func (a *App) Seed(ctx context.Context, path string) (seed.Result, error) {
	defs, err := seed.Load(path)
	if err != nil {
		return seed.Result{}, err
	}
	manager, err := do.Invoke[*scheduler.JobManager](a.i)
	if err != nil {
		return seed.Result{}, errors.Wrap(err, "failed to initialize job manager")
	}
	return seed.Apply(ctx, manager, defs, a.logger)
}

// Shutdown releases everything the injector built.
func (a *App) Shutdown() error {
	return a.i.Shutdown()
}
