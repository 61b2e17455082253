package app

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fand/internal/config"
)

// App ties the service container to a run lifecycle: start the services,
// wait for a shutdown signal or a fatal service error, tear down in order.
type App struct {
	cfg      *config.Config
	services *Services

	ctx    context.Context
	cancel context.CancelFunc

	failure  error
	failOnce sync.Once
}

// New creates an App with all services initialized but not started.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		services: services,
	}, nil
}

// fatal records the first fatal service error and triggers shutdown.
// Later failures during the resulting teardown are ignored.
func (a *App) fatal(err error) {
	a.failOnce.Do(func() {
		a.failure = err
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		a.cancel()
	})
}

// Start starts all services under a context derived from ctx.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	if err := a.services.Start(a.ctx, a.fatal); err != nil {
		return err
	}

	log.Info().Msg("fand started")
	return nil
}

// Wait blocks until the application stops and reports the fatal service
// error that stopped it, nil on a clean signal-driven shutdown.
func (a *App) Wait() error {
	if a.ctx != nil {
		<-a.ctx.Done()
	}
	return a.failure
}

// Stop gracefully shuts down all services.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel()
	}

	if a.services != nil {
		return a.services.Stop()
	}

	return nil
}

// SignalContext creates a context that is cancelled when SIGINT or SIGTERM is received.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
