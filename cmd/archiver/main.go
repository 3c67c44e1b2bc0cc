package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vnml/orchestrator/cmd/archiver/consumer"
	"github.com/vnml/orchestrator/cmd/archiver/handlers"
	"github.com/vnml/orchestrator/cmd/archiver/routes"
	"github.com/vnml/orchestrator/common/bootstrap"
	"github.com/vnml/orchestrator/common/db"
	"github.com/vnml/orchestrator/common/repository"
	"github.com/vnml/orchestrator/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "archiver",
		bootstrap.WithDBInitHook(func(database *db.DB) error {
			return repository.NewRequestRepository(database).Migrate(ctx)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	if components.DB == nil {
		components.Logger.Error("archiver requires ARCHIVE_ENABLED=true and a reachable database")
		os.Exit(1)
	}

	archive := repository.NewRequestRepository(components.DB)

	lifecycleConsumer := consumer.NewLifecycleConsumer(
		components.DedicatedStreamClient(),
		archive,
		components.Config,
		components.Logger,
	)

	errChan := make(chan error, 1)
	go func() {
		components.Logger.Info("starting lifecycle consumer")
		if err := lifecycleConsumer.Start(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("lifecycle consumer error: %w", err)
		}
	}()

	if !components.Config.Service.EnableHTTP {
		components.Logger.Info("http disabled, running consumer only")
		waitForShutdown(cancel, errChan, components)
		return
	}

	handler := handlers.NewArchiveHandler(archive, components.Logger).
		WithHealthCheck(components.Health)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	routes.RegisterArchiveRoutes(e, handler)

	srv := server.New("archiver", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		cancel()
		os.Exit(1)
	}
	cancel()
}

// waitForShutdown blocks until a component fails or a signal arrives
func waitForShutdown(cancel context.CancelFunc, errChan chan error, components *bootstrap.Components) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("component failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}
}
