package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vnml/orchestrator/cmd/front/handlers"
	"github.com/vnml/orchestrator/cmd/front/ingress"
	"github.com/vnml/orchestrator/cmd/front/routes"
	"github.com/vnml/orchestrator/cmd/front/service"
	"github.com/vnml/orchestrator/cmd/front/waiter"
	"github.com/vnml/orchestrator/common/bootstrap"
	"github.com/vnml/orchestrator/common/server"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "front", bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// The ingress consumer holds long blocking reads, so it gets its own
	// connection instead of sharing the handler pool's.
	consumer := ingress.NewConsumer(
		components.DedicatedStreamClient(),
		components.Config,
		components.Logger,
	)

	errChan := make(chan error, 1)
	go func() {
		components.Logger.Info("starting ingress consumer")
		if err := consumer.Start(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("ingress consumer error: %w", err)
		}
	}()

	if !components.Config.Service.EnableHTTP {
		components.Logger.Info("http disabled, running consumer only")
		waitForShutdown(cancel, errChan, components)
		return
	}

	submissions := service.NewSubmissionService(components.Redis, components.Config, components.Logger)
	queries := service.NewQueryService(components.Redis, components.Logger)
	lifecycleWaiter := waiter.New(components.DedicatedStreamClient(), components.Config, components.Logger)

	handler := handlers.NewValuationHandler(submissions, queries, lifecycleWaiter, components.Config, components.Logger).
		WithHealthCheck(components.Health)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	routes.RegisterValuationRoutes(e, handler)

	srv := server.New("front", components.Config.Service.Port, e, components.Logger)
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
