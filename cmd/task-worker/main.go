package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vnml/orchestrator/cmd/task-worker/worker"
	"github.com/vnml/orchestrator/common/bootstrap"
	"github.com/vnml/orchestrator/common/metrics"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "task-worker", bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	components.Logger.Info("worker host", metrics.CaptureRuntimeInfo().Fields()...)

	taskWorker := worker.New(
		components.DedicatedStreamClient(),
		worker.NewXMLValuator(nil),
		components.Config,
		components.Logger,
	)

	errChan := make(chan error, 1)
	go func() {
		components.Logger.Info("starting task worker")
		if err := taskWorker.Start(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("task worker error: %w", err)
		}
	}()

	waitForShutdown(cancel, errChan, components)
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
