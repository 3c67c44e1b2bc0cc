package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vnml/orchestrator/cmd/orchestrator/consumer"
	"github.com/vnml/orchestrator/cmd/orchestrator/engine"
	"github.com/vnml/orchestrator/common/bootstrap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "orchestrator", bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to setup service: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	runner := engine.New(components.Redis, components.Config, components.Logger)

	// The run loop holds long blocking reads on two streams, so the
	// consumer gets its own connection instead of the shared pool's.
	invokeConsumer := consumer.NewInvokeConsumer(
		components.DedicatedStreamClient(),
		runner,
		components.Config,
		components.Logger,
	)

	errChan := make(chan error, 1)
	go func() {
		components.Logger.Info("starting invoke consumer")
		if err := invokeConsumer.Start(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("invoke consumer error: %w", err)
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
