package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vnml/orchestrator/common/config"
	"github.com/vnml/orchestrator/common/logger"
	"github.com/vnml/orchestrator/common/models"
	"github.com/vnml/orchestrator/common/streams"
)

// Datastore is the slice of the datastore client the invoke consumer needs.
type Datastore interface {
	EnsureGroup(ctx context.Context, stream, group, start string) error
	ReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]redis.XMessage, error)
	AckMessage(ctx context.Context, stream, group, messageID string) error
}

// Runner executes one request invocation to a terminal state
type Runner interface {
	Run(ctx context.Context, inv models.Invocation) error
}

// InvokeConsumer claims invocation records and runs the request engine. One
// claimed invocation maps to one logical orchestrator instance; unfinished
// runs are redelivered and resumed.
type InvokeConsumer struct {
	store        Datastore
	runner       Runner
	cfg          *config.Config
	log          *logger.Logger
	consumerName string
}

// NewInvokeConsumer creates a new invoke consumer
func NewInvokeConsumer(store Datastore, runner Runner, cfg *config.Config, log *logger.Logger) *InvokeConsumer {
	return &InvokeConsumer{
		store:        store,
		runner:       runner,
		cfg:          cfg,
		log:          log,
		consumerName: fmt.Sprintf("orchestrator_%s", uuid.New().String()[:8]),
	}
}

// Start begins processing invocations
func (c *InvokeConsumer) Start(ctx context.Context) error {
	c.log.Info("starting invoke consumer",
		"stream", streams.InvokeStream,
		"consumer_group", streams.RunnerGroup,
		"consumer_name", c.consumerName)

	if err := c.store.EnsureGroup(ctx, streams.InvokeStream, streams.RunnerGroup, "0"); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.log.Info("invoke consumer stopping")
			return nil
		default:
			if err := c.processNextMessage(ctx); err != nil {
				c.log.Error("failed to process message", "error", err)
				time.Sleep(1 * time.Second) // Back off on error
			}
		}
	}
}

// processNextMessage reads and runs one invocation. A run that returns an
// error stays unacknowledged so the consumer group redelivers it; the engine
// resumes from its checkpoint.
func (c *InvokeConsumer) processNextMessage(ctx context.Context) error {
	messages, err := c.store.ReadGroup(ctx, streams.RunnerGroup, c.consumerName,
		streams.InvokeStream, 1, c.cfg.Pipeline.RequestStreamBlock)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for _, message := range messages {
		invocation, err := models.InvocationFromValues(message.Values)
		if err != nil {
			// Never becomes valid; drop it.
			c.log.Error("dropping malformed invocation", "message_id", message.ID, "error", err)
			c.ack(ctx, message.ID)
			continue
		}

		if err := c.runner.Run(ctx, invocation); err != nil {
			c.log.Error("request run failed, leaving invocation for redelivery",
				"request_id", invocation.RequestID, "error", err)
			continue
		}

		c.ack(ctx, message.ID)
	}

	return nil
}

func (c *InvokeConsumer) ack(ctx context.Context, messageID string) {
	if err := c.store.AckMessage(ctx, streams.InvokeStream, streams.RunnerGroup, messageID); err != nil {
		c.log.Error("failed to ACK invocation", "message_id", messageID, "error", err)
	}
}
