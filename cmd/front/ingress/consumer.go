package ingress

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

// Datastore is the slice of the datastore client the ingress consumer needs.
type Datastore interface {
	EnsureGroup(ctx context.Context, stream, group, start string) error
	ReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]redis.XMessage, error)
	AckMessage(ctx context.Context, stream, group, messageID string) error
	GetHashFields(ctx context.Context, key string) (map[string]string, error)
	SetHashFields(ctx context.Context, key string, fields map[string]interface{}) error
	AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error)
}

// Consumer claims ingress envelopes from the shared consumer group,
// initializes request state, announces the request on the lifecycle stream
// and launches one request orchestrator run.
type Consumer struct {
	store        Datastore
	cfg          *config.Config
	log          *logger.Logger
	consumerName string
}

// NewConsumer creates a new ingress consumer
func NewConsumer(store Datastore, cfg *config.Config, log *logger.Logger) *Consumer {
	return &Consumer{
		store:        store,
		cfg:          cfg,
		log:          log,
		consumerName: fmt.Sprintf("ingress_%s", uuid.New().String()[:8]),
	}
}

// Start begins processing ingress envelopes
func (c *Consumer) Start(ctx context.Context) error {
	c.log.Info("starting ingress consumer",
		"stream", streams.IngestStream,
		"consumer_group", streams.IngressGroup,
		"consumer_name", c.consumerName)

	if err := c.store.EnsureGroup(ctx, streams.IngestStream, streams.IngressGroup, "0"); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.log.Info("ingress consumer stopping")
			return nil
		default:
			if err := c.processNextMessage(ctx); err != nil {
				c.log.Error("failed to process message", "error", err)
				time.Sleep(1 * time.Second) // Back off on error
			}
		}
	}
}

// processNextMessage reads and processes one envelope from the stream
func (c *Consumer) processNextMessage(ctx context.Context) error {
	messages, err := c.store.ReadGroup(ctx, streams.IngressGroup, c.consumerName,
		streams.IngestStream, 1, c.cfg.Pipeline.RequestStreamBlock)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for _, message := range messages {
		if err := c.handleEnvelope(ctx, message); err != nil {
			// Leave the envelope unacknowledged; the consumer group
			// redelivers it after the visibility window.
			c.log.Error("failed to handle envelope", "message_id", message.ID, "error", err)
			continue
		}

		if err := c.store.AckMessage(ctx, streams.IngestStream, streams.IngressGroup, message.ID); err != nil {
			c.log.Error("failed to ACK envelope", "message_id", message.ID, "error", err)
		}
	}

	return nil
}

// handleEnvelope initializes state for one claimed envelope and launches the
// request orchestrator. Redelivered envelopes whose state already advanced
// past received are skipped but still acknowledged.
func (c *Consumer) handleEnvelope(ctx context.Context, message redis.XMessage) error {
	envelope, err := models.EnvelopeFromValues(message.Values)
	if err != nil {
		// A malformed envelope will never become valid; drop it.
		c.log.Error("dropping malformed envelope", "message_id", message.ID, "error", err)
		return nil
	}

	log := c.log.WithRequestID(envelope.RequestID)
	stateKey := streams.RequestStateKey(envelope.RequestID)

	hash, err := c.store.GetHashFields(ctx, stateKey)
	if err != nil {
		return err
	}

	existing := models.RequestStateFromHash(hash)
	if existing.Exists() && existing.Status != models.StatusReceived {
		log.Info("request already past ingress, skipping re-invocation", "status", existing.Status)
		return nil
	}
	if existing.Exists() {
		// Crashed after state init but before the invocation record made
		// it out. Re-publishing received would violate the lifecycle
		// order, so only the invocation is retried.
		log.Info("request state exists, retrying invocation")
		return c.invoke(ctx, envelope)
	}

	state := models.RequestState{
		Status:       models.StatusReceived,
		XMLKey:       envelope.XMLKey,
		ResponseKey:  envelope.ResponseKey,
		MetadataKey:  envelope.MetadataKey,
		GroupCount:   envelope.GroupCount,
		CurrentGroup: -1,
		ReceivedAt:   time.Now().UTC().Format(time.RFC3339),
		SubmittedAt:  envelope.SubmittedAt,
	}
	if err := c.store.SetHashFields(ctx, stateKey, state.Fields()); err != nil {
		return err
	}

	event := models.NewLifecycleEvent(envelope.RequestID, models.StatusReceived, map[string]string{
		"xmlKey": envelope.XMLKey,
	})
	if _, err := c.store.AddToStream(ctx, streams.LifecycleStream, event.Values()); err != nil {
		return err
	}

	if err := c.invoke(ctx, envelope); err != nil {
		return err
	}

	log.Info("request claimed and orchestrator launched")
	return nil
}

// invoke emits a fire-and-forget invocation record for the orchestrator pool
func (c *Consumer) invoke(ctx context.Context, envelope models.RequestEnvelope) error {
	invocation := models.Invocation{
		RequestID:      envelope.RequestID,
		XMLKey:         envelope.XMLKey,
		ResponseKey:    envelope.ResponseKey,
		MetadataKey:    envelope.MetadataKey,
		GroupCount:     envelope.GroupCount,
		ExecutionToken: uuid.New().String(),
	}

	_, err := c.store.AddToStream(ctx, streams.InvokeStream, invocation.Values())
	return err
}
