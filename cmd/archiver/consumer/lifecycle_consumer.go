package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vnml/orchestrator/common/config"
	"github.com/vnml/orchestrator/common/faults"
	"github.com/vnml/orchestrator/common/logger"
	"github.com/vnml/orchestrator/common/models"
	"github.com/vnml/orchestrator/common/repository"
	"github.com/vnml/orchestrator/common/streams"
)

// Datastore is the slice of the datastore client the archiver needs
type Datastore interface {
	GetValue(ctx context.Context, key string) (string, error)
	GetHashFields(ctx context.Context, key string) (map[string]string, error)
	EnsureGroup(ctx context.Context, stream, group, start string) error
	ReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]redis.XMessage, error)
	AckMessage(ctx context.Context, stream, group, messageID string) error
}

// Archive persists terminal request outcomes
type Archive interface {
	Upsert(ctx context.Context, req *repository.ArchivedRequest) error
}

// LifecycleConsumer follows the lifecycle stream and archives every request
// that reaches a terminal state. Non-terminal events are acknowledged and
// skipped; the archive row is written before the terminal event is
// acknowledged, so a crash replays the upsert rather than losing it.
type LifecycleConsumer struct {
	store        Datastore
	archive      Archive
	cfg          *config.Config
	log          *logger.Logger
	consumerName string
}

// NewLifecycleConsumer creates a new lifecycle consumer
func NewLifecycleConsumer(store Datastore, archive Archive, cfg *config.Config, log *logger.Logger) *LifecycleConsumer {
	return &LifecycleConsumer{
		store:        store,
		archive:      archive,
		cfg:          cfg,
		log:          log,
		consumerName: fmt.Sprintf("archiver_%s", uuid.New().String()[:8]),
	}
}

// Start begins processing lifecycle events
func (c *LifecycleConsumer) Start(ctx context.Context) error {
	c.log.Info("starting lifecycle consumer",
		"stream", streams.LifecycleStream,
		"consumer_group", streams.ArchiverGroup,
		"consumer_name", c.consumerName)

	if err := c.store.EnsureGroup(ctx, streams.LifecycleStream, streams.ArchiverGroup, "0"); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.log.Info("lifecycle consumer stopping")
			return nil
		default:
			if err := c.processNextMessage(ctx); err != nil {
				c.log.Error("failed to process message", "error", err)
				time.Sleep(1 * time.Second) // Back off on error
			}
		}
	}
}

func (c *LifecycleConsumer) processNextMessage(ctx context.Context) error {
	messages, err := c.store.ReadGroup(ctx, streams.ArchiverGroup, c.consumerName,
		streams.LifecycleStream, 10, c.cfg.Pipeline.RequestStreamBlock)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for _, message := range messages {
		event := models.LifecycleFromValues(message.Values)

		if event.RequestID == "" || !models.IsTerminal(event.Status) {
			c.ack(ctx, message.ID)
			continue
		}

		if err := c.archiveRequest(ctx, event); err != nil {
			c.log.Error("failed to archive request, leaving event for redelivery",
				"request_id", event.RequestID, "error", err)
			continue
		}

		c.ack(ctx, message.ID)
	}

	return nil
}

// archiveRequest snapshots the request's state hash into the archive table.
// The state hash may already be gone once its TTL lapses; the event itself
// still carries enough to write a minimal row.
func (c *LifecycleConsumer) archiveRequest(ctx context.Context, event models.LifecycleEvent) error {
	log := c.log.WithRequestID(event.RequestID)

	state := models.RequestState{}
	if hash, err := c.store.GetHashFields(ctx, streams.RequestStateKey(event.RequestID)); err == nil {
		state = models.RequestStateFromHash(hash)
	} else {
		log.Warn("request state unavailable, archiving from event only", "error", err)
	}

	row := &repository.ArchivedRequest{
		RequestID:   event.RequestID,
		Status:      event.Status,
		GroupCount:  state.GroupCount,
		RetryCount:  state.RetryCount,
		SubmittedAt: parseTimestamp(state.SubmittedAt),
		CompletedAt: parseTimestamp(event.At),
	}
	if row.CompletedAt.IsZero() {
		row.CompletedAt = time.Now().UTC()
	}

	if event.Status == models.StatusFailed {
		detail, err := c.store.GetValue(ctx, streams.FailureKey(event.RequestID))
		if err != nil && faults.KindOf(err) != faults.NotFound {
			return err
		}
		row.Error = detail
	}

	if err := c.archive.Upsert(ctx, row); err != nil {
		return err
	}

	log.Info("archived request", "status", event.Status, "group_count", row.GroupCount)
	return nil
}

func (c *LifecycleConsumer) ack(ctx context.Context, messageID string) {
	if err := c.store.AckMessage(ctx, streams.LifecycleStream, streams.ArchiverGroup, messageID); err != nil {
		c.log.Error("failed to ACK lifecycle event", "message_id", messageID, "error", err)
	}
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
