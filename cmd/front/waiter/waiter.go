package waiter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vnml/orchestrator/common/config"
	"github.com/vnml/orchestrator/common/faults"
	"github.com/vnml/orchestrator/common/logger"
	"github.com/vnml/orchestrator/common/models"
	"github.com/vnml/orchestrator/common/streams"
)

// TailReader reads a stream without a consumer group
type TailReader interface {
	ReadTail(ctx context.Context, stream, fromID string, count int64, block time.Duration) ([]redis.XMessage, error)
	LastStreamID(ctx context.Context, stream string) (string, error)
}

// Waiter blocks a synchronous submission until its request reaches a terminal
// lifecycle status. It tails the shared lifecycle stream without a consumer
// group, so many concurrent waiters never contend over delivery cursors and
// leave no pending entries behind.
type Waiter struct {
	store TailReader
	cfg   *config.Config
	log   *logger.Logger
}

// New creates a new lifecycle waiter
func New(store TailReader, cfg *config.Config, log *logger.Logger) *Waiter {
	return &Waiter{
		store: store,
		cfg:   cfg,
		log:   log,
	}
}

// Cursor snapshots the lifecycle stream's current tail. Captured before any
// state read, it guarantees events published in between are still observed
// by WaitForTerminal. A read failure falls back to "$".
func (w *Waiter) Cursor(ctx context.Context) string {
	id, err := w.store.LastStreamID(ctx, streams.LifecycleStream)
	if err != nil {
		w.log.Warn("unable to snapshot lifecycle cursor", "error", err)
		return "$"
	}
	return id
}

// WaitForTerminal blocks until a terminal lifecycle event for requestID is
// observed or the deadline passes, tailing the lifecycle stream from fromID
// ("$" for only-new events). Unrelated records advance the cursor but never
// reset the deadline. The deadline expiring is reported as a Timeout fault;
// the request keeps running in the background.
func (w *Waiter) WaitForTerminal(ctx context.Context, requestID, fromID string, timeout time.Duration) (models.LifecycleEvent, error) {
	log := w.log.WithRequestID(requestID)
	deadline := time.Now().Add(timeout)
	lastID := fromID
	if lastID == "" {
		lastID = "$"
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			log.Info("sync wait deadline passed")
			return models.LifecycleEvent{}, faults.Errorf(faults.Timeout, "no terminal status within %s", timeout)
		}

		messages, err := w.store.ReadTail(ctx, streams.LifecycleStream, lastID, 64,
			blockInterval(remaining, w.cfg.Pipeline.LifecycleBlock))
		if err != nil {
			if ctx.Err() != nil {
				return models.LifecycleEvent{}, faults.Wrap(faults.Timeout, ctx.Err(), "sync wait cancelled")
			}
			log.Warn("lifecycle tail read failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, message := range messages {
			lastID = message.ID

			event := models.LifecycleFromValues(message.Values)
			if event.RequestID != requestID {
				continue
			}
			if models.IsTerminal(event.Status) {
				log.Info("terminal lifecycle observed", "status", event.Status)
				return event, nil
			}
		}
	}
}

// blockInterval clamps a blocking-read window to the remaining deadline. The
// floor matters: a sub-millisecond window truncates to BLOCK 0 at the wire,
// which blocks forever instead of returning.
func blockInterval(remaining, configured time.Duration) time.Duration {
	block := configured
	if remaining < block {
		block = remaining
	}
	if block < time.Millisecond {
		block = time.Millisecond
	}
	return block
}
