package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ygrebnov/workers"

	"github.com/vnml/orchestrator/common/config"
	"github.com/vnml/orchestrator/common/faults"
	"github.com/vnml/orchestrator/common/logger"
	"github.com/vnml/orchestrator/common/metrics"
	"github.com/vnml/orchestrator/common/models"
	"github.com/vnml/orchestrator/common/streams"
)

const (
	dispatchBatchSize = 5
	valuatorPoolSize  = 4
)

// Datastore is the slice of the datastore client the worker needs
type Datastore interface {
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error
	AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error)
	EnsureGroup(ctx context.Context, stream, group, start string) error
	ReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]redis.XMessage, error)
	AckMessage(ctx context.Context, stream, group, messageID string) error
}

// Worker claims task dispatches, runs the valuator and reports every attempt's
// outcome on the updates stream. Each claimed batch is priced concurrently.
type Worker struct {
	store        Datastore
	valuator     Valuator
	cfg          *config.Config
	log          *logger.Logger
	consumerName string
}

// New creates a task worker
func New(store Datastore, valuator Valuator, cfg *config.Config, log *logger.Logger) *Worker {
	return &Worker{
		store:        store,
		valuator:     valuator,
		cfg:          cfg,
		log:          log,
		consumerName: fmt.Sprintf("worker_%s", uuid.New().String()[:8]),
	}
}

// Start begins processing task dispatches
func (w *Worker) Start(ctx context.Context) error {
	w.log.Info("starting task worker",
		"stream", streams.DispatchStream,
		"consumer_group", streams.WorkerGroup,
		"consumer_name", w.consumerName)

	if err := w.store.EnsureGroup(ctx, streams.DispatchStream, streams.WorkerGroup, "0"); err != nil {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info("task worker stopping")
			return nil
		default:
			if err := w.processNextBatch(ctx); err != nil {
				w.log.Error("failed to process batch", "error", err)
				time.Sleep(1 * time.Second) // Back off on error
			}
		}
	}
}

// processNextBatch claims up to a batch of dispatches and prices them on a
// bounded pool. handleMessage never returns an error, so one bad task cannot
// abort its batchmates.
func (w *Worker) processNextBatch(ctx context.Context) error {
	messages, err := w.store.ReadGroup(ctx, streams.WorkerGroup, w.consumerName,
		streams.DispatchStream, dispatchBatchSize, w.cfg.Pipeline.RequestStreamBlock)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	return workers.ForEach(
		ctx,
		messages,
		func(ctx context.Context, message redis.XMessage) error {
			w.handleMessage(ctx, message)
			return nil
		},
		workers.WithFixedPool(valuatorPoolSize),
	)
}

// handleMessage runs one dispatch to an update. The dispatch is acknowledged
// no matter the outcome: a failed attempt is reported on the updates stream,
// and re-dispatch is the orchestrator's call, not a stream redelivery.
func (w *Worker) handleMessage(ctx context.Context, message redis.XMessage) {
	defer w.ack(ctx, message.ID)

	dispatch, err := models.DispatchFromValues(message.Values)
	if err != nil {
		w.log.Error("dropping malformed dispatch", "message_id", message.ID, "error", err)
		return
	}

	log := w.log.WithRequestID(dispatch.RequestID).WithTaskID(dispatch.TaskID)
	timer := metrics.StartTimer()

	if _, err := w.runAttempt(ctx, dispatch); err != nil {
		log.Warn("task attempt failed", "attempt", dispatch.Attempt, "error", err)
		w.reportFailure(ctx, dispatch, err, timer.ElapsedMs())
		return
	}

	w.reportSuccess(ctx, dispatch, timer.ElapsedMs())

	fields := append([]any{"attempt", dispatch.Attempt, "duration_ms", timer.ElapsedMs()}, metrics.TaskStats()...)
	log.Info("task attempt completed", fields...)
}

// runAttempt prices the task payload and stores the result. A result written
// by an equal or later attempt is never overwritten; the stored one stands.
func (w *Worker) runAttempt(ctx context.Context, dispatch models.TaskDispatch) (string, error) {
	attemptKey := streams.TaskResultAttemptKey(dispatch.RequestID, dispatch.GroupIdx, dispatch.TaskID)
	resultKey := streams.TaskResultKey(dispatch.RequestID, dispatch.GroupIdx, dispatch.TaskID)

	if marker, err := w.store.GetValue(ctx, attemptKey); err == nil {
		if stored, convErr := strconv.Atoi(marker); convErr == nil && stored >= dispatch.Attempt {
			existing, err := w.store.GetValue(ctx, resultKey)
			if err != nil {
				return "", err
			}
			return existing, nil
		}
	} else if faults.KindOf(err) != faults.NotFound {
		return "", err
	}

	payload, err := w.store.GetValue(ctx, dispatch.PayloadKey)
	if err != nil {
		return "", faults.Wrap(faults.TaskFailure, err, "task payload unavailable")
	}

	result, err := w.valuator.Valuate(payload)
	if err != nil {
		return "", faults.Wrap(faults.TaskFailure, err, "valuation failed")
	}

	ttl := w.cfg.Pipeline.RequestTTL
	if err := w.store.SetValue(ctx, resultKey, result, ttl); err != nil {
		return "", err
	}
	if err := w.store.SetValue(ctx, attemptKey, strconv.Itoa(dispatch.Attempt), ttl); err != nil {
		return "", err
	}

	return result, nil
}

func (w *Worker) reportSuccess(ctx context.Context, dispatch models.TaskDispatch, durationMs int64) {
	update := models.TaskUpdate{
		RequestID:  dispatch.RequestID,
		GroupIdx:   dispatch.GroupIdx,
		TaskID:     dispatch.TaskID,
		Status:     models.StatusCompleted,
		ResultKey:  dispatch.ResultKey,
		Attempt:    dispatch.Attempt,
		DurationMs: durationMs,
	}
	if _, err := w.store.AddToStream(ctx, streams.UpdatesStream, update.Values()); err != nil {
		w.log.Error("failed to publish task completion",
			"request_id", dispatch.RequestID, "task_id", dispatch.TaskID, "error", err)
	}
}

// reportFailure publishes the failed attempt and leaves a diagnostic record at
// the request's failure key. The orchestrator overwrites it with the
// request-level detail if the retry budget runs out.
func (w *Worker) reportFailure(ctx context.Context, dispatch models.TaskDispatch, taskErr error, durationMs int64) {
	detail := map[string]interface{}{
		"taskId":        dispatch.TaskID,
		"groupIdx":      dispatch.GroupIdx,
		"valuationName": dispatch.ValuationName,
		"attempt":       dispatch.Attempt,
		"error":         taskErr.Error(),
		"at":            time.Now().UTC().Format(time.RFC3339),
	}
	if encoded, err := json.Marshal(detail); err == nil {
		failureKey := streams.FailureKey(dispatch.RequestID)
		if err := w.store.SetValue(ctx, failureKey, string(encoded), w.cfg.Pipeline.RequestTTL); err != nil {
			w.log.Warn("failed to record failure detail", "request_id", dispatch.RequestID, "error", err)
		}
	}

	update := models.TaskUpdate{
		RequestID:  dispatch.RequestID,
		GroupIdx:   dispatch.GroupIdx,
		TaskID:     dispatch.TaskID,
		Status:     models.StatusFailed,
		Error:      taskErr.Error(),
		Attempt:    dispatch.Attempt,
		DurationMs: durationMs,
	}
	if _, err := w.store.AddToStream(ctx, streams.UpdatesStream, update.Values()); err != nil {
		w.log.Error("failed to publish task failure",
			"request_id", dispatch.RequestID, "task_id", dispatch.TaskID, "error", err)
	}
}

func (w *Worker) ack(ctx context.Context, messageID string) {
	if err := w.store.AckMessage(ctx, streams.DispatchStream, streams.WorkerGroup, messageID); err != nil {
		w.log.Error("failed to ACK dispatch", "message_id", messageID, "error", err)
	}
}
