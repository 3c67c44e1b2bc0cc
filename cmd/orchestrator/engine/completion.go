package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vnml/orchestrator/common/faults"
	"github.com/vnml/orchestrator/common/models"
	"github.com/vnml/orchestrator/common/streams"
)

// awaitGroupCompletion drives one group's completion loop: a blocking read on
// the task-update stream under the per-request consumer group, dispatching
// retries and maintaining counters until every task completes, the retry
// budget runs out, or the wall-clock deadline passes.
//
// Every delivered record is acknowledged, including records for other
// requests or groups; a stale record must never block this cursor.
func (e *Engine) awaitGroupCompletion(ctx context.Context, requestID string, groupIdx int, descriptors []taskDescriptor) ([]TaskOutcome, error) {
	log := e.log.WithRequestID(requestID)

	consumerGroup := streams.UpdatesGroup(requestID)
	groupStateKey := streams.GroupStateKey(requestID, groupIdx)

	descriptorByTask := make(map[string]taskDescriptor, len(descriptors))
	for _, descriptor := range descriptors {
		descriptorByTask[descriptor.taskID] = descriptor
	}

	expected := len(descriptors)
	completedBy := make(map[string]TaskOutcome, expected)
	var failedTasks []string

	deadline := time.Now().Add(e.cfg.Pipeline.TaskWaitTimeout)

	for len(completedBy) < expected {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, faults.Errorf(faults.Timeout,
				"timed out waiting for group %d completion (%d/%d tasks)", groupIdx, len(completedBy), expected)
		}

		messages, err := e.store.ReadGroup(ctx, consumerGroup, e.consumerName,
			streams.UpdatesStream, int64(expected), blockInterval(remaining, e.cfg.Pipeline.RequestStreamBlock))
		if err != nil {
			if ctx.Err() != nil {
				return nil, faults.Wrap(faults.DatastoreUnavailable, ctx.Err(), "completion loop cancelled")
			}
			return nil, err
		}

		for _, message := range messages {
			update, err := models.UpdateFromValues(message.Values)
			ack := func() {
				if err := e.store.AckMessage(ctx, streams.UpdatesStream, consumerGroup, message.ID); err != nil {
					log.Error("failed to ACK task update", "message_id", message.ID, "error", err)
				}
			}

			if err != nil {
				log.Warn("dropping malformed task update", "message_id", message.ID, "error", err)
				ack()
				continue
			}
			if update.RequestID != requestID || update.GroupIdx != groupIdx {
				ack()
				continue
			}
			descriptor, known := descriptorByTask[update.TaskID]
			if !known {
				ack()
				continue
			}

			switch update.Status {
			case models.StatusCompleted, models.StatusSucceeded:
				e.handleCompleted(ctx, update, descriptor, completedBy, groupStateKey)
			case models.StatusFailed:
				exhausted, err := e.handleFailed(ctx, requestID, groupIdx, update, descriptor)
				if err != nil {
					log.Error("failed to process task failure", "task_id", update.TaskID, "error", err)
				}
				if exhausted {
					failedTasks = append(failedTasks, update.TaskID)
					if err := e.store.SetHashFields(ctx, groupStateKey, map[string]interface{}{
						"failed": fmt.Sprintf("%d", len(failedTasks)),
					}); err != nil {
						log.Error("failed to record group failure count", "error", err)
					}
				}
			default:
				log.Warn("ignoring task update with unknown status", "task_id", update.TaskID, "status", update.Status)
			}
			ack()
		}

		if len(failedTasks) > 0 {
			return nil, faults.Errorf(faults.RetryBudgetExhausted,
				"group %d failed after exhausting retries for tasks: %s", groupIdx, strings.Join(failedTasks, ", "))
		}
	}

	// Emit outcomes in dispatch order
	outcomes := make([]TaskOutcome, 0, expected)
	for _, descriptor := range descriptors {
		outcomes = append(outcomes, completedBy[descriptor.taskID])
	}
	return outcomes, nil
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

// handleCompleted records a completed attempt. Replays and stale attempts
// never downgrade a stored outcome.
func (e *Engine) handleCompleted(ctx context.Context, update models.TaskUpdate, descriptor taskDescriptor, completedBy map[string]TaskOutcome, groupStateKey string) {
	log := e.log.WithRequestID(update.RequestID).WithTaskID(update.TaskID)

	if existing, seen := completedBy[update.TaskID]; seen {
		if update.Attempt <= existing.Attempt {
			log.Debug("ignoring stale completion", "attempt", update.Attempt, "stored_attempt", existing.Attempt)
			return
		}
	}

	result, err := e.store.GetValue(ctx, descriptor.resultKey)
	if err != nil {
		log.Warn("completed task has no readable result", "result_key", descriptor.resultKey, "error", err)
	}

	_, alreadyCounted := completedBy[update.TaskID]
	completedBy[update.TaskID] = TaskOutcome{
		TaskID:    update.TaskID,
		ResultKey: descriptor.resultKey,
		Attempt:   update.Attempt,
		Result:    result,
	}

	if !alreadyCounted {
		if err := e.store.SetHashFields(ctx, groupStateKey, map[string]interface{}{
			"completed": fmt.Sprintf("%d", len(completedBy)),
		}); err != nil {
			log.Error("failed to record group completion count", "error", err)
		}
	}

	log.Info("task completed", "attempt", update.Attempt, "duration_ms", update.DurationMs)
}

// handleFailed re-dispatches a failed task while budget remains. Returns true
// when the budget is exhausted.
func (e *Engine) handleFailed(ctx context.Context, requestID string, groupIdx int, update models.TaskUpdate, descriptor taskDescriptor) (bool, error) {
	log := e.log.WithRequestID(requestID).WithTaskID(update.TaskID)

	if update.Attempt >= e.cfg.Pipeline.MaxTaskRetries {
		log.Warn("task exhausted retry budget", "attempt", update.Attempt, "error", update.Error)
		return true, nil
	}

	nextAttempt := update.Attempt + 1
	log.Info("re-dispatching failed task", "attempt", nextAttempt, "error", update.Error)

	if err := e.dispatch(ctx, requestID, groupIdx, descriptor, nextAttempt); err != nil {
		return false, err
	}

	if _, err := e.store.IncrementHashField(ctx, streams.RequestStateKey(requestID), "retryCount", 1); err != nil {
		log.Warn("failed to increment retry counter", "error", err)
	}
	return false, nil
}
