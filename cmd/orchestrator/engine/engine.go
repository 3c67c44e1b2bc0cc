package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vnml/orchestrator/cmd/orchestrator/hydration"
	"github.com/vnml/orchestrator/cmd/orchestrator/parser"
	"github.com/vnml/orchestrator/common/config"
	"github.com/vnml/orchestrator/common/faults"
	"github.com/vnml/orchestrator/common/logger"
	"github.com/vnml/orchestrator/common/models"
	"github.com/vnml/orchestrator/common/streams"
)

// Datastore is the slice of the datastore client the request engine needs.
type Datastore interface {
	GetValue(ctx context.Context, key string) (string, error)
	SetValue(ctx context.Context, key, value string, expiry time.Duration) error
	SetHashFields(ctx context.Context, key string, fields map[string]interface{}) error
	GetHashFields(ctx context.Context, key string) (map[string]string, error)
	IncrementHashField(ctx context.Context, key, field string, increment int64) (int64, error)
	AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error)
	EnsureGroup(ctx context.Context, stream, group, start string) error
	ReadGroup(ctx context.Context, group, consumer, stream string, count int64, block time.Duration) ([]redis.XMessage, error)
	AckMessage(ctx context.Context, stream, group, messageID string) error
	ExpireKeys(ctx context.Context, expiry time.Duration, keys ...string) error
}

// taskDescriptor tracks one dispatched task through its group's lifetime
type taskDescriptor struct {
	taskID        string
	valuationName string
	groupName     string
	payloadKey    string
	resultKey     string
}

// TaskOutcome is the recorded result of one completed task
type TaskOutcome struct {
	TaskID    string
	ResultKey string
	Attempt   int
	Result    string
}

// Engine drives one request from started to terminal: it parses groups,
// hydrates and dispatches tasks, tracks completions through the per-request
// consumer group, retries within the budget, and assembles the response.
type Engine struct {
	store        Datastore
	cfg          *config.Config
	log          *logger.Logger
	consumerName string
}

// New creates a request engine
func New(store Datastore, cfg *config.Config, log *logger.Logger) *Engine {
	return &Engine{
		store:        store,
		cfg:          cfg,
		log:          log,
		consumerName: fmt.Sprintf("runner_%s", uuid.New().String()[:8]),
	}
}

// Run executes one request to a terminal state. Safe under repeated delivery:
// a terminal request returns immediately and an interrupted one resumes at
// its checkpointed group. A nil return means the request reached a terminal
// state (either one); an error means the invocation should be redelivered.
func (e *Engine) Run(ctx context.Context, inv models.Invocation) error {
	log := e.log.WithRequestID(inv.RequestID)

	stateKey := streams.RequestStateKey(inv.RequestID)
	hash, err := e.store.GetHashFields(ctx, stateKey)
	if err != nil {
		return err
	}
	state := models.RequestStateFromHash(hash)
	if models.IsTerminal(state.Status) {
		log.Info("request already terminal, skipping", "status", state.Status)
		return nil
	}

	rawXML, err := e.loadRequestXML(ctx, inv.XMLKey)
	if err != nil {
		if faults.KindOf(err) == faults.NotFound {
			// Persistent absence is unrecoverable; redelivery would
			// find the same missing key.
			return e.recordFailure(ctx, inv.RequestID, nil, failureDetail{
				Stage: "load_xml",
				Error: err.Error(),
			})
		}
		return err
	}

	project, err := parser.ParseProject(rawXML)
	if err != nil {
		return e.recordFailure(ctx, inv.RequestID, nil, failureDetail{
			Stage: "parse",
			Error: err.Error(),
		})
	}

	groupCount := len(project.Groups)

	// The delivery cursor must exist before any task can report back.
	if err := e.store.EnsureGroup(ctx, streams.UpdatesStream, streams.UpdatesGroup(inv.RequestID), "$"); err != nil {
		return err
	}

	startGroup, priorResults, aggregated, err := e.prepareRun(ctx, inv, state, project, log)
	if err != nil {
		return err
	}

	hydrator := hydration.NewDefaultEngine()

	for g := startGroup; g < groupCount; g++ {
		outcomes, err := e.runGroup(ctx, inv.RequestID, g, project, hydrator, priorResults)
		if err != nil {
			switch faults.KindOf(err) {
			case faults.InvalidInput:
				// Bad references hydrate the same way on every delivery.
				return e.recordFailure(ctx, inv.RequestID, project, failureDetail{
					Stage: "hydration",
					Group: g,
					Error: err.Error(),
				})
			case faults.RetryBudgetExhausted, faults.Timeout:
				return e.recordFailure(ctx, inv.RequestID, project, failureDetail{
					Stage: "group_processing",
					Group: g,
					Error: err.Error(),
				})
			}
			return err
		}

		aggregated[g] = outcomes
		for _, outcome := range outcomes {
			priorResults = append(priorResults, priorResultOf(outcome))
		}
	}

	return e.finish(ctx, inv, project, aggregated)
}

// prepareRun decides where this run starts. A fresh request transitions to
// started; an interrupted one resumes at its checkpointed group with prior
// results rebuilt from the stored task results.
func (e *Engine) prepareRun(ctx context.Context, inv models.Invocation, state models.RequestState, project *parser.Project, log *logger.Logger) (int, []parser.PriorResult, [][]TaskOutcome, error) {
	groupCount := len(project.Groups)
	aggregated := make([][]TaskOutcome, groupCount)

	resumable := state.Exists() &&
		(state.Status == models.StatusStarted || state.Status == models.StatusRunning) &&
		state.CurrentGroup >= 0

	if !resumable {
		fields := map[string]interface{}{
			"status":     models.StatusStarted,
			"groupCount": fmt.Sprintf("%d", groupCount),
		}
		if err := e.store.SetHashFields(ctx, streams.RequestStateKey(inv.RequestID), fields); err != nil {
			return 0, nil, nil, err
		}
		if err := e.publishLifecycle(ctx, inv.RequestID, models.StatusStarted, map[string]string{
			"groupCount": fmt.Sprintf("%d", groupCount),
		}); err != nil {
			return 0, nil, nil, err
		}
		log.Info("request started", "groups", groupCount)
		return 0, nil, aggregated, nil
	}

	// Resume: rebuild prior results from completed groups. A group whose
	// results are incomplete is re-run from scratch.
	startGroup := state.CurrentGroup
	if startGroup > groupCount {
		startGroup = groupCount
	}

	var priorResults []parser.PriorResult
rebuild:
	for g := 0; g < startGroup; g++ {
		outcomes := make([]TaskOutcome, 0, len(project.Groups[g].Valuations))
		for _, valuation := range project.Groups[g].Valuations {
			resultKey := streams.TaskResultKey(inv.RequestID, g, valuation.TaskID)
			result, err := e.store.GetValue(ctx, resultKey)
			if err != nil {
				if faults.KindOf(err) == faults.NotFound {
					startGroup = g
					break rebuild
				}
				return 0, nil, nil, err
			}
			outcomes = append(outcomes, TaskOutcome{
				TaskID:    valuation.TaskID,
				ResultKey: resultKey,
				Result:    result,
			})
		}
		aggregated[g] = outcomes
		for _, outcome := range outcomes {
			priorResults = append(priorResults, priorResultOf(outcome))
		}
	}

	log.Info("resuming request", "checkpoint_group", state.CurrentGroup, "start_group", startGroup)
	return startGroup, priorResults, aggregated, nil
}

// runGroup hydrates, dispatches and awaits one group
func (e *Engine) runGroup(ctx context.Context, requestID string, groupIdx int, project *parser.Project, hydrator *hydration.Engine, priorResults []parser.PriorResult) ([]TaskOutcome, error) {
	log := e.log.WithRequestID(requestID)
	group := project.Groups[groupIdx]

	descriptors, err := e.buildDescriptors(ctx, requestID, groupIdx, group, project, hydrator, priorResults)
	if err != nil {
		return nil, err
	}

	groupState := models.GroupState{
		Expected: len(descriptors),
		Status:   models.StatusRunning,
	}
	if err := e.store.SetHashFields(ctx, streams.GroupStateKey(requestID, groupIdx), groupState.Fields()); err != nil {
		return nil, err
	}

	if err := e.store.SetHashFields(ctx, streams.RequestStateKey(requestID), map[string]interface{}{
		"currentGroup": fmt.Sprintf("%d", groupIdx),
		"status":       models.StatusRunning,
	}); err != nil {
		return nil, err
	}
	if err := e.publishLifecycle(ctx, requestID, models.StatusGroupStarted, map[string]string{
		"group": fmt.Sprintf("%d", groupIdx),
	}); err != nil {
		return nil, err
	}

	for _, descriptor := range descriptors {
		if err := e.dispatch(ctx, requestID, groupIdx, descriptor, 1); err != nil {
			return nil, err
		}
	}
	log.Info("group dispatched", "group", groupIdx, "tasks", len(descriptors))

	outcomes, err := e.awaitGroupCompletion(ctx, requestID, groupIdx, descriptors)
	if err != nil {
		return nil, err
	}

	if err := e.store.SetHashFields(ctx, streams.GroupStateKey(requestID, groupIdx), map[string]interface{}{
		"status": models.StatusCompleted,
	}); err != nil {
		return nil, err
	}
	if err := e.publishLifecycle(ctx, requestID, models.StatusGroupCompleted, map[string]string{
		"group": fmt.Sprintf("%d", groupIdx),
	}); err != nil {
		return nil, err
	}

	log.Info("group completed", "group", groupIdx, "tasks", len(outcomes))
	return outcomes, nil
}

// buildDescriptors hydrates every valuation in a group and writes the task
// payloads. A custom function that duplicates a valuation yields one task per
// clone, suffixed to keep task IDs unique.
func (e *Engine) buildDescriptors(ctx context.Context, requestID string, groupIdx int, group parser.Group, project *parser.Project, hydrator *hydration.Engine, priorResults []parser.PriorResult) ([]taskDescriptor, error) {
	var descriptors []taskDescriptor

	for _, valuation := range group.Valuations {
		items, err := hydrator.HydrateElement(valuation.Element, project.Root, nil)
		if err != nil {
			return nil, faults.Wrap(faults.InvalidInput, err, "hydration failed for task "+valuation.TaskID)
		}

		for i, item := range items {
			taskID := valuation.TaskID
			if len(items) > 1 {
				taskID = fmt.Sprintf("%s-%d", valuation.TaskID, i+1)
			}

			taskXML := parser.ComposeTaskXML(project.Metadata, item.Element, priorResults)
			payloadKey := streams.TaskXMLKey(requestID, groupIdx, taskID)

			if err := e.store.SetValue(ctx, payloadKey, taskXML, e.cfg.Pipeline.RequestTTL); err != nil {
				return nil, err
			}

			descriptors = append(descriptors, taskDescriptor{
				taskID:        taskID,
				valuationName: valuation.Name,
				groupName:     group.Name,
				payloadKey:    payloadKey,
				resultKey:     streams.TaskResultKey(requestID, groupIdx, taskID),
			})
		}
	}

	return descriptors, nil
}

// dispatch emits one task attempt
func (e *Engine) dispatch(ctx context.Context, requestID string, groupIdx int, descriptor taskDescriptor, attempt int) error {
	record := models.TaskDispatch{
		RequestID:     requestID,
		GroupIdx:      groupIdx,
		GroupName:     descriptor.groupName,
		TaskID:        descriptor.taskID,
		ValuationName: descriptor.valuationName,
		PayloadKey:    descriptor.payloadKey,
		ResultKey:     descriptor.resultKey,
		Attempt:       attempt,
	}
	_, err := e.store.AddToStream(ctx, streams.DispatchStream, record.Values())
	return err
}

// finish assembles and persists the response, transitions the request to
// succeeded, and caps every key's lifetime.
func (e *Engine) finish(ctx context.Context, inv models.Invocation, project *parser.Project, aggregated [][]TaskOutcome) error {
	log := e.log.WithRequestID(inv.RequestID)

	responseXML := BuildResponseXML(inv.RequestID, aggregated)
	responseKey := inv.ResponseKey
	if responseKey == "" {
		responseKey = streams.ResponseKey(inv.RequestID)
	}

	if err := e.store.SetValue(ctx, responseKey, responseXML, e.cfg.Pipeline.RequestTTL); err != nil {
		return err
	}

	if err := e.store.SetHashFields(ctx, streams.RequestStateKey(inv.RequestID), map[string]interface{}{
		"status":      models.StatusSucceeded,
		"responseKey": responseKey,
		"completedAt": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}

	if err := e.publishLifecycle(ctx, inv.RequestID, models.StatusSucceeded, map[string]string{
		"responseKey": responseKey,
	}); err != nil {
		return err
	}

	if err := e.expireRequestKeys(ctx, inv.RequestID, project); err != nil {
		log.Warn("failed to apply TTL to request keys", "error", err)
	}

	log.Info("request succeeded", "groups", len(project.Groups))
	return nil
}

// failureDetail is persisted at the request's failure key
type failureDetail struct {
	Stage string `json:"stage"`
	Group int    `json:"group,omitempty"`
	Error string `json:"error"`
}

// recordFailure transitions the request to failed and persists best-effort
// failure detail. Returns nil: a recorded failure is a handled terminal
// state, not a reason to redeliver the invocation.
func (e *Engine) recordFailure(ctx context.Context, requestID string, project *parser.Project, detail failureDetail) error {
	log := e.log.WithRequestID(requestID)

	encoded, err := json.Marshal(detail)
	if err == nil {
		if err := e.store.SetValue(ctx, streams.FailureKey(requestID), string(encoded), e.cfg.Pipeline.RequestTTL); err != nil {
			log.Warn("unable to persist failure detail", "error", err)
		}
	}

	if err := e.store.SetHashFields(ctx, streams.RequestStateKey(requestID), map[string]interface{}{
		"status":      models.StatusFailed,
		"completedAt": time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		return err
	}

	if err := e.publishLifecycle(ctx, requestID, models.StatusFailed, map[string]string{
		"detail": string(encoded),
	}); err != nil {
		return err
	}

	if project != nil {
		if err := e.expireRequestKeys(ctx, requestID, project); err != nil {
			log.Warn("failed to apply TTL to request keys", "error", err)
		}
	}

	log.Error("request failed", "stage", detail.Stage, "group", detail.Group, "detail", detail.Error)
	return nil
}

func (e *Engine) publishLifecycle(ctx context.Context, requestID, status string, extra map[string]string) error {
	event := models.NewLifecycleEvent(requestID, status, extra)
	_, err := e.store.AddToStream(ctx, streams.LifecycleStream, event.Values())
	return err
}

// loadRequestXML reads the request payload, tolerating brief replica lag
func (e *Engine) loadRequestXML(ctx context.Context, xmlKey string) (string, error) {
	var lastErr error
	for i := 0; i < 3; i++ {
		raw, err := e.store.GetValue(ctx, xmlKey)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if faults.KindOf(err) != faults.NotFound {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", faults.Wrap(faults.DatastoreUnavailable, ctx.Err(), "request XML load cancelled")
		case <-time.After(200 * time.Millisecond):
		}
	}
	return "", lastErr
}

// expireRequestKeys applies the request TTL to every cache and state key the
// request produced.
func (e *Engine) expireRequestKeys(ctx context.Context, requestID string, project *parser.Project) error {
	keys := []string{
		streams.RequestXMLKey(requestID),
		streams.ResponseKey(requestID),
		streams.MetadataKey(requestID),
		streams.FailureKey(requestID),
		streams.RequestStateKey(requestID),
	}

	for g, group := range project.Groups {
		keys = append(keys, streams.GroupStateKey(requestID, g))
		for _, valuation := range group.Valuations {
			keys = append(keys,
				streams.TaskXMLKey(requestID, g, valuation.TaskID),
				streams.TaskResultKey(requestID, g, valuation.TaskID),
				streams.TaskResultAttemptKey(requestID, g, valuation.TaskID),
			)
		}
	}

	return e.store.ExpireKeys(ctx, e.cfg.Pipeline.RequestTTL, keys...)
}

func priorResultOf(outcome TaskOutcome) parser.PriorResult {
	payload, err := json.Marshal(map[string]string{
		"taskId":    outcome.TaskID,
		"resultKey": outcome.ResultKey,
		"result":    outcome.Result,
	})
	if err != nil {
		payload = []byte("{}")
	}
	return parser.PriorResult{TaskID: outcome.TaskID, Payload: string(payload)}
}
