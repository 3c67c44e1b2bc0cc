package models

import (
	"strconv"
	"time"

	"github.com/vnml/orchestrator/common/faults"
)

// Lifecycle and task statuses. Everything on the wire is stringly typed; the
// codec in this package is the single place numbers are parsed.
const (
	StatusAccepted       = "accepted"
	StatusPending        = "pending"
	StatusReceived       = "received"
	StatusStarted        = "started"
	StatusRunning        = "running"
	StatusGroupStarted   = "group_started"
	StatusGroupCompleted = "group_completed"
	StatusSucceeded      = "succeeded"
	StatusCompleted      = "completed"
	StatusFailed         = "failed"
)

// IsTerminal reports whether a request-level status admits no further
// transitions. "completed" is accepted as a legacy synonym of "succeeded".
func IsTerminal(status string) bool {
	return status == StatusSucceeded || status == StatusCompleted || status == StatusFailed
}

// IsTerminalSuccess reports terminal success, accepting the legacy synonym.
func IsTerminalSuccess(status string) bool {
	return status == StatusSucceeded || status == StatusCompleted
}

// RequestEnvelope is the handoff record from the HTTP front edge to the
// background pipeline, carried on the ingest stream.
type RequestEnvelope struct {
	RequestID   string
	XMLKey      string
	ResponseKey string
	MetadataKey string
	GroupCount  int
	SubmittedAt string
}

func (e RequestEnvelope) Values() map[string]interface{} {
	values := map[string]interface{}{
		"requestId":   e.RequestID,
		"xmlKey":      e.XMLKey,
		"responseKey": e.ResponseKey,
		"submittedAt": e.SubmittedAt,
	}
	if e.MetadataKey != "" {
		values["metadataKey"] = e.MetadataKey
	}
	if e.GroupCount > 0 {
		values["groupCount"] = strconv.Itoa(e.GroupCount)
	}
	return values
}

func EnvelopeFromValues(values map[string]interface{}) (RequestEnvelope, error) {
	env := RequestEnvelope{
		RequestID:   stringValue(values, "requestId"),
		XMLKey:      stringValue(values, "xmlKey"),
		ResponseKey: stringValue(values, "responseKey"),
		MetadataKey: stringValue(values, "metadataKey"),
		GroupCount:  intValue(values, "groupCount"),
		SubmittedAt: stringValue(values, "submittedAt"),
	}
	if env.RequestID == "" || env.XMLKey == "" {
		return env, faults.New(faults.InvalidInput, "envelope missing requestId or xmlKey")
	}
	return env, nil
}

// Invocation is the fire-and-forget record the front emits to launch one
// request orchestrator run.
type Invocation struct {
	RequestID      string
	XMLKey         string
	ResponseKey    string
	MetadataKey    string
	GroupCount     int
	ExecutionToken string
}

func (i Invocation) Values() map[string]interface{} {
	values := map[string]interface{}{
		"requestId":      i.RequestID,
		"xmlKey":         i.XMLKey,
		"responseKey":    i.ResponseKey,
		"executionToken": i.ExecutionToken,
	}
	if i.MetadataKey != "" {
		values["metadataKey"] = i.MetadataKey
	}
	if i.GroupCount > 0 {
		values["groupCount"] = strconv.Itoa(i.GroupCount)
	}
	return values
}

func InvocationFromValues(values map[string]interface{}) (Invocation, error) {
	inv := Invocation{
		RequestID:      stringValue(values, "requestId"),
		XMLKey:         stringValue(values, "xmlKey"),
		ResponseKey:    stringValue(values, "responseKey"),
		MetadataKey:    stringValue(values, "metadataKey"),
		GroupCount:     intValue(values, "groupCount"),
		ExecutionToken: stringValue(values, "executionToken"),
	}
	if inv.RequestID == "" || inv.XMLKey == "" {
		return inv, faults.New(faults.InvalidInput, "invocation missing requestId or xmlKey")
	}
	return inv, nil
}

// LifecycleEvent is a status-transition record broadcast on the shared
// lifecycle stream. Readers filter by requestId from the tail.
type LifecycleEvent struct {
	RequestID string
	Status    string
	At        string
	Extra     map[string]string
}

func NewLifecycleEvent(requestID, status string, extra map[string]string) LifecycleEvent {
	return LifecycleEvent{
		RequestID: requestID,
		Status:    status,
		At:        time.Now().UTC().Format(time.RFC3339),
		Extra:     extra,
	}
}

func (e LifecycleEvent) Values() map[string]interface{} {
	values := map[string]interface{}{
		"requestId": e.RequestID,
		"status":    e.Status,
		"at":        e.At,
	}
	for k, v := range e.Extra {
		values[k] = v
	}
	return values
}

func LifecycleFromValues(values map[string]interface{}) LifecycleEvent {
	event := LifecycleEvent{
		RequestID: stringValue(values, "requestId"),
		Status:    stringValue(values, "status"),
		At:        stringValue(values, "at"),
	}
	for k := range values {
		switch k {
		case "requestId", "status", "at":
		default:
			if event.Extra == nil {
				event.Extra = make(map[string]string)
			}
			event.Extra[k] = stringValue(values, k)
		}
	}
	return event
}

// TaskDispatch instructs a worker to run one task attempt.
type TaskDispatch struct {
	RequestID     string
	GroupIdx      int
	GroupName     string
	TaskID        string
	ValuationName string
	PayloadKey    string
	ResultKey     string
	Attempt       int
}

func (d TaskDispatch) Values() map[string]interface{} {
	return map[string]interface{}{
		"requestId":     d.RequestID,
		"groupIdx":      strconv.Itoa(d.GroupIdx),
		"groupName":     d.GroupName,
		"taskId":        d.TaskID,
		"valuationName": d.ValuationName,
		"payloadKey":    d.PayloadKey,
		"resultKey":     d.ResultKey,
		"attempt":       strconv.Itoa(d.Attempt),
	}
}

func DispatchFromValues(values map[string]interface{}) (TaskDispatch, error) {
	dispatch := TaskDispatch{
		RequestID:     stringValue(values, "requestId"),
		GroupIdx:      intValue(values, "groupIdx"),
		GroupName:     stringValue(values, "groupName"),
		TaskID:        stringValue(values, "taskId"),
		ValuationName: stringValue(values, "valuationName"),
		PayloadKey:    stringValue(values, "payloadKey"),
		ResultKey:     stringValue(values, "resultKey"),
		Attempt:       intValue(values, "attempt"),
	}
	if dispatch.RequestID == "" || dispatch.TaskID == "" || dispatch.PayloadKey == "" {
		return dispatch, faults.New(faults.InvalidInput, "dispatch missing required fields")
	}
	if dispatch.Attempt < 1 {
		dispatch.Attempt = 1
	}
	if dispatch.ValuationName == "" {
		dispatch.ValuationName = dispatch.TaskID
	}
	return dispatch, nil
}

// TaskUpdate reports the outcome of one task attempt.
type TaskUpdate struct {
	RequestID  string
	GroupIdx   int
	TaskID     string
	Status     string
	ResultKey  string
	Error      string
	Attempt    int
	DurationMs int64
}

func (u TaskUpdate) Values() map[string]interface{} {
	values := map[string]interface{}{
		"requestId": u.RequestID,
		"groupIdx":  strconv.Itoa(u.GroupIdx),
		"taskId":    u.TaskID,
		"status":    u.Status,
		"attempt":   strconv.Itoa(u.Attempt),
	}
	if u.ResultKey != "" {
		values["resultKey"] = u.ResultKey
	}
	if u.Error != "" {
		values["error"] = u.Error
	}
	if u.DurationMs > 0 {
		values["durationMs"] = strconv.FormatInt(u.DurationMs, 10)
	}
	return values
}

func UpdateFromValues(values map[string]interface{}) (TaskUpdate, error) {
	update := TaskUpdate{
		RequestID:  stringValue(values, "requestId"),
		GroupIdx:   intValue(values, "groupIdx"),
		TaskID:     stringValue(values, "taskId"),
		Status:     stringValue(values, "status"),
		ResultKey:  stringValue(values, "resultKey"),
		Error:      stringValue(values, "error"),
		Attempt:    intValue(values, "attempt"),
		DurationMs: int64(intValue(values, "durationMs")),
	}
	if update.RequestID == "" || update.TaskID == "" || update.Status == "" {
		return update, faults.New(faults.InvalidInput, "task update missing required fields")
	}
	if update.Attempt < 1 {
		update.Attempt = 1
	}
	return update, nil
}

func stringValue(values map[string]interface{}, key string) string {
	if raw, ok := values[key]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return ""
}

func intValue(values map[string]interface{}, key string) int {
	raw := stringValue(values, key)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
