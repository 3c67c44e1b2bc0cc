// Package streams defines the stream names, consumer groups and key layout
// shared by the front, orchestrator, task-worker and archiver services.
package streams

import "fmt"

// Stream names. All services address the same Redis instance, so these are
// the full coordination surface between them.
const (
	IngestStream    = "stream:request:ingest"
	LifecycleStream = "stream:request:lifecycle"
	InvokeStream    = "stream:request:invoke"
	DispatchStream  = "stream:task:dispatch"
	UpdatesStream   = "stream:task:updates"
)

// Shared consumer groups.
const (
	IngressGroup  = "ingress-routers"
	RunnerGroup   = "request-runners"
	WorkerGroup   = "task-workers"
	ArchiverGroup = "request-archivers"
)

// UpdatesGroup names the per-request consumer group on the task-updates
// stream. Each request orchestrator owns exactly one, created at '$'.
func UpdatesGroup(requestID string) string {
	return "req::" + requestID
}

// Cache keys. All are TTL-capped on terminal transition.

func RequestXMLKey(requestID string) string {
	return fmt.Sprintf("cache:request:%s:xml", requestID)
}

func ResponseKey(requestID string) string {
	return fmt.Sprintf("cache:request:%s:response", requestID)
}

func MetadataKey(requestID string) string {
	return fmt.Sprintf("cache:request:%s:metadata", requestID)
}

func FailureKey(requestID string) string {
	return fmt.Sprintf("cache:request:%s:failure", requestID)
}

func TaskXMLKey(requestID string, groupIdx int, taskID string) string {
	return fmt.Sprintf("cache:task:%s:%d:%s:xml", requestID, groupIdx, taskID)
}

func TaskResultKey(requestID string, groupIdx int, taskID string) string {
	return fmt.Sprintf("cache:task:%s:%d:%s:result", requestID, groupIdx, taskID)
}

// TaskResultAttemptKey marks the attempt that produced the stored result,
// guarding completed results against overwrites from stale retries.
func TaskResultAttemptKey(requestID string, groupIdx int, taskID string) string {
	return TaskResultKey(requestID, groupIdx, taskID) + ":attempt"
}

// State keys.

func RequestStateKey(requestID string) string {
	return fmt.Sprintf("state:request:%s", requestID)
}

func GroupStateKey(requestID string, groupIdx int) string {
	return fmt.Sprintf("state:request:%s:group:%d", requestID, groupIdx)
}

// IdempotencyKey maps a submitter-provided key to the request it produced.
func IdempotencyKey(key string) string {
	return "idempotency:" + key
}
