package models

import "strconv"

// RequestState mirrors the state:request:<id> hash. The front creates it when
// it claims the ingress envelope; the request orchestrator owns every later
// write.
type RequestState struct {
	Status       string
	XMLKey       string
	ResponseKey  string
	MetadataKey  string
	GroupCount   int
	CurrentGroup int
	RetryCount   int
	ReceivedAt   string
	SubmittedAt  string
	CompletedAt  string
}

// Exists reports whether the hash was present in the store. An empty HGETALL
// result decodes to a zero state with no status.
func (s RequestState) Exists() bool {
	return s.Status != ""
}

func (s RequestState) Fields() map[string]interface{} {
	fields := map[string]interface{}{
		"status":       s.Status,
		"xmlKey":       s.XMLKey,
		"responseKey":  s.ResponseKey,
		"groupCount":   strconv.Itoa(s.GroupCount),
		"currentGroup": strconv.Itoa(s.CurrentGroup),
		"retryCount":   strconv.Itoa(s.RetryCount),
		"receivedAt":   s.ReceivedAt,
		"submittedAt":  s.SubmittedAt,
	}
	if s.MetadataKey != "" {
		fields["metadataKey"] = s.MetadataKey
	}
	if s.CompletedAt != "" {
		fields["completedAt"] = s.CompletedAt
	}
	return fields
}

func RequestStateFromHash(hash map[string]string) RequestState {
	return RequestState{
		Status:       hash["status"],
		XMLKey:       hash["xmlKey"],
		ResponseKey:  hash["responseKey"],
		MetadataKey:  hash["metadataKey"],
		GroupCount:   hashInt(hash, "groupCount"),
		CurrentGroup: hashInt(hash, "currentGroup"),
		RetryCount:   hashInt(hash, "retryCount"),
		ReceivedAt:   hash["receivedAt"],
		SubmittedAt:  hash["submittedAt"],
		CompletedAt:  hash["completedAt"],
	}
}

// GroupState mirrors the state:request:<id>:group:<g> hash. Written only by
// the orchestrator that owns the request.
type GroupState struct {
	Expected  int
	Completed int
	Failed    int
	Status    string
}

func (s GroupState) Fields() map[string]interface{} {
	return map[string]interface{}{
		"expected":  strconv.Itoa(s.Expected),
		"completed": strconv.Itoa(s.Completed),
		"failed":    strconv.Itoa(s.Failed),
		"status":    s.Status,
	}
}

func GroupStateFromHash(hash map[string]string) GroupState {
	return GroupState{
		Expected:  hashInt(hash, "expected"),
		Completed: hashInt(hash, "completed"),
		Failed:    hashInt(hash, "failed"),
		Status:    hash["status"],
	}
}

func hashInt(hash map[string]string, key string) int {
	raw, ok := hash[key]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}
