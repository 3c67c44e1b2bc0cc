package service

import (
	"context"

	"github.com/vnml/orchestrator/common/faults"
	"github.com/vnml/orchestrator/common/logger"
	"github.com/vnml/orchestrator/common/models"
	"github.com/vnml/orchestrator/common/streams"
)

// QueryStore is the read-only slice of the datastore the query path needs.
type QueryStore interface {
	GetValue(ctx context.Context, key string) (string, error)
	GetHashFields(ctx context.Context, key string) (map[string]string, error)
}

// StatusView is the normalized status response. Counters are numeric here
// even though the store keeps them stringly typed.
type StatusView struct {
	RequestID    string `json:"requestId"`
	Status       string `json:"status"`
	CurrentGroup int    `json:"currentGroup"`
	GroupCount   int    `json:"groupCount"`
	RetryCount   int    `json:"retryCount"`
	ReceivedAt   string `json:"receivedAt,omitempty"`
	CompletedAt  string `json:"completedAt,omitempty"`
}

// FailureSummary is what a failed request exposes to the caller
type FailureSummary struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
}

// QueryService answers status and result lookups from the state hashes and
// the response cache.
type QueryService struct {
	store QueryStore
	log   *logger.Logger
}

// NewQueryService creates a new query service
func NewQueryService(store QueryStore, log *logger.Logger) *QueryService {
	return &QueryService{
		store: store,
		log:   log,
	}
}

// Status reads the request-state hash
func (s *QueryService) Status(ctx context.Context, requestID string) (StatusView, error) {
	hash, err := s.store.GetHashFields(ctx, streams.RequestStateKey(requestID))
	if err != nil {
		return StatusView{}, err
	}

	state := models.RequestStateFromHash(hash)
	if !state.Exists() {
		return StatusView{}, faults.Errorf(faults.NotFound, "unknown request: %s", requestID)
	}

	return StatusView{
		RequestID:    requestID,
		Status:       state.Status,
		CurrentGroup: state.CurrentGroup,
		GroupCount:   state.GroupCount,
		RetryCount:   state.RetryCount,
		ReceivedAt:   state.ReceivedAt,
		CompletedAt:  state.CompletedAt,
	}, nil
}

// Results returns the response XML for a finished request. The error kind
// distinguishes unknown, expired, still-running and failed requests; the
// handler maps those onto 404, 410 and 422.
func (s *QueryService) Results(ctx context.Context, requestID string) (string, error) {
	response, err := s.store.GetValue(ctx, streams.ResponseKey(requestID))
	if err == nil {
		return response, nil
	}
	if faults.KindOf(err) != faults.NotFound {
		return "", err
	}

	// No response payload. The state hash decides what that means.
	hash, err := s.store.GetHashFields(ctx, streams.RequestStateKey(requestID))
	if err != nil {
		return "", err
	}

	state := models.RequestStateFromHash(hash)
	switch {
	case !state.Exists():
		return "", faults.Errorf(faults.NotFound, "unknown request: %s", requestID)
	case state.Status == models.StatusFailed:
		detail := s.failureDetail(ctx, requestID)
		if detail != "" {
			return "", faults.Errorf(faults.TaskFailure, "%s", detail)
		}
		return "", faults.Errorf(faults.TaskFailure, "request %s failed", requestID)
	case models.IsTerminalSuccess(state.Status):
		// Terminal success but the response key is gone: TTL expired
		// underneath a still-live state hash.
		return "", faults.Errorf(faults.Gone, "results for request %s have expired", requestID)
	default:
		return "", faults.Errorf(faults.NotReady, "request %s is still %s", requestID, state.Status)
	}
}

// Failure returns the failure summary for a failed request
func (s *QueryService) Failure(ctx context.Context, requestID string) FailureSummary {
	return FailureSummary{
		RequestID: requestID,
		Status:    models.StatusFailed,
		Detail:    s.failureDetail(ctx, requestID),
	}
}

func (s *QueryService) failureDetail(ctx context.Context, requestID string) string {
	detail, err := s.store.GetValue(ctx, streams.FailureKey(requestID))
	if err != nil {
		return ""
	}
	return detail
}
