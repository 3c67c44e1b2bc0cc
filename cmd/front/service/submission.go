package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"

	"github.com/vnml/orchestrator/common/config"
	"github.com/vnml/orchestrator/common/faults"
	"github.com/vnml/orchestrator/common/logger"
	"github.com/vnml/orchestrator/common/models"
	"github.com/vnml/orchestrator/common/streams"
)

// Datastore is the slice of the datastore client the submission path needs.
type Datastore interface {
	SetValue(ctx context.Context, key, value string, expiry time.Duration) error
	KeyExists(ctx context.Context, key string) (bool, error)
	SetIfAbsent(ctx context.Context, key, value string, expiry time.Duration) (bool, error)
	GetValue(ctx context.Context, key string) (string, error)
	DeleteKeys(ctx context.Context, keys ...string) error
	SetHashFields(ctx context.Context, key string, fields map[string]interface{}) error
	AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error)
}

// Accepted is the outcome of one submission
type Accepted struct {
	RequestID string
	Reused    bool
}

// SubmissionService owns the accept path: persist the payload, claim the
// idempotency key, and hand the envelope to the background pipeline.
type SubmissionService struct {
	store Datastore
	cfg   *config.Config
	log   *logger.Logger
}

// NewSubmissionService creates a new submission service
func NewSubmissionService(store Datastore, cfg *config.Config, log *logger.Logger) *SubmissionService {
	return &SubmissionService{
		store: store,
		cfg:   cfg,
		log:   log,
	}
}

// Accept runs the submission state machine for one payload. The envelope is
// published only after the payload key is confirmed observable, so a consumer
// that claims the envelope can always load the XML.
func (s *SubmissionService) Accept(ctx context.Context, payload []byte, metadata map[string]string, idempotencyKey string) (Accepted, error) {
	if err := validateXML(payload); err != nil {
		return Accepted{}, err
	}

	requestID := uuid.New().String()
	xmlKey := streams.RequestXMLKey(requestID)
	responseKey := streams.ResponseKey(requestID)

	log := s.log.WithRequestID(requestID)

	if err := s.store.SetValue(ctx, xmlKey, string(payload), s.cfg.Pipeline.RequestTTL); err != nil {
		return Accepted{}, err
	}

	// The store may be a primary-replica setup where the envelope outruns
	// the payload write. Confirm the key is observable before publishing.
	if err := s.confirmVisible(ctx, xmlKey); err != nil {
		log.Error("payload not visible after write", "error", err)
		return Accepted{}, err
	}

	if idempotencyKey != "" {
		prior, err := s.claimIdempotencyKey(ctx, idempotencyKey, requestID, payload)
		if err != nil {
			s.store.DeleteKeys(ctx, xmlKey)
			return Accepted{}, err
		}
		if prior != "" {
			// Another submission already owns this key. Drop our copy
			// and do not re-enqueue.
			s.store.DeleteKeys(ctx, xmlKey)
			log.Info("idempotency key reused", "prior_request_id", prior)
			return Accepted{RequestID: prior, Reused: true}, nil
		}
	}

	if len(metadata) > 0 {
		fields := make(map[string]interface{}, len(metadata))
		for k, v := range metadata {
			fields[k] = v
		}
		if err := s.store.SetHashFields(ctx, streams.MetadataKey(requestID), fields); err != nil {
			return Accepted{}, err
		}
	}

	envelope := models.RequestEnvelope{
		RequestID:   requestID,
		XMLKey:      xmlKey,
		ResponseKey: responseKey,
		SubmittedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if len(metadata) > 0 {
		envelope.MetadataKey = streams.MetadataKey(requestID)
	}

	if _, err := s.store.AddToStream(ctx, streams.IngestStream, envelope.Values()); err != nil {
		return Accepted{}, err
	}

	log.Info("submission accepted", "payload_bytes", len(payload), "idempotency_key", idempotencyKey != "")
	return Accepted{RequestID: requestID}, nil
}

// confirmVisible polls the payload key until it is observable
func (s *SubmissionService) confirmVisible(ctx context.Context, key string) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		exists, err := s.store.KeyExists(ctx, key)
		if err == nil && exists {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return faults.Wrap(faults.DatastoreUnavailable, ctx.Err(), "visibility check cancelled")
		case <-time.After(50 * time.Millisecond):
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return faults.Errorf(faults.DatastoreUnavailable, "payload not visible: %s", key)
}

// claimIdempotencyKey maps the submitter key to this request. The stored value
// carries the payload digest so a replay with a different body is rejected
// instead of silently returning someone else's request.
func (s *SubmissionService) claimIdempotencyKey(ctx context.Context, key, requestID string, payload []byte) (string, error) {
	digest := payloadDigest(payload)
	value := requestID + ":" + digest

	wasSet, err := s.store.SetIfAbsent(ctx, streams.IdempotencyKey(key), value, s.cfg.Pipeline.RequestTTL)
	if err != nil {
		return "", err
	}
	if wasSet {
		return "", nil
	}

	existing, err := s.store.GetValue(ctx, streams.IdempotencyKey(key))
	if err != nil {
		return "", err
	}

	priorID, priorDigest, ok := strings.Cut(existing, ":")
	if !ok {
		return "", faults.Errorf(faults.Internal, "malformed idempotency record for key %s", key)
	}
	if priorDigest != digest {
		return "", faults.Errorf(faults.IdempotencyConflict, "idempotency key %s already used with a different payload", key)
	}
	return priorID, nil
}

func payloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// validateXML rejects payloads that are not well-formed XML
func validateXML(payload []byte) error {
	if len(payload) == 0 {
		return faults.New(faults.InvalidInput, "empty payload")
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(payload); err != nil {
		return faults.Wrap(faults.InvalidInput, err, "malformed XML")
	}
	if doc.Root() == nil {
		return faults.New(faults.InvalidInput, "XML has no root element")
	}
	return nil
}
