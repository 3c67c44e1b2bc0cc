package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnml/orchestrator/common/config"
	"github.com/vnml/orchestrator/common/faults"
	"github.com/vnml/orchestrator/common/logger"
	"github.com/vnml/orchestrator/common/streams"
)

type streamAdd struct {
	stream string
	values map[string]interface{}
}

// fakeStore is an in-memory stand-in for the datastore client
type fakeStore struct {
	values     map[string]string
	hashes     map[string]map[string]string
	streamAdds []streamAdd
	deleted    []string
	invisible  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		values: make(map[string]string),
		hashes: make(map[string]map[string]string),
	}
}

func (f *fakeStore) SetValue(_ context.Context, key, value string, _ time.Duration) error {
	f.values[key] = value
	return nil
}

func (f *fakeStore) KeyExists(_ context.Context, key string) (bool, error) {
	if f.invisible {
		return false, nil
	}
	_, ok := f.values[key]
	return ok, nil
}

func (f *fakeStore) SetIfAbsent(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	if _, ok := f.values[key]; ok {
		return false, nil
	}
	f.values[key] = value
	return true, nil
}

func (f *fakeStore) GetValue(_ context.Context, key string) (string, error) {
	value, ok := f.values[key]
	if !ok {
		return "", faults.Errorf(faults.NotFound, "key not found: %s", key)
	}
	return value, nil
}

func (f *fakeStore) DeleteKeys(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.values, key)
		f.deleted = append(f.deleted, key)
	}
	return nil
}

func (f *fakeStore) SetHashFields(_ context.Context, key string, fields map[string]interface{}) error {
	hash, ok := f.hashes[key]
	if !ok {
		hash = make(map[string]string)
		f.hashes[key] = hash
	}
	for k, v := range fields {
		hash[k] = v.(string)
	}
	return nil
}

func (f *fakeStore) GetHashFields(_ context.Context, key string) (map[string]string, error) {
	hash, ok := f.hashes[key]
	if !ok {
		return map[string]string{}, nil
	}
	return hash, nil
}

func (f *fakeStore) AddToStream(_ context.Context, stream string, values map[string]interface{}) (string, error) {
	f.streamAdds = append(f.streamAdds, streamAdd{stream: stream, values: values})
	return "1-0", nil
}

func newSubmissionService(store *fakeStore) *SubmissionService {
	cfg, _ := config.Load("front")
	return NewSubmissionService(store, cfg, logger.New("error", "json"))
}

func TestAcceptStoresPayloadAndPublishesEnvelope(t *testing.T) {
	store := newFakeStore()
	svc := newSubmissionService(store)

	payload := []byte(`<request><project><group><valuation name="a"/></group></project></request>`)
	accepted, err := svc.Accept(context.Background(), payload, map[string]string{"X-Caller": "desk-7"}, "")
	require.NoError(t, err)
	require.NotEmpty(t, accepted.RequestID)
	assert.False(t, accepted.Reused)

	assert.Equal(t, string(payload), store.values[streams.RequestXMLKey(accepted.RequestID)])
	assert.Equal(t, "desk-7", store.hashes[streams.MetadataKey(accepted.RequestID)]["X-Caller"])

	require.Len(t, store.streamAdds, 1)
	add := store.streamAdds[0]
	assert.Equal(t, streams.IngestStream, add.stream)
	assert.Equal(t, accepted.RequestID, add.values["requestId"])
	assert.Equal(t, streams.RequestXMLKey(accepted.RequestID), add.values["xmlKey"])
	assert.Equal(t, streams.MetadataKey(accepted.RequestID), add.values["metadataKey"])
}

func TestAcceptRejectsMalformedXML(t *testing.T) {
	store := newFakeStore()
	svc := newSubmissionService(store)

	for _, payload := range []string{"", "not xml <", "   "} {
		_, err := svc.Accept(context.Background(), []byte(payload), nil, "")
		assert.Equal(t, faults.InvalidInput, faults.KindOf(err), payload)
	}
	assert.Empty(t, store.streamAdds)
}

func TestAcceptReusesIdempotentSubmission(t *testing.T) {
	store := newFakeStore()
	svc := newSubmissionService(store)

	payload := []byte(`<request><project/></request>`)
	digest := sha256.Sum256(payload)
	store.values[streams.IdempotencyKey("key-1")] = "prior-req:" + hex.EncodeToString(digest[:])

	accepted, err := svc.Accept(context.Background(), payload, nil, "key-1")
	require.NoError(t, err)
	assert.True(t, accepted.Reused)
	assert.Equal(t, "prior-req", accepted.RequestID)

	// The duplicate payload copy is dropped and nothing is enqueued.
	assert.Empty(t, store.streamAdds)
	require.NotEmpty(t, store.deleted)
	assert.True(t, strings.HasSuffix(store.deleted[0], ":xml"))
}

func TestAcceptRejectsIdempotencyKeyWithDifferentPayload(t *testing.T) {
	store := newFakeStore()
	svc := newSubmissionService(store)

	other := sha256.Sum256([]byte("<other/>"))
	store.values[streams.IdempotencyKey("key-1")] = "prior-req:" + hex.EncodeToString(other[:])

	_, err := svc.Accept(context.Background(), []byte(`<request><project/></request>`), nil, "key-1")
	assert.Equal(t, faults.IdempotencyConflict, faults.KindOf(err))
	assert.Empty(t, store.streamAdds)
}

func TestAcceptFailsWhenPayloadNotVisible(t *testing.T) {
	store := newFakeStore()
	store.invisible = true
	svc := newSubmissionService(store)

	_, err := svc.Accept(context.Background(), []byte(`<request/>`), nil, "")
	assert.Equal(t, faults.DatastoreUnavailable, faults.KindOf(err))
	assert.Empty(t, store.streamAdds)
}
