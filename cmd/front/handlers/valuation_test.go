package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnml/orchestrator/cmd/front/service"
	"github.com/vnml/orchestrator/cmd/front/waiter"
	"github.com/vnml/orchestrator/common/config"
	"github.com/vnml/orchestrator/common/faults"
	"github.com/vnml/orchestrator/common/logger"
	"github.com/vnml/orchestrator/common/models"
	"github.com/vnml/orchestrator/common/streams"
)

// fakeStore backs both the submission and the query service in handler tests
type fakeStore struct {
	values        map[string]string
	hashes        map[string]map[string]string
	streamAdds    []string
	lastRequestID string
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
	f.streamAdds = append(f.streamAdds, stream)
	if stream == streams.IngestStream {
		if id, ok := values["requestId"].(string); ok {
			f.lastRequestID = id
		}
	}
	return "1-0", nil
}

type emptyTail struct{}

func (emptyTail) ReadTail(_ context.Context, _, _ string, _ int64, _ time.Duration) ([]redis.XMessage, error) {
	return nil, nil
}

func (emptyTail) LastStreamID(_ context.Context, _ string) (string, error) {
	return "0", nil
}

// terminalTail stages the submitted request's terminal artifacts and then
// reports the matching lifecycle event, playing the pipeline's part behind a
// synchronous submission.
type terminalTail struct {
	store   *fakeStore
	status  string
	detail  string
	fromIDs []string
}

func (t *terminalTail) LastStreamID(_ context.Context, _ string) (string, error) {
	return "5-0", nil
}

func (t *terminalTail) ReadTail(_ context.Context, _, fromID string, _ int64, _ time.Duration) ([]redis.XMessage, error) {
	t.fromIDs = append(t.fromIDs, fromID)
	requestID := t.store.lastRequestID
	if requestID == "" {
		return nil, nil
	}

	if models.IsTerminalSuccess(t.status) {
		t.store.values[streams.ResponseKey(requestID)] = `<response requestId="` + requestID + `"/>`
	} else {
		t.store.hashes[streams.RequestStateKey(requestID)] = map[string]string{"status": models.StatusFailed}
		if t.detail != "" {
			t.store.values[streams.FailureKey(requestID)] = t.detail
		}
	}

	event := models.NewLifecycleEvent(requestID, t.status, nil)
	return []redis.XMessage{{ID: "6-0", Values: event.Values()}}, nil
}

func newHandler(store *fakeStore, tail waiter.TailReader, mutate func(*config.Config)) *ValuationHandler {
	cfg, _ := config.Load("front")
	cfg.Pipeline.SyncWaitTimeout = 50 * time.Millisecond
	cfg.Pipeline.LifecycleBlock = 10 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	log := logger.New("error", "json")
	return NewValuationHandler(
		service.NewSubmissionService(store, cfg, log),
		service.NewQueryService(store, log),
		waiter.New(tail, cfg, log),
		cfg,
		log,
	)
}

func doSubmit(handler *ValuationHandler, target, contentType, body string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	_ = handler.Submit(e.NewContext(req, rec))
	return rec
}

func doGet(handler *ValuationHandler, route string, fn func(echo.Context) error, requestID string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath(route)
	c.SetParamNames("id")
	c.SetParamValues(requestID)
	_ = fn(c)
	return rec
}

func TestSubmitRejectsWrongContentType(t *testing.T) {
	handler := newHandler(newFakeStore(), emptyTail{}, nil)

	rec := doSubmit(handler, "/valuation", "application/json", `{"nope":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRejectsInvalidSyncFlag(t *testing.T) {
	handler := newHandler(newFakeStore(), emptyTail{}, nil)

	rec := doSubmit(handler, "/valuation?sync=maybe", "application/xml", `<request/>`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRejectsOversizedPayload(t *testing.T) {
	handler := newHandler(newFakeStore(), emptyTail{}, func(cfg *config.Config) {
		cfg.Pipeline.PayloadMaxBytes = 16
	})

	rec := doSubmit(handler, "/valuation", "application/xml", "<request>"+strings.Repeat("x", 64)+"</request>")
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSubmitAsyncAccepted(t *testing.T) {
	store := newFakeStore()
	handler := newHandler(store, emptyTail{}, nil)

	rec := doSubmit(handler, "/valuation", "application/xml; charset=utf-8", `<request><project/></request>`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["requestId"])
	assert.Equal(t, models.StatusAccepted, body["status"])
	assert.Contains(t, store.streamAdds, streams.IngestStream)
}

func TestSubmitSyncReturnsResponseXML(t *testing.T) {
	store := newFakeStore()
	tail := &terminalTail{store: store, status: models.StatusSucceeded}
	handler := newHandler(store, tail, nil)

	rec := doSubmit(handler, "/valuation?sync=Y", "application/xml", `<request><project/></request>`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "application/xml")

	// The body is the exact payload stored at the response key.
	require.NotEmpty(t, store.lastRequestID)
	assert.Equal(t, store.values[streams.ResponseKey(store.lastRequestID)], rec.Body.String())

	// The tail started from the cursor snapshotted before the status check,
	// not from the stream's moving tail.
	require.NotEmpty(t, tail.fromIDs)
	assert.Equal(t, "5-0", tail.fromIDs[0])
}

func TestSubmitSyncFailedReturnsSummary(t *testing.T) {
	store := newFakeStore()
	tail := &terminalTail{store: store, status: models.StatusFailed, detail: `{"stage":"group_processing"}`}
	handler := newHandler(store, tail, nil)

	rec := doSubmit(handler, "/valuation?sync=Y", "application/xml", `<request><project/></request>`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var summary service.FailureSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, models.StatusFailed, summary.Status)
	assert.Contains(t, summary.Detail, "group_processing")
}

func TestSubmitSyncFailedWithoutDetailReturns500(t *testing.T) {
	store := newFakeStore()
	tail := &terminalTail{store: store, status: models.StatusFailed}
	handler := newHandler(store, tail, nil)

	rec := doSubmit(handler, "/valuation?sync=Y", "application/xml", `<request><project/></request>`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSubmitSyncFallsBackToPending(t *testing.T) {
	handler := newHandler(newFakeStore(), emptyTail{}, nil)

	rec := doSubmit(handler, "/valuation?sync=Y", "application/xml", `<request><project/></request>`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.StatusPending, body["status"])
}

func TestStatusUnknownRequest(t *testing.T) {
	handler := newHandler(newFakeStore(), emptyTail{}, nil)

	rec := doGet(handler, "/valuation/:id/status", handler.Status, "missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusReturnsView(t *testing.T) {
	store := newFakeStore()
	store.hashes[streams.RequestStateKey("r1")] = map[string]string{
		"status":     models.StatusRunning,
		"groupCount": "2",
	}
	handler := newHandler(store, emptyTail{}, nil)

	rec := doGet(handler, "/valuation/:id/status", handler.Status, "r1")
	require.Equal(t, http.StatusOK, rec.Code)

	var view service.StatusView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, models.StatusRunning, view.Status)
	assert.Equal(t, 2, view.GroupCount)
}

func TestResultsReturnsResponseXML(t *testing.T) {
	store := newFakeStore()
	store.values[streams.ResponseKey("r1")] = `<response requestId="r1"/>`
	handler := newHandler(store, emptyTail{}, nil)

	rec := doGet(handler, "/valuation/:id/results", handler.Results, "r1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "application/xml")
	assert.Contains(t, rec.Body.String(), "r1")
}

func TestResultsFailedRequestReturnsSummary(t *testing.T) {
	store := newFakeStore()
	store.hashes[streams.RequestStateKey("r1")] = map[string]string{"status": models.StatusFailed}
	store.values[streams.FailureKey("r1")] = `{"stage":"parse"}`
	handler := newHandler(store, emptyTail{}, nil)

	rec := doGet(handler, "/valuation/:id/results", handler.Results, "r1")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var summary service.FailureSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, models.StatusFailed, summary.Status)
	assert.Contains(t, summary.Detail, "parse")
}

func TestHealth(t *testing.T) {
	handler := newHandler(newFakeStore(), emptyTail{}, nil)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, handler.Health(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
}
