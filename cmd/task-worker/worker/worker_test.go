package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnml/orchestrator/common/config"
	"github.com/vnml/orchestrator/common/faults"
	"github.com/vnml/orchestrator/common/logger"
	"github.com/vnml/orchestrator/common/models"
	"github.com/vnml/orchestrator/common/streams"
)

type streamAdd struct {
	stream string
	values map[string]interface{}
}

// fakeStore is safe for concurrent use; batches are priced on a pool
type fakeStore struct {
	mu         sync.Mutex
	values     map[string]string
	pending    []redis.XMessage
	streamAdds []streamAdd
	acked      []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: make(map[string]string)}
}

func (f *fakeStore) GetValue(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.values[key]
	if !ok {
		return "", faults.Errorf(faults.NotFound, "key not found: %s", key)
	}
	return value, nil
}

func (f *fakeStore) SetValue(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeStore) AddToStream(_ context.Context, stream string, values map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamAdds = append(f.streamAdds, streamAdd{stream: stream, values: values})
	return "1-0", nil
}

func (f *fakeStore) EnsureGroup(_ context.Context, _, _, _ string) error { return nil }

func (f *fakeStore) ReadGroup(_ context.Context, _, _, _ string, _ int64, _ time.Duration) ([]redis.XMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := f.pending
	f.pending = nil
	return batch, nil
}

func (f *fakeStore) AckMessage(_ context.Context, _, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, messageID)
	return nil
}

func (f *fakeStore) updates(t *testing.T) []models.TaskUpdate {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var updates []models.TaskUpdate
	for _, add := range f.streamAdds {
		if add.stream != streams.UpdatesStream {
			continue
		}
		update, err := models.UpdateFromValues(add.values)
		require.NoError(t, err)
		updates = append(updates, update)
	}
	return updates
}

func fixedAmount(amount float64) AmountSource {
	return func() float64 { return amount }
}

func newWorker(store *fakeStore) *Worker {
	cfg, _ := config.Load("task-worker")
	return New(store, NewXMLValuator(fixedAmount(101.25)), cfg, logger.New("error", "json"))
}

func dispatchFor(requestID, taskID string, attempt int) models.TaskDispatch {
	return models.TaskDispatch{
		RequestID:  requestID,
		GroupIdx:   0,
		TaskID:     taskID,
		PayloadKey: streams.TaskXMLKey(requestID, 0, taskID),
		ResultKey:  streams.TaskResultKey(requestID, 0, taskID),
		Attempt:    attempt,
	}
}

func dispatchMessage(id string, dispatch models.TaskDispatch) redis.XMessage {
	return redis.XMessage{ID: id, Values: dispatch.Values()}
}

func TestValuatorWritesAmount(t *testing.T) {
	valuator := NewXMLValuator(fixedAmount(250.50))

	result, err := valuator.Valuate(`<taskRequest><valuation><analytics><price><amount/></price></analytics></valuation></taskRequest>`)
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(result))
	amount := doc.Root().FindElement(".//analytics/price/amount")
	require.NotNil(t, amount)
	assert.Equal(t, "250.50", amount.Text())
}

func TestValuatorCreatesMissingAmountNode(t *testing.T) {
	valuator := NewXMLValuator(fixedAmount(1.00))

	result, err := valuator.Valuate(`<taskRequest><valuation name="v"/></taskRequest>`)
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromString(result))
	amount := doc.Root().FindElement(".//analytics/price/amount")
	require.NotNil(t, amount)
	assert.Equal(t, "1.00", amount.Text())
}

func TestValuatorRejectsMalformedXML(t *testing.T) {
	_, err := NewXMLValuator(nil).Valuate("not xml <")
	assert.Equal(t, faults.InvalidInput, faults.KindOf(err))
}

func TestHandleMessageSuccess(t *testing.T) {
	store := newFakeStore()
	dispatch := dispatchFor("r1", "g1-t1-a", 1)
	store.values[dispatch.PayloadKey] = `<taskRequest><valuation/></taskRequest>`

	worker := newWorker(store)
	worker.handleMessage(context.Background(), dispatchMessage("1-0", dispatch))

	assert.Contains(t, store.values[dispatch.ResultKey], "101.25")
	assert.Equal(t, "1", store.values[streams.TaskResultAttemptKey("r1", 0, "g1-t1-a")])

	updates := store.updates(t)
	require.Len(t, updates, 1)
	assert.Equal(t, models.StatusCompleted, updates[0].Status)
	assert.Equal(t, 1, updates[0].Attempt)

	assert.Equal(t, []string{"1-0"}, store.acked)
}

func TestHandleMessageStaleAttemptKeepsStoredResult(t *testing.T) {
	store := newFakeStore()
	dispatch := dispatchFor("r1", "g1-t1-a", 1)
	store.values[dispatch.PayloadKey] = `<taskRequest><valuation/></taskRequest>`
	store.values[dispatch.ResultKey] = "<result>from-attempt-2</result>"
	store.values[streams.TaskResultAttemptKey("r1", 0, "g1-t1-a")] = "2"

	worker := newWorker(store)
	worker.handleMessage(context.Background(), dispatchMessage("1-0", dispatch))

	// The later attempt's result is left untouched.
	assert.Equal(t, "<result>from-attempt-2</result>", store.values[dispatch.ResultKey])
	assert.Equal(t, "2", store.values[streams.TaskResultAttemptKey("r1", 0, "g1-t1-a")])

	updates := store.updates(t)
	require.Len(t, updates, 1)
	assert.Equal(t, models.StatusCompleted, updates[0].Status)
}

func TestHandleMessageFailureReportsAndAcks(t *testing.T) {
	store := newFakeStore()
	dispatch := dispatchFor("r1", "g1-t1-a", 2)
	// No payload stored: the attempt fails.

	worker := newWorker(store)
	worker.handleMessage(context.Background(), dispatchMessage("1-0", dispatch))

	updates := store.updates(t)
	require.Len(t, updates, 1)
	assert.Equal(t, models.StatusFailed, updates[0].Status)
	assert.Equal(t, 2, updates[0].Attempt)
	assert.NotEmpty(t, updates[0].Error)

	assert.Contains(t, store.values[streams.FailureKey("r1")], "g1-t1-a")
	assert.Equal(t, []string{"1-0"}, store.acked)
}

func TestHandleMessageDropsMalformedDispatch(t *testing.T) {
	store := newFakeStore()

	worker := newWorker(store)
	worker.handleMessage(context.Background(), redis.XMessage{ID: "1-0", Values: map[string]interface{}{"junk": "x"}})

	assert.Empty(t, store.streamAdds)
	assert.Equal(t, []string{"1-0"}, store.acked)
}

func TestProcessNextBatchPricesEveryMessage(t *testing.T) {
	store := newFakeStore()
	first := dispatchFor("r1", "g1-t1-a", 1)
	second := dispatchFor("r1", "g1-t2-b", 1)
	store.values[first.PayloadKey] = `<taskRequest><valuation/></taskRequest>`
	store.values[second.PayloadKey] = `<taskRequest><valuation/></taskRequest>`
	store.pending = []redis.XMessage{
		dispatchMessage("1-0", first),
		dispatchMessage("1-1", second),
	}

	worker := newWorker(store)
	require.NoError(t, worker.processNextBatch(context.Background()))

	assert.Len(t, store.updates(t), 2)
	assert.ElementsMatch(t, []string{"1-0", "1-1"}, store.acked)
}
