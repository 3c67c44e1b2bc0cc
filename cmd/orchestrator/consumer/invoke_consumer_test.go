package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnml/orchestrator/common/config"
	"github.com/vnml/orchestrator/common/logger"
	"github.com/vnml/orchestrator/common/models"
)

type fakeStore struct {
	pending []redis.XMessage
	acked   []string
}

func (f *fakeStore) EnsureGroup(_ context.Context, _, _, _ string) error { return nil }

func (f *fakeStore) ReadGroup(_ context.Context, _, _, _ string, _ int64, _ time.Duration) ([]redis.XMessage, error) {
	batch := f.pending
	f.pending = nil
	return batch, nil
}

func (f *fakeStore) AckMessage(_ context.Context, _, _, messageID string) error {
	f.acked = append(f.acked, messageID)
	return nil
}

type fakeRunner struct {
	runs []string
	err  error
}

func (f *fakeRunner) Run(_ context.Context, inv models.Invocation) error {
	f.runs = append(f.runs, inv.RequestID)
	return f.err
}

func invocationMessage(id, requestID string) redis.XMessage {
	inv := models.Invocation{
		RequestID:      requestID,
		XMLKey:         "cache:request:" + requestID + ":xml",
		ExecutionToken: "tok",
	}
	return redis.XMessage{ID: id, Values: inv.Values()}
}

func newTestConsumer(store *fakeStore, runner *fakeRunner) *InvokeConsumer {
	cfg, _ := config.Load("orchestrator")
	return NewInvokeConsumer(store, runner, cfg, logger.New("error", "json"))
}

func TestInvocationIsRunAndAcked(t *testing.T) {
	store := &fakeStore{pending: []redis.XMessage{invocationMessage("1-0", "r1")}}
	runner := &fakeRunner{}

	require.NoError(t, newTestConsumer(store, runner).processNextMessage(context.Background()))

	assert.Equal(t, []string{"r1"}, runner.runs)
	assert.Equal(t, []string{"1-0"}, store.acked)
}

func TestFailedRunLeavesInvocationUnacked(t *testing.T) {
	store := &fakeStore{pending: []redis.XMessage{invocationMessage("1-0", "r1")}}
	runner := &fakeRunner{err: errors.New("datastore flaked")}

	require.NoError(t, newTestConsumer(store, runner).processNextMessage(context.Background()))

	assert.Equal(t, []string{"r1"}, runner.runs)
	assert.Empty(t, store.acked)
}

func TestMalformedInvocationIsDropped(t *testing.T) {
	store := &fakeStore{pending: []redis.XMessage{{ID: "1-0", Values: map[string]interface{}{"junk": "x"}}}}
	runner := &fakeRunner{}

	require.NoError(t, newTestConsumer(store, runner).processNextMessage(context.Background()))

	assert.Empty(t, runner.runs)
	assert.Equal(t, []string{"1-0"}, store.acked)
}
