package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonprefix/mock-gmp-api/pkg/api"
	"github.com/commonprefix/mock-gmp-api/pkg/broadcast"
	"github.com/commonprefix/mock-gmp-api/pkg/gmp"
	"github.com/commonprefix/mock-gmp-api/pkg/ingest"
	"github.com/commonprefix/mock-gmp-api/pkg/payload"
	"github.com/commonprefix/mock-gmp-api/pkg/store"
)

type stubExecutor struct{ result broadcast.Result }

func (s *stubExecutor) Execute(ctx context.Context, id, contract string, payload []byte) (broadcast.Result, error) {
	return s.result, nil
}

type stubChecker struct{ result broadcast.Result }

func (s *stubChecker) Check(ctx context.Context, id, contract, txHash string) (broadcast.Result, error) {
	return s.result, nil
}

func newTestClient(t *testing.T) (*Client, *broadcast.Engine) {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.DiscardHandler)
	tasks, err := store.NewTaskStore(db)
	require.NoError(t, err)
	events, err := store.NewEventStore(db)
	require.NoError(t, err)
	broadcasts, err := store.NewBroadcastStore(db)
	require.NoError(t, err)
	queries, err := store.NewQueryStore(db)
	require.NoError(t, err)
	payloads, err := payload.NewSQLStore(db)
	require.NoError(t, err)

	engine := broadcast.NewEngine(broadcasts, queries,
		&stubExecutor{result: broadcast.Result{Status: gmp.BroadcastSuccess, TxHash: "0xABC"}},
		&stubChecker{result: broadcast.Result{Status: gmp.BroadcastSuccess}},
		logger, broadcast.Config{PollInterval: time.Millisecond, MaxPollAttempts: 3})
	t.Cleanup(engine.Close)

	srv := api.NewServer(logger, tasks, ingest.New(events, tasks, logger), engine, payloads, api.Options{})
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return New(ts.URL), engine
}

func TestClient_TaskRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	task := json.RawMessage(`{"type":"EXECUTE","task":{"message":{"messageID":"m1","sourceChain":"ethereum","sourceAddress":"0xs","destinationAddress":"0xd","payloadHash":"aA=="},"payload":"cA==","availableGasBalance":{"tokenID":null,"amount":"10"}}}`)
	doc, err := c.PostTask(ctx, "xrpl", task)
	require.NoError(t, err)

	var posted struct {
		ID    string `json:"id"`
		Chain string `json:"chain"`
	}
	require.NoError(t, json.Unmarshal(doc, &posted))
	assert.Equal(t, "xrpl", posted.Chain)
	assert.NotEmpty(t, posted.ID)

	tasks, err := c.GetTasks(ctx, "xrpl", "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// Cursor past the only task yields nothing.
	tasks, err = c.GetTasks(ctx, "xrpl", posted.ID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestClient_PostEvents(t *testing.T) {
	c, _ := newTestClient(t)

	event := json.RawMessage(`{"type":"GAS_REFUNDED","eventID":"evt-1","messageID":"m1","recipientAddress":"0xr","refundedAmount":{"tokenID":null,"amount":"5"},"cost":{"tokenID":null,"amount":"1"}}`)
	resp, err := c.PostEvents(context.Background(), "xrpl", []json.RawMessage{event})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ACCEPTED", resp.Results[0].Status)
}

func TestClient_BroadcastLifecycle(t *testing.T) {
	c, engine := newTestClient(t)
	ctx := context.Background()

	id, err := c.SubmitBroadcast(ctx, "axelar1contract", json.RawMessage(`{"verify_messages":[]}`))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	engine.Wait()
	status, err := c.GetBroadcast(ctx, "axelar1contract", id)
	require.NoError(t, err)
	assert.Equal(t, gmp.BroadcastSuccess, status.Status)
	assert.Equal(t, "0xABC", status.TxHash)
}

func TestClient_PayloadRoundTrip(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	hash, err := c.StorePayload(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Len(t, hash, 64)

	data, err := c.GetPayload(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	_, err = c.GetPayload(ctx, "ab12")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.StatusCode)
}
