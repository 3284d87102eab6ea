package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonprefix/mock-gmp-api/pkg/broadcast"
	"github.com/commonprefix/mock-gmp-api/pkg/gmp"
	"github.com/commonprefix/mock-gmp-api/pkg/ingest"
	"github.com/commonprefix/mock-gmp-api/pkg/payload"
	"github.com/commonprefix/mock-gmp-api/pkg/store"
)

type scriptedExecutor struct {
	result broadcast.Result
	err    error
}

func (s *scriptedExecutor) Execute(ctx context.Context, id, contract string, payload []byte) (broadcast.Result, error) {
	return s.result, s.err
}

type scriptedChecker struct {
	result broadcast.Result
}

func (s *scriptedChecker) Check(ctx context.Context, id, contract, txHash string) (broadcast.Result, error) {
	return s.result, nil
}

type testHarness struct {
	server *httptest.Server
	engine *broadcast.Engine
}

func newHarness(t *testing.T, executor broadcast.Executor, checker broadcast.StatusChecker) *testHarness {
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

	if executor == nil {
		executor = &scriptedExecutor{result: broadcast.Result{Status: gmp.BroadcastSuccess, TxHash: "0xDEF"}}
	}
	if checker == nil {
		checker = &scriptedChecker{result: broadcast.Result{Status: gmp.BroadcastSuccess}}
	}
	engine := broadcast.NewEngine(broadcasts, queries, executor, checker, logger,
		broadcast.Config{PollInterval: time.Millisecond, MaxPollAttempts: 3})
	t.Cleanup(engine.Close)

	ingestor := ingest.New(events, tasks, logger)
	srv := NewServer(logger, tasks, ingestor, engine, payloads, Options{})
	t.Cleanup(srv.Close)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testHarness{server: ts, engine: engine}
}

func (h *testHarness) do(t *testing.T, method, path string, body string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestTasksRoundTrip(t *testing.T) {
	h := newHarness(t, nil, nil)

	task := `{"type":"EXECUTE","task":{"message":{"messageID":"m1","sourceChain":"ethereum","sourceAddress":"0xs","destinationAddress":"0xd","payloadHash":"aA=="},"payload":"cA==","availableGasBalance":{"tokenID":null,"amount":"10"}}}`
	ids := make([]string, 3)
	for i := range ids {
		resp, body := h.do(t, http.MethodPost, "/chain/avalanche/task", task)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

		var doc map[string]any
		require.NoError(t, json.Unmarshal(body, &doc))
		ids[i] = doc["id"].(string)
		assert.Equal(t, "avalanche", doc["chain"])
		assert.Equal(t, "EXECUTE", doc["type"])
	}

	// All three in submission order.
	resp, body := h.do(t, http.MethodGet, "/chain/avalanche/tasks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Tasks []map[string]any `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Tasks, 3)
	for i, doc := range listing.Tasks {
		assert.Equal(t, ids[i], doc["id"])
	}

	// Suffix after the first task.
	resp, body = h.do(t, http.MethodGet, "/chain/avalanche/tasks?after="+ids[0], "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Tasks, 2)
	assert.Equal(t, ids[1], listing.Tasks[0]["id"])

	// A chain with no tasks is an empty list, not an error.
	resp, body = h.do(t, http.MethodGet, "/chain/ethereum/tasks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &listing))
	assert.Empty(t, listing.Tasks)

	// Unknown cursor is 404.
	resp, _ = h.do(t, http.MethodGet, "/chain/avalanche/tasks?after=missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEnqueueTaskValidation(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, _ := h.do(t, http.MethodPost, "/chain/avalanche/task", `{"type":"NOT_A_KIND","task":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/chain/avalanche/task", `{"task":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/chain/avalanche/task", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// UNKNOWN is reserved for stored rows, not accepted inbound.
	resp, _ = h.do(t, http.MethodPost, "/chain/avalanche/task", `{"type":"UNKNOWN","task":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPostEventsBatch(t *testing.T) {
	h := newHarness(t, nil, nil)

	batch := `{"events":[
		{"type":"CALL","eventID":"call-1","message":{"messageID":"m1","sourceChain":"ethereum","sourceAddress":"0xs","destinationAddress":"0xd","payloadHash":"aA=="},"destinationChain":"osmosis","payload":"cA=="},
		{"type":"BOGUS","eventID":"bad-1"}
	]}`
	resp, body := h.do(t, http.MethodPost, "/chain/ethereum/events", batch)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var result gmp.PostEventResponse
	require.NoError(t, json.Unmarshal(body, &result))
	require.Len(t, result.Results, 2)
	assert.Equal(t, "ACCEPTED", result.Results[0].Status)
	assert.Equal(t, 0, result.Results[0].Index)
	assert.Equal(t, "FAILED", result.Results[1].Status)
	assert.Equal(t, 1, result.Results[1].Index)
	require.NotNil(t, result.Results[1].Error)
	assert.Contains(t, *result.Results[1].Error, "BOGUS")
}

func TestPostEventsSingleForm(t *testing.T) {
	h := newHarness(t, nil, nil)

	single := `{"type":"GAS_CREDIT","eventID":"gc-1","messageID":"m1","refundAddress":"0xr","payment":{"tokenID":null,"amount":"5"}}`
	resp, body := h.do(t, http.MethodPost, "/chain/ethereum/events", single)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result gmp.PostEventResponse
	require.NoError(t, json.Unmarshal(body, &result))
	require.Len(t, result.Results, 1)
	assert.Equal(t, "ACCEPTED", result.Results[0].Status)
}

func waitForTerminal(t *testing.T, h *testHarness, path string) broadcastResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := h.do(t, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var br broadcastResponse
		require.NoError(t, json.Unmarshal(body, &br))
		if br.Status.Terminal() {
			return br
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("broadcast at %s never reached a terminal state", path)
	return broadcastResponse{}
}

func TestBroadcastScenarioSuccess(t *testing.T) {
	executor := &scriptedExecutor{result: broadcast.Result{Status: gmp.BroadcastReceived, TxHash: "0xDEF"}}
	checker := &scriptedChecker{result: broadcast.Result{Status: gmp.BroadcastSuccess}}
	h := newHarness(t, executor, checker)

	resp, body := h.do(t, http.MethodPost, "/contracts/0xABC/broadcasts", `{"VerifyMessages":[]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var submitted map[string]string
	require.NoError(t, json.Unmarshal(body, &submitted))
	id := submitted["broadcastID"]
	require.NotEmpty(t, id)

	final := waitForTerminal(t, h, "/contracts/0xABC/broadcasts/"+id)
	assert.Equal(t, gmp.BroadcastSuccess, final.Status)
	assert.Equal(t, "0xDEF", final.TxHash)
}

func TestBroadcastScenarioExecutorUnavailable(t *testing.T) {
	executor := &scriptedExecutor{err: fmt.Errorf("executor unavailable")}
	h := newHarness(t, executor, nil)

	resp, body := h.do(t, http.MethodPost, "/contracts/0xABC/broadcasts", `{"VerifyMessages":[]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var submitted map[string]string
	require.NoError(t, json.Unmarshal(body, &submitted))

	final := waitForTerminal(t, h, "/contracts/0xABC/broadcasts/"+submitted["broadcastID"])
	assert.Equal(t, gmp.BroadcastFailed, final.Status)
	assert.NotEmpty(t, final.Error)
}

func TestBroadcastFindByQuery(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, body := h.do(t, http.MethodPost, "/contracts/axelar1c/broadcasts", `{"verify_messages":[],"poll_id":"42"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var submitted map[string]string
	require.NoError(t, json.Unmarshal(body, &submitted))
	h.engine.Wait()

	// The same GET route resolves the poll correlation key.
	resp, body = h.do(t, http.MethodGet, "/contracts/axelar1c/broadcasts/42", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var br broadcastResponse
	require.NoError(t, json.Unmarshal(body, &br))
	assert.Equal(t, gmp.BroadcastSuccess, br.Status)

	resp, _ = h.do(t, http.MethodGet, "/contracts/axelar1c/broadcasts/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Neither lookup form resolves under a different contract.
	resp, _ = h.do(t, http.MethodGet, "/contracts/axelar1other/broadcasts/"+submitted["broadcastID"], "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = h.do(t, http.MethodGet, "/contracts/axelar1other/broadcasts/42", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBroadcastInvalidPayload(t *testing.T) {
	h := newHarness(t, nil, nil)
	resp, _ := h.do(t, http.MethodPost, "/contracts/0xABC/broadcasts", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPayloadScenario(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, body := h.do(t, http.MethodPost, "/payloads", "hello")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var first gmp.StorePayloadResult
	require.NoError(t, json.Unmarshal(body, &first))
	assert.Equal(t, payload.Hash([]byte("hello")), first.Keccak256)

	// Second put of the same bytes returns the same hash.
	resp, body = h.do(t, http.MethodPost, "/payloads", "hello")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second gmp.StorePayloadResult
	require.NoError(t, json.Unmarshal(body, &second))
	assert.Equal(t, first.Keccak256, second.Keccak256)

	resp, data := h.do(t, http.MethodGet, "/payloads/0x"+first.Keccak256, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "hello", string(data))

	resp, _ = h.do(t, http.MethodGet, "/payloads/0x"+payload.Hash([]byte("unknown")), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/payloads/0x1234", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProblemDetailShape(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, body := h.do(t, http.MethodGet, "/chain/avalanche/tasks?after=missing", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, http.StatusNotFound, problem.Status)
	assert.Equal(t, "Not Found", problem.Title)
	assert.NotEmpty(t, problem.TraceID, "request id is echoed as trace_id")
}

func TestRequestIDHeader(t *testing.T) {
	h := newHarness(t, nil, nil)

	resp, _ := h.do(t, http.MethodGet, "/health", "")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "fixed-id")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, "fixed-id", resp2.Header.Get("X-Request-ID"))
}

func TestIdempotencyReplay(t *testing.T) {
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
		&scriptedExecutor{result: broadcast.Result{Status: gmp.BroadcastSuccess, TxHash: "0x1"}},
		&scriptedChecker{}, logger, broadcast.Config{PollInterval: time.Millisecond})
	t.Cleanup(engine.Close)

	srv := NewServer(logger, tasks, ingest.New(events, tasks, logger), engine, payloads,
		Options{IdempotencyTTL: time.Minute})
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	task := `{"type":"GATEWAY_TX","task":{"executeData":"ZGF0YQ=="}}`
	post := func() map[string]any {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/chain/avalanche/task", bytes.NewReader([]byte(task)))
		require.NoError(t, err)
		req.Header.Set("Idempotency-Key", "key-1")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var doc map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
		return doc
	}

	first := post()
	second := post()
	assert.Equal(t, first["id"], second["id"], "replayed response carries the original task id")

	var listing struct {
		Tasks []map[string]any `json:"tasks"`
	}
	resp, err := http.Get(ts.URL + "/chain/avalanche/tasks")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	assert.Len(t, listing.Tasks, 1, "duplicate request was not re-executed")
}
