// Package broadcast implements the lifecycle engine for broadcast requests:
// a RECEIVED record is created synchronously at submit time and resolved to
// SUCCESS or FAILED by an asynchronous sequence of external executor and
// status-checker calls.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"go.opentelemetry.io/otel/attribute"

	"github.com/commonprefix/mock-gmp-api/pkg/gmp"
	"github.com/commonprefix/mock-gmp-api/pkg/observability"
	"github.com/commonprefix/mock-gmp-api/pkg/store"
)

// Config bounds the resolution sequence.
type Config struct {
	// PollInterval is the fixed delay between status-checker attempts.
	PollInterval time.Duration
	// MaxPollAttempts bounds the polling loop. When exhausted the broadcast
	// stays RECEIVED; no further automatic polling happens.
	MaxPollAttempts int
	// CallTimeout caps each individual executor or checker invocation.
	CallTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = 10
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// Engine owns broadcast records and their status transitions.
type Engine struct {
	broadcasts *store.BroadcastStore
	queries    *store.QueryStore
	executor   Executor
	checker    StatusChecker
	logger     *slog.Logger
	cfg        Config
	telemetry  *observability.Provider

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewEngine wires the engine to its stores and external boundaries.
func NewEngine(broadcasts *store.BroadcastStore, queries *store.QueryStore, executor Executor, checker StatusChecker, logger *slog.Logger, cfg Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		broadcasts: broadcasts,
		queries:    queries,
		executor:   executor,
		checker:    checker,
		logger:     logger,
		cfg:        cfg.withDefaults(),
		ctx:        ctx,
		cancel:     cancel,
		inflight:   map[string]struct{}{},
	}
}

// WithTelemetry adds tracing and RED metrics around each resolution.
func (e *Engine) WithTelemetry(p *observability.Provider) *Engine {
	e.telemetry = p
	return e
}

// Close stops scheduling and waits for in-flight resolutions to return.
// Unresolved broadcasts stay RECEIVED.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Wait blocks until every scheduled resolution has finished. Test hook.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Submit creates a RECEIVED record and schedules its resolution. It returns
// the broadcast id immediately; callers poll GetStatus for the terminal
// state. An empty id gets a fresh uuid; re-submitting an existing id is
// store.ErrConflict whether the prior resolution is in flight or done.
func (e *Engine) Submit(ctx context.Context, id, contractAddress string, payload json.RawMessage) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", fmt.Errorf("invalid broadcast payload: %w", err)
	}
	if id == "" {
		id = uuid.New().String()
	}

	e.mu.Lock()
	if _, busy := e.inflight[id]; busy {
		e.mu.Unlock()
		return "", fmt.Errorf("broadcast %s: %w", id, store.ErrConflict)
	}
	e.inflight[id] = struct{}{}
	e.mu.Unlock()

	queryID := extractQueryID(canonical)

	rec := &store.BroadcastRecord{
		ID:              id,
		ContractAddress: contractAddress,
		Broadcast:       canonical,
		QueryID:         queryID,
	}
	if err := e.broadcasts.Insert(ctx, rec); err != nil {
		e.release(id)
		return "", err
	}

	if queryID != "" {
		if err := e.queries.Insert(ctx, queryID, contractAddress, string(canonical)); err != nil && !errors.Is(err, store.ErrConflict) {
			e.logger.Warn("failed to record query correlation", "broadcast", id, "query", queryID, "error", err)
		}
	}

	e.wg.Add(1)
	go e.resolve(id, contractAddress, canonical, queryID)

	return id, nil
}

// GetStatus returns the current record for the broadcast id. Lookups are
// scoped to the contract the broadcast was submitted against.
func (e *Engine) GetStatus(ctx context.Context, contractAddress, id string) (*store.BroadcastRecord, error) {
	rec, err := e.broadcasts.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.ContractAddress != contractAddress {
		return nil, fmt.Errorf("broadcast %s under contract %s: %w", id, contractAddress, store.ErrNotFound)
	}
	return rec, nil
}

// FindByQuery returns the contract's most recent broadcast correlated to the
// query id.
func (e *Engine) FindByQuery(ctx context.Context, contractAddress, queryID string) (*store.BroadcastRecord, error) {
	return e.broadcasts.FindByQuery(ctx, contractAddress, queryID)
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

// resolve runs the full resolution sequence for one broadcast. It is strictly
// serial per broadcast; separate broadcasts resolve concurrently with no
// ordering guarantee.
func (e *Engine) resolve(id, contractAddress string, payload []byte, queryID string) {
	defer e.wg.Done()
	defer e.release(id)

	if e.telemetry != nil {
		_, done := e.telemetry.TrackOperation(e.ctx, "broadcast.resolve",
			attribute.String("broadcast.id", id),
			attribute.String("broadcast.contract", contractAddress),
		)
		defer done(nil)
	}

	log := e.logger.With("broadcast", id, "contract", contractAddress)

	result := e.execute(id, contractAddress, payload)
	switch {
	case result.Status.Terminal():
		e.finalize(log, id, queryID, result)
		return
	case result.TxHash == "":
		if e.ctx.Err() != nil {
			log.Info("engine closing, leaving broadcast pending")
			return
		}
		// Accepted but no transaction hash to poll on. Deliberately left
		// RECEIVED; the caller may still observe confirmation out of band.
		log.Warn("executor returned RECEIVED without tx hash, leaving broadcast pending")
		return
	}

	log = log.With("tx_hash", result.TxHash)
	for attempt := 1; attempt <= e.cfg.MaxPollAttempts; attempt++ {
		select {
		case <-e.ctx.Done():
			log.Info("engine closing, leaving broadcast pending")
			return
		case <-time.After(e.cfg.PollInterval):
		}

		poll := e.check(id, contractAddress, result.TxHash)
		if !poll.Status.Terminal() {
			log.Debug("transaction still pending", "attempt", attempt)
			continue
		}
		if poll.TxHash == "" {
			poll.TxHash = result.TxHash
		}
		e.finalize(log, id, queryID, poll)
		return
	}

	// Poll bound exhausted while still pending. Not an error: the record
	// stays RECEIVED and no further automatic polling is attempted.
	log.Warn("poll attempts exhausted, leaving broadcast pending", "attempts", e.cfg.MaxPollAttempts)
}

// execute invokes the external executor, absorbing every failure mode into a
// FAILED result. A call cut short by engine shutdown is not a failure: the
// broadcast stays RECEIVED, per the Close contract.
func (e *Engine) execute(id, contractAddress string, payload []byte) Result {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.CallTimeout)
	defer cancel()

	result, err := e.executor.Execute(ctx, id, contractAddress, payload)
	if err != nil {
		if e.ctx.Err() != nil {
			return Result{Status: gmp.BroadcastReceived}
		}
		return Result{Status: gmp.BroadcastFailed, Error: fmt.Sprintf("executor: %v", err)}
	}
	return result
}

// check invokes the external status checker, absorbing failures the same way.
func (e *Engine) check(id, contractAddress, txHash string) Result {
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.CallTimeout)
	defer cancel()

	result, err := e.checker.Check(ctx, id, contractAddress, txHash)
	if err != nil {
		if e.ctx.Err() != nil {
			return Result{Status: gmp.BroadcastReceived, TxHash: txHash}
		}
		return Result{Status: gmp.BroadcastFailed, TxHash: txHash, Error: fmt.Sprintf("status checker: %v", err)}
	}
	return result
}

// finalize persists the terminal state and mirrors it into the query
// correlation record when one exists.
func (e *Engine) finalize(log *slog.Logger, id, queryID string, result Result) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.broadcasts.Resolve(ctx, id, result.Status, result.TxHash, result.Error); err != nil {
		log.Error("failed to persist broadcast resolution", "status", result.Status, "error", err)
		return
	}
	log.Info("broadcast resolved", "status", result.Status)

	if queryID == "" {
		return
	}
	doc, err := json.Marshal(map[string]string{"status": string(result.Status), "txHash": result.TxHash})
	if err != nil {
		return
	}
	if err := e.queries.UpdateResult(ctx, queryID, string(doc), result.Error); err != nil {
		log.Warn("failed to update query result", "query", queryID, "error", err)
	}
}

// extractQueryID pulls the correlation key out of a broadcast payload.
// verify_messages broadcasts correlate by poll id, construct_proof broadcasts
// by signing session id; payloads may also carry an explicit queryID.
func extractQueryID(payload []byte) string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return ""
	}

	for _, key := range []string{"queryID", "poll_id", "session_id"} {
		if raw, ok := doc[key]; ok {
			if s := rawString(raw); s != "" {
				return s
			}
		}
	}
	return ""
}

func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
