// Package bus consumes relayer work items from a Redis list and turns them
// into chain tasks. Each item describes an amplifier contract interaction
// whose follow-up a client is expected to pick up from the task queue.
package bus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/commonprefix/mock-gmp-api/pkg/gmp"
	"github.com/commonprefix/mock-gmp-api/pkg/store"
)

// DefaultQueue is the Redis list the subscriber pops from.
const DefaultQueue = "gmp:items"

// VerifyMessagesItem announces that a verification poll reached quorum.
type VerifyMessagesItem struct {
	PollID             string    `json:"poll_id"`
	Chain              string    `json:"chain"`
	ContractAddress    string    `json:"contract_address"`
	BroadcastCreatedAt time.Time `json:"broadcast_created_at"`
}

// ConstructProofItem announces that a signing session completed.
type ConstructProofItem struct {
	SessionID          string    `json:"session_id"`
	Chain              string    `json:"chain"`
	ContractAddress    string    `json:"contract_address"`
	ExecuteData        string    `json:"execute_data,omitempty"`
	BroadcastCreatedAt time.Time `json:"broadcast_created_at"`
}

// QueueItem is the externally-tagged union carried on the queue.
type QueueItem struct {
	VerifyMessages *VerifyMessagesItem `json:"VerifyMessages,omitempty"`
	ConstructProof *ConstructProofItem `json:"ConstructProof,omitempty"`
}

// Subscriber pops queue items and derives tasks from them.
type Subscriber struct {
	client  *redis.Client
	queue   string
	tasks   *store.TaskStore
	queries *store.QueryStore
	logger  *slog.Logger
}

// New connects the subscriber to Redis and its stores.
func New(addr, queue string, tasks *store.TaskStore, queries *store.QueryStore, logger *slog.Logger) *Subscriber {
	if queue == "" {
		queue = DefaultQueue
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &Subscriber{client: client, queue: queue, tasks: tasks, queries: queries, logger: logger}
}

// Run consumes items until the context is canceled. A failing item is pushed
// back for redelivery.
func (s *Subscriber) Run(ctx context.Context) error {
	s.logger.Info("subscriber started", "queue", s.queue)
	for {
		res, err := s.client.BLPop(ctx, 5*time.Second, s.queue).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue // timed out waiting, poll again
			}
			s.logger.Error("failed to pop queue item", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		raw := res[1]
		if err := s.Handle(ctx, []byte(raw)); err != nil {
			s.logger.Error("failed to handle queue item, requeueing", "error", err)
			if pushErr := s.client.RPush(ctx, s.queue, raw).Err(); pushErr != nil {
				s.logger.Error("failed to requeue item", "error", pushErr)
			}
		}
	}
}

// Close releases the Redis connection.
func (s *Subscriber) Close() error {
	return s.client.Close()
}

// Handle processes one serialized queue item.
func (s *Subscriber) Handle(ctx context.Context, raw []byte) error {
	var item QueueItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return fmt.Errorf("decode queue item: %w", err)
	}

	switch {
	case item.VerifyMessages != nil:
		return s.handleVerifyMessages(ctx, item.VerifyMessages)
	case item.ConstructProof != nil:
		return s.handleConstructProof(ctx, item.ConstructProof)
	default:
		return fmt.Errorf("queue item carries no known variant")
	}
}

// handleVerifyMessages enqueues the REACT_TO_WASM_EVENT task a client uses to
// observe the quorum_reached event for the poll.
func (s *Subscriber) handleVerifyMessages(ctx context.Context, item *VerifyMessagesItem) error {
	payload, err := json.Marshal(gmp.ReactToWasmEventTaskFields{
		Event: gmp.WasmEvent{
			Type: "wasm-quorum_reached",
			Attributes: []gmp.WasmEventAttribute{
				{Key: "poll_id", Value: item.PollID},
				{Key: "_contract_address", Value: item.ContractAddress},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("encode react task: %w", err)
	}

	rec, err := s.tasks.Enqueue(ctx, item.Chain, gmp.TaskKindReactToWasmEvent, nil, payload)
	if err != nil {
		return err
	}
	s.logger.Info("created REACT_TO_WASM_EVENT task", "task", rec.ID, "poll_id", item.PollID)
	return nil
}

// handleConstructProof enqueues the GATEWAY_TX task carrying the proof's
// execute data. When the item doesn't carry the data itself, the signing
// session's query result provides it.
func (s *Subscriber) handleConstructProof(ctx context.Context, item *ConstructProofItem) error {
	executeData := item.ExecuteData
	if executeData == "" {
		result, _, err := s.queries.FindResult(ctx, item.SessionID)
		if err != nil {
			return fmt.Errorf("no execute data for session %s: %w", item.SessionID, err)
		}
		executeData = result
	}

	payload, err := json.Marshal(gmp.GatewayTxTaskFields{
		ExecuteData: base64.StdEncoding.EncodeToString([]byte(executeData)),
	})
	if err != nil {
		return fmt.Errorf("encode gateway tx task: %w", err)
	}

	rec, err := s.tasks.Enqueue(ctx, item.Chain, gmp.TaskKindGatewayTx, nil, payload)
	if err != nil {
		return err
	}
	s.logger.Info("created GATEWAY_TX task", "task", rec.ID, "session_id", item.SessionID)
	return nil
}
