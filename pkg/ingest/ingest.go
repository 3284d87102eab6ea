// Package ingest accepts inbound amplifier events, appends them to the event
// log and derives follow-up tasks. The one derivation rule: once both a CALL
// and a GAS_CREDIT event exist for the same message id, a VERIFY task is
// enqueued for the ingesting chain.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/commonprefix/mock-gmp-api/pkg/gmp"
	"github.com/commonprefix/mock-gmp-api/pkg/store"
)

const statusAccepted = "ACCEPTED"

// Ingestor owns event ingestion for all chains.
type Ingestor struct {
	events *store.EventStore
	tasks  *store.TaskStore
	logger *slog.Logger
}

// New wires the ingestor to its stores.
func New(events *store.EventStore, tasks *store.TaskStore, logger *slog.Logger) *Ingestor {
	return &Ingestor{events: events, tasks: tasks, logger: logger}
}

// IngestBatch processes a batch of events for one chain, producing one result
// per input index. A failing event never aborts the rest of the batch.
func (i *Ingestor) IngestBatch(ctx context.Context, chain string, events []gmp.Event) gmp.PostEventResponse {
	results := make([]gmp.PostEventResult, len(events))
	for idx, event := range events {
		result := gmp.PostEventResult{Status: statusAccepted, Index: idx}
		if err := i.Ingest(ctx, chain, event); err != nil {
			msg := err.Error()
			retriable := isRetriable(err)
			result.Status = "FAILED"
			result.Error = &msg
			result.Retriable = &retriable
		}
		results[idx] = result
	}
	return gmp.PostEventResponse{Results: results}
}

// Ingest appends one event and runs the task derivation. Re-ingesting a
// duplicate is accepted as a no-op.
func (i *Ingestor) Ingest(ctx context.Context, chain string, event gmp.Event) error {
	kind, err := event.Kind()
	if err != nil {
		return err
	}

	// Pairing only applies to CALL/GAS_CREDIT events that actually reference
	// a message; a message-less event is keyed by its event id alone.
	pairable := (kind == gmp.EventKindCall || kind == gmp.EventKindGasCredit) && event.MessageID() != ""

	if pairable {
		// Duplicate (kind, messageID) pairs are warned and dropped so the
		// derivation below fires at most once per pair.
		if _, err := i.events.FindByKindAndMessageID(ctx, kind, event.MessageID()); err == nil {
			i.logger.Warn("event with same kind and message id already ingested",
				"kind", kind, "message_id", event.MessageID(), "event", event.EventID)
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	if _, err := i.events.Append(ctx, event); err != nil {
		if errors.Is(err, store.ErrConflict) {
			i.logger.Warn("event already ingested", "event", event.EventID)
			return nil
		}
		return err
	}

	if pairable {
		if err := i.deriveVerifyTask(ctx, chain, kind, event); err != nil {
			return err
		}
	}
	return nil
}

// deriveVerifyTask checks whether the counterpart event has arrived and, if
// so, enqueues the VERIFY task built from the CALL event's message.
func (i *Ingestor) deriveVerifyTask(ctx context.Context, chain string, kind gmp.EventKind, event gmp.Event) error {
	counterpart := gmp.EventKindGasCredit
	if kind == gmp.EventKindGasCredit {
		counterpart = gmp.EventKindCall
	}

	other, err := i.events.FindByKindAndMessageID(ctx, counterpart, event.MessageID())
	if errors.Is(err, store.ErrNotFound) {
		return nil // waiting for the counterpart
	}
	if err != nil {
		return err
	}

	callEvent := event
	if kind == gmp.EventKindGasCredit {
		if err := json.Unmarshal(other.Event, &callEvent); err != nil {
			return fmt.Errorf("decode stored CALL event %s: %w", other.ID, err)
		}
	}

	fields, err := callEvent.CallFields()
	if err != nil {
		return err
	}

	var meta json.RawMessage
	if callEvent.Meta != nil {
		taskMeta := gmp.TaskMetadata{
			TxID:          callEvent.Meta.TxID,
			FromAddress:   callEvent.Meta.FromAddress,
			Finalized:     callEvent.Meta.Finalized,
			SourceContext: callEvent.Meta.SourceContext,
		}
		meta, err = json.Marshal(taskMeta)
		if err != nil {
			return fmt.Errorf("encode task meta: %w", err)
		}
	}

	payload, err := json.Marshal(gmp.VerifyTaskFields{
		Message: fields.Message,
		Payload: fields.Payload,
	})
	if err != nil {
		return fmt.Errorf("encode verify task: %w", err)
	}

	rec, err := i.tasks.Enqueue(ctx, chain, gmp.TaskKindVerify, meta, payload)
	if err != nil {
		return err
	}
	i.logger.Info("created VERIFY task",
		"task", rec.ID, "chain", chain, "message_id", event.MessageID())
	return nil
}

// isRetriable classifies ingestion failures for the batch response. Storage
// trouble is worth retrying; a malformed event never is.
func isRetriable(err error) bool {
	return !errors.Is(err, store.ErrConflict) && !isValidation(err)
}

func isValidation(err error) bool {
	var kindErr *gmp.UnknownKindError
	return errors.As(err, &kindErr)
}
