package gmp

import (
	"encoding/json"
	"fmt"
)

// ParseTask decodes a full task document into its typed form, dispatching on
// the type header. A stored document with an unrecognized type decodes as
// UnknownTask so old rows stay readable; callers validating inbound documents
// must use ParseTaskKind first.
func ParseTask(data []byte) (Task, error) {
	var header CommonTaskFields
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("decode task header: %w", err)
	}

	switch TaskKind(header.Type) {
	case TaskKindVerify:
		return decodeTask[VerifyTask](data)
	case TaskKindExecute:
		return decodeTask[ExecuteTask](data)
	case TaskKindGatewayTx:
		return decodeTask[GatewayTxTask](data)
	case TaskKindConstructProof:
		return decodeTask[ConstructProofTask](data)
	case TaskKindReactToWasmEvent:
		return decodeTask[ReactToWasmEventTask](data)
	case TaskKindRefund:
		return decodeTask[RefundTask](data)
	case TaskKindReactToExpiredSigningSession:
		return decodeTask[ReactToExpiredSigningSessionTask](data)
	case TaskKindReactToRetriablePoll:
		return decodeTask[ReactToRetriablePollTask](data)
	default:
		return decodeTask[UnknownTask](data)
	}
}

func decodeTask[T Task](data []byte) (Task, error) {
	var t T
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode %T: %w", t, err)
	}
	return t, nil
}

// ParseEvent decodes and validates a single inbound event document. Unlike
// stored-task reading, ingestion is strict: an unknown kind or missing event
// id is rejected.
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.EventID == "" {
		return Event{}, fmt.Errorf("event is missing eventID")
	}
	if _, err := ParseEventKind(e.Type); err != nil {
		return Event{}, err
	}
	return e, nil
}
