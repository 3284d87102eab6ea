// Package gmp defines the typed documents exchanged over the GMP relay
// surface: chain tasks, amplifier events and broadcast requests. Task and
// event kinds are closed enumerations; an inbound document with a kind
// outside the enumeration is a decode failure, never a silent coercion.
package gmp

import (
	"encoding/json"
	"fmt"
)

// TaskKind enumerates every task type a relayer client can be handed.
type TaskKind string

const (
	TaskKindVerify                       TaskKind = "VERIFY"
	TaskKindExecute                      TaskKind = "EXECUTE"
	TaskKindGatewayTx                    TaskKind = "GATEWAY_TX"
	TaskKindConstructProof               TaskKind = "CONSTRUCT_PROOF"
	TaskKindReactToWasmEvent             TaskKind = "REACT_TO_WASM_EVENT"
	TaskKindRefund                       TaskKind = "REFUND"
	TaskKindReactToExpiredSigningSession TaskKind = "REACT_TO_EXPIRED_SIGNING_SESSION"
	TaskKindReactToRetriablePoll         TaskKind = "REACT_TO_RETRIABLE_POLL"
	// TaskKindUnknown marks stored documents whose kind this build no longer
	// recognizes. It is never accepted on the ingestion surface.
	TaskKindUnknown TaskKind = "UNKNOWN"
)

var taskKinds = map[TaskKind]bool{
	TaskKindVerify:                       true,
	TaskKindExecute:                      true,
	TaskKindGatewayTx:                    true,
	TaskKindConstructProof:               true,
	TaskKindReactToWasmEvent:             true,
	TaskKindRefund:                       true,
	TaskKindReactToExpiredSigningSession: true,
	TaskKindReactToRetriablePoll:         true,
}

// UnknownKindError reports a task or event kind outside its closed
// enumeration. It is a validation failure, not a storage error.
type UnknownKindError struct {
	Domain string // "task" or "event"
	Kind   string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown %s kind %q", e.Domain, e.Kind)
}

// ParseTaskKind validates an inbound task kind against the closed enumeration.
func ParseTaskKind(s string) (TaskKind, error) {
	k := TaskKind(s)
	if !taskKinds[k] {
		return "", &UnknownKindError{Domain: "task", Kind: s}
	}
	return k, nil
}

// EventKind enumerates every amplifier event type accepted for ingestion.
type EventKind string

const (
	EventKindCall                   EventKind = "CALL"
	EventKindGasRefunded            EventKind = "GAS_REFUNDED"
	EventKindGasCredit              EventKind = "GAS_CREDIT"
	EventKindMessageExecuted        EventKind = "MESSAGE_EXECUTED"
	EventKindCannotExecuteMessageV2 EventKind = "CANNOT_EXECUTE_MESSAGE_V2"
	EventKindITSInterchainTransfer  EventKind = "ITS_INTERCHAIN_TRANSFER"
)

var eventKinds = map[EventKind]bool{
	EventKindCall:                   true,
	EventKindGasRefunded:            true,
	EventKindGasCredit:              true,
	EventKindMessageExecuted:        true,
	EventKindCannotExecuteMessageV2: true,
	EventKindITSInterchainTransfer:  true,
}

// ParseEventKind validates an inbound event kind against the closed enumeration.
func ParseEventKind(s string) (EventKind, error) {
	k := EventKind(s)
	if !eventKinds[k] {
		return "", &UnknownKindError{Domain: "event", Kind: s}
	}
	return k, nil
}

// GatewayV2Message is the cross-chain message header shared by several task
// and event kinds.
type GatewayV2Message struct {
	MessageID          string `json:"messageID"`
	SourceChain        string `json:"sourceChain"`
	SourceAddress      string `json:"sourceAddress"`
	DestinationAddress string `json:"destinationAddress"`
	PayloadHash        string `json:"payloadHash"`
}

// Amount is a token amount, optionally scoped to a token id.
type Amount struct {
	TokenID *string `json:"tokenID"`
	Amount  string  `json:"amount"`
}

// ScopedMessage ties a message id to its source chain.
type ScopedMessage struct {
	MessageID   string `json:"messageID"`
	SourceChain string `json:"sourceChain"`
}

// TaskMetadata is the optional meta blob carried on tasks.
type TaskMetadata struct {
	TxID           *string           `json:"txID"`
	FromAddress    *string           `json:"fromAddress"`
	Finalized      *bool             `json:"finalized"`
	SourceContext  map[string]string `json:"sourceContext"`
	ScopedMessages []ScopedMessage   `json:"scopedMessages,omitempty"`
}

// CommonTaskFields is the header every task document carries.
type CommonTaskFields struct {
	ID        string        `json:"id"`
	Chain     string        `json:"chain"`
	Timestamp string        `json:"timestamp"`
	Type      string        `json:"type"`
	Meta      *TaskMetadata `json:"meta"`
}

// ExecuteTaskFields is the payload of an EXECUTE task.
type ExecuteTaskFields struct {
	Message             GatewayV2Message `json:"message"`
	Payload             string           `json:"payload"`
	AvailableGasBalance Amount           `json:"availableGasBalance"`
}

// ExecuteTask instructs a client to execute an approved message.
type ExecuteTask struct {
	CommonTaskFields
	Task ExecuteTaskFields `json:"task"`
}

// GatewayTxTaskFields is the payload of a GATEWAY_TX task.
type GatewayTxTaskFields struct {
	ExecuteData string `json:"executeData"`
}

// GatewayTxTask hands a client pre-built gateway calldata.
type GatewayTxTask struct {
	CommonTaskFields
	Task GatewayTxTaskFields `json:"task"`
}

// VerifyTaskFields is the payload of a VERIFY task.
type VerifyTaskFields struct {
	Message GatewayV2Message `json:"message"`
	Payload string           `json:"payload"`
}

// VerifyTask asks a client to verify a source-chain message.
type VerifyTask struct {
	CommonTaskFields
	Task VerifyTaskFields `json:"task"`
}

// ConstructProofTaskFields is the payload of a CONSTRUCT_PROOF task.
type ConstructProofTaskFields struct {
	Message GatewayV2Message `json:"message"`
	Payload string           `json:"payload"`
}

// ConstructProofTask asks a client to start proof construction.
type ConstructProofTask struct {
	CommonTaskFields
	Task ConstructProofTaskFields `json:"task"`
}

// WasmEventAttribute is a single key/value attribute of a wasm event.
type WasmEventAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// WasmEvent is an event emitted by an amplifier contract.
type WasmEvent struct {
	Attributes []WasmEventAttribute `json:"attributes"`
	Type       string               `json:"type"`
}

// ReactToWasmEventTaskFields is the payload of a REACT_TO_WASM_EVENT task.
type ReactToWasmEventTaskFields struct {
	Event  WasmEvent `json:"event"`
	Height uint64    `json:"height"`
}

// ReactToWasmEventTask asks a client to react to an observed wasm event.
type ReactToWasmEventTask struct {
	CommonTaskFields
	Task ReactToWasmEventTaskFields `json:"task"`
}

// RefundTaskFields is the payload of a REFUND task.
type RefundTaskFields struct {
	Message                GatewayV2Message `json:"message"`
	RefundRecipientAddress string           `json:"refundRecipientAddress"`
	RemainingGasBalance    Amount           `json:"remainingGasBalance"`
}

// RefundTask asks a client to refund unused gas.
type RefundTask struct {
	CommonTaskFields
	Task RefundTaskFields `json:"task"`
}

// ReactToExpiredSigningSessionTaskFields is the payload of a
// REACT_TO_EXPIRED_SIGNING_SESSION task.
type ReactToExpiredSigningSessionTaskFields struct {
	SessionID              uint64 `json:"sessionID"`
	BroadcastID            string `json:"broadcastID"`
	InvokedContractAddress string `json:"invokedContractAddress"`
	RequestPayload         string `json:"requestPayload"`
}

// ReactToExpiredSigningSessionTask asks a client to retry an expired signing
// session.
type ReactToExpiredSigningSessionTask struct {
	CommonTaskFields
	Task ReactToExpiredSigningSessionTaskFields `json:"task"`
}

// VerificationStatus is the outcome of a poll verification.
type VerificationStatus string

const (
	VerificationSucceededOnSourceChain VerificationStatus = "succeeded_on_source_chain"
	VerificationFailedOnSourceChain    VerificationStatus = "failed_on_source_chain"
	VerificationFailedOnDestChain      VerificationStatus = "failed_on_destination_chain"
	VerificationNotFoundOnSourceChain  VerificationStatus = "not_found_on_source_chain"
	VerificationFailedToVerify         VerificationStatus = "failed_to_verify"
	VerificationInProgress             VerificationStatus = "in_progress"
	VerificationUnknown                VerificationStatus = "unknown"
)

// QuorumReachedEvent is one verification outcome attached to a retriable poll.
type QuorumReachedEvent struct {
	Status  VerificationStatus `json:"status"`
	Content json.RawMessage    `json:"content"`
}

// ReactToRetriablePollTaskFields is the payload of a REACT_TO_RETRIABLE_POLL
// task.
type ReactToRetriablePollTaskFields struct {
	PollID                 uint64               `json:"pollID"`
	BroadcastID            string               `json:"broadcastID"`
	InvokedContractAddress string               `json:"invokedContractAddress"`
	RequestPayload         string               `json:"requestPayload"`
	QuorumReachedEvents    []QuorumReachedEvent `json:"quorumReachedEvents"`
}

// ReactToRetriablePollTask asks a client to retry a failed poll.
type ReactToRetriablePollTask struct {
	CommonTaskFields
	Task ReactToRetriablePollTaskFields `json:"task"`
}

// UnknownTask preserves the header of a stored task whose kind this build
// does not recognize.
type UnknownTask struct {
	CommonTaskFields
	Task json.RawMessage `json:"task,omitempty"`
}

// Task is the closed union over all task documents.
type Task interface {
	TaskID() string
	TaskChain() string
	Kind() TaskKind
}

func (t CommonTaskFields) TaskID() string    { return t.ID }
func (t CommonTaskFields) TaskChain() string { return t.Chain }

func (t VerifyTask) Kind() TaskKind                       { return TaskKindVerify }
func (t ExecuteTask) Kind() TaskKind                      { return TaskKindExecute }
func (t GatewayTxTask) Kind() TaskKind                    { return TaskKindGatewayTx }
func (t ConstructProofTask) Kind() TaskKind               { return TaskKindConstructProof }
func (t ReactToWasmEventTask) Kind() TaskKind             { return TaskKindReactToWasmEvent }
func (t RefundTask) Kind() TaskKind                       { return TaskKindRefund }
func (t ReactToExpiredSigningSessionTask) Kind() TaskKind { return TaskKindReactToExpiredSigningSession }
func (t ReactToRetriablePollTask) Kind() TaskKind         { return TaskKindReactToRetriablePoll }
func (t UnknownTask) Kind() TaskKind                      { return TaskKindUnknown }

// EventMetadata is the optional meta blob carried on events.
type EventMetadata struct {
	TxID          *string           `json:"txID"`
	FromAddress   *string           `json:"fromAddress"`
	Finalized     *bool             `json:"finalized"`
	SourceContext map[string]string `json:"sourceContext"`
	Timestamp     string            `json:"timestamp"`
}

// MessageExecutedEventMetadata extends EventMetadata for MESSAGE_EXECUTED.
type MessageExecutedEventMetadata struct {
	EventMetadata
	CommandID       *string  `json:"commandID,omitempty"`
	ChildMessageIDs []string `json:"childMessageIDs,omitempty"`
	RevertReason    *string  `json:"revertReason,omitempty"`
}

// MessageExecutionStatus is the reported outcome of a message execution.
type MessageExecutionStatus string

const (
	MessageExecutionSuccessful MessageExecutionStatus = "SUCCESSFUL"
	MessageExecutionReverted   MessageExecutionStatus = "REVERTED"
)

// CannotExecuteMessageReason explains why a message could not be executed.
type CannotExecuteMessageReason string

const (
	CannotExecuteInsufficientGas CannotExecuteMessageReason = "INSUFFICIENT_GAS"
	CannotExecuteError           CannotExecuteMessageReason = "ERROR"
)

// Event is a single ingested amplifier event. The header fields are typed;
// the kind-specific remainder is kept raw so stored events round-trip
// byte-for-byte regardless of kind.
type Event struct {
	Type    string          `json:"type"`
	EventID string          `json:"eventID"`
	Meta    *EventMetadata  `json:"meta,omitempty"`
	Fields  json.RawMessage `json:"-"`
}

// Kind returns the event's validated kind.
func (e Event) Kind() (EventKind, error) { return ParseEventKind(e.Type) }

// MessageID extracts the message id referenced by the event, if any. CALL
// events nest it under message.messageID; every other kind carries a
// top-level messageID.
func (e Event) MessageID() string {
	var hdr struct {
		MessageID string `json:"messageID"`
		Message   *struct {
			MessageID string `json:"messageID"`
		} `json:"message"`
	}
	if err := json.Unmarshal(e.Fields, &hdr); err != nil {
		return ""
	}
	if hdr.MessageID != "" {
		return hdr.MessageID
	}
	if hdr.Message != nil {
		return hdr.Message.MessageID
	}
	return ""
}

// MarshalJSON flattens the raw kind-specific fields back into the document.
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Fields) == 0 {
		type header Event
		return json.Marshal(header(e))
	}
	return e.Fields, nil
}

// UnmarshalJSON keeps the full document in Fields while decoding the header.
func (e *Event) UnmarshalJSON(data []byte) error {
	type header struct {
		Type    string         `json:"type"`
		EventID string         `json:"eventID"`
		Meta    *EventMetadata `json:"meta"`
	}
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	e.Type = h.Type
	e.EventID = h.EventID
	e.Meta = h.Meta
	e.Fields = append(e.Fields[:0], data...)
	return nil
}

// CallEventFields are the kind-specific fields of a CALL event, decoded on
// demand for the event-to-task translation.
type CallEventFields struct {
	Message          GatewayV2Message `json:"message"`
	DestinationChain string           `json:"destinationChain"`
	Payload          string           `json:"payload"`
}

// CallFields decodes the CALL-specific fields of the event.
func (e Event) CallFields() (*CallEventFields, error) {
	if e.Type != string(EventKindCall) {
		return nil, fmt.Errorf("event %s is %s, not CALL", e.EventID, e.Type)
	}
	var f CallEventFields
	if err := json.Unmarshal(e.Fields, &f); err != nil {
		return nil, fmt.Errorf("decode CALL fields of event %s: %w", e.EventID, err)
	}
	return &f, nil
}

// PostEventResult reports the outcome of ingesting one event of a batch.
type PostEventResult struct {
	Status    string  `json:"status"`
	Index     int     `json:"index"`
	Error     *string `json:"error,omitempty"`
	Retriable *bool   `json:"retriable,omitempty"`
}

// PostEventResponse is the per-index outcome list for a batch ingestion.
type PostEventResponse struct {
	Results []PostEventResult `json:"results"`
}

// StorePayloadResult carries the content key of a stored payload.
type StorePayloadResult struct {
	Keccak256 string `json:"keccak256"`
}

// BroadcastStatus is the lifecycle state of a broadcast request.
type BroadcastStatus string

const (
	BroadcastReceived BroadcastStatus = "RECEIVED"
	BroadcastSuccess  BroadcastStatus = "SUCCESS"
	BroadcastFailed   BroadcastStatus = "FAILED"
)

// Terminal reports whether the status admits no further transition.
func (s BroadcastStatus) Terminal() bool {
	return s == BroadcastSuccess || s == BroadcastFailed
}

// ParseBroadcastStatus validates a stored or reported status string.
func ParseBroadcastStatus(s string) (BroadcastStatus, error) {
	switch BroadcastStatus(s) {
	case BroadcastReceived, BroadcastSuccess, BroadcastFailed:
		return BroadcastStatus(s), nil
	}
	return "", fmt.Errorf("unknown broadcast status %q", s)
}
