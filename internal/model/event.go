package model

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Kind names an event stream variant.
type Kind string

const (
	KindDeposit       Kind = "deposit"
	KindWithdrawal    Kind = "withdrawal"
	KindEcho          Kind = "echo"
	KindEncryptedNote Kind = "encrypted_note"
	KindGovernance    Kind = "governance"
	KindRegistered    Kind = "registered"
)

// ParseKind validates a kind name.
func ParseKind(input string) (Kind, error) {
	switch kind := Kind(input); kind {
	case KindDeposit, KindWithdrawal, KindEcho, KindEncryptedNote, KindGovernance, KindRegistered:
		return kind, nil
	default:
		return "", fmt.Errorf("unsupported event kind: %s", input)
	}
}

// Payload is the variant-specific part of an EventRecord.
// The set of implementations is closed; see NewPayload.
type Payload interface {
	Kind() Kind
	isPayload()
}

// NewPayload returns an empty payload for kind.
func NewPayload(kind Kind) (Payload, error) {
	switch kind {
	case KindDeposit:
		return &DepositPayload{}, nil
	case KindWithdrawal:
		return &WithdrawalPayload{}, nil
	case KindEcho:
		return &EchoPayload{}, nil
	case KindEncryptedNote:
		return &EncryptedNotePayload{}, nil
	case KindGovernance:
		return &GovernancePayload{}, nil
	case KindRegistered:
		return &RegisteredPayload{}, nil
	default:
		return nil, fmt.Errorf("unsupported event kind: %s", kind)
	}
}

// EventKey identifies an event within a stream.
type EventKey struct {
	TxHash   common.Hash
	LogIndex uint64
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s-%d", k.TxHash.Hex(), k.LogIndex)
}

// EventRecord is one reconciled on-chain event.
type EventRecord struct {
	BlockNumber     uint64
	LogIndex        uint64
	TransactionHash common.Hash
	Payload         Payload
}

// Key returns the identity key of the record.
func (e EventRecord) Key() EventKey {
	return EventKey{TxHash: e.TransactionHash, LogIndex: e.LogIndex}
}

// Kind returns the payload kind, or "" when the payload is missing.
func (e EventRecord) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// Deposit returns the deposit payload if the record carries one.
func (e EventRecord) Deposit() (*DepositPayload, bool) {
	p, ok := e.Payload.(*DepositPayload)
	return p, ok
}

// Withdrawal returns the withdrawal payload if the record carries one.
func (e EventRecord) Withdrawal() (*WithdrawalPayload, bool) {
	p, ok := e.Payload.(*WithdrawalPayload)
	return p, ok
}

type eventRecordJSON struct {
	BlockNumber     uint64          `json:"block_number"`
	LogIndex        uint64          `json:"log_index"`
	TransactionHash common.Hash     `json:"transaction_hash"`
	Kind            Kind            `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the record with an explicit kind tag.
func (e EventRecord) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %s has no payload", e.Key())
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventRecordJSON{
		BlockNumber:     e.BlockNumber,
		LogIndex:        e.LogIndex,
		TransactionHash: e.TransactionHash,
		Kind:            e.Payload.Kind(),
		Payload:         payload,
	})
}

// UnmarshalJSON decodes a record, selecting the payload type by kind.
func (e *EventRecord) UnmarshalJSON(data []byte) error {
	var raw eventRecordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := NewPayload(raw.Kind)
	if err != nil {
		return err
	}
	if len(raw.Payload) > 0 {
		if err := json.Unmarshal(raw.Payload, payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", raw.Kind, err)
		}
	}
	*e = EventRecord{
		BlockNumber:     raw.BlockNumber,
		LogIndex:        raw.LogIndex,
		TransactionHash: raw.TransactionHash,
		Payload:         payload,
	}
	return nil
}
