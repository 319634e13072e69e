package reconcile

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"poolsync/internal/model"
)

// ErrSchemaViolation is returned when a merged stream fails validation.
// Nothing is persisted in that case.
var ErrSchemaViolation = errors.New("event stream schema violation")

// Validator checks a merged, ordered event list.
type Validator func(events []model.EventRecord) error

// DefaultValidators returns the checks applied to a stream kind.
func DefaultValidators(kind model.Kind) []Validator {
	validators := []Validator{KindValidator(kind)}
	switch kind {
	case model.KindDeposit:
		validators = append(validators, ValidateDepositLeaves)
	case model.KindWithdrawal:
		validators = append(validators, ValidateUniqueNullifiers)
	}
	return validators
}

// KindValidator rejects records of another kind.
func KindValidator(kind model.Kind) Validator {
	return func(events []model.EventRecord) error {
		for _, event := range events {
			if event.Kind() != kind {
				return fmt.Errorf("event %s has kind %q, want %q", event.Key(), event.Kind(), kind)
			}
		}
		return nil
	}
}

// ValidateDepositLeaves requires deposit i to carry leaf index i.
func ValidateDepositLeaves(events []model.EventRecord) error {
	for i, event := range events {
		deposit, ok := event.Deposit()
		if !ok {
			return fmt.Errorf("event %s is not a deposit", event.Key())
		}
		if deposit.LeafIndex != uint64(i) {
			return fmt.Errorf("deposit at position %d (block %d) has leaf index %d", i, event.BlockNumber, deposit.LeafIndex)
		}
	}
	return nil
}

// ValidateUniqueNullifiers rejects a nullifier spent twice.
func ValidateUniqueNullifiers(events []model.EventRecord) error {
	seen := make(map[common.Hash]model.EventKey, len(events))
	for _, event := range events {
		withdrawal, ok := event.Withdrawal()
		if !ok {
			return fmt.Errorf("event %s is not a withdrawal", event.Key())
		}
		if prev, dup := seen[withdrawal.NullifierHash]; dup {
			return fmt.Errorf("nullifier %s spent by %s and %s", withdrawal.NullifierHash.Hex(), prev, event.Key())
		}
		seen[withdrawal.NullifierHash] = event.Key()
	}
	return nil
}

func runValidators(validators []Validator, events []model.EventRecord) error {
	if err := model.CheckOrdered(events); err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaViolation, err)
	}
	for _, validate := range validators {
		if err := validate(events); err != nil {
			return fmt.Errorf("%w: %w", ErrSchemaViolation, err)
		}
	}
	return nil
}
