package events

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"poolsync/internal/batch"
	"poolsync/internal/model"
)

// Formatter turns raw logs of one stream kind into typed records.
// Deposits and withdrawals need auxiliary transaction and block lookups,
// which go through the batch layer.
type Formatter struct {
	kind   model.Kind
	abi    abi.ABI
	events []string
	caller batch.BatchCaller
	cfg    batch.Config
}

// NewFormatter builds a formatter for kind. caller may be nil for kinds
// that need no auxiliary lookups.
func NewFormatter(kind model.Kind, caller batch.BatchCaller, cfg batch.Config) (*Formatter, error) {
	var (
		parsed abi.ABI
		names  []string
		err    error
	)
	switch kind {
	case model.KindDeposit:
		parsed, err = InstanceABI()
		names = []string{"Deposit"}
	case model.KindWithdrawal:
		parsed, err = InstanceABI()
		names = []string{"Withdrawal"}
	case model.KindEcho:
		parsed, err = EchoerABI()
		names = []string{"Echo"}
	case model.KindEncryptedNote:
		parsed, err = RouterABI()
		names = []string{"EncryptedNote"}
	case model.KindGovernance:
		parsed, err = GovernanceABI()
		names = []string{"ProposalCreated", "Voted", "Delegated", "Undelegated"}
	case model.KindRegistered:
		parsed, err = RelayerRegistryABI()
		names = []string{"RelayerRegistered"}
	default:
		return nil, fmt.Errorf("unsupported event kind: %s", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s abi: %w", kind, err)
	}
	if (kind == model.KindDeposit || kind == model.KindWithdrawal) && caller == nil {
		return nil, fmt.Errorf("%s formatter requires a batch caller", kind)
	}

	return &Formatter{kind: kind, abi: parsed, events: names, caller: caller, cfg: cfg}, nil
}

// Kind returns the stream kind handled by f.
func (f *Formatter) Kind() model.Kind {
	return f.kind
}

// Topics returns the topic0 values selecting this stream's logs.
func (f *Formatter) Topics() []common.Hash {
	topics := make([]common.Hash, 0, len(f.events))
	for _, name := range f.events {
		topics = append(topics, f.abi.Events[name].ID)
	}
	return topics
}

// Format converts logs into records. Removed logs and logs of other events
// are skipped.
func (f *Formatter) Format(ctx context.Context, logs []types.Log) ([]model.EventRecord, error) {
	logs = f.relevant(logs)
	if len(logs) == 0 {
		return nil, nil
	}

	switch f.kind {
	case model.KindDeposit:
		return f.formatDeposits(ctx, logs)
	case model.KindWithdrawal:
		return f.formatWithdrawals(ctx, logs)
	case model.KindEcho:
		return f.formatEach(logs, f.decodeEcho)
	case model.KindEncryptedNote:
		return f.formatEach(logs, f.decodeEncryptedNote)
	case model.KindGovernance:
		return f.formatEach(logs, f.decodeGovernance)
	case model.KindRegistered:
		return f.formatEach(logs, f.decodeRegistered)
	default:
		return nil, fmt.Errorf("unsupported event kind: %s", f.kind)
	}
}

func (f *Formatter) relevant(logs []types.Log) []types.Log {
	topics := make(map[common.Hash]struct{}, len(f.events))
	for _, topic := range f.Topics() {
		topics[topic] = struct{}{}
	}
	out := make([]types.Log, 0, len(logs))
	for _, log := range logs {
		if log.Removed || len(log.Topics) == 0 {
			continue
		}
		if _, ok := topics[log.Topics[0]]; !ok {
			continue
		}
		out = append(out, log)
	}
	return out
}

func recordFromLog(log types.Log, payload model.Payload) model.EventRecord {
	return model.EventRecord{
		BlockNumber:     log.BlockNumber,
		LogIndex:        uint64(log.Index),
		TransactionHash: log.TxHash,
		Payload:         payload,
	}
}

func (f *Formatter) formatEach(logs []types.Log, decode func(types.Log) (model.Payload, error)) ([]model.EventRecord, error) {
	records := make([]model.EventRecord, 0, len(logs))
	for _, log := range logs {
		payload, err := decode(log)
		if err != nil {
			return nil, fmt.Errorf("decode log %s-%d: %w", log.TxHash.Hex(), log.Index, err)
		}
		records = append(records, recordFromLog(log, payload))
	}
	return records, nil
}

func (f *Formatter) formatDeposits(ctx context.Context, logs []types.Log) ([]model.EventRecord, error) {
	records, err := f.formatEach(logs, f.decodeDeposit)
	if err != nil {
		return nil, err
	}

	hashes := make([]common.Hash, 0, len(logs))
	for _, log := range logs {
		hashes = append(hashes, log.TxHash)
	}
	hashes = batch.UniqueHashes(hashes)

	txs, err := batch.GetBatchTransactions(ctx, f.caller, hashes, f.cfg)
	if err != nil {
		return nil, fmt.Errorf("fetch deposit transactions: %w", err)
	}
	senders := make(map[common.Hash]common.Address, len(txs))
	for i, tx := range txs {
		senders[hashes[i]] = tx.From
	}

	for i := range records {
		deposit, _ := records[i].Deposit()
		deposit.From = senders[records[i].TransactionHash]
	}
	return records, nil
}

func (f *Formatter) formatWithdrawals(ctx context.Context, logs []types.Log) ([]model.EventRecord, error) {
	records, err := f.formatEach(logs, f.decodeWithdrawal)
	if err != nil {
		return nil, err
	}

	numbers := make([]uint64, 0, len(logs))
	for _, log := range logs {
		numbers = append(numbers, log.BlockNumber)
	}
	numbers = batch.UniqueBlocks(numbers)

	blocks, err := batch.GetBatchBlocks(ctx, f.caller, numbers, f.cfg)
	if err != nil {
		return nil, fmt.Errorf("fetch withdrawal blocks: %w", err)
	}
	timestamps := make(map[uint64]uint64, len(blocks))
	for i, block := range blocks {
		timestamps[numbers[i]] = uint64(block.Timestamp)
	}

	for i := range records {
		withdrawal, _ := records[i].Withdrawal()
		withdrawal.Timestamp = timestamps[records[i].BlockNumber]
	}
	return records, nil
}

func (f *Formatter) event(log types.Log) (*abi.Event, error) {
	event, err := f.abi.EventByID(log.Topics[0])
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (f *Formatter) decodeDeposit(log types.Log) (model.Payload, error) {
	event, err := f.event(log)
	if err != nil {
		return nil, err
	}
	topics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return nil, err
	}
	values, err := unpackNonIndexed(event, log.Data, 2)
	if err != nil {
		return nil, err
	}
	leafIndex, err := asUint64(values[0])
	if err != nil {
		return nil, err
	}
	timestamp, err := asUint64(values[1])
	if err != nil {
		return nil, err
	}
	return &model.DepositPayload{
		Commitment: topics[0],
		LeafIndex:  leafIndex,
		Timestamp:  timestamp,
	}, nil
}

func (f *Formatter) decodeWithdrawal(log types.Log) (model.Payload, error) {
	event, err := f.event(log)
	if err != nil {
		return nil, err
	}
	topics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return nil, err
	}
	var indexed struct {
		Relayer common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), topics); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}
	values, err := unpackNonIndexed(event, log.Data, 3)
	if err != nil {
		return nil, err
	}
	to, err := asAddress(values[0])
	if err != nil {
		return nil, err
	}
	nullifier, err := asBytes32(values[1])
	if err != nil {
		return nil, err
	}
	fee, err := asBigInt(values[2])
	if err != nil {
		return nil, err
	}
	return &model.WithdrawalPayload{
		NullifierHash: nullifier,
		To:            to,
		Relayer:       indexed.Relayer,
		Fee:           (*hexutil.Big)(fee),
	}, nil
}

func (f *Formatter) decodeEcho(log types.Log) (model.Payload, error) {
	event, err := f.event(log)
	if err != nil {
		return nil, err
	}
	topics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return nil, err
	}
	var indexed struct {
		Who common.Address
	}
	if err := abi.ParseTopics(&indexed, indexedArguments(event.Inputs), topics); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}
	values, err := unpackNonIndexed(event, log.Data, 1)
	if err != nil {
		return nil, err
	}
	data, err := asBytes(values[0])
	if err != nil {
		return nil, err
	}
	return &model.EchoPayload{Address: indexed.Who, EncryptedAccount: data}, nil
}

func (f *Formatter) decodeEncryptedNote(log types.Log) (model.Payload, error) {
	event, err := f.event(log)
	if err != nil {
		return nil, err
	}
	values, err := unpackNonIndexed(event, log.Data, 1)
	if err != nil {
		return nil, err
	}
	note, err := asBytes(values[0])
	if err != nil {
		return nil, err
	}
	return &model.EncryptedNotePayload{EncryptedNote: note}, nil
}

func (f *Formatter) decodeGovernance(log types.Log) (model.Payload, error) {
	event, err := f.event(log)
	if err != nil {
		return nil, err
	}
	topics, err := parseIndexedTopics(event, log.Topics)
	if err != nil {
		return nil, err
	}
	indexedArgs := indexedArguments(event.Inputs)

	switch model.GovernanceEvent(event.Name) {
	case model.GovernanceProposalCreated:
		var indexed struct {
			Id       *big.Int
			Proposer common.Address
		}
		if err := abi.ParseTopics(&indexed, indexedArgs, topics); err != nil {
			return nil, fmt.Errorf("parse topics: %w", err)
		}
		values, err := unpackNonIndexed(event, log.Data, 4)
		if err != nil {
			return nil, err
		}
		target, err := asAddress(values[0])
		if err != nil {
			return nil, err
		}
		start, err := asUint64(values[1])
		if err != nil {
			return nil, err
		}
		end, err := asUint64(values[2])
		if err != nil {
			return nil, err
		}
		description, err := asString(values[3])
		if err != nil {
			return nil, err
		}
		return &model.GovernancePayload{
			Event:       model.GovernanceProposalCreated,
			ProposalID:  (*hexutil.Big)(indexed.Id),
			Proposer:    indexed.Proposer,
			Target:      target,
			StartTime:   start,
			EndTime:     end,
			Description: description,
		}, nil
	case model.GovernanceVoted:
		var indexed struct {
			ProposalId *big.Int
			Voter      common.Address
			Support    bool
		}
		if err := abi.ParseTopics(&indexed, indexedArgs, topics); err != nil {
			return nil, fmt.Errorf("parse topics: %w", err)
		}
		values, err := unpackNonIndexed(event, log.Data, 1)
		if err != nil {
			return nil, err
		}
		votes, err := asBigInt(values[0])
		if err != nil {
			return nil, err
		}
		return &model.GovernancePayload{
			Event:      model.GovernanceVoted,
			ProposalID: (*hexutil.Big)(indexed.ProposalId),
			Voter:      indexed.Voter,
			Support:    indexed.Support,
			Votes:      (*hexutil.Big)(votes),
		}, nil
	case model.GovernanceDelegated:
		var indexed struct {
			Account common.Address
			To      common.Address
		}
		if err := abi.ParseTopics(&indexed, indexedArgs, topics); err != nil {
			return nil, fmt.Errorf("parse topics: %w", err)
		}
		return &model.GovernancePayload{
			Event:    model.GovernanceDelegated,
			Account:  indexed.Account,
			Delegate: indexed.To,
		}, nil
	case model.GovernanceUndelegated:
		var indexed struct {
			Account common.Address
			From    common.Address
		}
		if err := abi.ParseTopics(&indexed, indexedArgs, topics); err != nil {
			return nil, fmt.Errorf("parse topics: %w", err)
		}
		return &model.GovernancePayload{
			Event:    model.GovernanceUndelegated,
			Account:  indexed.Account,
			Delegate: indexed.From,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported governance event: %s", event.Name)
	}
}

func (f *Formatter) decodeRegistered(log types.Log) (model.Payload, error) {
	event, err := f.event(log)
	if err != nil {
		return nil, err
	}
	values, err := unpackNonIndexed(event, log.Data, 4)
	if err != nil {
		return nil, err
	}
	ensHash, err := asBytes32(values[0])
	if err != nil {
		return nil, err
	}
	ensName, err := asString(values[1])
	if err != nil {
		return nil, err
	}
	relayer, err := asAddress(values[2])
	if err != nil {
		return nil, err
	}
	staked, err := asBigInt(values[3])
	if err != nil {
		return nil, err
	}
	return &model.RegisteredPayload{
		EnsName:        ensName,
		RelayerAddress: relayer,
		EnsHash:        ensHash,
		StakedAmount:   (*hexutil.Big)(staked),
	}, nil
}
