package events

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"poolsync/internal/batch"
	"poolsync/internal/model"
)

// stubNode answers transaction and block lookups and counts requested items.
type stubNode struct {
	requested map[string]int
}

func (s *stubNode) BatchCallContext(_ context.Context, elems []rpc.BatchElem) error {
	if s.requested == nil {
		s.requested = make(map[string]int)
	}
	for i := range elems {
		var payload map[string]interface{}
		switch elems[i].Method {
		case "eth_getTransactionByHash":
			hash := elems[i].Args[0].(common.Hash)
			s.requested[hash.Hex()]++
			payload = map[string]interface{}{
				"hash": hash.Hex(),
				"from": common.BytesToAddress(hash.Bytes()[:20]).Hex(),
			}
		case "eth_getBlockByNumber":
			tag := elems[i].Args[0].(string)
			s.requested[tag]++
			num, _ := hexutil.DecodeUint64(tag)
			payload = map[string]interface{}{
				"number":    tag,
				"timestamp": hexutil.EncodeUint64(1700000000 + num),
			}
		}
		data, _ := json.Marshal(payload)
		if err := json.Unmarshal(data, elems[i].Result); err != nil {
			return err
		}
	}
	return nil
}

func testBatchConfig() batch.Config {
	return batch.Config{ConcurrencySize: 2, BatchSize: 10, ShouldRetry: true, RetryMax: 2, RetryOn: time.Millisecond, Stagger: -1}
}

func TestFormatDepositsLooksUpUniqueSenders(t *testing.T) {
	instance, err := InstanceABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	event := instance.Events["Deposit"]

	txA := common.HexToHash("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	txB := common.HexToHash("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")

	var logs []types.Log
	for i, tx := range []common.Hash{txA, txA, txB} {
		data, err := event.Inputs.NonIndexed().Pack(uint32(i), big.NewInt(int64(1600000000+i)))
		if err != nil {
			t.Fatalf("pack deposit: %v", err)
		}
		logs = append(logs, types.Log{
			Topics:      []common.Hash{event.ID, common.BigToHash(big.NewInt(int64(100 + i)))},
			Data:        data,
			BlockNumber: uint64(10 + i),
			TxHash:      tx,
			Index:       uint(i),
		})
	}
	// logs of other events are ignored
	logs = append(logs, types.Log{Topics: []common.Hash{instance.Events["Withdrawal"].ID}, BlockNumber: 20})

	node := &stubNode{}
	formatter, err := NewFormatter(model.KindDeposit, node, testBatchConfig())
	if err != nil {
		t.Fatalf("formatter: %v", err)
	}

	records, err := formatter.Format(context.Background(), logs)
	if err != nil {
		t.Fatalf("format deposits: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if node.requested[txA.Hex()] != 1 || node.requested[txB.Hex()] != 1 {
		t.Fatalf("expected one lookup per unique transaction: %v", node.requested)
	}

	for i, record := range records {
		deposit, ok := record.Deposit()
		if !ok {
			t.Fatalf("record %d payload type %T", i, record.Payload)
		}
		if deposit.LeafIndex != uint64(i) {
			t.Fatalf("leaf index mismatch: %d", deposit.LeafIndex)
		}
		if deposit.Commitment != common.BigToHash(big.NewInt(int64(100+i))) {
			t.Fatalf("commitment mismatch: %s", deposit.Commitment.Hex())
		}
		if deposit.Timestamp != uint64(1600000000+i) {
			t.Fatalf("timestamp mismatch: %d", deposit.Timestamp)
		}
		wantFrom := common.BytesToAddress(record.TransactionHash.Bytes()[:20])
		if deposit.From != wantFrom {
			t.Fatalf("sender mismatch: %s", deposit.From.Hex())
		}
	}
}

func TestFormatWithdrawalsUsesBlockTimestamps(t *testing.T) {
	instance, err := InstanceABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	event := instance.Events["Withdrawal"]

	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	relayer := common.HexToAddress("0x3333333333333333333333333333333333333333")
	nullifier := common.HexToHash("0x0badc0de")

	data, err := event.Inputs.NonIndexed().Pack(to, [32]byte(nullifier), big.NewInt(4200))
	if err != nil {
		t.Fatalf("pack withdrawal: %v", err)
	}
	logs := []types.Log{
		{Topics: []common.Hash{event.ID, common.BytesToHash(relayer.Bytes())}, Data: data, BlockNumber: 50, TxHash: common.HexToHash("0x01"), Index: 0},
		{Topics: []common.Hash{event.ID, common.BytesToHash(relayer.Bytes())}, Data: data, BlockNumber: 50, TxHash: common.HexToHash("0x02"), Index: 4},
	}

	node := &stubNode{}
	formatter, err := NewFormatter(model.KindWithdrawal, node, testBatchConfig())
	if err != nil {
		t.Fatalf("formatter: %v", err)
	}
	records, err := formatter.Format(context.Background(), logs)
	if err != nil {
		t.Fatalf("format withdrawals: %v", err)
	}
	if node.requested[hexutil.EncodeUint64(50)] != 1 {
		t.Fatalf("expected a single block lookup: %v", node.requested)
	}

	w, ok := records[1].Withdrawal()
	if !ok {
		t.Fatalf("payload type %T", records[1].Payload)
	}
	if w.To != to || w.Relayer != relayer || w.NullifierHash != nullifier {
		t.Fatalf("withdrawal mismatch: %+v", w)
	}
	if w.Fee.ToInt().Int64() != 4200 || w.Timestamp != 1700000050 {
		t.Fatalf("fee/timestamp mismatch: %+v", w)
	}
	if records[1].LogIndex != 4 {
		t.Fatalf("log index mismatch: %d", records[1].LogIndex)
	}
}

func TestFormatGovernanceVoted(t *testing.T) {
	gov, err := GovernanceABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	event := gov.Events["Voted"]
	voter := common.HexToAddress("0x4444444444444444444444444444444444444444")

	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(1000))
	if err != nil {
		t.Fatalf("pack voted: %v", err)
	}
	logs := []types.Log{{
		Topics: []common.Hash{
			event.ID,
			common.BigToHash(big.NewInt(7)),
			common.BytesToHash(voter.Bytes()),
			common.BigToHash(big.NewInt(1)),
		},
		Data:        data,
		BlockNumber: 99,
		TxHash:      common.HexToHash("0x09"),
	}}

	formatter, err := NewFormatter(model.KindGovernance, nil, testBatchConfig())
	if err != nil {
		t.Fatalf("formatter: %v", err)
	}
	records, err := formatter.Format(context.Background(), logs)
	if err != nil {
		t.Fatalf("format governance: %v", err)
	}
	payload, ok := records[0].Payload.(*model.GovernancePayload)
	if !ok {
		t.Fatalf("payload type %T", records[0].Payload)
	}
	if payload.Event != model.GovernanceVoted || !payload.Support || payload.Voter != voter {
		t.Fatalf("vote mismatch: %+v", payload)
	}
	if payload.ProposalID.ToInt().Int64() != 7 || payload.Votes.ToInt().Int64() != 1000 {
		t.Fatalf("vote amounts mismatch: %+v", payload)
	}
}

func TestFormatRegisteredAndEcho(t *testing.T) {
	registry, err := RelayerRegistryABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	registered := registry.Events["RelayerRegistered"]
	relayer := common.HexToAddress("0x5555555555555555555555555555555555555555")
	data, err := registered.Inputs.NonIndexed().Pack([32]byte{1}, "relayer.eth", relayer, big.NewInt(300))
	if err != nil {
		t.Fatalf("pack registered: %v", err)
	}

	formatter, err := NewFormatter(model.KindRegistered, nil, testBatchConfig())
	if err != nil {
		t.Fatalf("formatter: %v", err)
	}
	records, err := formatter.Format(context.Background(), []types.Log{{Topics: []common.Hash{registered.ID}, Data: data}})
	if err != nil {
		t.Fatalf("format registered: %v", err)
	}
	reg := records[0].Payload.(*model.RegisteredPayload)
	if reg.EnsName != "relayer.eth" || reg.RelayerAddress != relayer {
		t.Fatalf("registration mismatch: %+v", reg)
	}

	echoer, err := EchoerABI()
	if err != nil {
		t.Fatalf("abi parse: %v", err)
	}
	echo := echoer.Events["Echo"]
	who := common.HexToAddress("0x6666666666666666666666666666666666666666")
	data, err = echo.Inputs.NonIndexed().Pack([]byte{0xca, 0xfe})
	if err != nil {
		t.Fatalf("pack echo: %v", err)
	}
	formatter, err = NewFormatter(model.KindEcho, nil, testBatchConfig())
	if err != nil {
		t.Fatalf("formatter: %v", err)
	}
	records, err = formatter.Format(context.Background(), []types.Log{{Topics: []common.Hash{echo.ID, common.BytesToHash(who.Bytes())}, Data: data}})
	if err != nil {
		t.Fatalf("format echo: %v", err)
	}
	account := records[0].Payload.(*model.EchoPayload)
	if account.Address != who || hexutil.Encode(account.EncryptedAccount) != "0xcafe" {
		t.Fatalf("echo mismatch: %+v", account)
	}
}

func TestNewFormatterRequiresCallerForDeposits(t *testing.T) {
	if _, err := NewFormatter(model.KindDeposit, nil, testBatchConfig()); err == nil {
		t.Fatalf("expected error without batch caller")
	}
	if _, err := NewFormatter(model.Kind("swap"), nil, testBatchConfig()); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
