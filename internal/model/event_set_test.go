package model

import (
	"encoding/json"
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

func deposit(block, logIndex, leaf uint64, tx string) EventRecord {
	return EventRecord{
		BlockNumber:     block,
		LogIndex:        logIndex,
		TransactionHash: common.HexToHash(tx),
		Payload:         &DepositPayload{LeafIndex: leaf},
	}
}

func TestMergeEventsSortsAndDedupes(t *testing.T) {
	persisted := []EventRecord{deposit(10, 1, 0, "0x01"), deposit(11, 0, 1, "0x02")}
	indexer := []EventRecord{deposit(11, 0, 99, "0x02"), deposit(12, 3, 2, "0x03")}
	rpc := []EventRecord{deposit(12, 3, 2, "0x03"), deposit(12, 1, 3, "0x04"), deposit(9, 0, 4, "0x05")}

	got := MergeEvents(persisted, indexer, rpc)

	wantKeys := []EventKey{
		{TxHash: common.HexToHash("0x05"), LogIndex: 0},
		{TxHash: common.HexToHash("0x01"), LogIndex: 1},
		{TxHash: common.HexToHash("0x02"), LogIndex: 0},
		{TxHash: common.HexToHash("0x04"), LogIndex: 1},
		{TxHash: common.HexToHash("0x03"), LogIndex: 3},
	}
	gotKeys := make([]EventKey, 0, len(got))
	for _, event := range got {
		gotKeys = append(gotKeys, event.Key())
	}
	if !reflect.DeepEqual(gotKeys, wantKeys) {
		t.Fatalf("keys mismatch: %v != %v", gotKeys, wantKeys)
	}

	// the persisted copy of a duplicate is retained
	dep, _ := got[2].Deposit()
	if dep.LeafIndex != 1 {
		t.Fatalf("expected first occurrence retained, got leaf %d", dep.LeafIndex)
	}
	if err := CheckOrdered(got); err != nil {
		t.Fatalf("merged events not ordered: %v", err)
	}
}

func TestCheckOrderedRejectsDuplicatesAndDisorder(t *testing.T) {
	if err := CheckOrdered([]EventRecord{deposit(2, 0, 0, "0x01"), deposit(1, 0, 1, "0x02")}); err == nil {
		t.Fatalf("expected error for unordered events")
	}
	if err := CheckOrdered([]EventRecord{deposit(1, 0, 0, "0x01"), deposit(1, 0, 1, "0x02")}); err == nil {
		t.Fatalf("expected error for equal positions")
	}
}

func TestEventRecordJSONKeepsVariant(t *testing.T) {
	original := EventRecord{
		BlockNumber:     17000000,
		LogIndex:        42,
		TransactionHash: common.HexToHash("0xabc"),
		Payload: &WithdrawalPayload{
			NullifierHash: common.HexToHash("0xdead"),
			To:            common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Fee:           (*hexutil.Big)(big.NewInt(5000000000000000)),
			Timestamp:     1700000000,
		},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw failed: %v", err)
	}
	if raw["kind"] != string(KindWithdrawal) {
		t.Fatalf("kind tag mismatch: %v", raw["kind"])
	}
	payload := raw["payload"].(map[string]interface{})
	if _, ok := payload["fee"].(string); !ok {
		t.Fatalf("fee should be encoded as a string")
	}

	var decoded EventRecord
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	w, ok := decoded.Withdrawal()
	if !ok {
		t.Fatalf("decoded payload type mismatch: %T", decoded.Payload)
	}
	if w.Fee.ToInt().Cmp(big.NewInt(5000000000000000)) != 0 || w.Timestamp != 1700000000 {
		t.Fatalf("payload mismatch: %+v", w)
	}
}

func TestParseKind(t *testing.T) {
	if _, err := ParseKind("deposit"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := ParseKind("swap"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
