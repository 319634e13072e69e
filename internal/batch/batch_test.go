package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// fakeNode answers eth_getBlockByNumber batches from memory.
type fakeNode struct {
	mu        sync.Mutex
	calls     [][]uint64
	inFlight  int32
	maxFlight int32
	// wait holds each call until that many calls are in flight
	wait int32
	// nullOnce returns null for the given block on its first request
	nullOnce map[uint64]bool
}

func (n *fakeNode) BatchCallContext(ctx context.Context, elems []rpc.BatchElem) error {
	cur := atomic.AddInt32(&n.inFlight, 1)
	defer atomic.AddInt32(&n.inFlight, -1)
	for {
		prev := atomic.LoadInt32(&n.maxFlight)
		if cur <= prev || atomic.CompareAndSwapInt32(&n.maxFlight, prev, cur) {
			break
		}
	}

	numbers := make([]uint64, 0, len(elems))
	for _, elem := range elems {
		num, err := hexutil.DecodeUint64(elem.Args[0].(string))
		if err != nil {
			return err
		}
		numbers = append(numbers, num)
	}
	n.mu.Lock()
	n.calls = append(n.calls, numbers)
	n.mu.Unlock()

	if n.wait > 0 {
		deadline := time.After(2 * time.Second)
		for atomic.LoadInt32(&n.maxFlight) < n.wait {
			select {
			case <-deadline:
				return fmt.Errorf("timed out waiting for concurrent chunk")
			case <-time.After(time.Millisecond):
			}
		}
	}

	for i, num := range numbers {
		n.mu.Lock()
		null := n.nullOnce[num]
		delete(n.nullOnce, num)
		n.mu.Unlock()
		if null {
			continue
		}
		payload, _ := json.Marshal(map[string]interface{}{
			"number":    hexutil.EncodeUint64(num),
			"hash":      common.BigToHash(common.Big1).Hex(),
			"timestamp": hexutil.EncodeUint64(1600000000 + num),
		})
		if err := json.Unmarshal(payload, elems[i].Result); err != nil {
			return err
		}
	}
	return nil
}

func TestGetBatchBlocksConcurrentChunks(t *testing.T) {
	node := &fakeNode{wait: 2}
	tags := []uint64{100, 101, 102, 103, 104, 105, 106, 107, 108, 109}

	var progress []int
	cfg := Config{
		ConcurrencySize: 2,
		BatchSize:       5,
		ShouldRetry:     true,
		RetryMax:        3,
		RetryOn:         time.Millisecond,
		OnProgress: func(processed, total int) {
			progress = append(progress, processed*100/total)
		},
	}

	blocks, err := GetBatchBlocks(context.Background(), node, tags, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(node.calls) != 2 {
		t.Fatalf("expected 2 chunk fetches, got %d", len(node.calls))
	}
	for _, call := range node.calls {
		if len(call) != 5 {
			t.Fatalf("expected chunk of 5 tags, got %v", call)
		}
	}
	if node.maxFlight != 2 {
		t.Fatalf("expected 2 concurrent chunks, got %d", node.maxFlight)
	}
	if len(blocks) != len(tags) {
		t.Fatalf("expected %d blocks, got %d", len(tags), len(blocks))
	}
	for i, block := range blocks {
		if uint64(block.Number) != tags[i] {
			t.Fatalf("block %d out of order: got %d", i, block.Number)
		}
		if uint64(block.Timestamp) != 1600000000+tags[i] {
			t.Fatalf("timestamp mismatch for %d", tags[i])
		}
	}
	if len(progress) != 1 || progress[0] != 100 {
		t.Fatalf("progress mismatch: %v", progress)
	}
}

func TestGetBatchBlocksRetriesNullResult(t *testing.T) {
	node := &fakeNode{nullOnce: map[uint64]bool{3: true}}
	cfg := Config{ConcurrencySize: 1, BatchSize: 2, ShouldRetry: true, RetryMax: 2, RetryOn: time.Millisecond, Stagger: -1}

	blocks, err := GetBatchBlocks(context.Background(), node, []uint64{1, 2, 3, 4}, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(node.calls) != 3 {
		t.Fatalf("expected chunk with null block to be refetched, calls: %v", node.calls)
	}
	if uint64(blocks[2].Number) != 3 {
		t.Fatalf("block mismatch: %+v", blocks[2])
	}
}

func TestGetBatchBlocksNullWithoutRetry(t *testing.T) {
	node := &fakeNode{nullOnce: map[uint64]bool{2: true}}
	cfg := Config{ConcurrencySize: 1, BatchSize: 2, ShouldRetry: false, RetryMax: 5, Stagger: -1}

	_, err := GetBatchBlocks(context.Background(), node, []uint64{1, 2}, cfg)
	if !errors.Is(err, ErrNetworkExhausted) {
		t.Fatalf("expected ErrNetworkExhausted, got %v", err)
	}
	if !errors.Is(err, ErrNullResult) {
		t.Fatalf("expected wrapped ErrNullResult, got %v", err)
	}
}

// flakyChunks fails the first `fail` attempts of every chunk.
func flakyChunks(fail int) ChunkFunc[int, int] {
	attempts := &sync.Map{}
	return func(_ context.Context, chunk []int) ([]int, error) {
		v, _ := attempts.LoadOrStore(chunk[0], new(int32))
		n := atomic.AddInt32(v.(*int32), 1)
		if int(n) <= fail {
			return nil, fmt.Errorf("attempt %d failed", n)
		}
		out := make([]int, len(chunk))
		for i, item := range chunk {
			out[i] = item * 10
		}
		return out, nil
	}
}

func TestFetchRecoversBeforeRetryMax(t *testing.T) {
	items := []int{1, 2, 3, 4, 5, 6, 7}
	fetch := flakyChunks(2)
	cfg := Config{ConcurrencySize: 2, BatchSize: 3, ShouldRetry: true, RetryMax: 3, RetryOn: time.Millisecond, Stagger: -1}

	var retries int32
	cfg.OnRetry = func(int, int, error) { atomic.AddInt32(&retries, 1) }

	got, err := Fetch(context.Background(), items, fetch, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, v := range got {
		if v != items[i]*10 {
			t.Fatalf("result %d mismatch: %d", i, v)
		}
	}
	// 3 chunks, 2 failed attempts each
	if retries != 6 {
		t.Fatalf("expected 6 retries, got %d", retries)
	}
}

func TestFetchExhaustsRetries(t *testing.T) {
	items := []int{1, 2, 3, 4}
	fetch := flakyChunks(3)
	cfg := Config{ConcurrencySize: 2, BatchSize: 2, ShouldRetry: true, RetryMax: 3, RetryOn: time.Millisecond, Stagger: -1}

	got, err := Fetch(context.Background(), items, fetch, cfg)
	if !errors.Is(err, ErrNetworkExhausted) {
		t.Fatalf("expected ErrNetworkExhausted, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected partial results to be discarded, got %v", got)
	}
}

func TestFetchDegradesExhaustedChunk(t *testing.T) {
	items := []int{1, 2, 3, 4}
	cfg := Config{ConcurrencySize: 2, BatchSize: 2, ShouldRetry: true, RetryMax: 2, RetryOn: time.Millisecond, Stagger: -1, Degrade: true}

	var degraded []int
	var mu sync.Mutex
	cfg.OnDegraded = func(chunk int, err error) {
		mu.Lock()
		degraded = append(degraded, chunk)
		mu.Unlock()
	}

	fetch := func(_ context.Context, chunk []int) ([]int, error) {
		if chunk[0] == 3 {
			return nil, errors.New("window unavailable")
		}
		return []int{chunk[0] * 10, chunk[1] * 10}, nil
	}

	got, err := Fetch(context.Background(), items, fetch, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0] != 10 || got[1] != 20 || got[2] != 0 || got[3] != 0 {
		t.Fatalf("unexpected results: %v", got)
	}
	if len(degraded) != 1 || degraded[0] != 1 {
		t.Fatalf("degraded chunks mismatch: %v", degraded)
	}
}

func TestFetchStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetch := func(_ context.Context, chunk []int) ([]int, error) {
		return nil, errors.New("unreachable")
	}
	_, err := Fetch(ctx, []int{1}, fetch, Config{ConcurrencySize: 1, BatchSize: 1, ShouldRetry: true, RetryMax: 5, RetryOn: time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFetchValidatesConfig(t *testing.T) {
	fetch := func(_ context.Context, chunk []int) ([]int, error) { return chunk, nil }
	if _, err := Fetch(context.Background(), []int{1}, fetch, Config{ConcurrencySize: 1}); err == nil {
		t.Fatalf("expected error for zero batch size")
	}
	if _, err := Fetch(context.Background(), []int{1}, fetch, Config{BatchSize: 1}); err == nil {
		t.Fatalf("expected error for zero concurrency")
	}
}

// hashNode answers transaction and receipt lookups keyed by hash.
type hashNode struct{}

func (n *hashNode) BatchCallContext(_ context.Context, elems []rpc.BatchElem) error {
	for i := range elems {
		hash := elems[i].Args[0].(common.Hash)
		var payload []byte
		switch elems[i].Method {
		case "eth_getTransactionByHash":
			payload, _ = json.Marshal(map[string]interface{}{
				"hash":        hash.Hex(),
				"from":        common.BytesToAddress(hash[:20]).Hex(),
				"blockNumber": "0x10",
				"value":       "0x0",
			})
		case "eth_getTransactionReceipt":
			payload, _ = json.Marshal(map[string]interface{}{
				"transactionHash": hash.Hex(),
				"blockNumber":     "0x10",
				"from":            common.BytesToAddress(hash[:20]).Hex(),
				"status":          "0x1",
				"gasUsed":         "0x5208",
			})
		default:
			return fmt.Errorf("unexpected method %s", elems[i].Method)
		}
		if err := json.Unmarshal(payload, elems[i].Result); err != nil {
			return err
		}
	}
	return nil
}

func TestGetBatchTransactionsAndReceipts(t *testing.T) {
	hashes := []common.Hash{common.HexToHash("0xaa01"), common.HexToHash("0xbb02"), common.HexToHash("0xcc03")}
	cfg := Config{ConcurrencySize: 2, BatchSize: 2, Stagger: -1}
	node := &hashNode{}

	txs, err := GetBatchTransactions(context.Background(), node, hashes, cfg)
	if err != nil {
		t.Fatalf("transactions: %v", err)
	}
	receipts, err := GetBatchReceipts(context.Background(), node, hashes, cfg)
	if err != nil {
		t.Fatalf("receipts: %v", err)
	}
	if len(txs) != 3 || len(receipts) != 3 {
		t.Fatalf("expected 3 results each, got %d and %d", len(txs), len(receipts))
	}
	for i, h := range hashes {
		if txs[i].Hash != h || receipts[i].TransactionHash != h {
			t.Fatalf("result %d out of order", i)
		}
		if receipts[i].Status != 1 || uint64(receipts[i].GasUsed) != 21000 {
			t.Fatalf("unexpected receipt: %+v", receipts[i])
		}
	}
}
